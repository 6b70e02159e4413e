package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tessen/flowcore/pkg/schema"
)

// RegisterBuiltins registers the built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Action{
		NewHTTPRequestAction(httpCfg),
		&LogMessageAction{},
	}
	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// LogMessageAction implements "log.message": writes a line to the
// structured log and echoes its params back as output.
type LogMessageAction struct {
	Logger *slog.Logger
}

func (a *LogMessageAction) Name() string { return "log.message" }

func (a *LogMessageAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Write a message to the engine log.",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "level": {"type": "string", "enum": ["debug","info","warn","error"], "default": "info"}
  },
  "required": ["message"]
}`),
	}
}

func (a *LogMessageAction) Validate(input map[string]any) error {
	if stringParam(input, "message", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "log.message: missing required param 'message'")
	}
	return nil
}

func (a *LogMessageAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}

	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	msg := stringParam(input.Params, "message", "")
	attrs := []any{}
	if eid, ok := input.Context["execution_id"].(string); ok {
		attrs = append(attrs, slog.String("execution_id", eid))
	}

	switch stringParam(input.Params, "level", "info") {
	case "debug":
		logger.DebugContext(ctx, msg, attrs...)
	case "warn":
		logger.WarnContext(ctx, msg, attrs...)
	case "error":
		logger.ErrorContext(ctx, msg, attrs...)
	default:
		logger.InfoContext(ctx, msg, attrs...)
	}

	data, _ := json.Marshal(map[string]any{"logged": true, "message": msg})
	return &ActionOutput{Data: data}, nil
}
