package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tessen/flowcore/internal/actions"
	"github.com/tessen/flowcore/internal/engine"
	"github.com/tessen/flowcore/internal/expressions"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/internal/validation"
	"github.com/tessen/flowcore/internal/waits"
	"github.com/tessen/flowcore/pkg/schema"
)

func newTestCmd() *cobra.Command {
	var workflowPath string
	var inputJSON string

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Validate and dry-run a workflow definition",
		Long: `Validates a workflow file and executes it against an in-memory
store. Side effects are recorded, not performed: apiCall, crud and
notification steps are intercepted, approvals auto-approve and waits
are skipped. Exits 2 when validation fails.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTest(cmd, workflowPath, inputJSON)
		},
	}
	cmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "path to the workflow JSON file")
	cmd.Flags().StringVarP(&inputJSON, "input", "i", "{}", "execution input as a JSON object")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func runTest(cmd *cobra.Command, workflowPath, inputJSON string) error {
	data, err := os.ReadFile(workflowPath)
	if err != nil {
		return err
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal(data, wf); err != nil {
		return &exitError{err: fmt.Errorf("parse workflow: %w", err), code: 2}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Errorf("parse input: %w", err)
	}

	eng, err := buildDryRunEngine()
	if err != nil {
		return err
	}
	result, err := eng.TestWorkflow(cmd.Context(), wf, input)
	if err != nil {
		var engErr *schema.EngineError
		if errors.As(err, &engErr) && engErr.Code == schema.ErrCodeValidation {
			printValidationFailure(cmd.ErrOrStderr(), engErr)
			return &exitError{err: err, code: 2}
		}
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if result.Status == schema.ExecutionStatusFailed {
		return &exitError{err: errors.New(result.Error), code: 1}
	}
	return nil
}

// buildDryRunEngine wires a throwaway in-memory stack for dry runs.
func buildDryRunEngine() (*engine.Engine, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()

	eval, err := expressions.NewEvaluator(expressions.Limits{})
	if err != nil {
		return nil, err
	}
	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.HTTPConfig{}); err != nil {
		return nil, err
	}
	executor := engine.NewExecutor(st, eval, registry, actions.NewMemoryCRUD(),
		&actions.LogNotifier{Logger: logger}, engine.ExecutorConfig{}, logger)
	interp := engine.NewInterpreter(st, executor, engine.NopSink{}, engine.InterpreterConfig{}, logger)

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return nil, err
	}
	return engine.NewEngine(st, interp, waits.NewManager(st, logger), validator, logger), nil
}

func printValidationFailure(w io.Writer, engErr *schema.EngineError) {
	fmt.Fprintln(w, "workflow is invalid:")
	if violations, ok := engErr.Details["violations"].([]string); ok {
		for _, v := range violations {
			fmt.Fprintln(w, "  -", v)
		}
	} else {
		fmt.Fprintln(w, "  -", engErr.Message)
	}
	if warnings, ok := engErr.Details["warnings"].([]string); ok {
		for _, v := range warnings {
			fmt.Fprintln(w, "  ~", v)
		}
	}
}
