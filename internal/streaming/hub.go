// Package streaming fans out live execution progress to subscribers:
// SSE handlers, the test CLI, anything watching a run. Publishing is
// fire-and-forget; a slow subscriber loses events, never blocks the
// interpreter.
package streaming

import (
	"context"

	"github.com/tessen/flowcore/pkg/schema"
)

// EventFilter narrows a subscription. Zero value receives everything.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub is pub/sub for execution progress events.
type EventHub interface {
	Publish(event schema.ProgressEvent)
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ProgressEvent, func(), error)
}
