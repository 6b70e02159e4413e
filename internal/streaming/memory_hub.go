package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tessen/flowcore/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.ProgressEvent
	filter EventFilter
}

// MemoryHub is the in-process EventHub. It also satisfies the
// interpreter's event sink, so wiring is one assignment.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64

	published atomic.Int64
	dropped   atomic.Int64
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscriber)}
}

// Publish delivers event to every matching subscriber. A full
// subscriber channel drops the event for that subscriber only.
func (h *MemoryHub) Publish(event schema.ProgressEvent) {
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a filtered subscription. The returned cancel
// removes it; the channel is never closed by the hub.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ProgressEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.ProgressEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}

// Dropped reports events lost to slow subscribers.
func (h *MemoryHub) Dropped() int64 { return h.dropped.Load() }

func matchFilter(f EventFilter, e schema.ProgressEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
