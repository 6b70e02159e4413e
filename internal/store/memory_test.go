package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessen/flowcore/pkg/schema"
)

func newExec(id, workflowID string, status schema.ExecutionStatus, createdAt time.Time) *schema.Execution {
	return &schema.Execution{
		ID:         id,
		WorkflowID: workflowID,
		Status:     status,
		Trigger:    schema.TriggerManual,
		Context:    schema.NewExecutionContext(nil, nil),
		CreatedAt:  createdAt,
	}
}

func TestMemoryStore_WorkflowVersioning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v1 := &schema.Workflow{ID: "wf1", Version: 1, Name: "one", Status: schema.WorkflowStatusActive}
	v2 := &schema.Workflow{ID: "wf1", Version: 2, Name: "two", Status: schema.WorkflowStatusActive}
	require.NoError(t, s.SaveWorkflow(ctx, v1))
	require.NoError(t, s.SaveWorkflow(ctx, v2))

	latest, err := s.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	pinned, err := s.GetWorkflowVersion(ctx, "wf1", 1)
	require.NoError(t, err)
	assert.Equal(t, "one", pinned.Name)
}

func TestMemoryStore_ClaimExecution_Exclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, newExec("ex1", "wf1", schema.ExecutionStatusPending, time.Now())))

	_, err := s.ClaimExecution(ctx, "ex1", "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = s.ClaimExecution(ctx, "ex1", "worker-b", time.Minute)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))

	// Same worker may re-claim its own lease.
	_, err = s.ClaimExecution(ctx, "ex1", "worker-a", time.Minute)
	assert.NoError(t, err)
}

func TestMemoryStore_ClaimExecution_ExpiredLease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, newExec("ex1", "wf1", schema.ExecutionStatusPending, time.Now())))
	_, err := s.ClaimExecution(ctx, "ex1", "worker-a", -time.Second)
	require.NoError(t, err)

	_, err = s.ClaimExecution(ctx, "ex1", "worker-b", time.Minute)
	assert.NoError(t, err, "expired lease must be claimable")
}

func TestMemoryStore_UpdateExecution_StaleLease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exec := newExec("ex1", "wf1", schema.ExecutionStatusPending, time.Now())
	require.NoError(t, s.CreateExecution(ctx, exec))
	_, err := s.ClaimExecution(ctx, "ex1", "worker-a", time.Minute)
	require.NoError(t, err)

	exec.Status = schema.ExecutionStatusRunning
	err = s.UpdateExecution(ctx, exec, "worker-b")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStaleLease, schema.CodeOf(err))

	assert.NoError(t, s.UpdateExecution(ctx, exec, "worker-a"))
}

func TestMemoryStore_ListExecutions_Ordering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateExecution(ctx, newExec("a", "wf1", schema.ExecutionStatusPending, now.Add(-2*time.Hour))))
	require.NoError(t, s.CreateExecution(ctx, newExec("b", "wf1", schema.ExecutionStatusPending, now)))
	// Same timestamp as "b": id DESC breaks the tie deterministically.
	require.NoError(t, s.CreateExecution(ctx, newExec("c", "wf1", schema.ExecutionStatusPending, now)))

	out, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf1"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].ID)
	assert.Equal(t, "b", out[1].ID)
	assert.Equal(t, "a", out[2].ID)
}

func TestMemoryStore_AppendLog_MonotonicSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendLog(ctx, &schema.LogEntry{ExecutionID: "ex1", Level: schema.LogInfo, Message: "m"})
		}()
	}
	wg.Wait()

	logs, err := s.GetLogs(ctx, "ex1", 0, 0)
	require.NoError(t, err)
	require.Len(t, logs, 20)
	for i, e := range logs {
		assert.Equal(t, int64(i+1), e.Seq, "sequence must be contiguous and monotonic")
	}
}

func TestMemoryStore_GetLogs_Cursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendLog(ctx, &schema.LogEntry{ExecutionID: "ex1", Level: schema.LogInfo, Message: "m"}))
	}

	page, err := s.GetLogs(ctx, "ex1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)
}

func TestMemoryStore_ClaimSchedule_AtMostOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	fire := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	next := fire.Add(time.Hour)

	require.NoError(t, s.CreateSchedule(ctx, &schema.Schedule{
		ID: "sch1", WorkflowID: "wf1", Cron: "0 * * * *", Enabled: true, NextFireAt: fire,
	}))

	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimSchedule(ctx, "sch1", fire, next, fire)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins, "exactly one competing scheduler claims the fire")
}

func TestMemoryStore_PurgeBefore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	done := newExec("old", "wf1", schema.ExecutionStatusCompleted, old)
	done.EndedAt = &old
	require.NoError(t, s.CreateExecution(ctx, done))
	require.NoError(t, s.AppendLog(ctx, &schema.LogEntry{ExecutionID: "old", Level: schema.LogInfo, Message: "m"}))

	fresh := newExec("fresh", "wf1", schema.ExecutionStatusCompleted, recent)
	fresh.EndedAt = &recent
	require.NoError(t, s.CreateExecution(ctx, fresh))

	running := newExec("run", "wf1", schema.ExecutionStatusRunning, old)
	require.NoError(t, s.CreateExecution(ctx, running))

	n, err := s.PurgeBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetExecution(ctx, "old")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	_, err = s.GetExecution(ctx, "fresh")
	assert.NoError(t, err)
	_, err = s.GetExecution(ctx, "run")
	assert.NoError(t, err, "non-terminal executions survive retention")
}
