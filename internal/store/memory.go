package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tessen/flowcore/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and dry runs. Data is
// deep-copied through JSON on the execution paths that matter (contexts),
// so callers cannot mutate stored state behind the store's back.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string][]*schema.Workflow // id -> versions ascending
	wfStatus   map[string]schema.WorkflowStatus
	executions map[string]*schema.Execution
	logs       map[string][]*schema.LogEntry
	schedules  map[string]*schema.Schedule
	webhooks   map[string]*schema.WebhookConfig
	audit      []*schema.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:  make(map[string][]*schema.Workflow),
		wfStatus:   make(map[string]schema.WorkflowStatus),
		executions: make(map[string]*schema.Execution),
		logs:       make(map[string][]*schema.LogEntry),
		schedules:  make(map[string]*schema.Schedule),
		webhooks:   make(map[string]*schema.WebhookConfig),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// --- Workflows ---

func (s *MemoryStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.workflows[wf.ID] = append(s.workflows[wf.ID], &cp)
	s.wfStatus[wf.ID] = wf.Status
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.workflows[id]
	if len(versions) == 0 {
		return nil, storeNotFound("workflow", id)
	}
	cp := *versions[len(versions)-1]
	cp.Status = s.wfStatus[id]
	return &cp, nil
}

func (s *MemoryStore) GetWorkflowVersion(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wf := range s.workflows[id] {
		if wf.Version == version {
			cp := *wf
			cp.Status = s.wfStatus[id]
			return &cp, nil
		}
	}
	return nil, storeNotFound("workflow", id)
}

func (s *MemoryStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Workflow
	for id, versions := range s.workflows {
		wf := *versions[len(versions)-1]
		wf.Status = s.wfStatus[id]
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.Trigger != nil && wf.Trigger != *filter.Trigger {
			continue
		}
		out = append(out, &wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.workflows[id]) == 0 {
		return storeNotFound("workflow", id)
	}
	s.wfStatus[id] = status
	return nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", exec.ID)
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	return copyExecution(exec), nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, exec *schema.Execution, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[exec.ID]
	if !ok {
		return storeNotFound("execution", exec.ID)
	}
	if workerID != "" && (cur.Lease == nil || cur.Lease.WorkerID != workerID) {
		return schema.NewErrorf(schema.ErrCodeStaleLease,
			"execution %s is no longer leased by %s", exec.ID, workerID)
	}
	next := copyExecution(exec)
	next.Lease = cur.Lease
	next.CancelRequested = cur.CancelRequested
	s.executions[exec.ID] = next
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Execution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Initiator != "" && exec.Initiator != filter.Initiator {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !exec.CreatedAt.Before(*filter.Until) {
			continue
		}
		out = append(out, copyExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok || exec.Status.Terminal() {
		return storeNotFound("execution", id)
	}
	exec.CancelRequested = true
	return nil
}

// --- Leases ---

func (s *MemoryStore) ClaimExecution(ctx context.Context, id, workerID string, ttl time.Duration) (*schema.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, storeNotFound("execution", id)
	}
	now := time.Now().UTC()
	if exec.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is terminal", id)
	}
	if exec.Lease != nil && exec.Lease.WorkerID != workerID && !exec.Lease.Expired(now) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is leased by another worker", id)
	}
	exec.Lease = &schema.Lease{WorkerID: workerID, ExpiresAt: now.Add(ttl)}
	return copyExecution(exec), nil
}

func (s *MemoryStore) ExtendLease(ctx context.Context, id, workerID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok || exec.Lease == nil || exec.Lease.WorkerID != workerID {
		return schema.NewErrorf(schema.ErrCodeStaleLease,
			"execution %s is no longer leased by %s", id, workerID)
	}
	exec.Lease.ExpiresAt = time.Now().UTC().Add(ttl)
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if ok && exec.Lease != nil && exec.Lease.WorkerID == workerID {
		exec.Lease = nil
	}
	return nil
}

func (s *MemoryStore) ListClaimable(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var candidates []*schema.Execution
	for _, exec := range s.executions {
		if exec.Status != schema.ExecutionStatusPending {
			continue
		}
		if exec.Lease != nil && !exec.Lease.Expired(now) {
			continue
		}
		candidates = append(candidates, exec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	var ids []string
	for i, exec := range candidates {
		if limit > 0 && i >= limit {
			break
		}
		ids = append(ids, exec.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ListWaitingDue(ctx context.Context, before time.Time, limit int) ([]*schema.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Execution
	for _, exec := range s.executions {
		if exec.Status != schema.ExecutionStatusWaiting {
			continue
		}
		// Only timed waits come due; signal and child waits are woken
		// explicitly when their resolution arrives.
		if exec.Wait == nil || exec.Wait.ResumeAt == nil || exec.Wait.ResumeAt.After(before) {
			continue
		}
		out = append(out, copyExecution(exec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Logs ---

func (s *MemoryStore) AppendLog(ctx context.Context, entry *schema.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.Seq = int64(len(s.logs[entry.ExecutionID])) + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	entry.Seq = cp.Seq
	s.logs[entry.ExecutionID] = append(s.logs[entry.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) GetLogs(ctx context.Context, executionID string, afterSeq int64, limit int) ([]*schema.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 200
	}
	var out []*schema.LogEntry
	for _, e := range s.logs[executionID] {
		if e.Seq <= afterSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Schedules ---

func (s *MemoryStore) CreateSchedule(ctx context.Context, sch *schema.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sch
	s.schedules[sch.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sch, ok := s.schedules[id]
	if !ok {
		return nil, storeNotFound("schedule", id)
	}
	cp := *sch
	return &cp, nil
}

func (s *MemoryStore) UpdateSchedule(ctx context.Context, sch *schema.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sch.ID]; !ok {
		return storeNotFound("schedule", sch.ID)
	}
	cp := *sch
	s.schedules[sch.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return storeNotFound("schedule", id)
	}
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*schema.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Schedule
	for _, sch := range s.schedules {
		if enabledOnly && !sch.Enabled {
			continue
		}
		cp := *sch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextFireAt.Before(out[j].NextFireAt) })
	return out, nil
}

func (s *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*schema.Schedule, error) {
	all, _ := s.ListSchedules(ctx, true)
	var out []*schema.Schedule
	for _, sch := range all {
		if sch.NextFireAt.After(now) {
			continue
		}
		out = append(out, sch)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimSchedule(ctx context.Context, id string, expectedFire, nextFire, firedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok || !sch.Enabled || !sch.NextFireAt.Equal(expectedFire) {
		return false, nil
	}
	sch.NextFireAt = nextFire
	fired := firedAt
	sch.LastFiredAt = &fired
	return true, nil
}

// --- Webhooks ---

func (s *MemoryStore) SaveWebhook(ctx context.Context, cfg *schema.WebhookConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.webhooks[cfg.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWebhook(ctx context.Context, id string) (*schema.WebhookConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.webhooks[id]
	if !ok {
		return nil, storeNotFound("webhook", id)
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) DeleteWebhook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return storeNotFound("webhook", id)
	}
	delete(s.webhooks, id)
	return nil
}

// --- Audit ---

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *schema.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*schema.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.EntityKind != "" && e.EntityKind != filter.EntityKind {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Maintenance ---

func (s *MemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, exec := range s.executions {
		if !exec.Status.Terminal() || exec.EndedAt == nil || !exec.EndedAt.Before(cutoff) {
			continue
		}
		delete(s.executions, id)
		delete(s.logs, id)
		n++
	}
	return n, nil
}

// --- helpers ---

func copyExecution(exec *schema.Execution) *schema.Execution {
	cp := *exec
	cp.Context = exec.Context.Clone()
	cp.CompletedStepIDs = append([]string(nil), exec.CompletedStepIDs...)
	cp.FailedStepIDs = append([]string(nil), exec.FailedStepIDs...)
	if exec.Lease != nil {
		l := *exec.Lease
		cp.Lease = &l
	}
	if exec.Wait != nil {
		w := *exec.Wait
		cp.Wait = &w
	}
	return &cp
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
