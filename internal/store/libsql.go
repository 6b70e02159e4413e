package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tessen/flowcore/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db     *sql.DB
	cipher SecretCipher
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db". cipher guards
// webhook secrets at rest and must not be nil.
func NewLibSQLStore(dbPath string, cipher SecretCipher) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, cipher: cipher}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, version, name, status, trigger, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Version, wf.Name, string(wf.Status), string(wf.Trigger),
		string(def), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT definition, status FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`, id), id)
}

func (s *LibSQLStore) GetWorkflowVersion(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	return s.scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT definition, status FROM workflows WHERE id = ? AND version = ?`, id, version), id)
}

func (s *LibSQLStore) scanWorkflow(row *sql.Row, id string) (*schema.Workflow, error) {
	var defJSON, status string
	err := row.Scan(&defJSON, &status)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	// status is mutable independently of the immutable version rows
	wf.Status = schema.WorkflowStatus(status)
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "w.status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Trigger != nil {
		where = append(where, "w.trigger = ?")
		args = append(args, string(*filter.Trigger))
	}

	// Latest version per workflow id.
	query := `SELECT w.definition, w.status FROM workflows w
	 JOIN (SELECT id, MAX(version) AS v FROM workflows GROUP BY id) latest
	   ON w.id = latest.id AND w.version = latest.v`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY w.created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		var defJSON, status string
		if err := rows.Scan(&defJSON, &status); err != nil {
			return nil, err
		}
		wf := &schema.Workflow{}
		if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		wf.Status = schema.WorkflowStatus(status)
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) SetWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

const executionCols = `id, workflow_id, workflow_version, status, context, current_step_id,
 completed_steps, failed_steps, iterations, trigger, initiator, parent_id, retry_of_id,
 dry_run, cancel_requested, error, error_code, wait, lease_worker, lease_expires_at,
 created_at, started_at, ended_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	ctxJSON, err := marshalOrNil(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	completed, _ := json.Marshal(exec.CompletedStepIDs)
	failed, _ := json.Marshal(exec.FailedStepIDs)
	waitJSON, err := marshalOrNil(exec.Wait)
	if err != nil {
		return fmt.Errorf("marshal wait: %w", err)
	}

	var leaseWorker any
	var leaseExpires any
	if exec.Lease != nil {
		leaseWorker = exec.Lease.WorkerID
		leaseExpires = exec.Lease.ExpiresAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status),
		ctxJSON, nullStr(exec.CurrentStepID), string(completed), string(failed),
		exec.Iterations, string(exec.Trigger), nullStr(exec.Initiator),
		nullStr(exec.ParentID), nullStr(exec.RetryOfID),
		boolInt(exec.DryRun), boolInt(exec.CancelRequested),
		nullStr(exec.Error), nullStr(exec.ErrorCode), waitJSON,
		leaseWorker, leaseExpires,
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.EndedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionCols+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecutionRow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, exec *schema.Execution, workerID string) error {
	ctxJSON, err := marshalOrNil(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	completed, _ := json.Marshal(exec.CompletedStepIDs)
	failed, _ := json.Marshal(exec.FailedStepIDs)
	waitJSON, err := marshalOrNil(exec.Wait)
	if err != nil {
		return fmt.Errorf("marshal wait: %w", err)
	}

	query := `UPDATE executions SET status = ?, context = ?, current_step_id = ?,
	 completed_steps = ?, failed_steps = ?, iterations = ?, error = ?, error_code = ?,
	 wait = ?, started_at = ?, ended_at = ? WHERE id = ?`
	args := []any{
		string(exec.Status), ctxJSON, nullStr(exec.CurrentStepID),
		string(completed), string(failed), exec.Iterations,
		nullStr(exec.Error), nullStr(exec.ErrorCode), waitJSON,
		nullTime(exec.StartedAt), nullTime(exec.EndedAt), exec.ID,
	}
	if workerID != "" {
		query += ` AND lease_worker = ?`
		args = append(args, workerID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if workerID == "" {
			return storeNotFound("execution", exec.ID)
		}
		return schema.NewErrorf(schema.ErrCodeStaleLease,
			"execution %s is no longer leased by %s", exec.ID, workerID)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Initiator != "" {
		where = append(where, "initiator = ?")
		args = append(args, filter.Initiator)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		where = append(where, "created_at < ?")
		args = append(args, *filter.Until)
	}

	query := `SELECT ` + executionCols + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*schema.Execution
	for rows.Next() {
		exec, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func (s *LibSQLStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET cancel_requested = 1
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// --- Leases ---

func (s *LibSQLStore) ClaimExecution(ctx context.Context, id, workerID string, ttl time.Duration) (*schema.Execution, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET lease_worker = ?, lease_expires_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
		   AND (lease_worker IS NULL OR lease_worker = ? OR lease_expires_at < ?)`,
		workerID, now.Add(ttl), id, workerID, now,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is leased by another worker", id)
	}
	return s.GetExecution(ctx, id)
}

func (s *LibSQLStore) ExtendLease(ctx context.Context, id, workerID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET lease_expires_at = ? WHERE id = ? AND lease_worker = ?`,
		time.Now().UTC().Add(ttl), id, workerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeStaleLease,
			"execution %s is no longer leased by %s", id, workerID)
	}
	return nil
}

func (s *LibSQLStore) ReleaseLease(ctx context.Context, id, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET lease_worker = NULL, lease_expires_at = NULL
		 WHERE id = ? AND lease_worker = ?`, id, workerID,
	)
	return err
}

func (s *LibSQLStore) ListClaimable(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions
		 WHERE status = 'pending' AND (lease_worker IS NULL OR lease_expires_at < ?)
		 ORDER BY created_at ASC LIMIT ?`,
		time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *LibSQLStore) ListWaitingDue(ctx context.Context, before time.Time, limit int) ([]*schema.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionCols+` FROM executions
		 WHERE status = 'waiting'
		 ORDER BY created_at ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*schema.Execution
	for rows.Next() {
		exec, err := scanExecutionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		// resume_at lives inside the wait JSON; filter here. Only timed
		// waits come due; signal and child waits are woken explicitly.
		if exec.Wait == nil || exec.Wait.ResumeAt == nil || exec.Wait.ResumeAt.After(before) {
			continue
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// --- Execution logs ---

func (s *LibSQLStore) AppendLog(ctx context.Context, entry *schema.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this execution, assigned inside the tx.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_logs WHERE execution_id = ?`,
		entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next seq: %w", err)
	}
	entry.Seq = seq

	dataJSON, err := marshalOrNil(entry.Data)
	if err != nil {
		return fmt.Errorf("marshal log data: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, seq, timestamp, level, step_id, message, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, seq, timeOrNow(entry.Timestamp), string(entry.Level),
		nullStr(entry.StepID), entry.Message, dataJSON,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetLogs(ctx context.Context, executionID string, afterSeq int64, limit int) ([]*schema.LogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, seq, timestamp, level, step_id, message, data
		 FROM execution_logs WHERE execution_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		executionID, afterSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*schema.LogEntry
	for rows.Next() {
		e := &schema.LogEntry{}
		var stepID, data sql.NullString
		var level string
		if err := rows.Scan(&e.ExecutionID, &e.Seq, &e.Timestamp, &level, &stepID, &e.Message, &data); err != nil {
			return nil, err
		}
		e.Level = schema.LogLevel(level)
		e.StepID = stepID.String
		if data.Valid && data.String != "" {
			_ = json.Unmarshal([]byte(data.String), &e.Data)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sch *schema.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, cron, timezone, enabled, catch_up, next_fire_at, last_fired_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.WorkflowID, sch.Cron, nullStr(sch.Timezone), boolInt(sch.Enabled),
		nullStr(string(sch.CatchUp)), sch.NextFireAt.UTC(), nullTime(sch.LastFiredAt), timeOrNow(sch.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron, timezone, enabled, catch_up, next_fire_at, last_fired_at, created_at
		 FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, sch *schema.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET cron = ?, timezone = ?, enabled = ?, catch_up = ?,
		 next_fire_at = ?, last_fired_at = ? WHERE id = ?`,
		sch.Cron, nullStr(sch.Timezone), boolInt(sch.Enabled), nullStr(string(sch.CatchUp)),
		sch.NextFireAt.UTC(), nullTime(sch.LastFiredAt), sch.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", sch.ID)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*schema.Schedule, error) {
	query := `SELECT id, workflow_id, cron, timezone, enabled, catch_up, next_fire_at, last_fired_at, created_at FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY next_fire_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *LibSQLStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*schema.Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, cron, timezone, enabled, catch_up, next_fire_at, last_fired_at, created_at
		 FROM schedules WHERE enabled = 1 AND next_fire_at <= ?
		 ORDER BY next_fire_at ASC LIMIT ?`, now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *LibSQLStore) ClaimSchedule(ctx context.Context, id string, expectedFire, nextFire, firedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET next_fire_at = ?, last_fired_at = ?
		 WHERE id = ? AND enabled = 1 AND next_fire_at = ?`,
		nextFire.UTC(), firedAt.UTC(), id, expectedFire.UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- Webhooks ---

func (s *LibSQLStore) SaveWebhook(ctx context.Context, cfg *schema.WebhookConfig) error {
	sealed, err := s.cipher.Encrypt([]byte(cfg.Secret))
	if err != nil {
		return fmt.Errorf("encrypt webhook secret: %w", err)
	}
	cidrs, _ := json.Marshal(cfg.AllowedCIDRs)
	headers, _ := json.Marshal(cfg.RequiredHeaders)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, workflow_id, secret, allowed_cidrs, required_headers, input_mapping, rate_limit, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, secret=excluded.secret,
		   allowed_cidrs=excluded.allowed_cidrs, required_headers=excluded.required_headers,
		   input_mapping=excluded.input_mapping, rate_limit=excluded.rate_limit,
		   enabled=excluded.enabled`,
		cfg.ID, cfg.WorkflowID, sealed, string(cidrs), string(headers),
		nullStr(cfg.InputMapping), cfg.RateLimit, boolInt(cfg.Enabled), timeOrNow(cfg.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWebhook(ctx context.Context, id string) (*schema.WebhookConfig, error) {
	cfg := &schema.WebhookConfig{}
	var sealed []byte
	var cidrs, headers, mapping sql.NullString
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, secret, allowed_cidrs, required_headers, input_mapping, rate_limit, enabled, created_at
		 FROM webhooks WHERE id = ?`, id,
	).Scan(&cfg.ID, &cfg.WorkflowID, &sealed, &cidrs, &headers, &mapping, &cfg.RateLimit, &enabled, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("webhook", id)
	}
	if err != nil {
		return nil, err
	}
	secret, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt webhook secret: %w", err)
	}
	cfg.Secret = string(secret)
	cfg.Enabled = enabled == 1
	cfg.InputMapping = mapping.String
	if cidrs.Valid && cidrs.String != "" {
		_ = json.Unmarshal([]byte(cidrs.String), &cfg.AllowedCIDRs)
	}
	if headers.Valid && headers.String != "" {
		_ = json.Unmarshal([]byte(headers.String), &cfg.RequiredHeaders)
	}
	return cfg, nil
}

func (s *LibSQLStore) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "webhook", id)
}

// --- Audit ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *schema.AuditEntry) error {
	detail, err := marshalOrNil(entry.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, timestamp, actor, action, entity_kind, entity_id, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, timeOrNow(entry.Timestamp), entry.Actor, entry.Action,
		entry.EntityKind, entry.EntityID, detail,
	)
	return err
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*schema.AuditEntry, error) {
	var where []string
	var args []any

	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityKind != "" {
		where = append(where, "entity_kind = ?")
		args = append(args, filter.EntityKind)
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, timestamp, actor, action, entity_kind, entity_id, detail FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*schema.AuditEntry
	for rows.Next() {
		e := &schema.AuditEntry{}
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.EntityKind, &e.EntityID, &detail); err != nil {
			return nil, err
		}
		if detail.Valid && detail.String != "" {
			_ = json.Unmarshal([]byte(detail.String), &e.Detail)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Maintenance ---

func (s *LibSQLStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM execution_logs WHERE execution_id IN (
		   SELECT id FROM executions
		   WHERE status IN ('completed', 'failed', 'cancelled') AND ended_at < ?)`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM executions
		 WHERE status IN ('completed', 'failed', 'cancelled') AND ended_at < ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// --- Scan helpers ---

func scanExecutionRow(scan func(dest ...any) error) (*schema.Execution, error) {
	e := &schema.Execution{}
	var (
		ctxJSON, waitJSON                           sql.NullString
		currentStep, initiator, parentID, retryOfID sql.NullString
		errMsg, errCode, leaseWorker                sql.NullString
		completed, failed                           sql.NullString
		status, trigger                             string
		dryRun, cancelReq                           int
		leaseExpires, startedAt, endedAt            sql.NullTime
	)
	err := scan(&e.ID, &e.WorkflowID, &e.WorkflowVersion, &status, &ctxJSON, &currentStep,
		&completed, &failed, &e.Iterations, &trigger, &initiator, &parentID, &retryOfID,
		&dryRun, &cancelReq, &errMsg, &errCode, &waitJSON, &leaseWorker, &leaseExpires,
		&e.CreatedAt, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.Trigger = schema.TriggerKind(trigger)
	e.CurrentStepID = currentStep.String
	e.Initiator = initiator.String
	e.ParentID = parentID.String
	e.RetryOfID = retryOfID.String
	e.DryRun = dryRun == 1
	e.CancelRequested = cancelReq == 1
	e.Error = errMsg.String
	e.ErrorCode = errCode.String
	if ctxJSON.Valid && ctxJSON.String != "" {
		e.Context = &schema.ExecutionContext{}
		if err := json.Unmarshal([]byte(ctxJSON.String), e.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if completed.Valid && completed.String != "" {
		_ = json.Unmarshal([]byte(completed.String), &e.CompletedStepIDs)
	}
	if failed.Valid && failed.String != "" {
		_ = json.Unmarshal([]byte(failed.String), &e.FailedStepIDs)
	}
	if waitJSON.Valid && waitJSON.String != "" {
		e.Wait = &schema.WaitState{}
		if err := json.Unmarshal([]byte(waitJSON.String), e.Wait); err != nil {
			return nil, fmt.Errorf("unmarshal wait: %w", err)
		}
	}
	if leaseWorker.Valid && leaseWorker.String != "" && leaseExpires.Valid {
		e.Lease = &schema.Lease{WorkerID: leaseWorker.String, ExpiresAt: leaseExpires.Time}
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		e.EndedAt = &endedAt.Time
	}
	return e, nil
}

func scanSchedule(scan func(dest ...any) error) (*schema.Schedule, error) {
	sch := &schema.Schedule{}
	var tz, catchUp sql.NullString
	var enabled int
	var lastFired sql.NullTime
	err := scan(&sch.ID, &sch.WorkflowID, &sch.Cron, &tz, &enabled, &catchUp,
		&sch.NextFireAt, &lastFired, &sch.CreatedAt)
	if err != nil {
		return nil, err
	}
	sch.Timezone = tz.String
	sch.Enabled = enabled == 1
	sch.CatchUp = schema.CatchUpMode(catchUp.String)
	if lastFired.Valid {
		sch.LastFiredAt = &lastFired.Time
	}
	return sch, nil
}

func scanSchedules(rows *sql.Rows) ([]*schema.Schedule, error) {
	var schedules []*schema.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sch)
	}
	return schedules, rows.Err()
}

// --- Value helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalOrNil(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch m := v.(type) {
	case map[string]any:
		if len(m) == 0 {
			return nil, nil
		}
	case *schema.ExecutionContext:
		if m == nil {
			return nil, nil
		}
	case *schema.WaitState:
		if m == nil {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

var _ Store = (*LibSQLStore)(nil)
