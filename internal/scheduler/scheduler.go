// Package scheduler fires cron-triggered workflow executions. Multiple
// scheduler processes may run concurrently; a conditional claim on the
// schedule's next fire time guarantees each window fires at most once.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tessen/flowcore/internal/engine"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/pkg/schema"
)

// DefaultTickInterval is the due-schedule poll cadence.
const DefaultTickInterval = time.Second

// DefaultBatch bounds one poll pass.
const DefaultBatch = 50

// Starter is the interface the scheduler uses to launch executions.
// Satisfied by *engine.Engine.
type Starter interface {
	StartExecution(ctx context.Context, req engine.StartRequest) (*schema.Execution, error)
}

// Config tunes the scheduling loop.
type Config struct {
	TickInterval time.Duration // default 1s
	Batch        int           // due schedules per tick, default 50
}

// Scheduler polls the store for due schedules and fires them.
type Scheduler struct {
	store   store.Store
	starter Starter
	parser  cron.Parser
	tick    time.Duration
	batch   int
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler. The parser accepts standard 5-field
// expressions plus @hourly/@daily/@weekly/@monthly descriptors.
func NewScheduler(s store.Store, starter Starter, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   s,
		starter: starter,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tick:    cfg.TickInterval,
		batch:   cfg.Batch,
		logger:  logger,
	}
}

// CreateSchedule validates and persists a schedule, computing its first
// fire time from now.
func (s *Scheduler) CreateSchedule(ctx context.Context, sch *schema.Schedule) error {
	if sch.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires a workflow_id")
	}
	spec, loc, err := s.parse(sch.Cron, sch.Timezone)
	if err != nil {
		return err
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}
	if sch.CatchUp == "" {
		sch.CatchUp = schema.CatchUpSkip
	}
	now := time.Now().UTC()
	sch.NextFireAt = spec.Next(now.In(loc)).UTC()
	sch.CreatedAt = now
	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "schedule created",
		slog.String("schedule_id", sch.ID),
		slog.String("workflow_id", sch.WorkflowID),
		slog.String("cron", sch.Cron),
		slog.Time("next_fire_at", sch.NextFireAt),
	)
	return nil
}

// Validate checks a cron expression and timezone without persisting.
func (s *Scheduler) Validate(cronExpr, timezone string) error {
	_, _, err := s.parse(cronExpr, timezone)
	return err
}

// NextFires returns the next k fire times after from, for previewing a
// schedule before saving it.
func (s *Scheduler) NextFires(cronExpr, timezone string, from time.Time, k int) ([]time.Time, error) {
	spec, loc, err := s.parse(cronExpr, timezone)
	if err != nil {
		return nil, err
	}
	fires := make([]time.Time, 0, k)
	cursor := from.In(loc)
	for i := 0; i < k; i++ {
		cursor = spec.Next(cursor)
		if cursor.IsZero() {
			break
		}
		fires = append(fires, cursor.UTC())
	}
	return fires, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

// Stop shuts the loop down and waits for it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule once. Exported so a single pass can be
// driven directly in tests and recovery paths.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batch)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing due schedules failed", slog.String("error", err.Error()))
		return
	}
	for _, sch := range due {
		if err := s.fire(ctx, sch, now); err != nil {
			s.logger.ErrorContext(ctx, "firing schedule failed",
				slog.String("schedule_id", sch.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fire claims one due window and starts the execution. Losing the claim
// to a competing scheduler is silent.
func (s *Scheduler) fire(ctx context.Context, sch *schema.Schedule, now time.Time) error {
	spec, loc, err := s.parse(sch.Cron, sch.Timezone)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sch.ID, err)
	}

	// A window is missed when at least one whole window elapsed after
	// the scheduled fire. In skip mode the claim still advances past
	// now, but no execution starts for the stale window.
	missed := spec.Next(sch.NextFireAt.In(loc)).Before(now.In(loc))
	next := spec.Next(now.In(loc)).UTC()

	claimed, err := s.store.ClaimSchedule(ctx, sch.ID, sch.NextFireAt, next, now)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if missed && sch.CatchUp != schema.CatchUpFireOnce {
		s.logger.WarnContext(ctx, "skipping missed schedule window",
			slog.String("schedule_id", sch.ID),
			slog.Time("scheduled_for", sch.NextFireAt),
			slog.Time("next_fire_at", next),
		)
		return nil
	}

	exec, err := s.starter.StartExecution(ctx, engine.StartRequest{
		WorkflowID: sch.WorkflowID,
		Trigger:    schema.TriggerSchedule,
		Initiator:  "scheduler",
		Input: map[string]any{
			"schedule_id":   sch.ID,
			"scheduled_for": sch.NextFireAt.Format(time.RFC3339),
			"fired_at":      now.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("start execution for schedule %s: %w", sch.ID, err)
	}

	s.audit(ctx, sch, exec, now)
	s.logger.InfoContext(ctx, "schedule fired",
		slog.String("schedule_id", sch.ID),
		slog.String("workflow_id", sch.WorkflowID),
		slog.String("execution_id", exec.ID),
		slog.Time("next_fire_at", next),
	)
	return nil
}

func (s *Scheduler) audit(ctx context.Context, sch *schema.Schedule, exec *schema.Execution, firedAt time.Time) {
	entry := &schema.AuditEntry{
		Timestamp:  firedAt,
		Actor:      "scheduler",
		Action:     schema.AuditScheduleFired,
		EntityKind: "schedule",
		EntityID:   sch.ID,
		Detail: map[string]any{
			"workflow_id":  sch.WorkflowID,
			"execution_id": exec.ID,
		},
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.WarnContext(ctx, "audit append failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) parse(cronExpr, timezone string) (cron.Schedule, *time.Location, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown timezone %q", timezone).WithCause(err)
		}
	}
	spec, err := s.parser.Parse(cronExpr)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", cronExpr).WithCause(err)
	}
	return spec, loc, nil
}
