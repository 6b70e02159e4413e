package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tessen/flowcore/internal/actions"
	"github.com/tessen/flowcore/internal/audit"
	"github.com/tessen/flowcore/internal/cache"
	"github.com/tessen/flowcore/internal/engine"
	"github.com/tessen/flowcore/internal/expressions"
	"github.com/tessen/flowcore/internal/prefetch"
	"github.com/tessen/flowcore/internal/scheduler"
	"github.com/tessen/flowcore/internal/secrets"
	"github.com/tessen/flowcore/internal/store"
	"github.com/tessen/flowcore/internal/streaming"
	"github.com/tessen/flowcore/internal/validation"
	"github.com/tessen/flowcore/internal/waits"
	"github.com/tessen/flowcore/internal/webhook"
	"github.com/tessen/flowcore/pkg/schema"
)

// stack is the wired engine: everything both the worker and the
// standalone scheduler commands need.
type stack struct {
	cfg      Config
	logger   *slog.Logger
	db       *store.LibSQLStore
	store    store.Store
	tiers    *cache.TieredCache
	metrics  *audit.Metrics
	recorder *audit.Recorder
	eval     *expressions.Evaluator
	hub      *streaming.MemoryHub
	interp   *engine.Interpreter
	waits    *waits.Manager
	engine   *engine.Engine
	sched    *scheduler.Scheduler
}

func buildStack(ctx context.Context, cfg Config, logger *slog.Logger) (*stack, error) {
	key, err := cfg.secretKey()
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if key == nil {
		if key, err = loadOrCreateKey(filepath.Join(flowcoreDir(), "secret.key")); err != nil {
			return nil, err
		}
	}
	vault, err := secrets.NewAESVault(secrets.VaultConfig{MasterKey: key})
	if err != nil {
		return nil, err
	}

	db, err := store.NewLibSQLStore("file:"+cfg.DBPath, vault)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var warm *redis.Client
	if cfg.RedisAddr != "" {
		warm = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	tiers := cache.NewTieredCache(warm, cache.Config{}, logger)
	metrics := audit.NewMetrics()
	st := cache.NewCachingStore(db, tiers, metrics)
	recorder := audit.NewRecorder(st, metrics, logger)

	eval, err := expressions.NewEvaluator(expressions.Limits{})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.HTTPConfig{}); err != nil {
		_ = db.Close()
		return nil, err
	}

	executor := engine.NewExecutor(st, eval, registry, db.Records(),
		&actions.LogNotifier{Logger: logger},
		engine.ExecutorConfig{PoolSize: cfg.PoolSize}, logger)

	hub := streaming.NewMemoryHub()
	interp := engine.NewInterpreter(st, executor, hub, engine.InterpreterConfig{}, logger)
	wm := waits.NewManager(st, logger)

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	eng := engine.NewEngine(st, interp, wm, validator, logger)
	sched := scheduler.NewScheduler(st, eng, scheduler.Config{}, logger)

	return &stack{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    st,
		tiers:    tiers,
		metrics:  metrics,
		recorder: recorder,
		eval:     eval,
		hub:      hub,
		interp:   interp,
		waits:    wm,
		engine:   eng,
		sched:    sched,
	}, nil
}

func (s *stack) close() {
	_ = s.db.Close()
}

// loadOrCreateKey reads the on-disk master key, generating one on first
// run so webhook secrets survive restarts without manual key handling.
func loadOrCreateKey(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("invalid key file %s", path)
		}
		return key, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker: claims executions, serves webhooks, fires schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, logger)
		},
	}
}

func runWorker(ctx context.Context, cfg Config, logger *slog.Logger) error {
	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	logger.InfoContext(ctx, "worker starting",
		slog.String("worker_id", cfg.WorkerID),
		slog.String("db_path", cfg.DBPath),
		slog.String("webhook_addr", cfg.WebhookAddr),
	)

	// Warm active workflow definitions into the cache before claiming,
	// then keep the busiest ones warm from observed activity.
	pool := prefetch.NewPool(workflowFetcher(s.db), s.tiers, prefetch.Config{}, logger)
	warmWorkflows(ctx, s.db, pool, logger)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()
	go s.runActivityWarming(ctx, pool)
	go s.runMetricsCollector(ctx)

	if err := s.sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = s.sched.Stop() }()

	dispatcher := webhook.NewDispatcher(s.store, s.engine, s.eval, logger)
	handler := webhook.NewHandler(dispatcher, logger)
	srv := &http.Server{Addr: cfg.WebhookAddr, Handler: handler.Routes()}
	errc := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	go func() { _ = s.waits.Run(ctx, waits.DefaultScanInterval) }()
	if cfg.RetentionDays > 0 {
		go s.runRetention(ctx)
	}

	runner := engine.NewRunner(s.interp, cfg.WorkerID, engine.RunnerConfig{Concurrency: cfg.PoolSize}, logger)
	go func() { errc <- runner.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("worker stopped", slog.String("worker_id", cfg.WorkerID))
	return err
}

// runRetention purges terminal executions past the retention window
// once a day.
func (s *stack) runRetention(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
		purged, err := s.store.PurgeBefore(ctx, cutoff)
		if err != nil {
			s.logger.WarnContext(ctx, "retention purge failed", slog.String("error", err.Error()))
		} else if purged > 0 {
			s.recorder.Record(ctx, "retention", schema.AuditRetentionPurged, "execution", "",
				map[string]any{"purged": purged, "cutoff": cutoff.Format(time.RFC3339)})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runActivityWarming tracks which workflows produce progress events and
// periodically re-enqueues the busiest definitions for prefetch.
func (s *stack) runActivityWarming(ctx context.Context, pool *prefetch.Pool) {
	tracker := prefetch.NewActivityTracker(0)
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return
	}
	defer unsubscribe()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ev.WorkflowID != "" {
				tracker.Touch(cache.WorkflowKeyPrefix + ev.WorkflowID)
			}
		case <-ticker.C:
			tracker.WarmInto(pool, 10)
		}
	}
}

// runMetricsCollector feeds the in-process metrics from progress
// events: lifecycle counters plus a per-step duration histogram.
func (s *stack) runMetricsCollector(ctx context.Context) {
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case schema.EventExecutionStarted:
				s.metrics.CountAction(schema.AuditExecutionStarted)
			case schema.EventExecutionCompleted:
				s.metrics.CountAction(schema.AuditExecutionCompleted)
			case schema.EventExecutionFailed:
				s.metrics.CountAction(schema.AuditExecutionFailed)
			case schema.EventExecutionCancelled:
				s.metrics.CountAction(schema.AuditExecutionCancelled)
			case schema.EventStepCompleted:
				if ms, ok := ev.Detail["duration_ms"].(int64); ok {
					s.metrics.ObserveDuration("step", time.Duration(ms)*time.Millisecond)
				}
			}
		}
	}
}

// workflowFetcher loads workflow definitions for the prefetch pool.
// Keys use the cache's workflow prefix.
func workflowFetcher(db *store.LibSQLStore) prefetch.Fetcher {
	return prefetch.FetcherFunc(func(ctx context.Context, key string) ([]byte, error) {
		id, ok := strings.CutPrefix(key, cache.WorkflowKeyPrefix)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown resource key %q", key)
		}
		wf, err := db.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(wf)
	})
}

func warmWorkflows(ctx context.Context, db *store.LibSQLStore, pool *prefetch.Pool, logger *slog.Logger) {
	active := schema.WorkflowStatusActive
	workflows, err := db.ListWorkflows(ctx, store.WorkflowFilter{Status: &active})
	if err != nil {
		logger.WarnContext(ctx, "cache warmup skipped", slog.String("error", err.Error()))
		return
	}
	for _, wf := range workflows {
		if _, err := pool.Enqueue(cache.WorkflowKeyPrefix+wf.ID, 0); err != nil {
			logger.WarnContext(ctx, "warmup enqueue failed",
				slog.String("workflow_id", wf.ID), slog.String("error", err.Error()))
		}
	}
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	pool.Drain(warmCtx)
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run only the cron scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := buildStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.close()

			if err := s.sched.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return s.sched.Stop()
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			db, err := store.NewLibSQLStore("file:"+cfg.DBPath, secrets.PlaintextCipher{})
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
