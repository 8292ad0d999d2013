// Package recovery keeps the orchestration core converging after crashes,
// stalls, and missed events.
//
// The monitor owns four repair duties: timing out workspaces stuck in a
// transient status, reclaiming stale checkpoints, failing deliverables
// abandoned by an expired claim, and re-dispatching completed tasks whose
// trigger evaluation was lost. Every duty is idempotent so overlapping
// sweeps from multiple instances are harmless.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/workspaced/internal/config"
	"github.com/fyrsmithlabs/workspaced/internal/guard"
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
	"github.com/fyrsmithlabs/workspaced/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/workspaced/internal/recovery"

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspaced_recovery_sweeps_total",
		Help: "Recovery sweeps completed.",
	})
	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspaced_recovery_repairs_total",
		Help: "Workspace repairs by action.",
	}, []string{"action"})
	redispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspaced_recovery_redispatched_tasks_total",
		Help: "Unreconciled tasks re-dispatched for trigger evaluation.",
	})
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "workspaced_recovery_sweep_duration_seconds",
		Help:    "Duration of a recovery sweep.",
		Buckets: prometheus.DefBuckets,
	})
)

// Redispatch re-runs trigger evaluation for a task whose original evaluation
// was lost. Wired to the dispatcher.
type Redispatch func(ctx context.Context, task store.Task) error

// Monitor runs the periodic recovery sweep.
type Monitor struct {
	store      *store.Store
	machine    *workspace.Machine
	guard      *guard.Guard
	redispatch Redispatch
	logger     *logging.Logger
	cfg        config.RecoveryConfig
	limiter    *rate.Limiter

	tracer trace.Tracer
}

// NewMonitor creates the recovery monitor.
func NewMonitor(st *store.Store, m *workspace.Machine, g *guard.Guard, redispatch Redispatch, logger *logging.Logger, cfg config.RecoveryConfig) (*Monitor, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if m == nil {
		return nil, errors.New("machine is required")
	}
	if g == nil {
		return nil, errors.New("guard is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if redispatch == nil {
		redispatch = func(context.Context, store.Task) error { return nil }
	}

	perSecond := cfg.CatchUpRatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}

	return &Monitor{
		store:      st,
		machine:    m,
		guard:      g,
		redispatch: redispatch,
		logger:     logger,
		cfg:        cfg,
		limiter:    rate.NewLimiter(rate.Limit(perSecond), 1),
		tracer:     otel.Tracer(instrumentationName),
	}, nil
}

// Run sweeps on the configured interval until the context is canceled. One
// sweep runs immediately on start so a restarted daemon repairs promptly.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.SweepInterval.Duration()
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if err := m.Sweep(ctx); err != nil {
		m.logger.Error(ctx, "recovery sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.logger.Error(ctx, "recovery sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one full recovery pass.
func (m *Monitor) Sweep(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "recovery.sweep")
	defer span.End()
	started := time.Now()

	var errs []error
	expired, err := m.guard.ExpireStale(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	if err := m.failAbandonedDeliverables(ctx, expired); err != nil {
		errs = append(errs, err)
	}
	if err := m.repairStuckWorkspaces(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.catchUp(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := m.store.RecordRecoverySweep(ctx, time.Now().UTC()); err != nil {
		errs = append(errs, fmt.Errorf("record sweep: %w", err))
	}

	sweepsTotal.Inc()
	sweepDuration.Observe(time.Since(started).Seconds())
	m.logger.Debug(ctx, "recovery sweep complete",
		zap.Duration("took", time.Since(started)),
		zap.Int("errors", len(errs)),
	)
	return errors.Join(errs...)
}

// failAbandonedDeliverables settles deliverables whose checkpoint just
// expired. A deliverable stuck in pending or synthesizing holds a slot
// against the workspace cap until it settles; once the synthesis claim
// timed out, no result is coming and the attempt is failed.
func (m *Monitor) failAbandonedDeliverables(ctx context.Context, expired []store.Checkpoint) error {
	now := time.Now().UTC()
	var errs []error
	for _, cp := range expired {
		d, err := m.store.GetDeliverableByCheckpoint(ctx, cp.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("load deliverable for checkpoint %s: %w", cp.ID, err))
			continue
		}
		if d.Status != store.DeliverablePending && d.Status != store.DeliverableSynthesizing {
			continue
		}
		err = m.store.CompareAndSetDeliverableStatus(ctx, d.ID, d.Status, store.DeliverableFailed, now)
		if errors.Is(err, store.ErrConflict) {
			// A result landed between the lookup and the write. It wins.
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("fail deliverable %s: %w", d.ID, err))
			continue
		}
		repairsTotal.WithLabelValues("deliverable_failed").Inc()
		m.logger.Warn(logging.WithWorkspace(ctx, d.WorkspaceID), "failed deliverable with expired checkpoint",
			zap.String("deliverable_id", d.ID),
			zap.String("checkpoint_id", cp.ID),
		)
	}
	return errors.Join(errs...)
}

// repairStuckWorkspaces times out workspaces lingering in processing_tasks
// or auto_recovering. Each workspace is repaired independently; one failure
// does not stall the rest.
func (m *Monitor) repairStuckWorkspaces(ctx context.Context) error {
	stuck, err := m.store.ListWorkspacesByStatus(ctx,
		string(workspace.StatusProcessing), string(workspace.StatusAutoRecovering))
	if err != nil {
		return fmt.Errorf("list stuck workspaces: %w", err)
	}

	now := time.Now().UTC()
	concurrency := m.cfg.SweepConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	p := pool.New().WithMaxGoroutines(concurrency).WithErrors()
	for _, ws := range stuck {
		ws := ws
		p.Go(func() error {
			return m.repairWorkspace(ctx, ws, now)
		})
	}
	return p.Wait()
}

func (m *Monitor) repairWorkspace(ctx context.Context, ws store.Workspace, now time.Time) error {
	ctx = logging.WithWorkspace(ctx, ws.ID)
	age := now.Sub(ws.LastStatusChangeAt)

	switch workspace.Status(ws.Status) {
	case workspace.StatusProcessing:
		if age < m.cfg.ProcessingTimeout.Duration() {
			return nil
		}
		m.logger.Warn(ctx, "workspace stuck in processing, forcing batch timeout",
			zap.Duration("age", age))
		if _, err := m.machine.Apply(ctx, ws.ID, workspace.EventBatchTimeout); err != nil && !errors.Is(err, workspace.ErrInvalidTransition) {
			return fmt.Errorf("apply batch timeout to %s: %w", ws.ID, err)
		}
		repairsTotal.WithLabelValues("batch_timeout").Inc()

	case workspace.StatusAutoRecovering:
		if age < m.cfg.RecoveringTimeout.Duration() {
			return nil
		}
		attempts := ws.RepairAttempts + 1
		if err := m.store.SetWorkspaceRepairAttempts(ctx, ws.ID, attempts); err != nil {
			return fmt.Errorf("bump repair attempts for %s: %w", ws.ID, err)
		}

		event := workspace.EventRepairPartial
		action := "repair_partial"
		if attempts >= m.cfg.MaxRepairAttempts {
			// Exhausted. Only an operator can bring it back.
			event = workspace.EventRepairFailed
			action = "repair_failed"
		}
		m.logger.Warn(ctx, "workspace stuck in recovery, escalating",
			zap.Int("attempts", attempts),
			zap.String("event", string(event)),
		)
		if _, err := m.machine.Apply(ctx, ws.ID, event); err != nil && !errors.Is(err, workspace.ErrInvalidTransition) {
			return fmt.Errorf("apply %s to %s: %w", event, ws.ID, err)
		}
		repairsTotal.WithLabelValues(action).Inc()
	}
	return nil
}

// catchUp re-dispatches completed tasks that never produced a trigger
// evaluation, rate limited so a large backlog cannot stampede the trigger
// engine.
func (m *Monitor) catchUp(ctx context.Context) error {
	grace := m.cfg.CatchUpGracePeriod.Duration()
	if grace <= 0 {
		grace = time.Minute
	}
	cutoff := time.Now().UTC().Add(-grace)

	tasks, err := m.store.ListUnreconciledTasks(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list unreconciled tasks: %w", err)
	}

	var errs []error
	for _, task := range tasks {
		if err := m.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.redispatch(ctx, task); err != nil {
			m.logger.Warn(ctx, "catch-up redispatch failed",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		redispatchedTotal.Inc()
		m.logger.Info(ctx, "redispatched unreconciled task",
			zap.String("task_id", task.ID),
			zap.String("workspace_id", task.WorkspaceID),
		)
	}
	return errors.Join(errs...)
}
