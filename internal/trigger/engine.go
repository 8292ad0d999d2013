// Package trigger decides when a workspace's progress warrants creating a
// deliverable.
//
// The decision is a short-circuit rule chain over a snapshot of counts,
// scores, and cooldown state. Given the same snapshot the chain always
// returns the same decision. The duplication guard is the final rule and the
// only one that mutates state on the way in; everything before it is a pure
// read.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workspaced/internal/config"
	"github.com/fyrsmithlabs/workspaced/internal/guard"
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
	"github.com/fyrsmithlabs/workspaced/internal/synthesis"
	"github.com/fyrsmithlabs/workspaced/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/workspaced/internal/trigger"

// Skip reasons, stable strings for logs and metrics.
const (
	SkipWorkspaceNotActive    = "workspace_not_active"
	SkipInsufficientTasks     = "insufficient_completed_tasks"
	SkipNoReadyGoal           = "no_goal_ready"
	SkipLowBusinessValue      = "business_value_below_threshold"
	SkipCooldownActive        = "cooldown_active"
	SkipDeliverableCapReached = "deliverable_cap_reached"
	SkipScopeClaimed          = "scope_claimed"
)

// Decision is the outcome of a trigger evaluation. Exactly one of Created or
// SkipReason is meaningful.
type Decision struct {
	Created       bool
	DeliverableID string
	GoalID        string
	SkipReason    string
}

// Engine evaluates the trigger rule chain.
type Engine struct {
	store     *store.Store
	guard     *guard.Guard
	generator synthesis.Generator
	logger    *logging.Logger
	cfg       config.OrchestratorConfig

	tracer          trace.Tracer
	decisionCounter metric.Int64Counter
}

// NewEngine creates the trigger engine.
func NewEngine(st *store.Store, g *guard.Guard, gen synthesis.Generator, logger *logging.Logger, cfg config.OrchestratorConfig) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if g == nil {
		return nil, errors.New("guard is required")
	}
	if gen == nil {
		gen = synthesis.Noop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := &Engine{
		store:     st,
		guard:     g,
		generator: gen,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	e.decisionCounter, err = meter.Int64Counter(
		"workspaced.trigger.decisions_total",
		metric.WithDescription("Trigger decisions by outcome"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create decision counter", zap.Error(err))
	}

	return e, nil
}

// OnTaskCompleted runs the full rule chain for a workspace after a task
// completion landed.
func (e *Engine) OnTaskCompleted(ctx context.Context, workspaceID, taskID string) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "trigger.on_task_completed")
	defer span.End()
	span.SetAttributes(attribute.String("workspace_id", workspaceID))

	ws, err := e.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("load workspace: %w", err)
	}

	// Rule 1: workspace must be active.
	if ws.Status != string(workspace.StatusActive) {
		return e.skip(ctx, workspaceID, SkipWorkspaceNotActive,
			zap.String("status", ws.Status)), nil
	}

	// Rule 2: enough substantive completed tasks.
	completed, err := e.store.CountSubstantiveCompletedTasks(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("count completed tasks: %w", err)
	}
	if completed < e.cfg.MinCompletedTasks {
		return e.skip(ctx, workspaceID, SkipInsufficientTasks,
			zap.Int("completed", completed),
			zap.Int("required", e.cfg.MinCompletedTasks)), nil
	}

	// Rule 3: a goal must be ready by either readiness path.
	ready, err := e.readyGoal(ctx, workspaceID)
	if err != nil {
		return Decision{}, err
	}
	if ready == nil {
		return e.skip(ctx, workspaceID, SkipNoReadyGoal), nil
	}

	// Rule 4: aggregate business value. A scoring outage yields zero and
	// fails this rule naturally instead of failing the pipeline.
	value, err := e.aggregateValue(ctx, workspaceID)
	if err != nil {
		return Decision{}, err
	}
	if value < e.cfg.BusinessValueThreshold {
		return e.skip(ctx, workspaceID, SkipLowBusinessValue,
			zap.Float64("value", value),
			zap.Float64("threshold", e.cfg.BusinessValueThreshold)), nil
	}

	// Rule 5: cooldown.
	last, err := e.store.LastTriggeredAt(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("load cooldown: %w", err)
	}
	if !last.IsZero() && time.Since(last) < e.cfg.Cooldown() {
		return e.skip(ctx, workspaceID, SkipCooldownActive,
			zap.Time("last_triggered_at", last)), nil
	}

	// Rule 6: deliverable cap.
	count, err := e.store.CountDeliverables(ctx, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("count deliverables: %w", err)
	}
	if count >= e.cfg.MaxDeliverables {
		return e.skip(ctx, workspaceID, SkipDeliverableCapReached,
			zap.Int("count", count)), nil
	}

	return e.create(ctx, workspaceID, taskID, ready)
}

// Force creates a deliverable bypassing the readiness rules. The duplication
// guard still applies: not even an operator may create a duplicate.
func (e *Engine) Force(ctx context.Context, workspaceID, goalID, title string) (Decision, error) {
	ctx, span := e.tracer.Start(ctx, "trigger.force")
	defer span.End()
	span.SetAttributes(attribute.String("workspace_id", workspaceID))

	if _, err := e.store.GetWorkspace(ctx, workspaceID); err != nil {
		return Decision{}, fmt.Errorf("load workspace: %w", err)
	}

	var goal *store.Goal
	if goalID != "" {
		g, err := e.store.GetGoal(ctx, goalID)
		if err != nil {
			return Decision{}, fmt.Errorf("load goal: %w", err)
		}
		goal = &g
	}
	return e.createTitled(ctx, workspaceID, "", goal, title)
}

// readyGoal returns the first goal satisfying either readiness path: at or
// above ReadinessThreshold alone, or at or above PartialReadinessThreshold
// with enough completed contributing tasks.
func (e *Engine) readyGoal(ctx context.Context, workspaceID string) (*store.Goal, error) {
	goals, err := e.store.ListGoalsByWorkspace(ctx, workspaceID, store.GoalActive)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	for i := range goals {
		g := goals[i]
		if g.TargetValue <= 0 {
			continue
		}
		ratio := g.CurrentValue / g.TargetValue
		if ratio >= e.cfg.ReadinessThreshold {
			return &g, nil
		}
		if ratio >= e.cfg.PartialReadinessThreshold {
			contributors, err := e.store.CountGoalContributors(ctx, g.ID)
			if err != nil {
				return nil, fmt.Errorf("count contributors: %w", err)
			}
			if contributors >= e.cfg.PartialReadinessMinTasks {
				return &g, nil
			}
		}
	}
	return nil, nil
}

func (e *Engine) aggregateValue(ctx context.Context, workspaceID string) (float64, error) {
	avg, err := e.store.AverageBusinessValue(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("average business value: %w", err)
	}
	return avg, nil
}

func (e *Engine) create(ctx context.Context, workspaceID, taskID string, goal *store.Goal) (Decision, error) {
	title := fmt.Sprintf("Deliverable for goal %s", goal.MetricType)
	return e.createTitled(ctx, workspaceID, taskID, goal, title)
}

// createTitled is the shared creation path for rule-driven and forced
// triggers. Acquisition failure is a skip, not an error. After the
// deliverable row exists there is no rollback: a synthesis handoff failure
// marks it failed and releases the checkpoint instead of unwinding.
func (e *Engine) createTitled(ctx context.Context, workspaceID, taskID string, goal *store.Goal, title string) (Decision, error) {
	scopeUnit := "workspace"
	goalID := ""
	if goal != nil {
		scopeUnit = goal.ID
		goalID = goal.ID
	}
	scopeKey := guard.ScopeKey(workspaceID, scopeUnit)

	acq, err := e.guard.TryAcquire(ctx, workspaceID, taskID, scopeKey)
	if err != nil {
		return Decision{}, fmt.Errorf("acquire checkpoint: %w", err)
	}
	if !acq.Acquired {
		return e.skip(ctx, workspaceID, SkipScopeClaimed,
			zap.String("scope_key", scopeKey)), nil
	}

	now := time.Now().UTC()
	d := store.Deliverable{
		ID:           uuid.NewString(),
		WorkspaceID:  workspaceID,
		GoalID:       goalID,
		CheckpointID: acq.Checkpoint.ID,
		Title:        title,
		Status:       store.DeliverablePending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.InsertDeliverable(ctx, d); err != nil {
		// The checkpoint must not outlive a creation we could not record.
		if rerr := e.guard.Resolve(ctx, acq.Checkpoint.ID); rerr != nil {
			e.logger.Error(ctx, "failed to release checkpoint after insert failure",
				zap.String("checkpoint_id", acq.Checkpoint.ID), zap.Error(rerr))
		}
		return Decision{}, fmt.Errorf("insert deliverable: %w", err)
	}

	if err := e.store.TouchTriggerCooldown(ctx, workspaceID, now); err != nil {
		e.logger.Warn(ctx, "failed to record trigger cooldown",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}

	e.handoff(ctx, d, acq.Checkpoint.ID)

	e.logger.Info(ctx, "deliverable created",
		zap.String("deliverable_id", d.ID),
		zap.String("workspace_id", workspaceID),
		zap.String("goal_id", goalID),
	)
	e.count(ctx, "created")
	return Decision{Created: true, DeliverableID: d.ID, GoalID: goalID}, nil
}

// handoff fires the synthesis request under a bounded timeout. Failure moves
// the deliverable to failed and releases the checkpoint so a later trigger
// can reacquire.
func (e *Engine) handoff(ctx context.Context, d store.Deliverable, checkpointID string) {
	timeout := e.cfg.SynthesisTimeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.generator.Synthesize(hctx, synthesis.Request{
		DeliverableID: d.ID,
		WorkspaceID:   d.WorkspaceID,
		GoalID:        d.GoalID,
		Title:         d.Title,
		RequestedAt:   d.CreatedAt,
	})
	if err == nil {
		if serr := e.store.CompareAndSetDeliverableStatus(hctx, d.ID, store.DeliverablePending, store.DeliverableSynthesizing, time.Now().UTC()); serr != nil && !errors.Is(serr, store.ErrConflict) {
			e.logger.Warn(ctx, "failed to mark deliverable synthesizing",
				zap.String("deliverable_id", d.ID), zap.Error(serr))
		}
		return
	}

	e.logger.Warn(ctx, "synthesis handoff failed, marking deliverable failed",
		zap.String("deliverable_id", d.ID), zap.Error(err))
	if serr := e.store.CompareAndSetDeliverableStatus(ctx, d.ID, store.DeliverablePending, store.DeliverableFailed, time.Now().UTC()); serr != nil && !errors.Is(serr, store.ErrConflict) {
		e.logger.Error(ctx, "failed to mark deliverable failed",
			zap.String("deliverable_id", d.ID), zap.Error(serr))
	}
	if rerr := e.guard.Resolve(ctx, checkpointID); rerr != nil {
		e.logger.Error(ctx, "failed to release checkpoint after handoff failure",
			zap.String("checkpoint_id", checkpointID), zap.Error(rerr))
	}
}

func (e *Engine) skip(ctx context.Context, workspaceID, reason string, fields ...zap.Field) Decision {
	fields = append(fields,
		zap.String("workspace_id", workspaceID),
		zap.String("skip_reason", reason),
	)
	e.logger.Debug(ctx, "trigger skipped", fields...)
	e.count(ctx, reason)
	return Decision{SkipReason: reason}
}

func (e *Engine) count(ctx context.Context, outcome string) {
	if e.decisionCounter != nil {
		e.decisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
