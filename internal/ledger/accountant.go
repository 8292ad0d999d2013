// Package ledger implements goal-progress accounting.
//
// Progress lives in an append-only ledger; the goal row's current_value is a
// cached projection of the ledger sum. Every write path re-derives the cache
// from the ledger instead of incrementing it, so a crash between the append
// and the cache update can always be repaired by Replay.
package ledger

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

	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/workspaced/internal/ledger"

// ErrNegativeDelta rejects contributions below zero. Only administrative
// resets may move a goal backwards.
var ErrNegativeDelta = errors.New("contribution delta must be >= 0")

// Snapshot is the goal state returned to the trigger engine after a
// contribution lands.
type Snapshot struct {
	GoalID        string
	WorkspaceID   string
	MetricType    string
	TargetValue   float64
	CurrentValue  float64
	Status        string
	JustCompleted bool
}

// Ratio returns completion progress in [0, 1+).
func (s Snapshot) Ratio() float64 {
	if s.TargetValue <= 0 {
		return 0
	}
	return s.CurrentValue / s.TargetValue
}

// CompletionHook receives the snapshot when a goal completes. Fired at most
// once per completion edge.
type CompletionHook func(ctx context.Context, snap Snapshot)

// Accountant applies task contributions to goals.
type Accountant struct {
	store  *store.Store
	logger *logging.Logger
	onDone CompletionHook

	tracer              trace.Tracer
	contributionCounter metric.Int64Counter
	completionCounter   metric.Int64Counter
}

// NewAccountant creates the goal accountant.
func NewAccountant(st *store.Store, logger *logging.Logger) (*Accountant, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	a := &Accountant{
		store:  st,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	a.contributionCounter, err = meter.Int64Counter(
		"workspaced.ledger.contributions_total",
		metric.WithDescription("Ledger entries appended"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create contribution counter", zap.Error(err))
	}
	a.completionCounter, err = meter.Int64Counter(
		"workspaced.ledger.goal_completions_total",
		metric.WithDescription("Goals completed"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create completion counter", zap.Error(err))
	}

	return a, nil
}

// SetCompletionHook installs the hook fired when a goal crosses its target.
func (a *Accountant) SetCompletionHook(hook CompletionHook) {
	a.onDone = hook
}

// ApplyContribution records a task's contribution to a goal.
//
// Re-delivery of the same (goal, task) pair is a no-op returning the current
// snapshot. The ledger append is the atomic unit; the cached current_value is
// re-derived from the ledger sum, never incremented, so concurrent writers
// cannot double count.
func (a *Accountant) ApplyContribution(ctx context.Context, goalID, taskID string, delta float64) (Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "ledger.apply_contribution")
	defer span.End()
	span.SetAttributes(
		attribute.String("goal_id", goalID),
		attribute.String("task_id", taskID),
		attribute.Float64("delta", delta),
	)

	if delta < 0 {
		return Snapshot{}, ErrNegativeDelta
	}

	goal, err := a.store.GetGoal(ctx, goalID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load goal: %w", err)
	}

	seen, err := a.store.HasLedgerEntry(ctx, goalID, taskID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("check ledger: %w", err)
	}
	if seen {
		a.logger.Debug(ctx, "contribution already applied, no-op",
			zap.String("goal_id", goalID),
			zap.String("task_id", taskID),
		)
		return a.snapshot(goal, false), nil
	}

	entry := store.LedgerEntry{
		ID:        uuid.NewString(),
		GoalID:    goalID,
		TaskID:    taskID,
		Delta:     delta,
		CreatedAt: time.Now().UTC(),
	}
	err = a.store.AppendLedgerEntry(ctx, entry)
	if errors.Is(err, store.ErrConflict) {
		// A concurrent delivery of the same event won the append.
		goal, err = a.store.GetGoal(ctx, goalID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reload goal: %w", err)
		}
		return a.snapshot(goal, false), nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("append ledger entry: %w", err)
	}

	if a.contributionCounter != nil {
		a.contributionCounter.Add(ctx, 1)
	}

	snap, err := a.project(ctx, goalID)
	if err != nil {
		return Snapshot{}, err
	}

	a.logger.Info(ctx, "contribution applied",
		zap.String("goal_id", goalID),
		zap.String("task_id", taskID),
		zap.Float64("delta", delta),
		zap.Float64("current_value", snap.CurrentValue),
		zap.Bool("completed", snap.JustCompleted),
	)

	if snap.JustCompleted {
		if a.completionCounter != nil {
			a.completionCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("metric_type", snap.MetricType),
			))
		}
		if a.onDone != nil {
			a.onDone(ctx, snap)
		}
	}

	return snap, nil
}

// project re-derives the cached goal value from the ledger and persists it
// with a compare-and-set, retrying against concurrent writers. Completion is
// detected on the active → completed edge so the signal fires exactly once.
func (a *Accountant) project(ctx context.Context, goalID string) (Snapshot, error) {
	var snap Snapshot
	err := store.Retry(ctx, func() error {
		goal, err := a.store.GetGoal(ctx, goalID)
		if err != nil {
			return err
		}
		sum, err := a.store.LedgerSum(ctx, goalID)
		if err != nil {
			return err
		}
		if sum < 0 {
			sum = 0
		}

		status := goal.Status
		justCompleted := false
		if sum >= goal.TargetValue && goal.Status == store.GoalActive {
			status = store.GoalCompleted
			justCompleted = true
		}

		if err := a.store.UpdateGoalProgress(ctx, goalID, goal.CurrentValue, sum, status, time.Now().UTC()); err != nil {
			return err
		}

		goal.CurrentValue = sum
		goal.Status = status
		snap = a.snapshot(goal, justCompleted)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("project goal %s: %w", goalID, err)
	}
	return snap, nil
}

// Replay is the repair pass: it re-derives the cached value from the ledger.
// Used after a crash that may have landed the append without the cache
// update.
func (a *Accountant) Replay(ctx context.Context, goalID string) (Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "ledger.replay")
	defer span.End()
	span.SetAttributes(attribute.String("goal_id", goalID))

	return a.project(ctx, goalID)
}

// Reset is the administrative escape hatch from monotonicity: it appends a
// compensating negative entry bringing the ledger sum to zero and returns
// the goal to active. History is preserved; nothing is deleted.
func (a *Accountant) Reset(ctx context.Context, goalID, note string) (Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "ledger.reset")
	defer span.End()
	span.SetAttributes(attribute.String("goal_id", goalID))

	goal, err := a.store.GetGoal(ctx, goalID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load goal: %w", err)
	}

	sum, err := a.store.LedgerSum(ctx, goalID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sum ledger: %w", err)
	}

	if sum != 0 {
		entry := store.LedgerEntry{
			ID:        uuid.NewString(),
			GoalID:    goalID,
			Delta:     -sum,
			Note:      note,
			CreatedAt: time.Now().UTC(),
		}
		if err := a.store.AppendLedgerEntry(ctx, entry); err != nil {
			return Snapshot{}, fmt.Errorf("append reset entry: %w", err)
		}
	}

	err = store.Retry(ctx, func() error {
		current, err := a.store.GetGoal(ctx, goalID)
		if err != nil {
			return err
		}
		return a.store.UpdateGoalProgress(ctx, goalID, current.CurrentValue, 0, store.GoalActive, time.Now().UTC())
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("reset goal %s: %w", goalID, err)
	}

	a.logger.Warn(ctx, "goal progress reset",
		zap.String("goal_id", goalID),
		zap.Float64("previous_value", sum),
		zap.String("note", note),
	)

	goal.CurrentValue = 0
	goal.Status = store.GoalActive
	return a.snapshot(goal, false), nil
}

func (a *Accountant) snapshot(goal store.Goal, justCompleted bool) Snapshot {
	return Snapshot{
		GoalID:        goal.ID,
		WorkspaceID:   goal.WorkspaceID,
		MetricType:    goal.MetricType,
		TargetValue:   goal.TargetValue,
		CurrentValue:  goal.CurrentValue,
		Status:        goal.Status,
		JustCompleted: justCompleted,
	}
}
