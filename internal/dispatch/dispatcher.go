// Package dispatch routes inbound events through the orchestration core.
//
// The dispatcher is the only component that sees a whole request: it feeds
// the accountant, consults the trigger engine, and drives the workspace
// machine. Downstream failures are converted to typed outcomes; a caller's
// request cycle is never aborted by an internal component.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workspaced/internal/guard"
	"github.com/fyrsmithlabs/workspaced/internal/ledger"
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/quality"
	"github.com/fyrsmithlabs/workspaced/internal/store"
	"github.com/fyrsmithlabs/workspaced/internal/synthesis"
	"github.com/fyrsmithlabs/workspaced/internal/trigger"
	"github.com/fyrsmithlabs/workspaced/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/workspaced/internal/dispatch"

// ErrTenantMismatch rejects an event whose tenant does not own the workspace.
var ErrTenantMismatch = errors.New("tenant does not own workspace")

// TaskCompleted is the inbound completion event from the task executor.
// Delivery is at least once; the whole handling path is idempotent.
type TaskCompleted struct {
	TenantID           string  `json:"tenant_id,omitempty"`
	WorkspaceID        string  `json:"workspace_id"`
	TaskID             string  `json:"task_id"`
	GoalID             string  `json:"goal_id,omitempty"`
	Contribution       float64 `json:"contribution"`
	BusinessValueScore float64 `json:"business_value_score"`
	ResultSummary      string  `json:"result_summary"`
}

// Outcome is the typed result of handling a task completion.
type Outcome struct {
	Goal     *ledger.Snapshot
	Decision trigger.Decision
}

// WorkspaceStatus is the operator-facing status summary.
type WorkspaceStatus struct {
	WorkspaceID        string    `json:"workspace_id"`
	Status             string    `json:"status"`
	ActiveGoals        int       `json:"active_goals"`
	PendingCheckpoints int       `json:"pending_checkpoints"`
	Deliverables       int       `json:"deliverables"`
	LastRecoverySweep  time.Time `json:"last_recovery_sweep_at"`
}

// Dispatcher wires the orchestration components together.
type Dispatcher struct {
	store      *store.Store
	machine    *workspace.Machine
	accountant *ledger.Accountant
	guard      *guard.Guard
	engine     *trigger.Engine
	scorer     quality.Scorer
	logger     *logging.Logger

	tracer trace.Tracer
}

// New creates the dispatcher. The accountant's completion hook is claimed by
// the dispatcher to drive the all-goals-met transition.
func New(st *store.Store, m *workspace.Machine, acc *ledger.Accountant, g *guard.Guard, eng *trigger.Engine, scorer quality.Scorer, logger *logging.Logger) (*Dispatcher, error) {
	if st == nil || m == nil || acc == nil || g == nil || eng == nil {
		return nil, errors.New("store, machine, accountant, guard, and engine are required")
	}
	if scorer == nil {
		scorer = quality.DefaultChain(logger)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	d := &Dispatcher{
		store:      st,
		machine:    m,
		accountant: acc,
		guard:      g,
		engine:     eng,
		scorer:     scorer,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}
	acc.SetCompletionHook(d.onGoalCompleted)
	return d, nil
}

// HandleTaskCompleted processes one completion event end to end: persist the
// task, apply its contribution, evaluate the trigger chain. Replays produce
// the same outcome without double counting.
func (d *Dispatcher) HandleTaskCompleted(ctx context.Context, ev TaskCompleted) (Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.task_completed")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", ev.WorkspaceID),
		attribute.String("task_id", ev.TaskID),
	)
	ctx = logging.WithWorkspace(ctx, ev.WorkspaceID)
	ctx = logging.WithTask(ctx, ev.TaskID)

	if ev.WorkspaceID == "" || ev.TaskID == "" {
		return Outcome{}, errors.New("event missing workspace_id or task_id")
	}
	if ev.TenantID != "" {
		ws, err := d.store.GetWorkspace(ctx, ev.WorkspaceID)
		if err != nil {
			return Outcome{}, fmt.Errorf("load workspace: %w", err)
		}
		if ws.TenantID != ev.TenantID {
			return Outcome{}, fmt.Errorf("%w: workspace %s", ErrTenantMismatch, ev.WorkspaceID)
		}
	}

	now := time.Now().UTC()
	task := store.Task{
		ID:                   ev.TaskID,
		WorkspaceID:          ev.WorkspaceID,
		GoalID:               ev.GoalID,
		Status:               store.TaskCompleted,
		ContributionExpected: ev.Contribution,
		ResultSummary:        ev.ResultSummary,
		BusinessValueScore:   ev.BusinessValueScore,
		CompletedAt:          &now,
		CreatedAt:            now,
	}

	// A scoring outage degrades to zero; it never fails the pipeline.
	score, err := d.scorer.Score(ctx, task)
	if err != nil && !errors.Is(err, quality.ErrScoringUnavailable) {
		d.logger.Warn(ctx, "scoring failed, using zero", zap.Error(err))
	}
	task.BusinessValueScore = score

	if err := store.Retry(ctx, func() error {
		return d.store.UpsertTask(ctx, task)
	}); err != nil {
		return Outcome{}, fmt.Errorf("record task: %w", err)
	}

	// First completion in a created workspace activates it; undefined pairs
	// are no-ops by construction.
	if _, err := d.machine.Apply(ctx, ev.WorkspaceID, workspace.EventFirstTaskCreated); err != nil && !errors.Is(err, workspace.ErrInvalidTransition) {
		return Outcome{}, fmt.Errorf("activate workspace: %w", err)
	}

	var out Outcome
	if ev.GoalID != "" {
		snap, err := d.accountant.ApplyContribution(ctx, ev.GoalID, ev.TaskID, ev.Contribution)
		if err != nil {
			return Outcome{}, fmt.Errorf("apply contribution: %w", err)
		}
		out.Goal = &snap
	}

	decision, err := d.engine.OnTaskCompleted(ctx, ev.WorkspaceID, ev.TaskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate trigger: %w", err)
	}
	out.Decision = decision
	return out, nil
}

// Redispatch re-runs trigger evaluation for a task the recovery monitor
// found unreconciled. The contribution path is idempotent so replaying the
// stored task is safe.
func (d *Dispatcher) Redispatch(ctx context.Context, task store.Task) error {
	_, err := d.HandleTaskCompleted(ctx, TaskCompleted{
		WorkspaceID:        task.WorkspaceID,
		TaskID:             task.ID,
		GoalID:             task.GoalID,
		Contribution:       task.ContributionExpected,
		BusinessValueScore: task.BusinessValueScore,
		ResultSummary:      task.ResultSummary,
	})
	return err
}

// HandleSynthesisResult closes the deliverable and checkpoint lifecycle when
// the generator reports back.
func (d *Dispatcher) HandleSynthesisResult(ctx context.Context, res synthesis.Result) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.synthesis_result")
	defer span.End()
	span.SetAttributes(
		attribute.String("deliverable_id", res.DeliverableID),
		attribute.String("status", res.Status),
	)

	if err := res.Validate(); err != nil {
		return err
	}

	deliv, err := d.store.GetDeliverable(ctx, res.DeliverableID)
	if err != nil {
		return fmt.Errorf("load deliverable: %w", err)
	}

	target := store.DeliverableReady
	if res.Status == synthesis.ResultFailed {
		target = store.DeliverableFailed
	}

	now := time.Now().UTC()
	err = d.store.CompareAndSetDeliverableStatus(ctx, deliv.ID, store.DeliverableSynthesizing, target, now)
	if errors.Is(err, store.ErrConflict) {
		// A pending deliverable whose handoff raced the result, or a
		// duplicate result. Try the pending edge once, then treat as done.
		err = d.store.CompareAndSetDeliverableStatus(ctx, deliv.ID, store.DeliverablePending, target, now)
		if errors.Is(err, store.ErrConflict) {
			d.logger.Debug(ctx, "synthesis result for settled deliverable, ignoring",
				zap.String("deliverable_id", deliv.ID))
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("update deliverable: %w", err)
	}

	// Release only the claim this deliverable was created under. A late
	// result must never resolve a newer checkpoint for the same scope; if
	// this deliverable's checkpoint already expired, Resolve is a no-op.
	if deliv.CheckpointID != "" {
		if err := d.guard.Resolve(ctx, deliv.CheckpointID); err != nil {
			return fmt.Errorf("resolve checkpoint: %w", err)
		}
	}

	d.logger.Info(ctx, "deliverable settled",
		zap.String("deliverable_id", deliv.ID),
		zap.String("status", target),
	)
	return nil
}

// ForceDeliverable is the audit-logged manual override. It bypasses the
// readiness rules but still routes through the duplication guard.
func (d *Dispatcher) ForceDeliverable(ctx context.Context, workspaceID, goalID, title, actor string) (trigger.Decision, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.force_deliverable")
	defer span.End()

	ws, err := d.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return trigger.Decision{}, fmt.Errorf("load workspace: %w", err)
	}

	decision, err := d.engine.Force(ctx, workspaceID, goalID, title)
	if err != nil {
		return trigger.Decision{}, err
	}

	d.audit(ctx, ws.TenantID, actor, "force_deliverable", workspaceID,
		fmt.Sprintf("goal=%s created=%t deliverable=%s skip=%s", goalID, decision.Created, decision.DeliverableID, decision.SkipReason))
	return decision, nil
}

// ResetGoal is the audit-logged administrative progress reset, routed
// through the accountant so the ledger invariants hold.
func (d *Dispatcher) ResetGoal(ctx context.Context, goalID, actor, reason string) (ledger.Snapshot, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.reset_goal")
	defer span.End()

	goal, err := d.store.GetGoal(ctx, goalID)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("load goal: %w", err)
	}
	ws, err := d.store.GetWorkspace(ctx, goal.WorkspaceID)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("load workspace: %w", err)
	}

	snap, err := d.accountant.Reset(ctx, goalID, reason)
	if err != nil {
		return ledger.Snapshot{}, err
	}

	d.audit(ctx, ws.TenantID, actor, "reset_goal", goalID, reason)
	return snap, nil
}

// ResetWorkspace is the operator path out of the error state.
func (d *Dispatcher) ResetWorkspace(ctx context.Context, workspaceID, actor, reason string) (store.Workspace, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.reset_workspace")
	defer span.End()

	ws, err := d.machine.Apply(ctx, workspaceID, workspace.EventAdminReset)
	if err != nil && !errors.Is(err, workspace.ErrInvalidTransition) {
		return store.Workspace{}, err
	}
	if errors.Is(err, workspace.ErrInvalidTransition) {
		return ws, err
	}

	if ws.RepairAttempts != 0 {
		if serr := d.store.SetWorkspaceRepairAttempts(ctx, workspaceID, 0); serr != nil {
			d.logger.Warn(ctx, "failed to clear repair attempts", zap.Error(serr))
		}
	}
	d.audit(ctx, ws.TenantID, actor, "reset_workspace", workspaceID, reason)
	return ws, nil
}

// Status summarizes a workspace for the admin surface.
func (d *Dispatcher) Status(ctx context.Context, workspaceID string) (WorkspaceStatus, error) {
	ws, err := d.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return WorkspaceStatus{}, err
	}
	goals, err := d.store.ListGoalsByWorkspace(ctx, workspaceID, store.GoalActive)
	if err != nil {
		return WorkspaceStatus{}, err
	}
	pending, err := d.store.CountPendingCheckpoints(ctx, workspaceID)
	if err != nil {
		return WorkspaceStatus{}, err
	}
	deliverables, err := d.store.CountDeliverables(ctx, workspaceID)
	if err != nil {
		return WorkspaceStatus{}, err
	}
	swept, err := d.store.LastRecoverySweep(ctx)
	if err != nil {
		return WorkspaceStatus{}, err
	}

	return WorkspaceStatus{
		WorkspaceID:        ws.ID,
		Status:             ws.Status,
		ActiveGoals:        len(goals),
		PendingCheckpoints: pending,
		Deliverables:       deliverables,
		LastRecoverySweep:  swept,
	}, nil
}

// ListWorkspaces returns a tenant's workspaces for the admin surface.
func (d *Dispatcher) ListWorkspaces(ctx context.Context, tenantID string) ([]store.Workspace, error) {
	return d.store.ListWorkspacesByTenant(ctx, tenantID)
}

// CreateWorkspace provisions a workspace with its goals.
func (d *Dispatcher) CreateWorkspace(ctx context.Context, tenantID, name string, goals []store.Goal) (store.Workspace, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.create_workspace")
	defer span.End()

	ws, err := d.machine.Create(ctx, uuid.NewString(), tenantID, name)
	if err != nil {
		return store.Workspace{}, err
	}
	for i := range goals {
		g := goals[i]
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		g.WorkspaceID = ws.ID
		g.Status = store.GoalActive
		g.CreatedAt = time.Now().UTC()
		if err := d.store.InsertGoal(ctx, g); err != nil {
			return store.Workspace{}, fmt.Errorf("insert goal: %w", err)
		}
	}
	return ws, nil
}

// onGoalCompleted drives the workspace to completed once every goal is done.
func (d *Dispatcher) onGoalCompleted(ctx context.Context, snap ledger.Snapshot) {
	remaining, err := d.store.ListGoalsByWorkspace(ctx, snap.WorkspaceID, store.GoalActive)
	if err != nil {
		d.logger.Warn(ctx, "failed to list goals after completion", zap.Error(err))
		return
	}
	if len(remaining) > 0 {
		return
	}
	if _, err := d.machine.Apply(ctx, snap.WorkspaceID, workspace.EventAllGoalsMet); err != nil && !errors.Is(err, workspace.ErrInvalidTransition) {
		d.logger.Warn(ctx, "failed to complete workspace", zap.Error(err))
	}
}

func (d *Dispatcher) audit(ctx context.Context, tenantID, actor, action, subjectID, detail string) {
	err := d.store.AppendAudit(ctx, store.AuditEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		d.logger.Error(ctx, "failed to append audit entry",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
