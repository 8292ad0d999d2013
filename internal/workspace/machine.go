// Package workspace owns the workspace lifecycle state machine.
//
// Workspace status is mutated only through Machine.Apply. Every (status,
// event) pair is either a defined transition or a logged no-op; nothing here
// panics or returns a hard failure for an undefined pair, so concurrent
// callers racing on the same workspace degrade to no-ops instead of errors.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/workspaced/internal/workspace"

// Status values for a workspace.
type Status string

const (
	StatusCreated        Status = "created"
	StatusActive         Status = "active"
	StatusProcessing     Status = "processing_tasks"
	StatusAutoRecovering Status = "auto_recovering"
	StatusDegraded       Status = "degraded_mode"
	StatusPaused         Status = "paused"
	StatusCompleted      Status = "completed"
	StatusError          Status = "error"
)

// Event drives a workspace transition.
type Event string

const (
	EventFirstTaskCreated Event = "first_task_created"
	EventBatchStarted     Event = "batch_started"
	EventBatchCompleted   Event = "batch_completed"
	EventBatchTimeout     Event = "batch_timeout"
	EventAnomalyDetected  Event = "anomaly_detected"
	EventRepairConfirmed  Event = "repair_confirmed"
	EventRepairPartial    Event = "repair_partial"
	EventRepairFailed     Event = "repair_failed"
	EventSubsystemsOK     Event = "subsystems_healthy"
	EventPause            Event = "pause"
	EventResume           Event = "resume"
	EventAllGoalsMet      Event = "all_goals_met"
	EventUnrecoverable    Event = "unrecoverable"
	EventAdminReset       Event = "admin_reset"
)

// ErrInvalidTransition marks an undefined (status, event) pair. Callers
// treat it as a no-op signal, not a failure; the machine has already logged
// it.
var ErrInvalidTransition = errors.New("invalid workspace transition")

// transitions is the full transition table. A (status, event) pair absent
// from this table is a no-op.
//
// error is deliberately only exited by EventAdminReset so that genuine
// failures are never papered over by the autonomous layer.
var transitions = map[Status]map[Event]Status{
	StatusCreated: {
		EventFirstTaskCreated: StatusActive,
		EventPause:            StatusPaused,
		EventUnrecoverable:    StatusError,
	},
	StatusActive: {
		EventBatchStarted:    StatusProcessing,
		EventAnomalyDetected: StatusAutoRecovering,
		EventPause:           StatusPaused,
		EventAllGoalsMet:     StatusCompleted,
		EventUnrecoverable:   StatusError,
	},
	StatusProcessing: {
		EventBatchCompleted:  StatusActive,
		EventBatchTimeout:    StatusAutoRecovering,
		EventAnomalyDetected: StatusAutoRecovering,
		EventPause:           StatusPaused,
		EventUnrecoverable:   StatusError,
	},
	StatusAutoRecovering: {
		EventRepairConfirmed: StatusActive,
		EventRepairPartial:   StatusDegraded,
		EventRepairFailed:    StatusError,
		EventUnrecoverable:   StatusError,
	},
	StatusDegraded: {
		EventSubsystemsOK:    StatusActive,
		EventAnomalyDetected: StatusAutoRecovering,
		EventPause:           StatusPaused,
		EventUnrecoverable:   StatusError,
	},
	StatusPaused: {
		EventResume:        StatusActive,
		EventUnrecoverable: StatusError,
	},
	StatusCompleted: {
		EventUnrecoverable: StatusError,
	},
	StatusError: {
		EventAdminReset: StatusActive,
	},
}

// Next returns the target status for (current, event) and whether the
// transition is defined.
func Next(current Status, event Event) (Status, bool) {
	targets, ok := transitions[current]
	if !ok {
		return current, false
	}
	target, ok := targets[event]
	if !ok {
		return current, false
	}
	return target, ok
}

// Machine applies lifecycle events against the shared store.
type Machine struct {
	store  *store.Store
	logger *logging.Logger

	tracer            trace.Tracer
	transitionCounter metric.Int64Counter
	noopCounter       metric.Int64Counter
}

// NewMachine creates the state machine service.
func NewMachine(st *store.Store, logger *logging.Logger) (*Machine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	m := &Machine{
		store:  st,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	m.transitionCounter, err = meter.Int64Counter(
		"workspaced.workspace.transitions_total",
		metric.WithDescription("Total workspace state transitions applied"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create transition counter", zap.Error(err))
	}
	m.noopCounter, err = meter.Int64Counter(
		"workspaced.workspace.invalid_transitions_total",
		metric.WithDescription("Undefined (status, event) pairs observed"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create noop counter", zap.Error(err))
	}

	return m, nil
}

// Apply drives a workspace through one lifecycle event.
//
// Undefined (status, event) pairs return the unchanged workspace together
// with ErrInvalidTransition. A CAS loss against a concurrent writer re-reads
// and re-evaluates the event against the new status, so racing callers
// converge instead of failing.
func (m *Machine) Apply(ctx context.Context, workspaceID string, event Event) (store.Workspace, error) {
	ctx, span := m.tracer.Start(ctx, "workspace.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("event", string(event)),
	)

	ctx = logging.WithWorkspace(ctx, workspaceID)

	const casAttempts = 3
	for attempt := 0; attempt < casAttempts; attempt++ {
		ws, err := m.store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return store.Workspace{}, fmt.Errorf("load workspace: %w", err)
		}

		current := Status(ws.Status)
		target, ok := Next(current, event)
		if !ok {
			m.logger.Warn(ctx, "ignoring undefined workspace transition",
				zap.String("status", ws.Status),
				zap.String("event", string(event)),
			)
			if m.noopCounter != nil {
				m.noopCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("status", ws.Status),
					attribute.String("event", string(event)),
				))
			}
			return ws, ErrInvalidTransition
		}

		now := time.Now().UTC()
		err = m.store.CompareAndSetWorkspaceStatus(ctx, workspaceID, string(current), string(target), now)
		if errors.Is(err, store.ErrConflict) {
			// Someone else transitioned first; re-evaluate against the new status.
			continue
		}
		if err != nil {
			return store.Workspace{}, fmt.Errorf("transition workspace: %w", err)
		}

		ws.Status = string(target)
		ws.LastStatusChangeAt = now

		m.logger.Info(ctx, "workspace transitioned",
			zap.String("from", string(current)),
			zap.String("to", string(target)),
			zap.String("event", string(event)),
		)
		if m.transitionCounter != nil {
			m.transitionCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("from", string(current)),
				attribute.String("to", string(target)),
			))
		}
		return ws, nil
	}

	return store.Workspace{}, fmt.Errorf("transition workspace %s: %w", workspaceID, store.ErrConflict)
}

// Create registers a new workspace in the created status.
func (m *Machine) Create(ctx context.Context, id, tenantID, name string) (store.Workspace, error) {
	now := time.Now().UTC()
	ws := store.Workspace{
		ID:                 id,
		TenantID:           tenantID,
		Name:               name,
		Status:             string(StatusCreated),
		LastStatusChangeAt: now,
		CreatedAt:          now,
	}
	if err := m.store.InsertWorkspace(ctx, ws); err != nil {
		return store.Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	m.logger.Info(ctx, "workspace created",
		zap.String("workspace_id", id),
		zap.String("tenant_id", tenantID),
	)
	return ws, nil
}
