// Package guard prevents duplicate concurrent deliverable creation.
//
// A checkpoint is a claim on a unit of work, keyed by scope. Acquisition is a
// conditional insert against a partial unique index, so exactly one caller
// wins a race no matter how many daemon instances share the store. There is
// no mutex here on purpose: memory locks do not survive crashes or cover
// multiple processes.
package guard

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

const instrumentationName = "github.com/fyrsmithlabs/workspaced/internal/guard"

// ScopeKey builds the claim key for a workspace-scoped unit of work.
func ScopeKey(workspaceID, unit string) string {
	return workspaceID + ":" + unit
}

// Acquisition is the outcome of a claim attempt. When Acquired is false,
// Existing holds the checkpoint that blocked the claim.
type Acquisition struct {
	Acquired   bool
	Checkpoint store.Checkpoint
	Existing   store.Checkpoint
}

// Guard serializes deliverable creation per scope.
type Guard struct {
	store  *store.Store
	logger *logging.Logger
	ttl    time.Duration

	tracer          trace.Tracer
	acquireCounter  metric.Int64Counter
	rejectCounter   metric.Int64Counter
	expiredCounter  metric.Int64Counter
}

// New creates a duplication guard. ttl bounds how long a pending checkpoint
// can block its scope before the recovery sweep reclaims it.
func New(st *store.Store, logger *logging.Logger, ttl time.Duration) (*Guard, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("checkpoint ttl must be positive, got %s", ttl)
	}

	g := &Guard{
		store:  st,
		logger: logger,
		ttl:    ttl,
		tracer: otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	g.acquireCounter, err = meter.Int64Counter(
		"workspaced.guard.acquisitions_total",
		metric.WithDescription("Checkpoints acquired"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create acquire counter", zap.Error(err))
	}
	g.rejectCounter, err = meter.Int64Counter(
		"workspaced.guard.rejections_total",
		metric.WithDescription("Claim attempts rejected by an existing checkpoint"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create reject counter", zap.Error(err))
	}
	g.expiredCounter, err = meter.Int64Counter(
		"workspaced.guard.expired_total",
		metric.WithDescription("Stale checkpoints reclaimed"),
	)
	if err != nil {
		logger.Warn(context.Background(), "failed to create expired counter", zap.Error(err))
	}

	return g, nil
}

// TryAcquire attempts to claim the scope for a task. The claim is rejected
// when the task already holds a pending or resolved checkpoint, or when
// another pending checkpoint owns the scope. A prior checkpoint that expired
// does not block: TTL expiry hands the claim back so the recovery catch-up
// can retry the same task. Conflicts are not retried: losing the race IS the
// answer.
func (g *Guard) TryAcquire(ctx context.Context, workspaceID, taskID, scopeKey string) (Acquisition, error) {
	ctx, span := g.tracer.Start(ctx, "guard.try_acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("scope_key", scopeKey),
	)

	if taskID != "" {
		prior, err := g.store.GetCheckpointByTask(ctx, taskID)
		if err == nil && prior.Status != store.CheckpointExpired {
			g.logger.Debug(ctx, "task already checkpointed",
				zap.String("task_id", taskID),
				zap.String("checkpoint_id", prior.ID),
				zap.String("checkpoint_status", prior.Status),
			)
			g.reject(ctx, "task_already_checkpointed")
			return Acquisition{Existing: prior}, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return Acquisition{}, fmt.Errorf("lookup checkpoint by task: %w", err)
		}
	}

	now := time.Now().UTC()
	cp := store.Checkpoint{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		ScopeKey:    scopeKey,
		Status:      store.CheckpointPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}

	err := g.store.InsertCheckpoint(ctx, cp)
	if errors.Is(err, store.ErrConflict) {
		existing, lookErr := g.store.GetPendingCheckpointByScope(ctx, scopeKey)
		if lookErr != nil && !errors.Is(lookErr, store.ErrNotFound) {
			return Acquisition{}, fmt.Errorf("lookup blocking checkpoint: %w", lookErr)
		}
		g.logger.Info(ctx, "scope already claimed",
			zap.String("scope_key", scopeKey),
			zap.String("blocking_checkpoint_id", existing.ID),
		)
		g.reject(ctx, "scope_claimed")
		return Acquisition{Existing: existing}, nil
	}
	if err != nil {
		return Acquisition{}, fmt.Errorf("insert checkpoint: %w", err)
	}

	if g.acquireCounter != nil {
		g.acquireCounter.Add(ctx, 1)
	}
	g.logger.Info(ctx, "checkpoint acquired",
		zap.String("checkpoint_id", cp.ID),
		zap.String("scope_key", scopeKey),
		zap.Time("expires_at", cp.ExpiresAt),
	)
	return Acquisition{Acquired: true, Checkpoint: cp}, nil
}

// Resolve releases a checkpoint. Resolving an already-inert checkpoint is
// harmless and logged at debug.
func (g *Guard) Resolve(ctx context.Context, checkpointID string) error {
	ctx, span := g.tracer.Start(ctx, "guard.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint_id", checkpointID))

	err := g.store.ResolveCheckpoint(ctx, checkpointID, store.CheckpointResolved, time.Now().UTC())
	if errors.Is(err, store.ErrConflict) {
		g.logger.Debug(ctx, "checkpoint already inert", zap.String("checkpoint_id", checkpointID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve checkpoint %s: %w", checkpointID, err)
	}
	g.logger.Debug(ctx, "checkpoint resolved", zap.String("checkpoint_id", checkpointID))
	return nil
}

// ExpireStale reclaims every pending checkpoint past its TTL. Run by the
// recovery sweep; safe to call concurrently from multiple instances.
func (g *Guard) ExpireStale(ctx context.Context) ([]store.Checkpoint, error) {
	ctx, span := g.tracer.Start(ctx, "guard.expire_stale")
	defer span.End()

	expired, err := g.store.ExpireStaleCheckpoints(ctx, time.Now().UTC())
	if err != nil {
		return expired, fmt.Errorf("expire stale checkpoints: %w", err)
	}
	for _, cp := range expired {
		g.logger.Warn(ctx, "checkpoint expired without resolution",
			zap.String("checkpoint_id", cp.ID),
			zap.String("scope_key", cp.ScopeKey),
			zap.String("workspace_id", cp.WorkspaceID),
		)
	}
	if g.expiredCounter != nil && len(expired) > 0 {
		g.expiredCounter.Add(ctx, int64(len(expired)))
	}
	return expired, nil
}

func (g *Guard) reject(ctx context.Context, reason string) {
	if g.rejectCounter != nil {
		g.rejectCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
