package recovery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/workspaced/internal/config"
	"github.com/fyrsmithlabs/workspaced/internal/guard"
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
	"github.com/fyrsmithlabs/workspaced/internal/workspace"
)

func testRecoveryConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		SweepInterval:        config.Duration(time.Minute),
		CheckpointTTL:        config.Duration(time.Hour),
		ProcessingTimeout:    config.Duration(100 * time.Millisecond),
		RecoveringTimeout:    config.Duration(100 * time.Millisecond),
		CatchUpGracePeriod:   config.Duration(50 * time.Millisecond),
		CatchUpRatePerSecond: 100,
		MaxRepairAttempts:    3,
		SweepConcurrency:     2,
	}
}

type harness struct {
	monitor *Monitor
	store   *store.Store
	machine *workspace.Machine

	mu           sync.Mutex
	redispatched []string
}

func newHarness(t *testing.T, cfg config.RecoveryConfig) *harness {
	t.Helper()

	st, err := store.Open(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	machine, err := workspace.NewMachine(st, logging.NewNop())
	require.NoError(t, err)

	g, err := guard.New(st, logging.NewNop(), time.Hour)
	require.NoError(t, err)

	h := &harness{store: st, machine: machine}
	h.monitor, err = NewMonitor(st, machine, g, func(_ context.Context, task store.Task) error {
		h.mu.Lock()
		h.redispatched = append(h.redispatched, task.ID)
		h.mu.Unlock()
		return nil
	}, logging.NewNop(), cfg)
	require.NoError(t, err)
	return h
}

func (h *harness) seedWorkspace(t *testing.T, status string, changedAt time.Time) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, h.store.InsertWorkspace(context.Background(), store.Workspace{
		ID:                 id,
		TenantID:           "tenant-1",
		Name:               "ws",
		Status:             status,
		LastStatusChangeAt: changedAt,
		CreatedAt:          changedAt,
	}))
	return id
}

func TestSweepTimesOutStuckProcessing(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Minute)
	stuckID := h.seedWorkspace(t, string(workspace.StatusProcessing), stale)
	freshID := h.seedWorkspace(t, string(workspace.StatusProcessing), time.Now().UTC())

	require.NoError(t, h.monitor.Sweep(ctx))

	ws, err := h.store.GetWorkspace(ctx, stuckID)
	require.NoError(t, err)
	assert.Equal(t, string(workspace.StatusAutoRecovering), ws.Status)

	// A workspace within its timeout window is untouched.
	ws, err = h.store.GetWorkspace(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, string(workspace.StatusProcessing), ws.Status)
}

func TestSweepEscalatesRepairAttempts(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.MaxRepairAttempts = 2
	h := newHarness(t, cfg)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-time.Minute)
	id := h.seedWorkspace(t, string(workspace.StatusAutoRecovering), stale)

	// First escalation: partial repair, degraded.
	require.NoError(t, h.monitor.Sweep(ctx))
	ws, err := h.store.GetWorkspace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(workspace.StatusDegraded), ws.Status)
	assert.Equal(t, 1, ws.RepairAttempts)

	// Push it back into recovery, stale again.
	_, err = h.machine.Apply(ctx, id, workspace.EventAnomalyDetected)
	require.NoError(t, err)
	require.NoError(t, h.store.CompareAndSetWorkspaceStatus(ctx, id,
		string(workspace.StatusAutoRecovering), string(workspace.StatusAutoRecovering), stale))

	// Second escalation exhausts the budget: error, operator territory.
	require.NoError(t, h.monitor.Sweep(ctx))
	ws, err = h.store.GetWorkspace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(workspace.StatusError), ws.Status)
	assert.Equal(t, 2, ws.RepairAttempts)

	// Further sweeps leave the error state alone.
	require.NoError(t, h.monitor.Sweep(ctx))
	ws, err = h.store.GetWorkspace(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(workspace.StatusError), ws.Status)
}

func TestSweepExpiresStaleCheckpoints(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	ctx := context.Background()

	wsID := h.seedWorkspace(t, string(workspace.StatusActive), time.Now().UTC())
	now := time.Now().UTC()
	require.NoError(t, h.store.InsertCheckpoint(ctx, store.Checkpoint{
		ID:          uuid.NewString(),
		WorkspaceID: wsID,
		ScopeKey:    wsID + ":goal-1",
		Status:      store.CheckpointPending,
		CreatedAt:   now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}))

	require.NoError(t, h.monitor.Sweep(ctx))

	n, err := h.store.CountPendingCheckpoints(ctx, wsID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepFailsDeliverableWithExpiredCheckpoint(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	ctx := context.Background()

	wsID := h.seedWorkspace(t, string(workspace.StatusActive), time.Now().UTC())
	now := time.Now().UTC()
	cpID := uuid.NewString()
	require.NoError(t, h.store.InsertCheckpoint(ctx, store.Checkpoint{
		ID:          cpID,
		WorkspaceID: wsID,
		ScopeKey:    wsID + ":goal-1",
		Status:      store.CheckpointPending,
		CreatedAt:   now.Add(-2 * time.Hour),
		ExpiresAt:   now.Add(-time.Hour),
	}))
	delivID := uuid.NewString()
	require.NoError(t, h.store.InsertDeliverable(ctx, store.Deliverable{
		ID:           delivID,
		WorkspaceID:  wsID,
		CheckpointID: cpID,
		Title:        "stalled synthesis",
		Status:       store.DeliverableSynthesizing,
		CreatedAt:    now.Add(-2 * time.Hour),
		UpdatedAt:    now.Add(-2 * time.Hour),
	}))

	require.NoError(t, h.monitor.Sweep(ctx))

	d, err := h.store.GetDeliverable(ctx, delivID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverableFailed, d.Status)

	// The failed attempt stops counting against the workspace cap.
	n, err := h.store.CountDeliverables(ctx, wsID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A deliverable that already settled is left alone on later sweeps.
	require.NoError(t, h.monitor.Sweep(ctx))
	d, err = h.store.GetDeliverable(ctx, delivID)
	require.NoError(t, err)
	assert.Equal(t, store.DeliverableFailed, d.Status)
}

func TestSweepRedispatchesUnreconciledTasks(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	ctx := context.Background()

	wsID := h.seedWorkspace(t, string(workspace.StatusActive), time.Now().UTC())
	completed := time.Now().UTC().Add(-time.Minute)
	taskID := uuid.NewString()
	require.NoError(t, h.store.UpsertTask(ctx, store.Task{
		ID:            taskID,
		WorkspaceID:   wsID,
		Status:        store.TaskCompleted,
		ResultSummary: "done",
		CompletedAt:   &completed,
		CreatedAt:     completed,
	}))

	require.NoError(t, h.monitor.Sweep(ctx))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{taskID}, h.redispatched)
}

func TestSweepRecordsBookkeeping(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())
	ctx := context.Background()

	before, err := h.store.LastRecoverySweep(ctx)
	require.NoError(t, err)
	assert.True(t, before.IsZero())

	require.NoError(t, h.monitor.Sweep(ctx))

	after, err := h.store.LastRecoverySweep(ctx)
	require.NoError(t, err)
	assert.False(t, after.IsZero())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, testRecoveryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.monitor.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
