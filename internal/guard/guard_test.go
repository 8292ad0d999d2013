package guard

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
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
)

func newTestGuard(t *testing.T, ttl time.Duration) (*Guard, *store.Store) {
	t.Helper()

	st, err := store.Open(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	g, err := New(st, logging.NewNop(), ttl)
	require.NoError(t, err)
	return g, st
}

func seedWorkspace(t *testing.T, st *store.Store) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, st.InsertWorkspace(context.Background(), store.Workspace{
		ID:                 id,
		TenantID:           "tenant-1",
		Name:               "ws",
		Status:             "active",
		LastStatusChangeAt: time.Now().UTC(),
		CreatedAt:          time.Now().UTC(),
	}))
	return id
}

func TestTryAcquireThenRelease(t *testing.T) {
	g, st := newTestGuard(t, time.Hour)
	wsID := seedWorkspace(t, st)
	ctx := context.Background()
	scope := ScopeKey(wsID, "goal-1")

	acq, err := g.TryAcquire(ctx, wsID, "task-1", scope)
	require.NoError(t, err)
	require.True(t, acq.Acquired)
	assert.Equal(t, scope, acq.Checkpoint.ScopeKey)

	// Same scope, different task: blocked while pending.
	blocked, err := g.TryAcquire(ctx, wsID, "task-2", scope)
	require.NoError(t, err)
	assert.False(t, blocked.Acquired)
	assert.Equal(t, acq.Checkpoint.ID, blocked.Existing.ID)

	require.NoError(t, g.Resolve(ctx, acq.Checkpoint.ID))

	// Scope is free again once resolved.
	next, err := g.TryAcquire(ctx, wsID, "task-2", scope)
	require.NoError(t, err)
	assert.True(t, next.Acquired)
}

func TestTryAcquireRejectsCheckpointedTask(t *testing.T) {
	g, st := newTestGuard(t, time.Hour)
	wsID := seedWorkspace(t, st)
	ctx := context.Background()

	acq, err := g.TryAcquire(ctx, wsID, "task-1", ScopeKey(wsID, "goal-1"))
	require.NoError(t, err)
	require.True(t, acq.Acquired)
	require.NoError(t, g.Resolve(ctx, acq.Checkpoint.ID))

	// The task keeps its claim history even after resolution; a second
	// attempt for the same task is rejected outright.
	again, err := g.TryAcquire(ctx, wsID, "task-1", ScopeKey(wsID, "goal-2"))
	require.NoError(t, err)
	assert.False(t, again.Acquired)
	assert.Equal(t, acq.Checkpoint.ID, again.Existing.ID)
	assert.Equal(t, store.CheckpointResolved, again.Existing.Status)
}

func TestTryAcquireConcurrentExactlyOneWinner(t *testing.T) {
	g, st := newTestGuard(t, time.Hour)
	wsID := seedWorkspace(t, st)
	ctx := context.Background()
	scope := ScopeKey(wsID, "goal-1")

	const workers = 8
	results := make([]Acquisition, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		i := i
		go func() {
			defer wg.Done()
			acq, err := g.TryAcquire(ctx, wsID, uuid.NewString(), scope)
			require.NoError(t, err)
			results[i] = acq
		}()
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r.Acquired {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestExpireStaleReclaimsScope(t *testing.T) {
	g, st := newTestGuard(t, 10*time.Millisecond)
	wsID := seedWorkspace(t, st)
	ctx := context.Background()
	scope := ScopeKey(wsID, "goal-1")

	acq, err := g.TryAcquire(ctx, wsID, "task-1", scope)
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	time.Sleep(20 * time.Millisecond)

	expired, err := g.ExpireStale(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, acq.Checkpoint.ID, expired[0].ID)

	// A second sweep finds nothing.
	expired, err = g.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	// The scope is free for a different task.
	next, err := g.TryAcquire(ctx, wsID, "task-2", scope)
	require.NoError(t, err)
	assert.True(t, next.Acquired)
}

func TestTryAcquireSameTaskAfterExpiry(t *testing.T) {
	g, st := newTestGuard(t, 10*time.Millisecond)
	wsID := seedWorkspace(t, st)
	ctx := context.Background()
	scope := ScopeKey(wsID, "goal-1")

	acq, err := g.TryAcquire(ctx, wsID, "task-1", scope)
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	time.Sleep(20 * time.Millisecond)

	expired, err := g.ExpireStale(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// The same task may reclaim after its checkpoint expired; otherwise the
	// catch-up redispatch of that task could never produce a deliverable.
	again, err := g.TryAcquire(ctx, wsID, "task-1", scope)
	require.NoError(t, err)
	assert.True(t, again.Acquired)
	assert.NotEqual(t, acq.Checkpoint.ID, again.Checkpoint.ID)
}

func TestResolveTwiceIsHarmless(t *testing.T) {
	g, st := newTestGuard(t, time.Hour)
	wsID := seedWorkspace(t, st)
	ctx := context.Background()

	acq, err := g.TryAcquire(ctx, wsID, "task-1", ScopeKey(wsID, "goal-1"))
	require.NoError(t, err)
	require.NoError(t, g.Resolve(ctx, acq.Checkpoint.ID))
	require.NoError(t, g.Resolve(ctx, acq.Checkpoint.ID))
}

func TestNewRejectsZeroTTL(t *testing.T) {
	st, err := store.Open(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: config.Duration(time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = New(st, logging.NewNop(), 0)
	assert.Error(t, err)
}
