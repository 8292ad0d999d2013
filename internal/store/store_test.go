package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/workspaced/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWorkspace(t *testing.T, s *Store, id string) Workspace {
	t.Helper()
	now := time.Now().UTC()
	w := Workspace{
		ID:                 id,
		TenantID:           "acme",
		Name:               "test workspace",
		Status:             "active",
		LastStatusChangeAt: now,
		CreatedAt:          now,
	}
	require.NoError(t, s.InsertWorkspace(context.Background(), w))
	return w
}

func seedGoal(t *testing.T, s *Store, workspaceID, goalID string, target float64) Goal {
	t.Helper()
	g := Goal{
		ID:          goalID,
		WorkspaceID: workspaceID,
		MetricType:  "qualified_leads",
		TargetValue: target,
		Status:      GoalActive,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.InsertGoal(context.Background(), g))
	return g
}

func TestWorkspaceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedWorkspace(t, s, "ws1")

	got, err := s.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, "active", got.Status)

	_, err = s.GetWorkspace(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// Duplicate insert conflicts.
	err = s.InsertWorkspace(ctx, Workspace{ID: "ws1", TenantID: "acme", Status: "active", LastStatusChangeAt: time.Now(), CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCompareAndSetWorkspaceStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")

	require.NoError(t, s.CompareAndSetWorkspaceStatus(ctx, "ws1", "active", "paused", time.Now()))

	// Stale expectation loses.
	err := s.CompareAndSetWorkspaceStatus(ctx, "ws1", "active", "completed", time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "paused", got.Status)
}

func TestLedgerAppendIsIdempotentPerTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")
	seedGoal(t, s, "ws1", "g1", 50)

	entry := LedgerEntry{
		ID:        uuid.NewString(),
		GoalID:    "g1",
		TaskID:    "t1",
		Delta:     10,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendLedgerEntry(ctx, entry))

	// Same (goal, task) pair again: unique index fires.
	entry.ID = uuid.NewString()
	assert.ErrorIs(t, s.AppendLedgerEntry(ctx, entry), ErrConflict)

	sum, err := s.LedgerSum(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, sum)

	// Administrative entries (no task) are exempt from the uniqueness rule.
	for i := 0; i < 2; i++ {
		require.NoError(t, s.AppendLedgerEntry(ctx, LedgerEntry{
			ID:        uuid.NewString(),
			GoalID:    "g1",
			Delta:     -5,
			Note:      "admin reset",
			CreatedAt: time.Now().UTC(),
		}))
	}
	sum, err = s.LedgerSum(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, sum)
}

func TestLedgerResultingValueDerivedOnAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")
	seedGoal(t, s, "ws1", "g1", 50)

	// A stale ResultingValue on the struct must not make it into the row;
	// the running total comes from the ledger itself.
	for i, delta := range []float64{10, 5, 7} {
		require.NoError(t, s.AppendLedgerEntry(ctx, LedgerEntry{
			ID:             uuid.NewString(),
			GoalID:         "g1",
			TaskID:         fmt.Sprintf("t%d", i),
			Delta:          delta,
			ResultingValue: -1,
			CreatedAt:      time.Now().UTC(),
		}))
	}

	entries, err := s.ListLedgerEntries(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 10.0, entries[0].ResultingValue)
	assert.Equal(t, 15.0, entries[1].ResultingValue)
	assert.Equal(t, 22.0, entries[2].ResultingValue)
}

func TestUpdateGoalProgress_GuardedByObservedValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")
	seedGoal(t, s, "ws1", "g1", 50)

	require.NoError(t, s.UpdateGoalProgress(ctx, "g1", 0, 10, GoalActive, time.Now()))

	// A writer holding a stale observation conflicts.
	err := s.UpdateGoalProgress(ctx, "g1", 0, 20, GoalActive, time.Now())
	assert.ErrorIs(t, err, ErrConflict)

	g, err := s.GetGoal(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, g.CurrentValue)
}

func TestCheckpointAtMostOnePendingPerScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")

	now := time.Now().UTC()
	cp := Checkpoint{
		ID:          uuid.NewString(),
		WorkspaceID: "ws1",
		ScopeKey:    "ws1:contact_list",
		Status:      CheckpointPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
	require.NoError(t, s.InsertCheckpoint(ctx, cp))

	dup := cp
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, s.InsertCheckpoint(ctx, dup), ErrConflict)

	// After resolution the scope frees up.
	require.NoError(t, s.ResolveCheckpoint(ctx, cp.ID, CheckpointResolved, now))
	require.NoError(t, s.InsertCheckpoint(ctx, dup))
}

func TestCheckpointConcurrentInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")

	const workers = 8
	now := time.Now().UTC()
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.InsertCheckpoint(ctx, Checkpoint{
				ID:          uuid.NewString(),
				WorkspaceID: "ws1",
				ScopeKey:    "ws1:report",
				Status:      CheckpointPending,
				CreatedAt:   now,
				ExpiresAt:   now.Add(time.Hour),
			})
		}(i)
	}
	wg.Wait()

	acquired := 0
	for _, err := range results {
		if err == nil {
			acquired++
		} else {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	assert.Equal(t, 1, acquired)
}

func TestExpireStaleCheckpoints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")

	created := time.Now().UTC().Add(-2 * time.Hour)
	cp := Checkpoint{
		ID:          uuid.NewString(),
		WorkspaceID: "ws1",
		ScopeKey:    "ws1:contact_list",
		Status:      CheckpointPending,
		CreatedAt:   created,
		ExpiresAt:   created.Add(time.Hour),
	}
	require.NoError(t, s.InsertCheckpoint(ctx, cp))

	expired, err := s.ExpireStaleCheckpoints(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, cp.ID, expired[0].ID)

	// Scope is free again.
	cp2 := cp
	cp2.ID = uuid.NewString()
	cp2.ExpiresAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.InsertCheckpoint(ctx, cp2))

	// Re-running the sweep finds nothing new.
	expired, err = s.ExpireStaleCheckpoints(ctx, created.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestDeliverableLifecycleAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")

	now := time.Now().UTC()
	d := Deliverable{ID: "d1", WorkspaceID: "ws1", Title: "Contact list", Status: DeliverablePending, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.InsertDeliverable(ctx, d))

	require.NoError(t, s.CompareAndSetDeliverableStatus(ctx, "d1", DeliverablePending, DeliverableSynthesizing, now))
	assert.ErrorIs(t, s.CompareAndSetDeliverableStatus(ctx, "d1", DeliverablePending, DeliverableReady, now), ErrConflict)
	require.NoError(t, s.CompareAndSetDeliverableStatus(ctx, "d1", DeliverableSynthesizing, DeliverableFailed, now))

	// Failed deliverables do not count against the cap.
	n, err := s.CountDeliverables(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTriggerCooldownUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")

	at, err := s.LastTriggeredAt(ctx, "ws1")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	first := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchTriggerCooldown(ctx, "ws1", first))
	second := first.Add(time.Minute)
	require.NoError(t, s.TouchTriggerCooldown(ctx, "ws1", second))

	at, err = s.LastTriggeredAt(ctx, "ws1")
	require.NoError(t, err)
	assert.WithinDuration(t, second, at, time.Second)
}

func TestTaskCountsAndScores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")
	seedGoal(t, s, "ws1", "g1", 100)

	now := time.Now().UTC()
	for i, task := range []Task{
		{ID: "t1", WorkspaceID: "ws1", GoalID: "g1", Status: TaskCompleted, ResultSummary: "found 10 leads", BusinessValueScore: 0.8},
		{ID: "t2", WorkspaceID: "ws1", GoalID: "g1", Status: TaskCompleted, ResultSummary: "", BusinessValueScore: 0.4},
		{ID: "t3", WorkspaceID: "ws1", Status: TaskPending},
	} {
		task.CompletedAt = &now
		task.CreatedAt = now.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.UpsertTask(ctx, task))
	}

	n, err := s.CountSubstantiveCompletedTasks(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountGoalContributors(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	avg, err := s.AverageBusinessValue(ctx, "ws1")
	require.NoError(t, err)
	assert.InDelta(t, 0.6, avg, 0.0001)
}

func TestListUnreconciledTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWorkspace(t, s, "ws1")

	completed := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.UpsertTask(ctx, Task{
		ID: "t1", WorkspaceID: "ws1", Status: TaskCompleted,
		ResultSummary: "done", CompletedAt: &completed, CreatedAt: completed,
	}))

	cutoff := time.Now().UTC().Add(-time.Minute)
	tasks, err := s.ListUnreconciledTasks(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)

	// A live checkpoint in the workspace suppresses catch-up.
	now := time.Now().UTC()
	require.NoError(t, s.InsertCheckpoint(ctx, Checkpoint{
		ID: "cp1", WorkspaceID: "ws1", ScopeKey: "ws1:x", Status: CheckpointPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	tasks, err = s.ListUnreconciledTasks(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRecoverySweepBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at, err := s.LastRecoverySweep(ctx)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.RecordRecoverySweep(ctx, now))
	require.NoError(t, s.RecordRecoverySweep(ctx, now.Add(time.Minute)))

	at, err = s.LastRecoverySweep(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Minute), at, time.Second)
}
