package quality

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
)

func TestExplicitScorer(t *testing.T) {
	ctx := context.Background()

	score, err := ExplicitScorer{}.Score(ctx, store.Task{BusinessValueScore: 0.8})
	require.NoError(t, err)
	assert.Equal(t, 0.8, score)

	// Out-of-range scores are clamped, not rejected.
	score, err = ExplicitScorer{}.Score(ctx, store.Task{BusinessValueScore: 1.7})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	_, err = ExplicitScorer{}.Score(ctx, store.Task{})
	assert.ErrorIs(t, err, ErrScoringUnavailable)
}

func TestHeuristicScorer(t *testing.T) {
	ctx := context.Background()

	_, err := HeuristicScorer{}.Score(ctx, store.Task{ResultSummary: "   "})
	assert.ErrorIs(t, err, ErrScoringUnavailable)

	score, err := HeuristicScorer{}.Score(ctx, store.Task{ResultSummary: "implemented the exporter"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)

	long := strings.Repeat("detailed progress on the exporter pipeline. ", 6)
	score, err = HeuristicScorer{}.Score(ctx, store.Task{ResultSummary: long})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, score, 1e-9)

	score, err = HeuristicScorer{}.Score(ctx, store.Task{ResultSummary: "attempt failed with timeout"})
	require.NoError(t, err)
	assert.InDelta(t, 0.2, score, 1e-9)
}

func TestChainOrdering(t *testing.T) {
	ctx := context.Background()
	chain := DefaultChain(logging.NewNop())

	// Explicit score wins when present.
	score, err := chain.Score(ctx, store.Task{BusinessValueScore: 0.9, ResultSummary: "done"})
	require.NoError(t, err)
	assert.Equal(t, 0.9, score)

	// Falls through to the heuristic.
	score, err = chain.Score(ctx, store.Task{ResultSummary: "done"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)

	// Nothing can score: unavailable.
	_, err = chain.Score(ctx, store.Task{})
	assert.ErrorIs(t, err, ErrScoringUnavailable)
}

func TestChainStopsOnHardError(t *testing.T) {
	boom := errors.New("scoring backend down")
	chain := NewChain(logging.NewNop(),
		Strategy("broken", ScorerFunc(func(context.Context, store.Task) (float64, error) {
			return 0, boom
		})),
		Strategy("fallback", StaticScorer(0.5)),
	)

	_, err := chain.Score(context.Background(), store.Task{})
	assert.ErrorIs(t, err, boom)
}

func TestStaticScorerTerminatesChain(t *testing.T) {
	chain := NewChain(logging.NewNop(),
		Strategy("explicit", ExplicitScorer{}),
		Strategy("default", StaticScorer(0.3)),
	)

	score, err := chain.Score(context.Background(), store.Task{})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, score, 1e-9)
}
