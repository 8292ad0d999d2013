// Package quality supplies business-value scores for completed tasks.
//
// The orchestration core treats the score as an opaque number in [0, 1]. A
// scorer that cannot produce a score returns ErrScoringUnavailable; callers
// degrade to zero rather than failing the pipeline.
package quality

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/store"
)

// ErrScoringUnavailable signals that no score could be produced for a task.
var ErrScoringUnavailable = errors.New("scoring unavailable")

// Scorer scores a completed task's business value in [0, 1].
type Scorer interface {
	Score(ctx context.Context, task store.Task) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, task store.Task) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, task store.Task) (float64, error) {
	return f(ctx, task)
}

// ExplicitScorer uses the score carried on the task itself, as reported by
// the task executor.
type ExplicitScorer struct{}

func (ExplicitScorer) Score(_ context.Context, task store.Task) (float64, error) {
	if task.BusinessValueScore <= 0 {
		return 0, ErrScoringUnavailable
	}
	return clamp(task.BusinessValueScore), nil
}

// HeuristicScorer derives a coarse score from the result summary when no
// explicit score was reported. It rewards substantive summaries and penalizes
// failure language.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(_ context.Context, task store.Task) (float64, error) {
	summary := strings.TrimSpace(task.ResultSummary)
	if summary == "" {
		return 0, ErrScoringUnavailable
	}

	score := 0.5
	if len(summary) >= 200 {
		score += 0.2
	}
	lower := strings.ToLower(summary)
	for _, bad := range []string{"failed", "error", "incomplete", "blocked"} {
		if strings.Contains(lower, bad) {
			score -= 0.3
			break
		}
	}
	return clamp(score), nil
}

// StaticScorer always returns a fixed score. Used as the terminal fallback.
type StaticScorer float64

func (s StaticScorer) Score(context.Context, store.Task) (float64, error) {
	return clamp(float64(s)), nil
}

// Chain tries each scorer in order and returns the first score produced.
// ErrScoringUnavailable moves to the next strategy; any other error stops
// the chain.
type Chain struct {
	logger  *logging.Logger
	scorers []Scorer
	names   []string
}

// NewChain builds the scoring chain. Scorers are tried in the given order.
func NewChain(logger *logging.Logger, scorers ...namedScorer) *Chain {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Chain{logger: logger}
	for _, ns := range scorers {
		c.scorers = append(c.scorers, ns.scorer)
		c.names = append(c.names, ns.name)
	}
	return c
}

type namedScorer struct {
	name   string
	scorer Scorer
}

// Strategy names a scorer for chain logging.
func Strategy(name string, s Scorer) namedScorer {
	return namedScorer{name: name, scorer: s}
}

// DefaultChain is the production chain: explicit score, then summary
// heuristic, then unavailable.
func DefaultChain(logger *logging.Logger) *Chain {
	return NewChain(logger,
		Strategy("explicit", ExplicitScorer{}),
		Strategy("heuristic", HeuristicScorer{}),
	)
}

func (c *Chain) Score(ctx context.Context, task store.Task) (float64, error) {
	for i, s := range c.scorers {
		score, err := s.Score(ctx, task)
		if errors.Is(err, ErrScoringUnavailable) {
			continue
		}
		if err != nil {
			return 0, err
		}
		c.logger.Debug(ctx, "task scored",
			zap.String("task_id", task.ID),
			zap.String("strategy", c.names[i]),
			zap.Float64("score", score),
		)
		return score, nil
	}
	return 0, ErrScoringUnavailable
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
