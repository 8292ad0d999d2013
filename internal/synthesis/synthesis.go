// Package synthesis is the handoff boundary to the content generator.
//
// The core fires a synthesis request and forgets it; the generator's eventual
// ready/failed result arrives as a separate message and closes the
// deliverable and its checkpoint.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workspaced/internal/logging"
)

// ErrSynthesisUnavailable signals the generator could not accept the request.
// Callers mark the deliverable failed and release the checkpoint so a later
// trigger can retry.
var ErrSynthesisUnavailable = errors.New("synthesis unavailable")

// Request asks the generator to produce a deliverable.
type Request struct {
	DeliverableID string    `json:"deliverable_id"`
	WorkspaceID   string    `json:"workspace_id"`
	GoalID        string    `json:"goal_id,omitempty"`
	Title         string    `json:"title"`
	RequestedAt   time.Time `json:"requested_at"`
}

// Result statuses.
const (
	ResultReady  = "ready"
	ResultFailed = "failed"
)

// Result is the generator's completion callback payload.
type Result struct {
	DeliverableID string `json:"deliverable_id"`
	Status        string `json:"status"`
	Detail        string `json:"detail,omitempty"`
}

// Validate checks the result is well formed.
func (r Result) Validate() error {
	if r.DeliverableID == "" {
		return errors.New("result missing deliverable_id")
	}
	if r.Status != ResultReady && r.Status != ResultFailed {
		return fmt.Errorf("unknown result status %q", r.Status)
	}
	return nil
}

// ParseResult decodes a result message payload.
func ParseResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode synthesis result: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Result{}, err
	}
	return r, nil
}

// Generator accepts synthesis requests.
type Generator interface {
	Synthesize(ctx context.Context, req Request) error
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) error

func (f GeneratorFunc) Synthesize(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Noop discards requests. Used when synthesis mode is "none".
type Noop struct{}

func (Noop) Synthesize(context.Context, Request) error { return nil }

// NATSGenerator publishes synthesis requests to a NATS subject.
type NATSGenerator struct {
	conn    *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewNATSGenerator creates a generator publishing to subject.
func NewNATSGenerator(conn *nats.Conn, subject string, logger *logging.Logger) (*NATSGenerator, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSGenerator{conn: conn, subject: subject, logger: logger}, nil
}

// Synthesize publishes the request. A publish failure maps to
// ErrSynthesisUnavailable so callers follow the degrade path.
func (g *NATSGenerator) Synthesize(ctx context.Context, req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode synthesis request: %w", err)
	}
	if err := g.conn.Publish(g.subject, payload); err != nil {
		g.logger.Warn(ctx, "synthesis publish failed",
			zap.String("deliverable_id", req.DeliverableID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
	}
	g.logger.Debug(ctx, "synthesis requested",
		zap.String("deliverable_id", req.DeliverableID),
		zap.String("subject", g.subject),
	)
	return nil
}
