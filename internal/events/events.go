// Package events ingests task completion and synthesis result messages over
// NATS JetStream.
//
// Delivery is at least once. The dispatcher's handling path is idempotent, so
// the consumer acks only after a successful handle and lets redelivery cover
// the rest.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/workspaced/internal/config"
	"github.com/fyrsmithlabs/workspaced/internal/dispatch"
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/synthesis"
)

// Connect establishes the NATS connection, starting an embedded server first
// when configured. The returned shutdown func stops the embedded server, if
// any.
func Connect(cfg config.EventsConfig, logger *logging.Logger) (*nats.Conn, func(), error) {
	url := cfg.URL
	shutdown := func() {}

	if cfg.Embedded {
		opts := &natsserver.Options{
			Host:      "127.0.0.1",
			Port:      -1,
			NoLog:     true,
			NoSigs:    true,
			JetStream: true,
		}
		srv, err := natsserver.NewServer(opts)
		if err != nil {
			return nil, nil, fmt.Errorf("create embedded nats server: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(10 * time.Second) {
			srv.Shutdown()
			return nil, nil, errors.New("embedded nats server not ready")
		}
		url = srv.ClientURL()
		shutdown = func() {
			srv.Shutdown()
			srv.WaitForShutdown()
		}
		logger.Info(context.Background(), "embedded nats server started", zap.String("url", url))
	}

	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		shutdown()
		return nil, nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, shutdown, nil
}

// Consumer bridges NATS subjects to the dispatcher.
type Consumer struct {
	conn          *nats.Conn
	dispatcher    *dispatch.Dispatcher
	logger        *logging.Logger
	cfg           config.EventsConfig
	resultSubject string

	subs []*nats.Subscription
}

// NewConsumer creates the event consumer. resultSubject carries synthesis
// completion callbacks.
func NewConsumer(conn *nats.Conn, d *dispatch.Dispatcher, logger *logging.Logger, cfg config.EventsConfig, resultSubject string) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Consumer{
		conn:          conn,
		dispatcher:    d,
		logger:        logger,
		cfg:           cfg,
		resultSubject: resultSubject,
	}, nil
}

// Start provisions the stream and begins consuming. Safe to call on a fresh
// broker: stream creation is idempotent.
func (c *Consumer) Start(ctx context.Context) error {
	js, err := c.conn.JetStream()
	if err != nil {
		return fmt.Errorf("create jetstream context: %w", err)
	}

	subjects := []string{c.cfg.Subject}
	if c.resultSubject != "" {
		subjects = append(subjects, c.resultSubject)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      c.cfg.Stream,
		Subjects:  subjects,
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("ensure stream %s: %w", c.cfg.Stream, err)
	}

	// The queue group doubles as the durable consumer name, so each subject
	// gets its own group.
	taskSub, err := js.QueueSubscribe(c.cfg.Subject, c.cfg.Queue+"-tasks", c.handleTaskCompleted(ctx),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.cfg.Subject, err)
	}
	c.subs = append(c.subs, taskSub)

	if c.resultSubject != "" {
		resSub, err := js.QueueSubscribe(c.resultSubject, c.cfg.Queue+"-results", c.handleSynthesisResult(ctx),
			nats.ManualAck(),
			nats.AckExplicit(),
		)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", c.resultSubject, err)
		}
		c.subs = append(c.subs, resSub)
	}

	c.logger.Info(ctx, "event consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.Strings("subjects", subjects),
	)
	return nil
}

func (c *Consumer) handleTaskCompleted(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ev dispatch.TaskCompleted
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			// Malformed payloads are poison; redelivery cannot fix them.
			c.logger.Error(ctx, "dropping malformed task event", zap.Error(err))
			c.term(ctx, msg)
			return
		}

		if _, err := c.dispatcher.HandleTaskCompleted(ctx, ev); err != nil {
			if errors.Is(err, dispatch.ErrTenantMismatch) {
				c.logger.Error(ctx, "dropping cross-tenant task event",
					zap.String("task_id", ev.TaskID),
					zap.String("tenant_id", ev.TenantID),
				)
				c.term(ctx, msg)
				return
			}
			c.logger.Warn(ctx, "task event handling failed, leaving for redelivery",
				zap.String("task_id", ev.TaskID),
				zap.Error(err),
			)
			c.nak(ctx, msg)
			return
		}
		c.ack(ctx, msg)
	}
}

func (c *Consumer) handleSynthesisResult(ctx context.Context) nats.MsgHandler {
	return func(msg *nats.Msg) {
		res, err := synthesis.ParseResult(msg.Data)
		if err != nil {
			c.logger.Error(ctx, "dropping malformed synthesis result", zap.Error(err))
			c.term(ctx, msg)
			return
		}

		if err := c.dispatcher.HandleSynthesisResult(ctx, res); err != nil {
			c.logger.Warn(ctx, "synthesis result handling failed, leaving for redelivery",
				zap.String("deliverable_id", res.DeliverableID),
				zap.Error(err),
			)
			c.nak(ctx, msg)
			return
		}
		c.ack(ctx, msg)
	}
}

func (c *Consumer) ack(ctx context.Context, msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn(ctx, "failed to ack message", zap.Error(err))
	}
}

func (c *Consumer) nak(ctx context.Context, msg *nats.Msg) {
	if err := msg.NakWithDelay(5 * time.Second); err != nil {
		c.logger.Warn(ctx, "failed to nak message", zap.Error(err))
	}
}

func (c *Consumer) term(ctx context.Context, msg *nats.Msg) {
	if err := msg.Term(); err != nil {
		c.logger.Warn(ctx, "failed to term message", zap.Error(err))
	}
}

// Stop drains the subscriptions.
func (c *Consumer) Stop() error {
	var errs []error
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
