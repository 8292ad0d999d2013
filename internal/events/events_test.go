package events

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/workspaced/internal/config"
	"github.com/fyrsmithlabs/workspaced/internal/dispatch"
	"github.com/fyrsmithlabs/workspaced/internal/guard"
	"github.com/fyrsmithlabs/workspaced/internal/ledger"
	"github.com/fyrsmithlabs/workspaced/internal/logging"
	"github.com/fyrsmithlabs/workspaced/internal/quality"
	"github.com/fyrsmithlabs/workspaced/internal/store"
	"github.com/fyrsmithlabs/workspaced/internal/synthesis"
	"github.com/fyrsmithlabs/workspaced/internal/trigger"
	"github.com/fyrsmithlabs/workspaced/internal/workspace"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1, // Random port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func newTestDispatcher(t *testing.T) (*dispatch.Dispatcher, *store.Store, string, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := logging.NewNop()
	machine, err := workspace.NewMachine(st, logger)
	require.NoError(t, err)
	g, err := guard.New(st, logger, time.Hour)
	require.NoError(t, err)
	acc, err := ledger.NewAccountant(st, logger)
	require.NoError(t, err)
	engine, err := trigger.NewEngine(st, g, synthesis.Noop{}, logger, config.OrchestratorConfig{
		MinCompletedTasks:         1,
		BusinessValueThreshold:    0.5,
		ReadinessThreshold:        0.90,
		PartialReadinessThreshold: 0.70,
		PartialReadinessMinTasks:  3,
		MaxDeliverables:           10,
		SynthesisTimeout:          config.Duration(5 * time.Second),
	})
	require.NoError(t, err)
	d, err := dispatch.New(st, machine, acc, g, engine, quality.DefaultChain(logger), logger)
	require.NoError(t, err)

	ws, err := d.CreateWorkspace(ctx, "tenant-1", "ws", []store.Goal{{
		MetricType:  "feature_count",
		TargetValue: 10,
	}})
	require.NoError(t, err)
	goals, err := st.ListGoalsByWorkspace(ctx, ws.ID, store.GoalActive)
	require.NoError(t, err)

	return d, st, ws.ID, goals[0].ID
}

func testEventsConfig() config.EventsConfig {
	return config.EventsConfig{
		Subject: "workspaced.tasks.completed",
		Queue:   "workspaced",
		Stream:  "WORKSPACED_TASKS",
	}
}

func TestConsumerProcessesTaskEvent(t *testing.T) {
	srv := startTestNATSServer(t)
	d, st, wsID, goalID := newTestDispatcher(t)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	consumer, err := NewConsumer(conn, d, logging.NewNop(), testEventsConfig(), "workspaced.synthesis.results")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() { _ = consumer.Stop() })

	js, err := conn.JetStream()
	require.NoError(t, err)

	payload, err := json.Marshal(dispatch.TaskCompleted{
		WorkspaceID:        wsID,
		TaskID:             "task-1",
		GoalID:             goalID,
		Contribution:       4,
		BusinessValueScore: 0.8,
		ResultSummary:      "done",
	})
	require.NoError(t, err)
	_, err = js.Publish("workspaced.tasks.completed", payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sum, err := st.LedgerSum(ctx, goalID)
		return err == nil && sum == 4
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConsumerRedeliveryIsIdempotent(t *testing.T) {
	srv := startTestNATSServer(t)
	d, st, wsID, goalID := newTestDispatcher(t)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	consumer, err := NewConsumer(conn, d, logging.NewNop(), testEventsConfig(), "")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, consumer.Start(ctx))
	t.Cleanup(func() { _ = consumer.Stop() })

	js, err := conn.JetStream()
	require.NoError(t, err)

	payload, err := json.Marshal(dispatch.TaskCompleted{
		WorkspaceID:  wsID,
		TaskID:       "task-1",
		GoalID:       goalID,
		Contribution: 4,
	})
	require.NoError(t, err)

	// The same event published twice lands one ledger entry.
	_, err = js.Publish("workspaced.tasks.completed", payload)
	require.NoError(t, err)
	_, err = js.Publish("workspaced.tasks.completed", payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := st.ListLedgerEntries(ctx, goalID)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 50*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	entries, err := st.ListLedgerEntries(ctx, goalID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConsumerDropsMalformedPayload(t *testing.T) {
	srv := startTestNATSServer(t)
	d, _, _, _ := newTestDispatcher(t)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	consumer, err := NewConsumer(conn, d, logging.NewNop(), testEventsConfig(), "")
	require.NoError(t, err)
	require.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(func() { _ = consumer.Stop() })

	js, err := conn.JetStream()
	require.NoError(t, err)
	_, err = js.Publish("workspaced.tasks.completed", []byte("not json"))
	require.NoError(t, err)

	// The consumer terms the message instead of looping on it; the stream
	// drains back to empty.
	require.Eventually(t, func() bool {
		info, err := js.StreamInfo("WORKSPACED_TASKS")
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestConnectEmbedded(t *testing.T) {
	conn, shutdown, err := Connect(config.EventsConfig{Embedded: true}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(shutdown)
	t.Cleanup(conn.Close)

	assert.True(t, conn.IsConnected())
}
