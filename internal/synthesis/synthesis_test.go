package synthesis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/workspaced/internal/logging"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // Random port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
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

func TestNATSGeneratorPublishesRequest(t *testing.T) {
	srv := startTestNATSServer(t)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	sub, err := conn.SubscribeSync("workspaced.synthesis.requests")
	require.NoError(t, err)

	gen, err := NewNATSGenerator(conn, "workspaced.synthesis.requests", logging.NewNop())
	require.NoError(t, err)

	req := Request{
		DeliverableID: "d-1",
		WorkspaceID:   "ws-1",
		GoalID:        "g-1",
		Title:         "quarterly report",
		RequestedAt:   time.Now().UTC(),
	}
	require.NoError(t, gen.Synthesize(context.Background(), req))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got Request
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "d-1", got.DeliverableID)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, "quarterly report", got.Title)
}

func TestParseResult(t *testing.T) {
	res, err := ParseResult([]byte(`{"deliverable_id":"d-1","status":"ready"}`))
	require.NoError(t, err)
	assert.Equal(t, "d-1", res.DeliverableID)
	assert.Equal(t, ResultReady, res.Status)

	_, err = ParseResult([]byte(`{"status":"ready"}`))
	assert.Error(t, err)

	_, err = ParseResult([]byte(`{"deliverable_id":"d-1","status":"done"}`))
	assert.Error(t, err)

	_, err = ParseResult([]byte(`not json`))
	assert.Error(t, err)
}

func TestNoopGenerator(t *testing.T) {
	assert.NoError(t, Noop{}.Synthesize(context.Background(), Request{DeliverableID: "d-1"}))
}
