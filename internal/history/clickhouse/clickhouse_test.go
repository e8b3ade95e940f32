package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcclickhouse "github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/hostvisor/internal/history"
)

// startClickHouse starts a ClickHouse container and returns its native address.
func startClickHouse(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tcclickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		tcclickhouse.WithUsername("default"),
		tcclickhouse.WithPassword(""),
		tcclickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("ClickHouse container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	addr := startClickHouse(ctx, t)

	sink, err := New(Options{Addr: addr, Table: "server_history_test"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	now := time.Now().UTC()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: now,
		Record: history.Record{Backend: "external", Port: 8080, Status: "running"}}))
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStartFailed, OccurredAt: now.Add(time.Second),
		Record: history.Record{Backend: "external", Port: 8080, Status: "error", ExitCode: 1, Error: "port already occupied"}}))

	var count uint64
	require.NoError(t, sink.conn.QueryRow(ctx, "SELECT count() FROM server_history_test").Scan(&count))
	assert.Equal(t, uint64(2), count)

	var msg string
	require.NoError(t, sink.conn.QueryRow(ctx,
		"SELECT error FROM server_history_test WHERE type = ?", string(history.EventStartFailed)).Scan(&msg))
	assert.Equal(t, "port already occupied", msg)
}
