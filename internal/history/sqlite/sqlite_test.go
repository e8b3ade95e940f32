package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hostvisor/internal/history"
)

func TestSQLiteSink_SendAndRecent(t *testing.T) {
	sink, err := New("sqlite://" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: t0, Record: history.Record{Backend: "external", Port: 8080, Status: "running"}},
		{Type: history.EventExit, OccurredAt: t0.Add(time.Minute), Record: history.Record{Backend: "external", Port: 8080, Status: "error", ExitCode: 2, Error: "external server exited unexpectedly with code 2"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	got, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, history.EventExit, got[0].Type)
	assert.Equal(t, 2, got[0].Record.ExitCode)
	assert.Equal(t, "external server exited unexpectedly with code 2", got[0].Record.Error)
	assert.True(t, got[0].OccurredAt.Equal(t0.Add(time.Minute)))
	assert.Equal(t, history.EventStart, got[1].Type)
	assert.Equal(t, "", got[1].Record.Error)
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: history.Record{Backend: "fallback", Port: 1, Status: "stopped"}}))
	got, err := sink.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestSQLiteSink_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.db")
	s1, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())
	s2, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}
