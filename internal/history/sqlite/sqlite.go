package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/hostvisor/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db" (without prefix)
//   - "file:/path/to/file.db?cache=shared"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer keeps in-memory databases consistent across calls
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + history.DefaultTable + `(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event TEXT NOT NULL,
		backend TEXT NOT NULL,
		port INTEGER NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		error TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+history.DefaultTable+`(timestamp, event, backend, port, status, exit_code, error)
		VALUES(?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.Backend, rec.Port, rec.Status, rec.ExitCode, history.NullString(rec.Error))
	return err
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, event, backend, port, status, exit_code, COALESCE(error, '')
		FROM `+history.DefaultTable+` ORDER BY timestamp DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []history.Event
	for rows.Next() {
		var (
			e   history.Event
			typ string
		)
		if err := rows.Scan(&e.OccurredAt, &typ, &e.Record.Backend, &e.Record.Port, &e.Record.Status, &e.Record.ExitCode, &e.Record.Error); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
