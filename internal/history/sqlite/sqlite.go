package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/runbroker/runbroker/internal/history"
	"github.com/runbroker/runbroker/internal/jsoncodec"
)

// Sink writes audit records to a SQLite database. This is a plain audit
// table separate from the asset store's strict schema, so it tolerates
// coexisting tables.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite audit sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}

	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// Simple audit table, no primary key. Timestamp defaults to CURRENT_TIMESTAMP when not provided.
	stmt := `CREATE TABLE IF NOT EXISTS resource_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		resource TEXT NOT NULL,
		cmd TEXT NOT NULL,
		old TEXT NOT NULL,
		new TEXT NOT NULL,
		cmd_kwargs TEXT
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	oldB, err := jsoncodec.Marshal(r.Update.Old)
	if err != nil {
		return err
	}
	newB, err := jsoncodec.Marshal(r.Update.New)
	if err != nil {
		return err
	}
	kwargsB, err := jsoncodec.Marshal(r.Update.CmdKwargs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resource_history(occurred_at, resource, cmd, old, new, cmd_kwargs)
		VALUES(?, ?, ?, ?, ?, ?);`,
		r.OccurredAt.UTC(), r.Resource, r.Cmd, string(oldB), string(newB), string(kwargsB))
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
