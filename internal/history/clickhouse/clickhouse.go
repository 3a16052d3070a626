package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/runbroker/runbroker/internal/history"
	"github.com/runbroker/runbroker/internal/jsoncodec"
)

// Sink sends audit records to ClickHouse using the official ClickHouse Go
// client. The target table must already exist; old/new snapshots and the
// command kwargs are stored as JSON strings.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{
		conn:  conn,
		table: table,
	}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
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

	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, resource, cmd, old, new, cmd_kwargs) VALUES (?, ?, ?, ?, ?, ?)`, s.table)

	if err := s.conn.Exec(ctx, query,
		r.OccurredAt,
		r.Resource,
		r.Cmd,
		string(oldB),
		string(newB),
		string(kwargsB),
	); err != nil {
		return fmt.Errorf("failed to insert record into ClickHouse: %w", err)
	}

	return nil
}
