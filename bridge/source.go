package bridge

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Notification is one raw message from the change feed channel.
type Notification struct {
	Channel string
	Payload string
}

// Source is a single upstream subscription to the change feed. The
// listener owns exactly one Source at a time and replaces it wholesale on
// connection loss.
type Source interface {
	// Connect establishes the subscription (dial + LISTEN)
	Connect(ctx context.Context) error
	// Wait blocks until the next notification arrives
	Wait(ctx context.Context) (*Notification, error)
	// Close releases the underlying connection
	Close(ctx context.Context) error
}

// SourceFactory produces a fresh Source for each (re)subscription attempt.
type SourceFactory func() Source

// pgSource subscribes via a dedicated Postgres connection. LISTEN is
// connection-scoped, so the connection serves nothing else.
type pgSource struct {
	dsn     string
	channel string
	conn    *pgx.Conn
}

// NewPgSource returns a factory for LISTEN subscriptions on the given
// channel.
func NewPgSource(dsn, channel string) SourceFactory {
	return func() Source {
		return &pgSource{dsn: dsn, channel: channel}
	}
}

func (s *pgSource) Connect(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Close(ctx)
		return fmt.Errorf("failed to listen on %q: %w", s.channel, err)
	}

	s.conn = conn
	return nil
}

func (s *pgSource) Wait(ctx context.Context) (*Notification, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

func (s *pgSource) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close(ctx)
}
