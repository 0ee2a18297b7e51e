package bus

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	// NOTIFY payloads are capped by the server at just under 8000 bytes.
	maxNotifyPayload = 7999
)

// PostgresTransport carries events over LISTEN/NOTIFY.
type PostgresTransport struct {
	log *log.Logger
	dsn string
	db  *sql.DB
}

func NewPostgresTransport(dsn string, logger *log.Logger) (*PostgresTransport, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &PostgresTransport{log: logger, dsn: dsn, db: db}, nil
}

func (t *PostgresTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("postgres: payload of %d bytes exceeds notify limit", len(payload))
	}

	if _, err := t.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("postgres: notify: %w", err)
	}
	return nil
}

func (t *PostgresTransport) Subscribe(_ context.Context, channel string) (Subscription, error) {
	listener := pq.NewListener(t.dsn, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			t.log.Printf("postgres listener event %d: %v", ev, err)
		}
	})

	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("postgres: listen: %w", err)
	}

	f := newForwarder(memoryBufferSize, listener.Close)
	go func() {
		defer close(f.out)
		for n := range listener.Notify {
			// nil is sent after the listener re-establishes its connection
			if n == nil {
				continue
			}
			if !f.forward([]byte(n.Extra)) {
				return
			}
		}
	}()

	return f, nil
}

func (t *PostgresTransport) Close() error {
	return t.db.Close()
}
