package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresLocker takes session level advisory locks. Each lease pins one
// pooled connection until released.
type PostgresLocker struct {
	db *sqlx.DB
}

// NewPostgresLocker creates a new advisory lock based locker
func NewPostgresLocker(db *sqlx.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

// Acquire waits up to timeout for the advisory lock of key
func (l *PostgresLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Handle, error) {
	conn, err := l.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	id := advisoryKey(key)
	err = poll(ctx, timeout, pollInterval, func() (bool, error) {
		var ok bool
		if err := conn.GetContext(ctx, &ok, "SELECT pg_try_advisory_lock($1)", id); err != nil {
			return false, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &advisoryHandle{conn: conn, id: id}, nil
}

type advisoryHandle struct {
	conn *sqlx.Conn
	id   int64
}

func (h *advisoryHandle) Release(ctx context.Context) error {
	defer h.conn.Close()

	if _, err := h.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", h.id); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}

func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
