// Package catalog implements the metadata catalog: distributed locking,
// discovery, hygiene, and the per-engine capability surface used by the
// engine loop to keep the metadata store in sync with the source systems it
// catalogs.
package catalog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dataforge/kernel/pkg/logger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the minimal pool surface the lock manager needs. Both *pgxpool.Pool
// and pgxmock satisfy it, which is what makes PostgresLockManager testable
// without a live database.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Common errors for lock operations.
var (
	ErrLockNotAcquired = errors.New("catalog: lock could not be acquired")
	ErrLockNotHeld     = errors.New("catalog: lock is not currently held")
	ErrLockNotOwned    = errors.New("catalog: lock is not owned by this session")
)

// maxLockTTL bounds how long a single lock row may outlive its holder before
// hygiene reclaims it (§4.1: "Acquiring with TTL ≤ 0 or > 3600 returns
// timeout without work").
const maxLockTTL = 3600 * time.Second

// LockManager acquires named, TTL-bounded locks backed by the
// metadata.catalog_locks table. A single named lock serializes catalog
// operations (sync, hygiene) across engine processes without requiring a
// separate coordination service.
type LockManager interface {
	// Acquire blocks until the lock is obtained or maxWait elapses.
	Acquire(ctx context.Context, lockName string, ttl time.Duration, maxWait time.Duration) (Lock, error)
	// TryAcquire makes a single attempt and returns ErrLockNotAcquired if the
	// lock is currently held by another session.
	TryAcquire(ctx context.Context, lockName string, ttl time.Duration) (Lock, error)
}

// Lock represents a held catalog lock.
type Lock interface {
	Release(ctx context.Context) error
	Refresh(ctx context.Context, ttl time.Duration) error
	Name() string
	IsHeld() bool
}

// PostgresLockManager implements LockManager against the catalog Postgres
// pool using an INSERT ... ON CONFLICT DO NOTHING pattern, mirroring the
// original catalog lock table design but without raw-connection-per-attempt
// overhead.
type PostgresLockManager struct {
	pool       DB
	sessionID  string
	retryEvery time.Duration
}

// NewPostgresLockManager builds a lock manager bound to pool. retryEvery
// controls the poll interval used by Acquire between attempts; zero selects
// a 500ms default.
func NewPostgresLockManager(pool DB, retryEvery time.Duration) *PostgresLockManager {
	if retryEvery <= 0 {
		retryEvery = 500 * time.Millisecond
	}
	return &PostgresLockManager{
		pool:       pool,
		sessionID:  generateSessionID(),
		retryEvery: retryEvery,
	}
}

type postgresLock struct {
	manager *PostgresLockManager
	name    string
	held    bool
}

// TryAcquire makes a single attempt to acquire lockName, first sweeping
// expired rows so a crashed holder never wedges the lock permanently.
func (m *PostgresLockManager) TryAcquire(
	ctx context.Context,
	lockName string,
	ttl time.Duration,
) (Lock, error) {
	if ttl <= 0 || ttl > maxLockTTL {
		return nil, ErrLockNotAcquired
	}
	log := logger.FromContext(ctx)
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: begin lock tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if n, err := cleanExpiredLocks(ctx, tx); err != nil {
		log.Warn("catalog lock cleanup failed", "error", err)
	} else if n > 0 {
		log.Info("cleaned expired catalog locks", "count", n)
	}

	hostname := hostname()
	expiresAt := time.Now().Add(ttl)

	var acquiredName string
	err = tx.QueryRow(ctx, `
		INSERT INTO metadata.catalog_locks (lock_name, acquired_by, expires_at, session_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_name) DO NOTHING
		RETURNING lock_name
	`, lockName, hostname, expiresAt, m.sessionID).Scan(&acquiredName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("catalog: commit lock tx: %w", err)
			}
			return nil, ErrLockNotAcquired
		}
		return nil, fmt.Errorf("catalog: insert lock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("catalog: commit lock tx: %w", err)
	}

	log.Info("acquired catalog lock", "lock_name", lockName, "session_id", m.sessionID)
	return &postgresLock{manager: m, name: lockName, held: true}, nil
}

// Acquire polls TryAcquire at the manager's retry interval until the lock is
// obtained, maxWait elapses, or ctx is canceled.
func (m *PostgresLockManager) Acquire(
	ctx context.Context,
	lockName string,
	ttl time.Duration,
	maxWait time.Duration,
) (Lock, error) {
	if ttl <= 0 || ttl > maxLockTTL {
		return nil, ErrLockNotAcquired
	}
	log := logger.FromContext(ctx)
	deadline := time.Now().Add(maxWait)
	for {
		lock, err := m.TryAcquire(ctx, lockName, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			log.Error("catalog lock acquisition attempt failed", "lock_name", lockName, "error", err)
		}
		if time.Now().After(deadline) {
			log.Warn("failed to acquire catalog lock within deadline", "lock_name", lockName)
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.retryEvery):
		}
	}
}

func (l *postgresLock) Release(ctx context.Context) error {
	if !l.held {
		return ErrLockNotHeld
	}
	tag, err := l.manager.pool.Exec(ctx, `
		DELETE FROM metadata.catalog_locks WHERE lock_name = $1 AND session_id = $2
	`, l.name, l.manager.sessionID)
	if err != nil {
		return fmt.Errorf("catalog: release lock: %w", err)
	}
	l.held = false
	if tag.RowsAffected() == 0 {
		return ErrLockNotOwned
	}
	logger.FromContext(ctx).Info("released catalog lock", "lock_name", l.name)
	return nil
}

func (l *postgresLock) Refresh(ctx context.Context, ttl time.Duration) error {
	if !l.held {
		return ErrLockNotHeld
	}
	tag, err := l.manager.pool.Exec(ctx, `
		UPDATE metadata.catalog_locks SET expires_at = $1
		WHERE lock_name = $2 AND session_id = $3
	`, time.Now().Add(ttl), l.name, l.manager.sessionID)
	if err != nil {
		return fmt.Errorf("catalog: refresh lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		l.held = false
		return ErrLockNotOwned
	}
	return nil
}

func (l *postgresLock) Name() string { return l.name }
func (l *postgresLock) IsHeld() bool { return l.held }

func cleanExpiredLocks(ctx context.Context, tx pgx.Tx) (int64, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM metadata.catalog_locks WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func generateSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("session_%d_%d", time.Now().UnixNano(), os.Getpid())
	}
	return hex.EncodeToString(b)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
