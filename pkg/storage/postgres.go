package storage

import (
	"cluster-task-queue/pkg/queue"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pushChannel carries the queue name of every push so blocked poppers wake up.
const pushChannel = "taskpool_push"

// PostgresClient implements the list capability and get/set on PostgreSQL.
// Pops use FOR UPDATE SKIP LOCKED so concurrent workers never receive the
// same row; blocked poppers wait on LISTEN/NOTIFY.
type PostgresClient struct {
	pool *pgxpool.Pool
}

var (
	_ queue.Client   = (*PostgresClient)(nil)
	_ queue.KeyValue = (*PostgresClient)(nil)
)

// NewPostgresClient creates a new PostgreSQL-backed client.
func NewPostgresClient(ctx context.Context, dsn string) (*PostgresClient, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	client := &PostgresClient{pool: pool}
	if err := client.initTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return client, nil
}

// initTables creates the necessary database tables.
func (p *PostgresClient) initTables(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS queue_items (
			id BIGSERIAL PRIMARY KEY,
			queue_name VARCHAR(255) NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create queue_items table: %w", err)
	}

	_, err = p.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_queue_items_queue_id ON queue_items (queue_name, id)`)
	if err != nil {
		return fmt.Errorf("failed to create queue_items index: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv_items (
			key VARCHAR(512) PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at TIMESTAMP WITH TIME ZONE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv_items table: %w", err)
	}
	return nil
}

func (p *PostgresClient) Push(ctx context.Context, queueName, payload string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO queue_items (queue_name, payload) VALUES ($1, $2)`, queueName, payload); err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	// delivered on commit
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, pushChannel, queueName); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	return tx.Commit(ctx)
}

// rowQuerier is satisfied by both the pool and a single acquired connection.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// popOnce removes the oldest item of queueName, if any.
func popOnce(ctx context.Context, q rowQuerier, queueName string) (string, bool, error) {
	var payload string
	err := q.QueryRow(ctx, `
		DELETE FROM queue_items
		WHERE id = (
			SELECT id FROM queue_items
			WHERE queue_name = $1
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING payload
	`, queueName).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to pop item: %w", err)
	}
	return payload, true, nil
}

func (p *PostgresClient) BlockingPop(ctx context.Context, queueName string, timeout time.Duration) (string, bool, error) {
	if payload, ok, err := popOnce(ctx, p.pool, queueName); err != nil || ok {
		return payload, ok, err
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+pushChannel); err != nil {
		return "", false, fmt.Errorf("failed to listen: %w", err)
	}
	defer func() {
		// the connection returns to the pool; stop receiving notifications on it
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+pushChannel)
	}()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		// re-check after LISTEN so a push between the first try and LISTEN is not missed
		payload, ok, err := popOnce(ctx, conn, queueName)
		if err != nil || ok {
			return payload, ok, err
		}
		_, err = conn.Conn().WaitForNotification(waitCtx)
		if err != nil {
			if ctx.Err() != nil {
				return "", false, ctx.Err()
			}
			if waitCtx.Err() != nil {
				return "", false, nil
			}
			return "", false, fmt.Errorf("failed waiting for notification: %w", err)
		}
	}
}

func (p *PostgresClient) Len(ctx context.Context, queueName string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE queue_name = $1`, queueName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return n, nil
}

func (p *PostgresClient) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM kv_items
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get key: %w", err)
	}
	return value, true, nil
}

func (p *PostgresClient) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	var expiresAt *time.Time
	if expiration > 0 {
		t := time.Now().Add(expiration)
		expiresAt = &t
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_items (key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresClient) Close() error {
	p.pool.Close()
	return nil
}
