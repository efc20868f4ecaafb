package persistence

import (
	q "cluster-task-queue/pkg/queue"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresHooks persists task lifecycle events into a Postgres table, so a
// task lost to a worker fault leaves a durable trace. Schema:
//
//	CREATE TABLE IF NOT EXISTS task_events (
//	  id BIGSERIAL PRIMARY KEY,
//	  queue TEXT NOT NULL,
//	  event TEXT NOT NULL,
//	  payload TEXT NOT NULL,
//	  reason TEXT,
//	  worker_pid INTEGER,
//	  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type PostgresHooks struct {
	DB  *sql.DB
	PID int
}

func NewPostgresHooks(ctx context.Context, connString string, pid int) (*PostgresHooks, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	// reasonable limits
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reach postgres: %w", err)
	}
	_, err = db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS task_events (
            id BIGSERIAL PRIMARY KEY,
            queue TEXT NOT NULL,
            event TEXT NOT NULL,
            payload TEXT NOT NULL,
            reason TEXT,
            worker_pid INTEGER,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );
        CREATE INDEX IF NOT EXISTS task_events_queue_idx ON task_events(queue);
        CREATE INDEX IF NOT EXISTS task_events_created_at_idx ON task_events(created_at);
    `)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create task_events: %w", err)
	}
	return &PostgresHooks{DB: db, PID: pid}, nil
}

func (p *PostgresHooks) OnPush(ctx context.Context, task q.Task) {
	p.insert(ctx, task, "pushed", "")
}
func (p *PostgresHooks) OnDone(ctx context.Context, task q.Task) {
	p.insert(ctx, task, "done", "")
}
func (p *PostgresHooks) OnFail(ctx context.Context, task q.Task, reason string) {
	p.insert(ctx, task, "failed", reason)
}

func (p *PostgresHooks) insert(ctx context.Context, task q.Task, event, reason string) {
	if p == nil || p.DB == nil {
		return
	}
	var r sql.NullString
	if reason != "" {
		r = sql.NullString{String: reason, Valid: true}
	}
	// Best-effort; ignore errors to avoid impacting queue operation.
	_, _ = p.DB.ExecContext(ctx, `
        INSERT INTO task_events (queue, event, payload, reason, worker_pid, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, task.Queue, event, task.Payload, r, p.PID, time.Now())
}

func (p *PostgresHooks) Close() error {
	if p == nil || p.DB == nil {
		return nil
	}
	return p.DB.Close()
}
