// Package archive persists finished voice sessions to Postgres. It sits
// off the hot path: terminal session summaries are queued and written by
// a single background goroutine, and a full queue drops rather than
// blocks. With no DSN configured the archive is a nil pointer whose
// methods are inert.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/Rapheal7/My-Agent/pkg/gateway/live/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const insertTimeout = 5 * time.Second

// Options configures Open.
type Options struct {
	// DSN is a Postgres connection string. Empty disables archiving.
	DSN string

	// QueueSize bounds the pending-summary queue. Default 256.
	QueueSize int

	Logger *slog.Logger
}

// Archive owns the Postgres pool and the background writer.
type Archive struct {
	logger *slog.Logger
	pool   *pgxpool.Pool

	mu     sync.Mutex
	closed bool
	queue  chan session.Summary
	done   chan struct{}

	dropped atomic.Int64
}

// Open migrates the schema and starts the writer. Returns (nil, nil)
// when opts.DSN is empty; a nil *Archive discards everything given to
// it, so callers need no enabled check.
func Open(ctx context.Context, opts Options) (*Archive, error) {
	if opts.DSN == "" {
		return nil, nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	if err := migrate(ctx, opts.DSN); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, opts.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	a := &Archive{
		logger: logger,
		pool:   pool,
		queue:  make(chan session.Summary, queueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a, nil
}

func migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// Enqueue hands a terminal session summary to the writer. Never blocks:
// when the queue is full the record is dropped and counted.
func (a *Archive) Enqueue(s session.Summary) {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	select {
	case a.queue <- s:
		a.mu.Unlock()
	default:
		a.mu.Unlock()
		n := a.dropped.Add(1)
		a.logger.Warn("archive queue full, dropping session record",
			"session_id", s.SessionID, "dropped_total", n)
	}
}

// Close drains the queue and releases the pool. Records enqueued after
// Close begins are discarded. Returns ctx.Err if the drain outruns ctx;
// the pool is then abandoned to the exiting process.
func (a *Archive) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.pool.Close()
	return nil
}

func (a *Archive) run() {
	defer close(a.done)
	for s := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := a.insert(ctx, s)
		cancel()
		if err != nil {
			a.logger.Error("archive insert failed",
				"session_id", s.SessionID, "error", err)
		}
	}
}

func (a *Archive) insert(ctx context.Context, s session.Summary) error {
	row, err := buildSessionRow(s)
	if err != nil {
		return err
	}
	turns := buildTurnRows(s)

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertSessionSQL,
		row.ID, row.Principal, row.Mode, row.Status,
		row.StartedAt, row.EndedAt, row.TurnCount, row.LastSeq,
		row.AudioIn, row.AudioOut, row.History,
	); err != nil {
		return err
	}
	for _, t := range turns {
		if _, err := tx.Exec(ctx, insertTurnSQL,
			t.SessionID, t.TurnID, t.Seq, t.Status,
			t.UserText, t.ReplyText, t.ErrCode, t.AudioBytes,
			t.StartedAt, t.EndedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
