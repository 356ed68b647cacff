package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"clawgate/internal/domain"
)

// outcomeQueueSize bounds the lifecycle outcomes waiting to be written.
const outcomeQueueSize = 256

type outcome struct {
	runID  string
	status domain.RunStatus
	errMsg string
	at     time.Time
}

// SQLiteJournal implements domain.RunJournal using SQLite.
//
// Begin writes synchronously. Outcomes arrive as lifecycle events on the bus,
// whose handlers must not block, so they are queued and written by a single
// background goroutine.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger

	queue    chan outcome
	done     chan struct{}
	unsub    func()
	closeMu  sync.Mutex
	closed   bool
	watchers sync.WaitGroup
}

// NewSQLiteJournal opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteJournal(dbPath string, logger *slog.Logger) (*SQLiteJournal, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	// One writer at a time; SQLite would otherwise answer SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}
	return &SQLiteJournal{
		db:     db,
		logger: logger,
		queue:  make(chan outcome, outcomeQueueSize),
		done:   make(chan struct{}),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			session_key TEXT NOT NULL DEFAULT '',
			agent_id    TEXT NOT NULL DEFAULT '',
			model       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`)
	return err
}

// Watch subscribes to lifecycle events on bus and records run outcomes.
// Call it once, before serving requests.
func (j *SQLiteJournal) Watch(bus domain.EventBus) {
	j.unsub = bus.Subscribe(isTerminal, func(_ context.Context, e domain.AgentEvent) {
		o := outcome{runID: e.RunID, status: domain.RunCompleted, at: e.Timestamp}
		if e.Phase() == domain.PhaseError {
			o.status = domain.RunFailed
			o.errMsg = e.Lifecycle.Error
		}
		select {
		case j.queue <- o:
		default:
			j.logger.Warn("journal queue full, dropping outcome", "run_id", e.RunID, "status", string(o.status))
		}
	})

	j.watchers.Add(1)
	go j.writeLoop()
}

func isTerminal(e domain.AgentEvent) bool {
	p := e.Phase()
	return p == domain.PhaseEnd || p == domain.PhaseError
}

func (j *SQLiteJournal) writeLoop() {
	defer j.watchers.Done()
	for {
		select {
		case o := <-j.queue:
			j.finish(o)
		case <-j.done:
			// Drain what is already queued.
			for {
				select {
				case o := <-j.queue:
					j.finish(o)
				default:
					return
				}
			}
		}
	}
}

func (j *SQLiteJournal) finish(o outcome) {
	if o.at.IsZero() {
		o.at = time.Now()
	}
	// Only the first outcome of a run is kept.
	_, err := j.db.Exec(
		"UPDATE runs SET status = ?, error = ?, ended_at = ? WHERE run_id = ? AND status = ?",
		string(o.status), o.errMsg, o.at.UnixMilli(), o.runID, string(domain.RunStarted),
	)
	if err != nil {
		j.logger.Warn("journal update failed", "run_id", o.runID, "error", err)
	}
}

// Begin records a started run.
func (j *SQLiteJournal) Begin(ctx context.Context, id domain.RunIdentity) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (run_id, session_key, agent_id, model, status, error, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, '', ?, NULL)`,
		id.RunID, id.SessionKey, id.AgentID, id.Model, string(domain.RunStarted), time.Now().UnixMilli(),
	)
	if err != nil {
		return domain.WrapOp("journal.Begin", err)
	}
	return nil
}

// Get returns the record of runID, or domain.ErrRunNotFound.
func (j *SQLiteJournal) Get(ctx context.Context, runID string) (*domain.RunRecord, error) {
	row := j.db.QueryRowContext(ctx,
		"SELECT run_id, session_key, agent_id, model, status, error, started_at, ended_at FROM runs WHERE run_id = ?",
		runID,
	)

	var (
		rec     domain.RunRecord
		status  string
		started int64
		ended   sql.NullInt64
	)
	err := row.Scan(&rec.RunID, &rec.SessionKey, &rec.AgentID, &rec.Model, &status, &rec.Error, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("journal.Get", domain.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, domain.WrapOp("journal.Get", err)
	}
	rec.Status = domain.RunStatus(status)
	rec.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		rec.EndedAt = new(time.UnixMilli(ended.Int64).UTC())
	}
	return &rec, nil
}

// Sweep deletes runs started before now minus retention and returns how many
// were removed.
func (j *SQLiteJournal) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := j.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, domain.WrapOp("journal.Sweep", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepJob adapts Sweep to a scheduled job.
func (j *SQLiteJournal) SweepJob(retention time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := j.Sweep(ctx, retention)
		if err != nil {
			return err
		}
		if n > 0 {
			j.logger.Info("journal swept", "deleted", n, "retention", retention)
		}
		return nil
	}
}

// Close unsubscribes from the bus, flushes queued outcomes and closes the
// database. It is safe to call more than once.
func (j *SQLiteJournal) Close() error {
	j.closeMu.Lock()
	defer j.closeMu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	if j.unsub != nil {
		j.unsub()
	}
	close(j.done)
	j.watchers.Wait()
	return j.db.Close()
}

var _ domain.RunJournal = (*SQLiteJournal)(nil)
