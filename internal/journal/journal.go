// Package journal keeps an append-only SQLite audit trail of broker events.
// Nothing is ever read back into broker state.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyper-ai-inc/pullbroker/internal/broker"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	queue  TEXT NOT NULL,
	type   TEXT NOT NULL,
	op_id  TEXT NOT NULL,
	kind   TEXT NOT NULL,
	target TEXT NOT NULL,
	at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_op_id ON events(op_id);`

const bufferSize = 1024

// Entry is one recorded event.
type Entry struct {
	Seq int64 `json:"seq"`
	broker.Event
}

// Journal records broker events asynchronously.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	events  chan broker.Event
	done    chan struct{}
	dropped atomic.Int64
}

// openDB opens a SQLite database with WAL and a busy timeout, verifying the
// connection before returning.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}
	return db, nil
}

// Open opens or creates the journal at path and starts its writer.
func Open(path string, log zerolog.Logger) (*Journal, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	j := &Journal{
		db:     db,
		log:    log.With().Str("component", "journal").Logger(),
		events: make(chan broker.Event, bufferSize),
		done:   make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// Observe implements broker.Observer. Events are dropped, and counted, when
// the writer falls behind.
func (j *Journal) Observe(e broker.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.events <- e:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) run() {
	defer close(j.done)
	for e := range j.events {
		if err := j.insert(e); err != nil {
			j.log.Error().Err(err).Str("op_id", e.ID).Msg("journal write failed")
		}
	}
}

func (j *Journal) insert(e broker.Event) error {
	_, err := j.db.ExecContext(context.Background(),
		`INSERT INTO events (queue, type, op_id, kind, target, at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Queue, string(e.Type), e.ID, e.Kind, e.Target, e.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first. A non-empty opID narrows
// the result to one operation.
func (j *Journal) Recent(ctx context.Context, limit int, opID string) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, queue, type, op_id, kind, target, at FROM events`
	args := []any{}
	if opID != "" {
		query += ` WHERE op_id = ?`
		args = append(args, opID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e   Entry
			typ string
			at  string
		)
		if err := rows.Scan(&e.Seq, &e.Queue, &typ, &e.ID, &e.Kind, &e.Target, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = broker.EventType(typ)
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse event time: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}

// Close flushes buffered events and closes the database. Safe to call more
// than once.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.events)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
