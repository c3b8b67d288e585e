package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/tether/pkg/envelope"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteQueue persists pending envelopes so they survive a process restart.
// Order is the autoincrement sequence; a row is deleted only after its
// envelope was sent.
type SQLiteQueue struct {
	db       *sql.DB
	settings settings

	// serializes Enqueue against Flush the same way MemoryQueue does
	mu sync.Mutex
}

var _ Queue = &SQLiteQueue{}

func NewSQLiteQueue(dsn string, opts ...Option) (*SQLiteQueue, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite outbox: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite outbox: open")
	}
	// a single connection keeps ":memory:" databases coherent
	db.SetMaxOpenConns(1)
	q := &SQLiteQueue{db: db, settings: buildSettings(opts)}
	if err := q.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbound_queue (
		  seq INTEGER PRIMARY KEY AUTOINCREMENT,
		  type TEXT NOT NULL,
		  data TEXT NOT NULL,
		  timestamp_ms INTEGER NOT NULL,
		  enqueued_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := q.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite outbox: migrate")
		}
	}
	return nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, env envelope.Envelope) error {
	if q == nil || q.db == nil {
		return errors.New("sqlite outbox: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.settings.maxEntries > 0 {
		n, err := q.countLocked(ctx)
		if err != nil {
			return err
		}
		if n >= q.settings.maxEntries {
			return errors.Wrapf(ErrQueueOverflow, "%d entries", n)
		}
	}
	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO outbound_queue (type, data, timestamp_ms, enqueued_at_ms)
		VALUES (?, ?, ?, ?)
	`, string(env.Type), string(data), env.Timestamp.UnixMilli(), q.settings.now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite outbox: enqueue")
	}
	return nil
}

func (q *SQLiteQueue) Flush(ctx context.Context, send SendFunc) (int, error) {
	if q == nil || q.db == nil {
		return 0, errors.New("sqlite outbox: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.listLocked(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := send(e.entry.Envelope); err != nil {
			return sent, err
		}
		if _, err := q.db.ExecContext(ctx, `DELETE FROM outbound_queue WHERE seq = ?`, e.seq); err != nil {
			// the envelope went out; keeping the row would resend it
			return sent + 1, errors.Wrap(err, "sqlite outbox: delete sent entry")
		}
		sent++
	}
	return sent, nil
}

type seqEntry struct {
	seq   int64
	entry Entry
}

func (q *SQLiteQueue) listLocked(ctx context.Context) ([]seqEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT seq, type, data, timestamp_ms, enqueued_at_ms
		FROM outbound_queue
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite outbox: list")
	}
	defer func() { _ = rows.Close() }()

	var out []seqEntry
	for rows.Next() {
		var (
			seq          int64
			typ          string
			data         string
			tsMs         int64
			enqueuedAtMs int64
		)
		if err := rows.Scan(&seq, &typ, &data, &tsMs, &enqueuedAtMs); err != nil {
			return nil, errors.Wrap(err, "sqlite outbox: scan")
		}
		env, err := envelope.NewAt(envelope.Type(typ), json.RawMessage(data), time.UnixMilli(tsMs))
		if err != nil {
			return nil, errors.Wrapf(err, "sqlite outbox: entry %d", seq)
		}
		out = append(out, seqEntry{
			seq:   seq,
			entry: Entry{Envelope: env, EnqueuedAt: time.UnixMilli(enqueuedAtMs)},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite outbox: rows")
	}
	return out, nil
}

func (q *SQLiteQueue) countLocked(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_queue`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlite outbox: count")
	}
	return n, nil
}

func (q *SQLiteQueue) Len() int {
	if q == nil || q.db == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n, err := q.countLocked(context.Background())
	if err != nil {
		return 0
	}
	return n
}

func (q *SQLiteQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
