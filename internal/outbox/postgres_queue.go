package outbox

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName = "softerview_outbox"
	postgresTimeout   = 5 * time.Second
)

// PostgresQueue keeps frames in one table shared by every session; rows are
// partitioned by queue_key and ordered by their serial id.
type PostgresQueue struct {
	dsn      string
	table    string
	queueKey string
	capacity int
	open     func(driverName, dsn string) (*sql.DB, error)

	once    sync.Once
	openErr error
	db      *sql.DB
}

func NewPostgresQueue(dsn, queueKey string, capacity int) (Queue, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = defaultQueueKey
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &PostgresQueue{
		dsn:      strings.TrimSpace(dsn),
		table:    postgresTableName,
		queueKey: queueKey,
		capacity: capacity,
		open:     sql.Open,
	}, nil
}

// conn opens the database and creates the table on first use.
func (q *PostgresQueue) conn(ctx context.Context) (*sql.DB, error) {
	q.once.Do(func() {
		db, err := q.open("postgres", q.dsn)
		if err != nil {
			q.openErr = err
			return
		}
		table := pq.QuoteIdentifier(q.table)
		schema := `CREATE TABLE IF NOT EXISTS ` + table + ` (
	id BIGSERIAL PRIMARY KEY,
	queue_key TEXT NOT NULL,
	frame TEXT NOT NULL,
	queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(q.table+"_key_idx") + ` ON ` + table + ` (queue_key, id);`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			q.openErr = err
			return
		}
		q.db = db
	})
	return q.db, q.openErr
}

func (q *PostgresQueue) with(fn func(ctx context.Context, db *sql.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresTimeout)
	defer cancel()
	db, err := q.conn(ctx)
	if err != nil {
		return err
	}
	return fn(ctx, db)
}

// TryEnqueue appends frame unless the queue is at capacity. An advisory lock
// on the queue key makes the capacity check and the insert atomic across
// processes.
func (q *PostgresQueue) TryEnqueue(frame string) bool {
	if strings.TrimSpace(frame) == "" {
		return false
	}
	var inserted int64
	err := q.with(func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, q.table+"/"+q.queueKey); err != nil {
			return err
		}
		table := pq.QuoteIdentifier(q.table)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO `+table+` (queue_key, frame)
			SELECT $1, $2 WHERE (SELECT COUNT(*) FROM `+table+` WHERE queue_key = $1) < $3`,
			q.queueKey, frame, q.capacity)
		if err != nil {
			return err
		}
		if inserted, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	return err == nil && inserted == 1
}

func (q *PostgresQueue) Peek() (string, bool) {
	var frame string
	err := q.with(func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT frame FROM `+pq.QuoteIdentifier(q.table)+` WHERE queue_key = $1 ORDER BY id LIMIT 1`,
			q.queueKey).Scan(&frame)
	})
	return frame, err == nil
}

func (q *PostgresQueue) Ack() bool {
	var removed int64
	err := q.with(func(ctx context.Context, db *sql.DB) error {
		table := pq.QuoteIdentifier(q.table)
		res, err := db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE id = (
				SELECT id FROM `+table+` WHERE queue_key = $1 ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
			)`, q.queueKey)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	return err == nil && removed == 1
}

func (q *PostgresQueue) Depth() int {
	var depth int
	err := q.with(func(ctx context.Context, db *sql.DB) error {
		return db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+pq.QuoteIdentifier(q.table)+` WHERE queue_key = $1`,
			q.queueKey).Scan(&depth)
	})
	if err != nil {
		return 0
	}
	return depth
}

func (q *PostgresQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}
