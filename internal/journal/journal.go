// Package journal persists a record of every closed transaction in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/matijazezelj/graphcore/pkg/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    tx_id         INTEGER NOT NULL,
    mode          TEXT NOT NULL,
    started_at    TEXT NOT NULL,
    finished_at   TEXT NOT NULL,
    outcome       TEXT NOT NULL,
    accessed      INTEGER DEFAULT 0,
    modified      INTEGER DEFAULT 0,
    deleted_nodes INTEGER DEFAULT 0,
    deleted_rels  INTEGER DEFAULT 0,
    ping          INTEGER DEFAULT 0,
    error         TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_outcome ON transactions(outcome);
CREATE INDEX IF NOT EXISTS idx_transactions_finished ON transactions(finished_at);
`

// timeLayout is fixed width so stored timestamps compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// writeTimeout bounds one journal insert made by the writer.
const writeTimeout = 5 * time.Second

// queueSize bounds the records waiting for the writer. Records arriving
// while the queue is full are dropped.
const queueSize = 1024

type entry struct {
	rec    models.TxRecord
	synced chan struct{}
}

// Journal stores TxRecords. It satisfies graph.TxObserver: records handed
// over by closing transactions are written by a background goroutine, so a
// slow disk never holds up a transaction.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan entry
	done   chan struct{}
}

// New opens (creating if needed) the journal database at dbPath.
func New(dbPath string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := newJournal(db, logger, queueSize)
	go j.write()
	return j, nil
}

func newJournal(db *sql.DB, logger *slog.Logger, size int) *Journal {
	return &Journal{
		db:     db,
		logger: logger,
		queue:  make(chan entry, size),
		done:   make(chan struct{}),
	}
}

func (j *Journal) write() {
	defer close(j.done)
	for e := range j.queue {
		if e.synced != nil {
			close(e.synced)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := j.RecordTransaction(ctx, e.rec); err != nil {
			j.logger.Warn("journal write failed", "tx", e.rec.ID, "outcome", e.rec.Outcome, "error", err)
		}
		cancel()
	}
}

// Init creates the schema if it doesn't exist.
func (j *Journal) Init(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// Close writes the queued records, stops the writer and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}

// TransactionClosed queues rec for the writer and returns immediately. A
// record that does not fit the queue, or fails to write, is logged and
// otherwise ignored; the journal never fails a transaction.
func (j *Journal) TransactionClosed(rec models.TxRecord) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		j.logger.Debug("journal closed, record dropped", "tx", rec.ID)
		return
	}
	select {
	case j.queue <- entry{rec: rec}:
	default:
		j.logger.Warn("journal queue full, record dropped", "tx", rec.ID, "outcome", rec.Outcome)
	}
}

// Sync waits until every record queued before the call has been written.
func (j *Journal) Sync(ctx context.Context) error {
	synced := make(chan struct{})

	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return nil
	}
	select {
	case j.queue <- entry{synced: synced}:
		j.mu.RUnlock()
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordTransaction inserts rec.
func (j *Journal) RecordTransaction(ctx context.Context, rec models.TxRecord) error {
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO transactions (tx_id, mode, started_at, finished_at, outcome, accessed, modified, deleted_nodes, deleted_rels, ping, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, int64(rec.ID), rec.Mode, //nolint:gosec // ids stay far below MaxInt64
		rec.StartedAt.UTC().Format(timeLayout), rec.FinishedAt.UTC().Format(timeLayout),
		string(rec.Outcome), rec.Accessed, rec.Modified, rec.DeletedNodes, rec.DeletedRels, rec.Ping, errText)
	if err != nil {
		return fmt.Errorf("recording transaction %d: %w", rec.ID, err)
	}
	return nil
}

func scanRecord(row interface{ Scan(dest ...any) error }) (*models.TxRecord, error) {
	var r models.TxRecord
	var txID int64
	var started, finished, outcome string
	var errText sql.NullString

	err := row.Scan(&txID, &r.Mode, &started, &finished, &outcome,
		&r.Accessed, &r.Modified, &r.DeletedNodes, &r.DeletedRels, &r.Ping, &errText)
	if err != nil {
		return nil, err
	}

	r.ID = uint64(txID) //nolint:gosec // written from a uint64
	r.Outcome = models.TxOutcome(outcome)
	r.Error = errText.String
	r.StartedAt, _ = time.Parse(timeLayout, started)
	r.FinishedAt, _ = time.Parse(timeLayout, finished)
	return &r, nil
}

// ListTransactions returns the most recent records, newest first. A limit of
// zero or less returns everything.
func (j *Journal) ListTransactions(ctx context.Context, limit int) ([]models.TxRecord, error) {
	query := `SELECT tx_id, mode, started_at, finished_at, outcome, accessed, modified, deleted_nodes, deleted_rels, ping, error
		FROM transactions ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	var records []models.TxRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// OutcomeCounts returns how many transactions ended with each outcome.
func (j *Journal) OutcomeCounts(ctx context.Context) (map[models.TxOutcome]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM transactions GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // best-effort cleanup

	counts := make(map[models.TxOutcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[models.TxOutcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Prune removes records that finished before cutoff and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM transactions WHERE finished_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
