// Package ledger keeps a history of pipeline runs in sqlite.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Retention is how long finished runs are kept.
const Retention = 30 * 24 * time.Hour

// Outcome is the result of one key within a run.
type Outcome struct {
	Key      string `json:"key"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
	Records  int    `json:"records"`
	Retained bool   `json:"retained,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Entry is one finished run.
type Entry struct {
	RunID           string
	StartedAt       time.Time
	FinishedAt      time.Time
	State           string
	Committed       bool
	SnapshotVersion int
	TotalRecords    int
	Outcomes        []Outcome
}

const schema = `CREATE TABLE IF NOT EXISTS runs (
	run_id text not null primary key,
	started_at integer not null,
	finished_at integer not null,
	state text not null,
	committed integer not null,
	snapshot_version integer not null,
	total_records integer not null,
	outcomes_json text not null
);`

const insertRun = `INSERT OR REPLACE INTO runs
	(run_id, started_at, finished_at, state, committed, snapshot_version, total_records, outcomes_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

// SqliteLedger records runs. The sqlite driver does not allow concurrent
// writes, so every insert goes through one writer goroutine; Record is safe
// to call from several goroutines.
type SqliteLedger struct {
	db      *sql.DB
	entries chan Entry
	wg      sync.WaitGroup
	log     *zap.Logger

	dbLock   sync.Mutex
	writeErr error
}

// Open opens or creates the ledger at path and prunes runs that finished
// more than Retention before now.
func Open(ctx context.Context, path string, now time.Time, logger *zap.Logger) (*SqliteLedger, error) {
	if path == "" {
		return nil, eris.New("ledger: database path not set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: open %s", path)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "ledger: create table")
	}
	res, err := db.ExecContext(ctx, "DELETE FROM runs WHERE finished_at < ?;", now.Add(-Retention).UnixMilli())
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "ledger: prune")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info("ledger: pruned old runs", zap.Int64("count", n))
	}

	l := &SqliteLedger{
		db: db,
		// buffered as runs may finish in bursts during tests and smoke runs
		entries: make(chan Entry, 20),
		log:     logger,
	}
	l.wg.Add(1)
	go l.writer()
	return l, nil
}

func (l *SqliteLedger) writer() {
	defer l.wg.Done()
	for e := range l.entries {
		err := l.insert(e)
		if err != nil {
			l.log.Error("ledger: failed to insert run", zap.String("run_id", e.RunID), zap.Error(err))
		}
		l.dbLock.Lock()
		l.writeErr = multierr.Append(l.writeErr, err)
		l.dbLock.Unlock()
	}
}

func (l *SqliteLedger) insert(e Entry) error {
	outcomes, err := json.Marshal(e.Outcomes)
	if err != nil {
		return err
	}
	committed := 0
	if e.Committed {
		committed = 1
	}
	l.dbLock.Lock()
	defer l.dbLock.Unlock()
	_, err = l.db.Exec(insertRun,
		e.RunID, e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(), e.State,
		committed, e.SnapshotVersion, e.TotalRecords, string(outcomes))
	return err
}

// Record queues e for writing.
func (l *SqliteLedger) Record(e Entry) error {
	if e.RunID == "" {
		return eris.New("ledger: entry without run id")
	}
	l.entries <- e
	return nil
}

// Close flushes pending entries and closes the database. It returns any
// write errors seen since Open.
func (l *SqliteLedger) Close() error {
	close(l.entries)
	l.wg.Wait()
	return multierr.Append(l.writeErr, l.db.Close())
}

// Recent returns up to n runs, newest first.
func (l *SqliteLedger) Recent(ctx context.Context, n int) ([]Entry, error) {
	l.dbLock.Lock()
	defer l.dbLock.Unlock()

	rows, err := l.db.QueryContext(ctx, `SELECT run_id, started_at, finished_at, state, committed,
		snapshot_version, total_records, outcomes_json FROM runs ORDER BY finished_at DESC, run_id LIMIT ?;`, n)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: query runs")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			started, finished int64
			committed         int
			outcomes          string
		)
		if err := rows.Scan(&e.RunID, &started, &finished, &e.State, &committed,
			&e.SnapshotVersion, &e.TotalRecords, &outcomes); err != nil {
			return nil, eris.Wrap(err, "ledger: scan run")
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		e.FinishedAt = time.UnixMilli(finished).UTC()
		e.Committed = committed != 0
		if err := json.Unmarshal([]byte(outcomes), &e.Outcomes); err != nil {
			return nil, eris.Wrapf(err, "ledger: decode outcomes of %s", e.RunID)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "ledger: iterate runs")
	}
	return out, nil
}
