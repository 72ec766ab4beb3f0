// Package history keeps a SQLite log of what happened to each queued
// request.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/hapa-ai/hapa/pkg/models"
)

// Options configures a Store.
type Options struct {
	DBPath        string
	RetentionDays int
	// RetentionInterval is how often old entries are deleted. Defaults to
	// one hour.
	RetentionInterval time.Duration
}

// Store writes and queries history entries.
type Store struct {
	db   *sql.DB
	opts Options
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the history database, creates the schema and starts the
// retention loop.
func New(opts Options) (*Store, error) {
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = time.Hour
	}
	if dir := filepath.Dir(opts.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", opts.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}

	s := &Store{
		db:   db,
		opts: opts,
		done: make(chan struct{}),
	}
	if opts.RetentionDays > 0 {
		s.wg.Add(1)
		go s.retentionLoop()
	}
	return s, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS request_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		type       TEXT NOT NULL,
		priority   TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		error      TEXT,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_request ON request_history(request_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_created ON request_history(created_at)`)
	return err
}

// Record inserts an entry. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e models.HistoryEntry) error {
	if s == nil || s.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// Timestamps compare as text, so they are always stored in UTC.
	e.CreatedAt = e.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_history
		(request_id, type, priority, outcome, attempts, error, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, string(e.Type), string(e.Priority), string(e.Outcome),
		e.Attempts, e.Error, e.LatencyMs, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

// Query returns entries matching opts, newest first.
func (s *Store) Query(ctx context.Context, opts models.HistoryQueryOpts) ([]models.HistoryEntry, error) {
	q := `SELECT id, request_id, type, priority, outcome, attempts, error, latency_ms, created_at
		FROM request_history WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Type != "" {
		q += " AND type = ?"
		args = append(args, string(opts.Type))
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var (
			e                      models.HistoryEntry
			typ, priority, outcome string
			errText                sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &e.RequestID, &typ, &priority, &outcome,
			&e.Attempts, &errText, &e.LatencyMs, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Type = models.RequestType(typ)
		e.Priority = models.Priority(priority)
		e.Outcome = models.Outcome(outcome)
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats returns counts grouped by request type and outcome.
func (s *Store) Stats(ctx context.Context) ([]models.HistoryStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, outcome, count(*) AS cnt
		 FROM request_history GROUP BY type, outcome ORDER BY type, outcome`)
	if err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	var stats []models.HistoryStat
	for rows.Next() {
		var st models.HistoryStat
		var typ, outcome string
		if err := rows.Scan(&typ, &outcome, &st.Count); err != nil {
			return nil, fmt.Errorf("scan history stat: %w", err)
		}
		st.Type = models.RequestType(typ)
		st.Outcome = models.Outcome(outcome)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the retention period. Without a
// retention period nothing is deleted.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	if s.opts.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.opts.RetentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM request_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n, err := s.Cleanup(context.Background())
			if err != nil {
				logrus.WithError(err).Warn("[HISTORY] retention cleanup failed")
				continue
			}
			if n > 0 {
				logrus.WithField("deleted", n).Debug("[HISTORY] retention cleanup")
			}
		}
	}
}
