package errors

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrJournalClosed = stderrors.New("crash journal closed")
	ErrNotFound      = stderrors.New("crash not found")
)

// CrashJournal persists fatal terminations to SQLite so they can be
// inspected after the process has been restarted
type CrashJournal struct {
	db            *sql.DB
	path          string
	mu            sync.RWMutex
	retentionDays int
	closed        bool
}

// JournalConfig configures the crash journal
type JournalConfig struct {
	Path          string // Path to SQLite database file
	RetentionDays int    // Days to keep acknowledged crashes (0 = default 30)
}

// NewCrashJournal opens or creates a crash journal
func NewCrashJournal(cfg JournalConfig) (*CrashJournal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("crash journal path is required")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	j := &CrashJournal{
		db:            db,
		path:          cfg.Path,
		retentionDays: cfg.RetentionDays,
	}

	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return j, nil
}

func (j *CrashJournal) migrate() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS crashes (
			id              TEXT PRIMARY KEY,
			kind            TEXT NOT NULL,
			message         TEXT NOT NULL,
			stack           TEXT NOT NULL DEFAULT '',
			history_json    TEXT NOT NULL DEFAULT '[]',
			pid             INTEGER NOT NULL,
			occurred_at     INTEGER NOT NULL,
			acknowledged    BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_crashes_kind ON crashes(kind);
		CREATE INDEX IF NOT EXISTS idx_crashes_acknowledged ON crashes(acknowledged);
		CREATE INDEX IF NOT EXISTS idx_crashes_occurred_at ON crashes(occurred_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CrashRecord is one fatal termination
type CrashRecord struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	Message        string         `json:"message"`
	Stack          string         `json:"stack,omitempty"`
	History        []MessageEntry `json:"history,omitempty"`
	PID            int            `json:"pid"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

// Record stores a crash. ID, PID and OccurredAt are filled in when unset.
func (j *CrashJournal) Record(ctx context.Context, rec *CrashRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.PID == 0 {
		rec.PID = os.Getpid()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}

	history := rec.History
	if history == nil {
		history = []MessageEntry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to serialize history: %w", err)
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO crashes (id, kind, message, stack, history_json, pid, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.Kind,
		rec.Message,
		rec.Stack,
		string(historyJSON),
		rec.PID,
		rec.OccurredAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert failed: %w", err)
	}
	return nil
}

// CrashQuery defines parameters for querying crashes
type CrashQuery struct {
	Kind         string    // Filter by kind
	Acknowledged *bool     // Filter by acknowledged status (nil = all)
	Since        time.Time // Only crashes at or after this time
	Limit        int       // Max results (default 20, max 1000)
	Offset       int       // Pagination offset
}

// Query retrieves crashes matching the query, newest first
func (j *CrashJournal) Query(ctx context.Context, q CrashQuery) ([]CrashRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}

	query := "SELECT id, kind, message, stack, history_json, pid, occurred_at, acknowledged, acknowledged_at FROM crashes WHERE 1=1"
	args := []any{}

	if q.Kind != "" {
		query += " AND kind = ?"
		args = append(args, q.Kind)
	}
	if q.Acknowledged != nil {
		query += " AND acknowledged = ?"
		args = append(args, *q.Acknowledged)
	}
	if !q.Since.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, q.Since.UnixNano())
	}

	query += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var results []CrashRecord
	for rows.Next() {
		rec, err := scanCrash(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

func scanCrash(rows *sql.Rows) (CrashRecord, error) {
	var rec CrashRecord
	var historyJSON string
	var occurredAt int64
	var acknowledgedAt sql.NullInt64

	err := rows.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Message,
		&rec.Stack,
		&historyJSON,
		&rec.PID,
		&occurredAt,
		&rec.Acknowledged,
		&acknowledgedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("scan failed: %w", err)
	}

	rec.OccurredAt = time.Unix(0, occurredAt)
	if acknowledgedAt.Valid {
		t := time.Unix(0, acknowledgedAt.Int64)
		rec.AcknowledgedAt = &t
	}
	if err := json.Unmarshal([]byte(historyJSON), &rec.History); err != nil {
		return rec, fmt.Errorf("failed to parse history: %w", err)
	}
	if len(rec.History) == 0 {
		rec.History = nil
	}

	return rec, nil
}

// Get retrieves a single crash by ID
func (j *CrashJournal) Get(ctx context.Context, id string) (*CrashRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	rows, err := j.db.QueryContext(ctx,
		"SELECT id, kind, message, stack, history_json, pid, occurred_at, acknowledged, acknowledged_at FROM crashes WHERE id = ?",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec, err := scanCrash(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Latest returns the newest crash, optionally only among unacknowledged ones
func (j *CrashJournal) Latest(ctx context.Context, unacknowledgedOnly bool) (*CrashRecord, error) {
	q := CrashQuery{Limit: 1}
	if unacknowledgedOnly {
		unacked := false
		q.Acknowledged = &unacked
	}

	results, err := j.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	return &results[0], nil
}

// Acknowledge marks a crash as seen by an operator
func (j *CrashJournal) Acknowledge(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	result, err := j.db.ExecContext(ctx, `
		UPDATE crashes SET
			acknowledged = TRUE,
			acknowledged_at = ?
		WHERE id = ?
	`, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("acknowledge failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Cleanup removes acknowledged crashes older than the retention period
func (j *CrashJournal) Cleanup(ctx context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)

	result, err := j.db.ExecContext(ctx,
		"DELETE FROM crashes WHERE acknowledged = TRUE AND acknowledged_at < ?",
		cutoff.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}

	return result.RowsAffected()
}

// JournalStats holds statistics about the crash journal
type JournalStats struct {
	Total          int            `json:"total"`
	Unacknowledged int            `json:"unacknowledged"`
	ByKind         map[string]int `json:"by_kind"`
}

// Stats returns statistics about recorded crashes
func (j *CrashJournal) Stats(ctx context.Context) (JournalStats, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var stats JournalStats
	if j.closed {
		return stats, ErrJournalClosed
	}

	err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN acknowledged THEN 0 ELSE 1 END), 0) FROM crashes",
	).Scan(&stats.Total, &stats.Unacknowledged)
	if err != nil {
		return stats, err
	}

	rows, err := j.db.QueryContext(ctx, "SELECT kind, COUNT(*) FROM crashes GROUP BY kind")
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	stats.ByKind = make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return stats, err
		}
		stats.ByKind[kind] = count
	}

	return stats, rows.Err()
}

// Close closes the database connection
func (j *CrashJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

// Path returns the database file path
func (j *CrashJournal) Path() string {
	return j.path
}
