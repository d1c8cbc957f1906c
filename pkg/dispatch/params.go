package dispatch

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrParamNotFound = stderrors.New("parameter not found")

// ParamStore keeps data model parameter values in SQLite. Driver errors are
// returned wrapped so callers can report the SQLite result code.
type ParamStore struct {
	db   *sql.DB
	path string
}

// OpenParamStore opens or creates the parameter database. ":memory:" gives a
// private in-memory database.
func OpenParamStore(path string) (*ParamStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives as long as its connection
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS params (
			path       TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &ParamStore{db: db, path: path}, nil
}

// Get returns the value of a parameter
func (p *ParamStore) Get(ctx context.Context, path string) (string, error) {
	var value string
	err := p.db.QueryRowContext(ctx, "SELECT value FROM params WHERE path = ?", path).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrParamNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("select failed: %w", err)
	}
	return value, nil
}

// Set creates or updates a parameter
func (p *ParamStore) Set(ctx context.Context, path, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO params (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, path, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

// Delete removes a parameter
func (p *ParamStore) Delete(ctx context.Context, path string) error {
	result, err := p.db.ExecContext(ctx, "DELETE FROM params WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrParamNotFound, path)
	}
	return nil
}

// List returns every parameter under a path prefix, e.g. "Device.WiFi."
func (p *ParamStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)

	rows, err := p.db.QueryContext(ctx,
		`SELECT path, value FROM params WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
		escaped+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("select failed: %w", err)
	}
	defer rows.Close()

	params := make(map[string]string)
	for rows.Next() {
		var path, value string
		if err := rows.Scan(&path, &value); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		params[path] = value
	}
	return params, rows.Err()
}

// Close closes the database
func (p *ParamStore) Close() error {
	return p.db.Close()
}

// Path returns the database path
func (p *ParamStore) Path() string {
	return p.path
}
