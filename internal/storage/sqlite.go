package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a pure-Go sqlite database, the
// reference durable implementation of the Store contract.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) a sqlite database at path
// and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		email TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		refresh_token TEXT,
		api_key TEXT,
		project_id TEXT,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms INTEGER NOT NULL,
		account TEXT,
		model TEXT,
		status_code INTEGER,
		duration_ms INTEGER,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS signatures (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, row *AccountRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, source, enabled, refresh_token, api_key, project_id, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			source=excluded.source, enabled=excluded.enabled, refresh_token=excluded.refresh_token,
			api_key=excluded.api_key, project_id=excluded.project_id, updated_at_ms=excluded.updated_at_ms
	`, row.Email, row.Source, row.Enabled, row.RefreshToken, row.APIKey, row.ProjectID, row.CreatedAtMs, row.UpdatedAtMs)
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, email string) (*AccountRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT email, source, enabled, refresh_token, api_key, project_id, created_at_ms, updated_at_ms
		FROM accounts WHERE email = ?
	`, email)
	return scanAccount(row)
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*AccountRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, source, enabled, refresh_token, api_key, project_id, created_at_ms, updated_at_ms
		FROM accounts ORDER BY email
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AccountRow
	for rows.Next() {
		row, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE email = ?`, email)
	return err
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(scanner rowScanner) (*AccountRow, error) {
	var row AccountRow
	err := scanner.Scan(&row.Email, &row.Source, &row.Enabled, &row.RefreshToken,
		&row.APIKey, &row.ProjectID, &row.CreatedAtMs, &row.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, row *LogRow) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (timestamp_ms, account, model, status_code, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.TimestampMs, row.Account, row.Model, row.StatusCode, row.DurationMs, row.Error)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err == nil {
		row.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, limit int) ([]*LogRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_ms, account, model, status_code, duration_ms, error
		FROM logs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*LogRow
	for rows.Next() {
		var row LogRow
		if err := rows.Scan(&row.ID, &row.TimestampMs, &row.Account, &row.Model, &row.StatusCode, &row.DurationMs, &row.Error); err != nil {
			return nil, err
		}
		result = append(result, &row)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, value)
	return err
}

func (s *SQLiteStore) SaveSignature(ctx context.Context, row *SignatureRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signatures (key, kind, value, updated_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET kind=excluded.kind, value=excluded.value, updated_at_ms=excluded.updated_at_ms
	`, row.Key, row.Kind, row.Value, row.UpdatedAtMs)
	return err
}

func (s *SQLiteStore) GetSignature(ctx context.Context, key string) (*SignatureRow, error) {
	var row SignatureRow
	err := s.db.QueryRowContext(ctx, `
		SELECT key, kind, value, updated_at_ms FROM signatures WHERE key = ?
	`, key).Scan(&row.Key, &row.Kind, &row.Value, &row.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
