// Package history archives the final records of evicted jobs in a
// SQLite database and stores server settings and user accounts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orrn/printd/internal/core"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type migration struct {
	version string
	sql     string
}

var migrations = []migration{
	{
		version: "001_jobs",
		sql: `
			CREATE TABLE IF NOT EXISTS archived_jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				printer TEXT NOT NULL,
				job_id INTEGER NOT NULL,
				username TEXT NOT NULL,
				title TEXT NOT NULL,
				state TEXT NOT NULL,
				state_reasons TEXT NOT NULL,
				documents INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				completed_at DATETIME NOT NULL,
				archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_archived_jobs_printer ON archived_jobs(printer, job_id);
		`,
	},
	{
		version: "002_settings",
		sql: `
			CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
	{
		version: "003_users",
		sql: `
			CREATE TABLE IF NOT EXISTS users (
				username TEXT PRIMARY KEY,
				password_hash TEXT NOT NULL,
				groups TEXT NOT NULL DEFAULT '',
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			);
		`,
	},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.version, err)
		}
	}

	return nil
}

// RecordJob implements core.Recorder.
func (s *Store) RecordJob(rec core.JobRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO archived_jobs (printer, job_id, username, title, state, state_reasons, documents, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Printer, rec.JobID, rec.Username, rec.Title, rec.State, rec.Reasons, rec.Documents, rec.CreatedAt, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	return nil
}

// ArchivedJob is one archived record.
type ArchivedJob struct {
	Printer     string    `json:"printer"`
	JobID       int64     `json:"job_id"`
	Username    string    `json:"username"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Reasons     string    `json:"state_reasons"`
	Documents   int       `json:"documents"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Filter narrows an archive listing.
type Filter struct {
	Printer  string
	Username string
	Limit    int
	Offset   int
}

func (s *Store) ListJobs(ctx context.Context, f Filter) ([]*ArchivedJob, error) {
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}

	query := `
		SELECT printer, job_id, username, title, state, state_reasons, documents, created_at, completed_at
		FROM archived_jobs
	`
	var where []string
	var args []any
	if f.Printer != "" {
		where = append(where, "printer = ?")
		args = append(args, f.Printer)
	}
	if f.Username != "" {
		where = append(where, "username = ?")
		args = append(args, f.Username)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY completed_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*ArchivedJob
	for rows.Next() {
		j := &ArchivedJob{}
		if err := rows.Scan(&j.Printer, &j.JobID, &j.Username, &j.Title, &j.State, &j.Reasons, &j.Documents, &j.CreatedAt, &j.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archived job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: setting %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query setting: %w", err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store setting: %w", err)
	}
	return nil
}

// User is one account, with its bcrypt password hash and group
// memberships.
type User struct {
	Username     string
	PasswordHash string
	Groups       []string
}

func (s *Store) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	var groups string
	err := s.db.QueryRowContext(ctx,
		"SELECT username, password_hash, groups FROM users WHERE username = ?",
		username,
	).Scan(&u.Username, &u.PasswordHash, &groups)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if groups != "" {
		u.Groups = strings.Split(groups, ",")
	}
	return &u, nil
}

func (s *Store) PutUser(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, groups) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash, groups = excluded.groups
	`, u.Username, u.PasswordHash, strings.Join(u.Groups, ","))
	if err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}
