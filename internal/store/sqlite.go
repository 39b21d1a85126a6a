// Package store provides storage backends for SiteVoice.
//
// This file implements an SQLite-backed store for leads and session records.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/SiteVoice/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddLead(l models.Lead) error {
	_, err := s.db.Exec(
		`INSERT INTO leads (`+leadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SessionID, l.ContextKey, nilIfEmpty(l.Language), nilIfEmpty(l.Name),
		nilIfEmpty(l.Email), nilIfEmpty(l.Phone), nilIfEmpty(l.Notes), l.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddLead failed", "error", err, "id", l.ID)
		return fmt.Errorf("failed to insert lead %s: %w", l.ID, err)
	}
	slog.Debug("SQLiteStore AddLead succeeded", "id", l.ID, "session_id", l.SessionID)
	return nil
}

func (s *SQLiteStore) ListLeads(limit int) ([]models.Lead, error) {
	rows, err := s.db.Query(`SELECT `+leadColumns+` FROM leads ORDER BY created_at DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		slog.Error("SQLiteStore ListLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	leads, err := collect(rows, scanLead)
	if err != nil {
		slog.Error("SQLiteStore ListLeads scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore ListLeads succeeded", "count", len(leads))
	return leads, nil
}

func (s *SQLiteStore) AddSessionRecord(r models.SessionRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO session_records (`+sessionRecordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.ContextKey, r.Language, string(r.Outcome), nilIfEmpty(r.Error),
		r.StartedAt, nilIfNilTime(r.ConnectedAt), r.EndedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore AddSessionRecord failed", "error", err, "session_id", r.SessionID)
		return fmt.Errorf("failed to insert session record %s: %w", r.SessionID, err)
	}
	slog.Debug("SQLiteStore AddSessionRecord succeeded", "session_id", r.SessionID, "outcome", r.Outcome)
	return nil
}

func (s *SQLiteStore) ListSessionRecords(limit int) ([]models.SessionRecord, error) {
	rows, err := s.db.Query(`SELECT `+sessionRecordColumns+` FROM session_records ORDER BY ended_at DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		slog.Error("SQLiteStore ListSessionRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query session records: %w", err)
	}
	records, err := collect(rows, scanSessionRecord)
	if err != nil {
		slog.Error("SQLiteStore ListSessionRecords scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore ListSessionRecords succeeded", "count", len(records))
	return records, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
