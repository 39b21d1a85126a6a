// Package store provides storage backends for SiteVoice.
//
// This file implements a PostgreSQL-backed store for leads and session records.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/SiteVoice/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AddLead(l models.Lead) error {
	_, err := s.db.Exec(
		`INSERT INTO leads (`+leadColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.SessionID, l.ContextKey, nilIfEmpty(l.Language), nilIfEmpty(l.Name),
		nilIfEmpty(l.Email), nilIfEmpty(l.Phone), nilIfEmpty(l.Notes), l.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddLead failed", "error", err, "id", l.ID)
		return fmt.Errorf("failed to insert lead %s: %w", l.ID, err)
	}
	slog.Debug("PostgresStore AddLead succeeded", "id", l.ID, "session_id", l.SessionID)
	return nil
}

func (s *PostgresStore) ListLeads(limit int) ([]models.Lead, error) {
	rows, err := s.db.Query(`SELECT `+leadColumns+` FROM leads ORDER BY created_at DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		slog.Error("PostgresStore ListLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	leads, err := collect(rows, scanLead)
	if err != nil {
		slog.Error("PostgresStore ListLeads scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore ListLeads succeeded", "count", len(leads))
	return leads, nil
}

func (s *PostgresStore) AddSessionRecord(r models.SessionRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO session_records (`+sessionRecordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO UPDATE SET outcome = EXCLUDED.outcome, error = EXCLUDED.error,
		 connected_at = EXCLUDED.connected_at, ended_at = EXCLUDED.ended_at`,
		r.SessionID, r.ContextKey, r.Language, string(r.Outcome), nilIfEmpty(r.Error),
		r.StartedAt, nilIfNilTime(r.ConnectedAt), r.EndedAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddSessionRecord failed", "error", err, "session_id", r.SessionID)
		return fmt.Errorf("failed to insert session record %s: %w", r.SessionID, err)
	}
	slog.Debug("PostgresStore AddSessionRecord succeeded", "session_id", r.SessionID, "outcome", r.Outcome)
	return nil
}

func (s *PostgresStore) ListSessionRecords(limit int) ([]models.SessionRecord, error) {
	rows, err := s.db.Query(`SELECT `+sessionRecordColumns+` FROM session_records ORDER BY ended_at DESC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		slog.Error("PostgresStore ListSessionRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query session records: %w", err)
	}
	records, err := collect(rows, scanSessionRecord)
	if err != nil {
		slog.Error("PostgresStore ListSessionRecords scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore ListSessionRecords succeeded", "count", len(records))
	return records, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
