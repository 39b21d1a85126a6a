package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNilTime returns nil for a nil pointer, otherwise the time value.
func nilIfNilTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

const leadColumns = `id, session_id, context_key, language, name, email, phone, notes, created_at`

func scanLead(row rowScanner) (models.Lead, error) {
	var l models.Lead
	var language, name, email, phone, notes sql.NullString
	err := row.Scan(&l.ID, &l.SessionID, &l.ContextKey, &language, &name, &email, &phone, &notes, &l.CreatedAt)
	if err != nil {
		return l, fmt.Errorf("scan lead failed: %w", err)
	}
	l.Language = language.String
	l.Name = name.String
	l.Email = email.String
	l.Phone = phone.String
	l.Notes = notes.String
	return l, nil
}

const sessionRecordColumns = `session_id, context_key, language, outcome, error, started_at, connected_at, ended_at`

func scanSessionRecord(row rowScanner) (models.SessionRecord, error) {
	var r models.SessionRecord
	var outcome string
	var errText sql.NullString
	var connectedAt sql.NullTime
	err := row.Scan(&r.SessionID, &r.ContextKey, &r.Language, &outcome, &errText, &r.StartedAt, &connectedAt, &r.EndedAt)
	if err != nil {
		return r, fmt.Errorf("scan session record failed: %w", err)
	}
	r.Outcome = models.SessionOutcome(outcome)
	r.Error = errText.String
	if connectedAt.Valid {
		r.ConnectedAt = &connectedAt.Time
	}
	return r, nil
}

const outboxColumns = `id, recipient, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage from a row.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Recipient, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// collect drains rows with scan, closing rows when done.
func collect[T any](rows *sql.Rows, scan func(rowScanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return out, nil
}
