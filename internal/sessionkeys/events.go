package sessionkeys

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Session event types, written on every lifecycle transition and on every
// validate call, valid or not.
const (
	SessionEventCreated       = "created"
	SessionEventUsed          = "used"
	SessionEventSecurityAlert = "security_alert"
	SessionEventRevoked       = "revoked"
	SessionEventExpired       = "expired"
)

// Event severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// SessionEvent is one row of a session key's event trail: every create,
// validate (valid or rejected), revoke, and expiry is recorded here so the
// history of a key can be reconstructed without replaying the monitor's
// velocity/pattern state.
type SessionEvent struct {
	ID           int                    `json:"id"`
	SessionKeyID string                 `json:"sessionKeyId"`
	EventType    string                 `json:"eventType"`
	EventData    map[string]interface{} `json:"eventData,omitempty"`
	Severity     string                 `json:"severity"`
	Timestamp    time.Time              `json:"timestamp"`
}

// SessionEventLogger records and retrieves a session key's event trail.
type SessionEventLogger interface {
	LogEvent(ctx context.Context, event *SessionEvent) error
	ListEvents(ctx context.Context, sessionKeyID string, limit int) ([]*SessionEvent, error)
}

// --- Memory implementation ---

// MemoryEventLogger is an in-memory SessionEventLogger for testing/demo.
type MemoryEventLogger struct {
	mu     sync.RWMutex
	events []*SessionEvent
	nextID int
}

func NewMemoryEventLogger() *MemoryEventLogger {
	return &MemoryEventLogger{nextID: 1}
}

func (m *MemoryEventLogger) LogEvent(_ context.Context, event *SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *event
	e.ID = m.nextID
	m.nextID++
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	m.events = append(m.events, &e)
	return nil
}

func (m *MemoryEventLogger) ListEvents(_ context.Context, sessionKeyID string, limit int) ([]*SessionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SessionEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.SessionKeyID != sessionKeyID {
			continue
		}
		copy := *e
		result = append(result, &copy)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// --- Postgres implementation ---

// PostgresEventLogger is a PostgreSQL-backed SessionEventLogger.
type PostgresEventLogger struct {
	db *sql.DB
}

func NewPostgresEventLogger(db *sql.DB) *PostgresEventLogger {
	return &PostgresEventLogger{db: db}
}

// Migrate creates the session_events table if it doesn't already exist.
func (p *PostgresEventLogger) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_events (
			id SERIAL PRIMARY KEY,
			session_key_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB,
			severity TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_session_events_key ON session_events(session_key_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate session_events: %w", err)
	}
	return nil
}

func (p *PostgresEventLogger) LogEvent(ctx context.Context, event *SessionEvent) error {
	var dataJSON []byte
	if event.EventData != nil {
		var err error
		dataJSON, err = json.Marshal(event.EventData)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO session_events (session_key_id, event_type, event_data, severity)
		VALUES ($1, $2, $3, $4)
	`, event.SessionKeyID, event.EventType, nullJSON(dataJSON), event.Severity)
	if err != nil {
		return fmt.Errorf("failed to log session event: %w", err)
	}
	return nil
}

func (p *PostgresEventLogger) ListEvents(ctx context.Context, sessionKeyID string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_key_id, event_type, COALESCE(event_data::text, ''), severity, created_at
		FROM session_events
		WHERE session_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, sessionKeyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*SessionEvent
	for rows.Next() {
		var e SessionEvent
		var dataText string
		if err := rows.Scan(&e.ID, &e.SessionKeyID, &e.EventType, &dataText, &e.Severity, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		if dataText != "" {
			_ = json.Unmarshal([]byte(dataText), &e.EventData)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
