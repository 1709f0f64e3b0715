package database

import (
	"context"
	"encoding/json"
	"time"
)

// Motion event types. The audit log records every delivery the orchestrator
// saw, including the ones it suppressed.
const (
	EventDetected   = "detected"
	EventDebounced  = "debounced"
	EventQuietHours = "quiet-hours-suppressed"
	EventDisabled   = "disabled-suppressed"
	EventTimeout    = "timeout"
)

// Action tags recorded alongside the event type.
const (
	ActionSessionOpened   = "session-opened"
	ActionSessionExtended = "session-extended"
	ActionSessionClosed   = "session-closed"
	ActionSuppressed      = "suppressed"
)

type MotionEvent struct {
	EventID     string
	SensorID    string
	UserID      string
	SessionID   string // empty when no session was involved
	OccurredAt  time.Time
	EventType   string
	ActionTaken string
	Metadata    json.RawMessage
	ExpiresAt   time.Time
}

// InsertMotionEvent appends one audit row. The audit log is append-only; rows
// age out via expires_at and the maintenance purge.
func (db *DB) InsertMotionEvent(ctx context.Context, e *MotionEvent) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO motion_events (event_id, sensor_id, user_id, session_id,
			occurred_at, event_type, action_taken, metadata, expires_at)
		VALUES ($1, $2, $3, nullif($4, ''), $5, $6, $7, $8, $9)
	`, e.EventID, e.SensorID, e.UserID, e.SessionID,
		e.OccurredAt, e.EventType, e.ActionTaken, []byte(e.Metadata), e.ExpiresAt)
	return err
}
