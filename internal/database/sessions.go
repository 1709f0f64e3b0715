package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

type Session struct {
	SessionID       string
	SensorID        string
	UserID          string
	Status          string
	StartAt         time.Time
	LastMotionAt    time.Time
	EndAt           *time.Time
	MotionCount     int
	PlaybackStarted bool
	DurationSeconds *int64
	ExpiresAt       time.Time
}

const sessionColumns = `session_id, sensor_id, user_id, status, start_at,
	last_motion_at, end_at, motion_count, playback_started, duration_seconds,
	expires_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.SessionID, &s.SensorID, &s.UserID, &s.Status, &s.StartAt,
		&s.LastMotionAt, &s.EndAt, &s.MotionCount, &s.PlaybackStarted,
		&s.DurationSeconds, &s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetActiveSession returns the active session for a sensor, or nil when the
// sensor has none. The "active session" fact is this row, not process memory.
func (db *DB) GetActiveSession(ctx context.Context, sensorID string) (*Session, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE sensor_id = $1 AND status = 'active'`, sensorID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSession creates an active session, or adopts the existing active session
// when another handler won the race. The partial unique index ux_sessions_active
// turns the race into an ON CONFLICT no-op; the adopted row is returned with its
// motion count already bumped for this motion.
func (db *DB) OpenSession(ctx context.Context, s *Session) (*Session, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO sessions (session_id, sensor_id, user_id, status, start_at,
			last_motion_at, motion_count, playback_started, expires_at)
		VALUES ($1, $2, $3, 'active', $4, $5, $6, $7, $8)
		ON CONFLICT (sensor_id) WHERE status = 'active' DO NOTHING
	`, s.SessionID, s.SensorID, s.UserID, s.StartAt, s.LastMotionAt,
		s.MotionCount, s.PlaybackStarted, s.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if tag.RowsAffected() == 1 {
		created := *s
		created.Status = SessionActive
		return &created, nil
	}

	// Lost the race: extend the survivor instead.
	if _, err := db.ExtendSession(ctx, s.SensorID, s.LastMotionAt); err != nil {
		return nil, err
	}
	adopted, err := db.GetActiveSession(ctx, s.SensorID)
	if err != nil {
		return nil, err
	}
	if adopted == nil {
		// Survivor was closed between our insert and re-read. Rare; retry once.
		return db.OpenSession(ctx, s)
	}
	return adopted, nil
}

// ExtendSession records another admitted motion on the sensor's active session.
// The increment is conditional on the session still being active, so the motion
// count converges under concurrent handlers and a closed session is never
// mutated. Returns the updated session, or nil when no active session exists.
func (db *DB) ExtendSession(ctx context.Context, sensorID string, occurredAt time.Time) (*Session, error) {
	row := db.Pool.QueryRow(ctx, `
		UPDATE sessions SET
			motion_count   = motion_count + 1,
			last_motion_at = GREATEST(last_motion_at, $2)
		WHERE sensor_id = $1 AND status = 'active'
		RETURNING `+sessionColumns, sensorID, occurredAt)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// MarkPlaybackStarted records that a start command was issued for this session.
func (db *DB) MarkPlaybackStarted(ctx context.Context, sessionID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE sessions SET playback_started = true
		WHERE session_id = $1 AND status = 'active'
	`, sessionID)
	return err
}

// CloseSession transitions a session from active to completed. Returns false
// when the row was already closed: another reaper or handler won, which the
// caller drops silently.
func (db *DB) CloseSession(ctx context.Context, sessionID string, endAt time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE sessions SET
			status           = 'completed',
			end_at           = $2,
			duration_seconds = extract(epoch FROM $2::timestamptz - start_at)::bigint
		WHERE session_id = $1 AND status = 'active'
	`, sessionID, endAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TimedOutSession is a reaper work item: an active session joined with the
// owning sensor's timeout and playback config.
type TimedOutSession struct {
	SessionID        string
	SensorID         string
	UserID           string
	StartAt          time.Time
	LastMotionAt     time.Time
	PlaybackTargetID string
}

// ListTimedOutSessions returns active sessions whose last motion is older than
// the owning sensor's inactivity timeout. The sensor row is authoritative for
// the timeout; sessions whose sensor has been deleted time out on the session's
// own age so they cannot stay active forever.
func (db *DB) ListTimedOutSessions(ctx context.Context, now time.Time, fallbackTimeout time.Duration) ([]TimedOutSession, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT s.session_id, s.sensor_id, s.user_id, s.start_at, s.last_motion_at,
			coalesce(sn.playback_target_id, '')
		FROM sessions s
		LEFT JOIN sensors sn ON sn.sensor_id = s.sensor_id
		WHERE s.status = 'active'
		  AND s.last_motion_at <= $1::timestamptz
				- make_interval(secs => coalesce(sn.inactivity_timeout_seconds, $2))
	`, now, int(fallbackTimeout.Seconds()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimedOutSession
	for rows.Next() {
		var t TimedOutSession
		if err := rows.Scan(&t.SessionID, &t.SensorID, &t.UserID, &t.StartAt,
			&t.LastMotionAt, &t.PlaybackTargetID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
