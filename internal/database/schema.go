package database

import "context"

// schemaSQL is the full schema applied to a fresh database.
//
// Concurrency-sensitive invariants live in the schema itself:
//   - ux_sessions_active enforces "at most one active session per sensor";
//     the conditional-write adoption path falls out of it.
//   - sessions and motion_events carry expires_at for retention purging.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
    user_id                  text PRIMARY KEY,
    contact_handle           text,
    music_connected          boolean NOT NULL DEFAULT false,
    token_ref                text,
    default_debounce_seconds int NOT NULL DEFAULT 120,
    default_timeout_seconds  int NOT NULL DEFAULT 300,
    notify_low_battery       boolean NOT NULL DEFAULT true,
    created_at               timestamptz NOT NULL DEFAULT now(),
    updated_at               timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_users_contact_handle ON users (contact_handle);

CREATE TABLE IF NOT EXISTS sensors (
    sensor_id                  text PRIMARY KEY,
    user_id                    text NOT NULL,
    location_label             text NOT NULL DEFAULT '',
    enabled                    boolean NOT NULL DEFAULT true,
    motion_debounce_seconds    int NOT NULL DEFAULT 120,
    inactivity_timeout_seconds int NOT NULL DEFAULT 300,
    quiet_hours                jsonb,
    playback_target_id         text NOT NULL DEFAULT '',
    playback_context_ref       text NOT NULL DEFAULT '',
    last_motion_at             timestamptz,
    status                     text NOT NULL DEFAULT 'registered'
        CHECK (status IN ('registered', 'active', 'disabled', 'error')),
    thing_handle               text NOT NULL DEFAULT '',
    certificate_handle         text NOT NULL DEFAULT '',
    reported_status            text NOT NULL DEFAULT '',
    reported_battery           int,
    reported_firmware          text NOT NULL DEFAULT '',
    reported_ip                text NOT NULL DEFAULT '',
    reported_uptime_seconds    bigint,
    last_status_at             timestamptz,
    last_register_at           timestamptz,
    created_at                 timestamptz NOT NULL DEFAULT now(),
    updated_at                 timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sensors_user ON sensors (user_id);

CREATE TABLE IF NOT EXISTS sessions (
    session_id       text PRIMARY KEY,
    sensor_id        text NOT NULL,
    user_id          text NOT NULL,
    status           text NOT NULL DEFAULT 'active'
        CHECK (status IN ('active', 'completed')),
    start_at         timestamptz NOT NULL,
    last_motion_at   timestamptz NOT NULL,
    end_at           timestamptz,
    motion_count     int NOT NULL DEFAULT 1 CHECK (motion_count >= 1),
    playback_started boolean NOT NULL DEFAULT false,
    duration_seconds bigint,
    expires_at       timestamptz NOT NULL
);

-- At most one active session per sensor. Concurrent openers hit this index
-- and adopt the surviving row instead of creating a second one.
CREATE UNIQUE INDEX IF NOT EXISTS ux_sessions_active
    ON sessions (sensor_id) WHERE status = 'active';

CREATE INDEX IF NOT EXISTS idx_sessions_sensor_start
    ON sessions (sensor_id, start_at DESC);

-- Reaper scan: proportional to active sessions, never a full-table scan.
CREATE INDEX IF NOT EXISTS idx_sessions_status_last_motion
    ON sessions (status, last_motion_at);

CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at);

CREATE TABLE IF NOT EXISTS motion_events (
    event_id     text PRIMARY KEY,
    sensor_id    text NOT NULL,
    user_id      text NOT NULL,
    session_id   text,
    occurred_at  timestamptz NOT NULL,
    event_type   text NOT NULL,
    action_taken text NOT NULL DEFAULT '',
    metadata     jsonb,
    expires_at   timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_motion_events_sensor_time
    ON motion_events (sensor_id, occurred_at DESC);

CREATE INDEX IF NOT EXISTS idx_motion_events_expires ON motion_events (expires_at);

CREATE TABLE IF NOT EXISTS token_leases (
    user_id     text PRIMARY KEY,
    lease_id    text NOT NULL,
    lease_until timestamptz NOT NULL
);
`

// InitSchema applies the full schema on a fresh database.
// Every statement is idempotent (IF NOT EXISTS), so re-running on an
// already-initialized database is a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'sessions')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		db.log.Debug().Msg("schema already initialized, skipping")
	} else {
		db.log.Info().Msg("fresh database detected, applying schema")
	}

	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	if !exists {
		db.log.Info().Msg("schema applied successfully")
	}
	return nil
}
