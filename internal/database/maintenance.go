package database

import (
	"context"
	"time"
)

// PurgeExpired deletes rows whose retention horizon has passed. Sessions and
// motion events carry expires_at set at write time (default 30 days after the
// session start), so the purge is a plain indexed delete.
func (db *DB) PurgeExpired(ctx context.Context, now time.Time) (sessions, events int64, err error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM sessions WHERE status = 'completed' AND expires_at <= $1`, now)
	if err != nil {
		return 0, 0, err
	}
	sessions = tag.RowsAffected()

	tag, err = db.Pool.Exec(ctx,
		`DELETE FROM motion_events WHERE expires_at <= $1`, now)
	if err != nil {
		return sessions, 0, err
	}
	events = tag.RowsAffected()

	return sessions, events, nil
}

// PurgeStaleLeases drops token leases that expired more than an hour ago.
// Live leases are released by their holder; this only sweeps up leftovers from
// crashed wardens.
func (db *DB) PurgeStaleLeases(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM token_leases WHERE lease_until <= $1 - interval '1 hour'`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
