package database

import (
	"context"
	"time"
)

// AcquireTokenLease takes the per-user refresh lease via a single conditional
// write. It succeeds when no lease row exists or the existing lease has
// expired. Two wardens racing for the same user resolve on this row: exactly
// one sees true.
func (db *DB) AcquireTokenLease(ctx context.Context, userID, leaseID string, until, now time.Time) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO token_leases (user_id, lease_id, lease_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			lease_id    = $2,
			lease_until = $3
		WHERE token_leases.lease_until <= $4
	`, userID, leaseID, until, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseTokenLease frees the lease, but only for the holder that acquired it.
// A lease that expired and was re-acquired by someone else is left alone.
func (db *DB) ReleaseTokenLease(ctx context.Context, userID, leaseID string) error {
	_, err := db.Pool.Exec(ctx, `
		DELETE FROM token_leases WHERE user_id = $1 AND lease_id = $2
	`, userID, leaseID)
	return err
}
