package database

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
)

type User struct {
	UserID                 string
	ContactHandle          string
	MusicConnected         bool
	TokenRef               string
	DefaultDebounceSeconds int
	DefaultTimeoutSeconds  int
	NotifyLowBattery       bool
}

const userColumns = `user_id, coalesce(contact_handle, ''), music_connected,
	coalesce(token_ref, ''), default_debounce_seconds, default_timeout_seconds,
	notify_low_battery`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.UserID, &u.ContactHandle, &u.MusicConnected,
		&u.TokenRef, &u.DefaultDebounceSeconds, &u.DefaultTimeoutSeconds,
		&u.NotifyLowBattery,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser loads a user by id. Returns trace.NotFound if absent.
func (db *DB) GetUser(ctx context.Context, userID string) (*User, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trace.NotFound("user %s not found", userID)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpsertUser inserts or updates a user, never overwriting good data with empty strings.
func (db *DB) UpsertUser(ctx context.Context, u *User) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO users (user_id, contact_handle, music_connected, token_ref,
			default_debounce_seconds, default_timeout_seconds, notify_low_battery)
		VALUES ($1, nullif($2, ''), $3, nullif($4, ''), $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			contact_handle     = coalesce(nullif($2, ''), users.contact_handle),
			music_connected    = $3,
			token_ref          = coalesce(nullif($4, ''), users.token_ref),
			notify_low_battery = $7,
			updated_at         = now()
	`, u.UserID, u.ContactHandle, u.MusicConnected, u.TokenRef,
		u.DefaultDebounceSeconds, u.DefaultTimeoutSeconds, u.NotifyLowBattery)
	return err
}

// SetMusicConnected flips the music connection flag. The warden uses this to
// park users whose refresh token was revoked.
func (db *DB) SetMusicConnected(ctx context.Context, userID string, connected bool) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE users SET music_connected = $2, updated_at = now()
		WHERE user_id = $1
	`, userID, connected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return trace.NotFound("user %s not found", userID)
	}
	return nil
}

// ListMusicConnectedUsers returns every user the token warden must keep fresh.
func (db *DB) ListMusicConnectedUsers(ctx context.Context) ([]*User, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE music_connected = true ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
