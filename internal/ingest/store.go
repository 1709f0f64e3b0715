package ingest

import (
	"context"
	"time"

	"github.com/snarg/motion-engine/internal/database"
	"github.com/snarg/motion-engine/internal/spotify"
)

// Store is the slice of the database the pipeline needs. *database.DB
// satisfies it; tests use an in-memory fake.
type Store interface {
	GetSensor(ctx context.Context, sensorID string) (*database.Sensor, error)
	GetUser(ctx context.Context, userID string) (*database.User, error)
	GetActiveSession(ctx context.Context, sensorID string) (*database.Session, error)
	OpenSession(ctx context.Context, s *database.Session) (*database.Session, error)
	ExtendSession(ctx context.Context, sensorID string, occurredAt time.Time) (*database.Session, error)
	MarkPlaybackStarted(ctx context.Context, sessionID string) error
	UpdateSensorLastMotion(ctx context.Context, sensorID string, occurredAt time.Time) error
	InsertMotionEvent(ctx context.Context, e *database.MotionEvent) error
	RecordStatusReport(ctx context.Context, sensorID, status, firmware, ip string, battery *int, uptime int64, at time.Time) error
	RecordRegistration(ctx context.Context, sensorID, firmware string, at time.Time) error
}

// Player issues playback commands against the music service.
type Player interface {
	GetPlaybackState(ctx context.Context, accessToken string) (*spotify.PlaybackState, error)
	StartPlayback(ctx context.Context, accessToken, deviceID, contextRef string) error
}

// TokenSource hands out a usable access token for a user.
type TokenSource interface {
	AccessToken(ctx context.Context, userID, tokenRef string) (string, error)
}
