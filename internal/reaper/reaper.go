// Package reaper closes playback sessions whose sensor has gone quiet. It is
// the only component that moves a session from active to completed; the
// conditional close makes concurrent reapers and handlers race-safe.
package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/snarg/motion-engine/internal/database"
	"github.com/snarg/motion-engine/internal/metrics"
)

// Store is the slice of the database the reaper needs.
type Store interface {
	ListTimedOutSessions(ctx context.Context, now time.Time, fallbackTimeout time.Duration) ([]database.TimedOutSession, error)
	CloseSession(ctx context.Context, sessionID string, endAt time.Time) (bool, error)
	InsertMotionEvent(ctx context.Context, e *database.MotionEvent) error
	GetUser(ctx context.Context, userID string) (*database.User, error)
	PurgeExpired(ctx context.Context, now time.Time) (sessions, events int64, err error)
	PurgeStaleLeases(ctx context.Context, now time.Time) (int64, error)
}

// Player pauses playback on the music service.
type Player interface {
	PausePlayback(ctx context.Context, accessToken, deviceID string) error
}

// TokenSource hands out a usable access token for a user.
type TokenSource interface {
	AccessToken(ctx context.Context, userID, tokenRef string) (string, error)
}

type Reaper struct {
	store  Store
	player Player
	tokens TokenSource

	interval        time.Duration
	fallbackTimeout time.Duration
	retention       time.Duration
	workers         int

	clock clockwork.Clock
	log   zerolog.Logger
	stop  chan struct{}
	done  chan struct{}
}

type Options struct {
	Store           Store
	Player          Player
	Tokens          TokenSource
	Interval        time.Duration // default 60s
	FallbackTimeout time.Duration // applied when the owning sensor is gone; default 10m
	Retention       time.Duration // TTL for the close audit row; default 30 days
	Workers         int           // default 10
	Clock           clockwork.Clock
	Log             zerolog.Logger
}

func New(opts Options) *Reaper {
	interval := opts.Interval
	if interval == 0 {
		interval = time.Minute
	}
	fallback := opts.FallbackTimeout
	if fallback == 0 {
		fallback = 10 * time.Minute
	}
	retention := opts.Retention
	if retention == 0 {
		retention = 30 * 24 * time.Hour
	}
	workers := opts.Workers
	if workers == 0 {
		workers = 10
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reaper{
		store:           opts.Store,
		player:          opts.Player,
		tokens:          opts.Tokens,
		interval:        interval,
		fallbackTimeout: fallback,
		retention:       retention,
		workers:         workers,
		clock:           clock,
		log:             opts.Log.With().Str("component", "reaper").Logger(),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (r *Reaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	// Retention sweep runs on its own, much slower cadence.
	purge := r.clock.NewTicker(6 * time.Hour)
	defer purge.Stop()
	r.runPurge(ctx)

	for {
		select {
		case <-ticker.Chan():
			r.Tick(ctx)
		case <-purge.Chan():
			r.runPurge(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick closes every session whose last motion is older than its sensor's
// inactivity timeout. Exported so tests can drive ticks directly.
func (r *Reaper) Tick(ctx context.Context) {
	now := r.clock.Now()
	timedOut, err := r.store.ListTimedOutSessions(ctx, now, r.fallbackTimeout)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to list timed-out sessions")
		return
	}
	if len(timedOut) == 0 {
		return
	}

	g := &errgroup.Group{}
	g.SetLimit(r.workers)
	for _, s := range timedOut {
		g.Go(func() error {
			r.closeSession(ctx, s, now)
			return nil
		})
	}
	g.Wait()
}

// closeSession pauses playback and transitions one session. The pause is
// best-effort: a stuck-active session is a worse failure mode than an
// un-paused device, so the close proceeds regardless.
func (r *Reaper) closeSession(ctx context.Context, s database.TimedOutSession, now time.Time) {
	log := r.log.With().
		Str("session_id", s.SessionID).
		Str("sensor_id", s.SensorID).
		Logger()

	r.pausePlayback(ctx, log, s)

	closed, err := r.store.CloseSession(ctx, s.SessionID, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to close session")
		return
	}
	if !closed {
		// Another reaper got here first.
		return
	}
	metrics.SessionsClosedTotal.Inc()
	log.Info().
		Dur("duration", now.Sub(s.StartAt)).
		Time("last_motion_at", s.LastMotionAt).
		Msg("session closed on inactivity")

	err = r.store.InsertMotionEvent(ctx, &database.MotionEvent{
		EventID:     uuid.NewString(),
		SensorID:    s.SensorID,
		UserID:      s.UserID,
		SessionID:   s.SessionID,
		OccurredAt:  now,
		EventType:   database.EventTimeout,
		ActionTaken: database.ActionSessionClosed,
		ExpiresAt:   now.Add(r.retention),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to write close audit row")
	}
}

func (r *Reaper) pausePlayback(ctx context.Context, log zerolog.Logger, s database.TimedOutSession) {
	if s.PlaybackTargetID == "" {
		return
	}
	user, err := r.store.GetUser(ctx, s.UserID)
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve session owner for pause")
		return
	}
	if !user.MusicConnected {
		return
	}
	token, err := r.tokens.AccessToken(ctx, user.UserID, user.TokenRef)
	if err != nil {
		metrics.PlaybackCommandsTotal.WithLabelValues("pause", "token_error").Inc()
		log.Warn().Err(err).Msg("could not obtain access token for pause")
		return
	}

	err = r.player.PausePlayback(ctx, token, s.PlaybackTargetID)
	switch {
	case err == nil:
		metrics.PlaybackCommandsTotal.WithLabelValues("pause", "ok").Inc()
	case trace.IsNotFound(err):
		// Device gone or nothing playing: already paused as far as the
		// user is concerned.
		metrics.PlaybackCommandsTotal.WithLabelValues("pause", "absorbed").Inc()
	default:
		metrics.PlaybackCommandsTotal.WithLabelValues("pause", "error").Inc()
		log.Warn().Err(err).Str("device_id", s.PlaybackTargetID).Msg("pause failed")
	}
}

// runPurge deletes sessions and audit rows past their retention horizon and
// sweeps leases left behind by crashed wardens.
func (r *Reaper) runPurge(ctx context.Context) {
	now := r.clock.Now()

	sessions, events, err := r.store.PurgeExpired(ctx, now)
	if err != nil {
		r.log.Warn().Err(err).Msg("retention purge failed")
	} else if sessions > 0 || events > 0 {
		r.log.Info().
			Int64("sessions", sessions).
			Int64("events", events).
			Msg("purged expired rows")
	}

	leases, err := r.store.PurgeStaleLeases(ctx, now)
	if err != nil {
		r.log.Warn().Err(err).Msg("lease sweep failed")
	} else if leases > 0 {
		r.log.Info().Int64("leases", leases).Msg("swept stale token leases")
	}
}
