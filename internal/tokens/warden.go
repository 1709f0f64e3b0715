package tokens

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
	"github.com/snarg/motion-engine/internal/secrets"
)

// Directory is the slice of the database the warden needs.
type Directory interface {
	ListMusicConnectedUsers(ctx context.Context) ([]*database.User, error)
	SetMusicConnected(ctx context.Context, userID string, connected bool) error
	AcquireTokenLease(ctx context.Context, userID, leaseID string, until, now time.Time) (bool, error)
	ReleaseTokenLease(ctx context.Context, userID, leaseID string) error
}

// Warden keeps every connected user's access token unexpired. Each tick it
// walks the connected users, takes the per-user lease, and refreshes tokens
// inside the safety margin. A failure for one user never stops the loop.
type Warden struct {
	dir       Directory
	store     secrets.Store
	refresher Refresher
	cache     *Cache

	interval time.Duration
	margin   time.Duration
	leaseTTL time.Duration
	workers  int

	clock clockwork.Clock
	log   zerolog.Logger
	stop  chan struct{}
	done  chan struct{}
}

type WardenOptions struct {
	Directory Directory
	Store     secrets.Store
	Refresher Refresher
	Cache     *Cache
	Interval  time.Duration // default 30m
	Margin    time.Duration // default 5m
	Workers   int           // default 10
	Clock     clockwork.Clock
	Log       zerolog.Logger
}

func NewWarden(opts WardenOptions) *Warden {
	interval := opts.Interval
	if interval == 0 {
		interval = 30 * time.Minute
	}
	margin := opts.Margin
	if margin == 0 {
		margin = 5 * time.Minute
	}
	workers := opts.Workers
	if workers == 0 {
		workers = 10
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Warden{
		dir:       opts.Directory,
		store:     opts.Store,
		refresher: opts.Refresher,
		cache:     opts.Cache,
		interval:  interval,
		margin:    margin,
		leaseTTL:  time.Minute,
		workers:   workers,
		clock:     clock,
		log:       opts.Log.With().Str("component", "token-warden").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *Warden) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Warden) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Warden) loop(ctx context.Context) {
	defer close(w.done)

	// Run once on startup so a restart never leaves tokens stale for a
	// full interval.
	w.Tick(ctx)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			w.Tick(ctx)
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick refreshes all connected users once. Exported for the reaper-style
// tests that drive the warden with a fake clock.
func (w *Warden) Tick(ctx context.Context) {
	users, err := w.dir.ListMusicConnectedUsers(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to list connected users")
		return
	}
	if len(users) == 0 {
		return
	}

	start := w.clock.Now()
	g := &errgroup.Group{}
	g.SetLimit(w.workers)
	for _, u := range users {
		g.Go(func() error {
			w.refreshUser(ctx, u)
			return nil
		})
	}
	g.Wait()

	w.log.Debug().
		Int("users", len(users)).
		Dur("elapsed_ms", w.clock.Since(start)).
		Msg("warden tick complete")
}

// refreshUser handles one user under the distributed lease. Errors are logged
// and counted, never propagated: user A's failure must not touch user B.
func (w *Warden) refreshUser(ctx context.Context, u *database.User) {
	log := w.log.With().Str("user_id", u.UserID).Logger()
	now := w.clock.Now()

	leaseID := uuid.NewString()
	acquired, err := w.dir.AcquireTokenLease(ctx, u.UserID, leaseID, now.Add(w.leaseTTL), now)
	if err != nil {
		log.Warn().Err(err).Msg("lease acquisition failed")
		metrics.TokenRefreshTotal.WithLabelValues("lease_error").Inc()
		return
	}
	if !acquired {
		metrics.TokenRefreshTotal.WithLabelValues("lease_held").Inc()
		return
	}
	defer func() {
		// Release even when the handler context is gone.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := w.dir.ReleaseTokenLease(rctx, u.UserID, leaseID); err != nil {
			log.Warn().Err(err).Msg("lease release failed")
		}
	}()

	rec, err := LoadRecord(ctx, w.store, u.TokenRef)
	if err != nil {
		// musicConnected=true implies a non-empty token record; a missing
		// one is an invariant breach worth an operator's attention.
		log.Error().Err(err).Str("token_ref", u.TokenRef).Msg("token record unavailable")
		metrics.TokenRefreshTotal.WithLabelValues("record_missing").Inc()
		return
	}

	if rec.Expiry().Sub(now) > w.margin {
		metrics.TokenRefreshTotal.WithLabelValues("skipped").Inc()
		return
	}

	prev := rec.AccessToken
	updated, err := RefreshAndSave(ctx, w.store, w.refresher, u.TokenRef, rec, now)
	if err != nil {
		if trace.IsAccessDenied(err) {
			// Refresh token revoked. Park the user and alert; retrying
			// this tick would only hammer the OAuth endpoint.
			log.Error().Err(err).Msg("refresh token revoked, disabling music connection")
			if derr := w.dir.SetMusicConnected(ctx, u.UserID, false); derr != nil {
				log.Error().Err(derr).Msg("failed to disable music connection")
			}
			metrics.TokenRefreshTotal.WithLabelValues("invalid_grant").Inc()
			return
		}
		log.Warn().Err(err).Msg("token refresh failed")
		metrics.TokenRefreshTotal.WithLabelValues("transient").Inc()
		return
	}

	w.cache.Invalidate(u.UserID)
	metrics.TokenRefreshTotal.WithLabelValues("refreshed").Inc()
	log.Info().
		Bool("rotated", updated.AccessToken != prev).
		Time("expires_at", updated.Expiry()).
		Msg("access token refreshed")
}
