package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/snarg/motion-engine/internal/database"
	"github.com/snarg/motion-engine/internal/spotify"
)

// ── Fakes ────────────────────────────────────────────────────────────

type fakeStore struct {
	mu       sync.Mutex
	sensors  map[string]*database.Sensor
	users    map[string]*database.User
	sessions map[string]*database.Session
	events   []*database.MotionEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sensors:  make(map[string]*database.Sensor),
		users:    make(map[string]*database.User),
		sessions: make(map[string]*database.Session),
	}
}

func (f *fakeStore) GetSensor(ctx context.Context, sensorID string) (*database.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sensors[sensorID]
	if !ok {
		return nil, trace.NotFound("sensor %s not found", sensorID)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) GetUser(ctx context.Context, userID string) (*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, trace.NotFound("user %s not found", userID)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) activeLocked(sensorID string) *database.Session {
	for _, s := range f.sessions {
		if s.SensorID == sensorID && s.Status == database.SessionActive {
			return s
		}
	}
	return nil
}

func (f *fakeStore) GetActiveSession(ctx context.Context, sensorID string) (*database.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s := f.activeLocked(sensorID); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) ExtendSession(ctx context.Context, sensorID string, occurredAt time.Time) (*database.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.activeLocked(sensorID)
	if s == nil {
		return nil, nil
	}
	s.MotionCount++
	if occurredAt.After(s.LastMotionAt) {
		s.LastMotionAt = occurredAt
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) OpenSession(ctx context.Context, s *database.Session) (*database.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing := f.activeLocked(s.SensorID); existing != nil {
		existing.MotionCount++
		cp := *existing
		return &cp, nil
	}
	cp := *s
	cp.Status = database.SessionActive
	f.sessions[cp.SessionID] = &cp
	out := cp
	return &out, nil
}

func (f *fakeStore) MarkPlaybackStarted(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok && s.Status == database.SessionActive {
		s.PlaybackStarted = true
	}
	return nil
}

func (f *fakeStore) UpdateSensorLastMotion(ctx context.Context, sensorID string, occurredAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sensors[sensorID]
	if !ok {
		return trace.NotFound("sensor %s not found", sensorID)
	}
	if s.LastMotionAt == nil || occurredAt.After(*s.LastMotionAt) {
		t := occurredAt
		s.LastMotionAt = &t
	}
	return nil
}

func (f *fakeStore) InsertMotionEvent(ctx context.Context, e *database.MotionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.events = append(f.events, &cp)
	return nil
}

func (f *fakeStore) RecordStatusReport(ctx context.Context, sensorID, status, firmware, ip string, battery *int, uptime int64, at time.Time) error {
	return nil
}

func (f *fakeStore) RecordRegistration(ctx context.Context, sensorID, firmware string, at time.Time) error {
	return nil
}

type startCall struct {
	deviceID   string
	contextRef string
}

type fakePlayer struct {
	mu       sync.Mutex
	state    *spotify.PlaybackState
	stateErr error
	startErr error
	starts   []startCall
}

func (f *fakePlayer) GetPlaybackState(ctx context.Context, accessToken string) (*spotify.PlaybackState, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	if f.state == nil {
		return &spotify.PlaybackState{}, nil
	}
	return f.state, nil
}

func (f *fakePlayer) StartPlayback(ctx context.Context, accessToken, deviceID, contextRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, startCall{deviceID: deviceID, contextRef: contextRef})
	return nil
}

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) AccessToken(ctx context.Context, userID, tokenRef string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

// ── Fixture ──────────────────────────────────────────────────────────

var testBase = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

func testFixture(t *testing.T) (*Pipeline, *fakeStore, *fakePlayer, *clockwork.FakeClock) {
	t.Helper()
	store := newFakeStore()
	store.sensors["bathroom-main"] = &database.Sensor{
		SensorID:                 "bathroom-main",
		UserID:                   "U",
		Enabled:                  true,
		MotionDebounceSeconds:    120,
		InactivityTimeoutSeconds: 300,
		PlaybackTargetID:         "D1",
		PlaybackContextRef:       "spotify:playlist:P",
		Status:                   database.SensorActive,
	}
	store.users["U"] = &database.User{
		UserID:         "U",
		MusicConnected: true,
		TokenRef:       "users/U/tokens",
	}
	player := &fakePlayer{}
	clock := clockwork.NewFakeClockAt(testBase)
	p := NewPipeline(PipelineOptions{
		Store:  store,
		Player: player,
		Tokens: &fakeTokens{token: "tok"},
		Clock:  clock,
		Log:    zerolog.Nop(),
	})
	return p, store, player, clock
}

func motionPayload(sensorID string, ts int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":"motion_detected","sensorId":"%s","timestamp":%d,"metadata":{"batteryLevel":87}}`,
		sensorID, ts))
}

func deliverMotion(p *Pipeline, sensorID string, ts int64) {
	p.HandleMessage("sensors/"+sensorID+"/motion", motionPayload(sensorID, ts))
}

// ── Motion orchestration ─────────────────────────────────────────────

func TestFirstMotionOpensSessionAndStartsPlayback(t *testing.T) {
	p, store, player, _ := testFixture(t)

	deliverMotion(p, "bathroom-main", testBase.Unix())

	var session *database.Session
	for _, s := range store.sessions {
		session = s
	}
	if session == nil {
		t.Fatal("expected a session to be opened")
	}
	if session.Status != database.SessionActive || session.MotionCount != 1 {
		t.Errorf("session = %+v", session)
	}
	if !session.PlaybackStarted {
		t.Error("playbackStarted should be set after start command")
	}
	if !session.StartAt.Equal(testBase) {
		t.Errorf("startAt = %v, want %v", session.StartAt, testBase)
	}

	if len(player.starts) != 1 {
		t.Fatalf("start calls = %d, want 1", len(player.starts))
	}
	if player.starts[0].deviceID != "D1" || player.starts[0].contextRef != "spotify:playlist:P" {
		t.Errorf("start call = %+v", player.starts[0])
	}

	if len(store.events) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(store.events))
	}
	e := store.events[0]
	if e.EventType != database.EventDetected || e.ActionTaken != database.ActionSessionOpened {
		t.Errorf("audit = %s/%s", e.EventType, e.ActionTaken)
	}
	if e.SessionID != session.SessionID {
		t.Errorf("audit session = %q, want %q", e.SessionID, session.SessionID)
	}

	last := store.sensors["bathroom-main"].LastMotionAt
	if last == nil || !last.Equal(testBase) {
		t.Errorf("sensor lastMotionAt = %v", last)
	}
}

func TestMotionInsideDebounceIsSuppressed(t *testing.T) {
	p, store, player, _ := testFixture(t)

	deliverMotion(p, "bathroom-main", testBase.Unix())
	deliverMotion(p, "bathroom-main", testBase.Add(30*time.Second).Unix())

	if len(player.starts) != 1 {
		t.Errorf("start calls = %d, want 1", len(player.starts))
	}
	if len(store.events) != 2 {
		t.Fatalf("audit rows = %d, want 2", len(store.events))
	}
	e := store.events[1]
	if e.EventType != database.EventDebounced || e.ActionTaken != database.ActionSuppressed {
		t.Errorf("audit = %s/%s", e.EventType, e.ActionTaken)
	}
	if e.SessionID != "" {
		t.Errorf("suppressed audit must not reference a session, got %q", e.SessionID)
	}

	// Suppression happens before any session or sensor mutation.
	var session *database.Session
	for _, s := range store.sessions {
		session = s
	}
	if session.MotionCount != 1 {
		t.Errorf("motionCount = %d, want 1", session.MotionCount)
	}
	if last := store.sensors["bathroom-main"].LastMotionAt; !last.Equal(testBase) {
		t.Errorf("lastMotionAt = %v, want unchanged %v", last, testBase)
	}
}

func TestMotionOutsideDebounceExtendsSession(t *testing.T) {
	p, store, player, _ := testFixture(t)
	player.state = &spotify.PlaybackState{IsPlaying: true, DeviceID: "D1"}

	deliverMotion(p, "bathroom-main", testBase.Unix())
	second := testBase.Add(150 * time.Second)
	deliverMotion(p, "bathroom-main", second.Unix())

	var session *database.Session
	for _, s := range store.sessions {
		session = s
	}
	if len(store.sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(store.sessions))
	}
	if session.MotionCount != 2 {
		t.Errorf("motionCount = %d, want 2", session.MotionCount)
	}
	if !session.LastMotionAt.Equal(second) {
		t.Errorf("lastMotionAt = %v, want %v", session.LastMotionAt, second)
	}

	// Already playing on the target: no start command at all.
	if len(player.starts) != 0 {
		t.Errorf("start calls = %d, want 0 when already playing", len(player.starts))
	}

	e := store.events[1]
	if e.EventType != database.EventDetected || e.ActionTaken != database.ActionSessionExtended {
		t.Errorf("audit = %s/%s", e.EventType, e.ActionTaken)
	}
}

func TestDisabledSensorSuppresses(t *testing.T) {
	p, store, player, _ := testFixture(t)
	store.sensors["bathroom-main"].Enabled = false

	deliverMotion(p, "bathroom-main", testBase.Unix())

	if len(store.sessions) != 0 {
		t.Error("disabled sensor must not open a session")
	}
	if len(player.starts) != 0 {
		t.Error("disabled sensor must not start playback")
	}
	if len(store.events) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(store.events))
	}
	if store.events[0].EventType != database.EventDisabled {
		t.Errorf("eventType = %s", store.events[0].EventType)
	}
}

func TestQuietHoursSuppressAcrossMidnight(t *testing.T) {
	p, store, player, _ := testFixture(t)
	store.sensors["bathroom-main"].QuietHours = &database.QuietHours{
		Enabled: true, Start: "22:00", End: "07:00", Timezone: "Europe/London",
	}

	// 03:15 local in London (GMT in March).
	at := time.Date(2026, 3, 3, 3, 15, 0, 0, time.UTC)
	deliverMotion(p, "bathroom-main", at.Unix())

	if len(store.sessions) != 0 || len(player.starts) != 0 {
		t.Error("quiet hours must suppress session and playback")
	}
	if len(store.events) != 1 || store.events[0].EventType != database.EventQuietHours {
		t.Fatalf("audit = %+v", store.events)
	}
}

func TestPlaybackFailureDoesNotRollBackSession(t *testing.T) {
	p, store, player, _ := testFixture(t)
	player.startErr = trace.ConnectionProblem(nil, "spotify down")

	deliverMotion(p, "bathroom-main", testBase.Unix())

	var session *database.Session
	for _, s := range store.sessions {
		session = s
	}
	if session == nil {
		t.Fatal("session must survive a playback failure")
	}
	if session.PlaybackStarted {
		t.Error("playbackStarted must stay false when the command failed")
	}
	if len(store.events) != 1 || store.events[0].EventType != database.EventDetected {
		t.Fatalf("audit = %+v", store.events)
	}
}

func TestMotionDrops(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"malformed payload", "sensors/bathroom-main/motion", `{not json`},
		{"unknown event tag", "sensors/bathroom-main/motion", `{"event":"door_opened"}`},
		{"payload sensor mismatch", "sensors/bathroom-main/motion",
			`{"event":"motion_detected","sensorId":"kitchen-01","timestamp":1757000000}`},
		{"unknown sensor", "sensors/hallway-9/motion",
			`{"event":"motion_detected","sensorId":"hallway-9","timestamp":1757000000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, player, _ := testFixture(t)
			p.HandleMessage(tt.topic, []byte(tt.payload))

			if len(store.sessions) != 0 || len(store.events) != 0 || len(player.starts) != 0 {
				t.Errorf("dropped message must have no side effects: sessions=%d events=%d starts=%d",
					len(store.sessions), len(store.events), len(player.starts))
			}
		})
	}
}

func TestMalformedTimestampUsesServerTime(t *testing.T) {
	p, store, _, clock := testFixture(t)

	p.HandleMessage("sensors/bathroom-main/motion",
		[]byte(`{"event":"motion_detected","sensorId":"bathroom-main","timestamp":"whenever"}`))

	if len(store.events) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(store.events))
	}
	if !store.events[0].OccurredAt.Equal(clock.Now()) {
		t.Errorf("occurredAt = %v, want server time %v", store.events[0].OccurredAt, clock.Now())
	}
}

func TestTokenFailureSkipsPlaybackOnly(t *testing.T) {
	p, store, player, _ := testFixture(t)
	p.tokens = &fakeTokens{err: trace.AccessDenied("refresh token revoked")}

	deliverMotion(p, "bathroom-main", testBase.Unix())

	if len(store.sessions) != 1 {
		t.Error("session must open even when the token is unavailable")
	}
	if len(player.starts) != 0 {
		t.Error("no playback without a token")
	}
	if len(store.events) != 1 || store.events[0].EventType != database.EventDetected {
		t.Fatalf("audit = %+v", store.events)
	}
}
