package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/rs/zerolog"

	"github.com/snarg/motion-engine/internal/database"
	"github.com/snarg/motion-engine/internal/metrics"
)

// handleMotion is the orchestrator for sensors/{id}/motion. Every delivery for
// a known sensor produces exactly one audit row, whatever the outcome. The
// admission decisions read persisted state, never process memory, so retried
// and reordered deliveries converge.
func (p *Pipeline) handleMotion(ctx context.Context, sensorID string, payload []byte) error {
	var msg MotionMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.drop("malformed_payload", "sensors/"+sensorID+"/motion", err)
		return nil
	}
	if msg.Event != "motion_detected" {
		p.drop("unknown_event", "sensors/"+sensorID+"/motion", nil)
		return nil
	}
	// The topic segment is authoritative. A payload that names a different
	// sensor is lying or misconfigured; either way it does not get through.
	if msg.SensorID != "" && msg.SensorID != sensorID {
		p.drop("sensor_mismatch", "sensors/"+sensorID+"/motion", nil)
		return nil
	}

	occurredAt := eventTime(msg.Timestamp, p.clock.Now())
	log := p.log.With().Str("sensor_id", sensorID).Time("occurred_at", occurredAt).Logger()

	sensor, err := p.store.GetSensor(ctx, sensorID)
	if trace.IsNotFound(err) {
		p.drop("unknown_sensor", "sensors/"+sensorID+"/motion", nil)
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}
	user, err := p.store.GetUser(ctx, sensor.UserID)
	if trace.IsNotFound(err) {
		p.drop("unknown_user", "sensors/"+sensorID+"/motion", nil)
		return nil
	}
	if err != nil {
		return trace.Wrap(err)
	}

	// Admission checks, in order, each with its own audit tag.
	if !sensor.Enabled {
		metrics.MotionSuppressedTotal.WithLabelValues("disabled").Inc()
		log.Debug().Msg("motion suppressed: sensor disabled")
		return p.audit(ctx, sensor, "", occurredAt, database.EventDisabled, database.ActionSuppressed, msg.Metadata)
	}

	quiet, err := inQuietHours(sensor.QuietHours, occurredAt)
	if err != nil {
		// Broken quiet-hours config must not mute the sensor forever.
		log.Warn().Err(err).Msg("invalid quiet hours config, admitting motion")
	}
	if quiet {
		metrics.MotionSuppressedTotal.WithLabelValues("quiet_hours").Inc()
		log.Debug().Msg("motion suppressed: quiet hours")
		return p.audit(ctx, sensor, "", occurredAt, database.EventQuietHours, database.ActionSuppressed, msg.Metadata)
	}

	if withinDebounce(sensor.LastMotionAt, occurredAt, sensor.MotionDebounceSeconds) {
		metrics.MotionSuppressedTotal.WithLabelValues("debounce").Inc()
		log.Debug().Msg("motion suppressed: debounce")
		return p.audit(ctx, sensor, "", occurredAt, database.EventDebounced, database.ActionSuppressed, msg.Metadata)
	}

	metrics.MotionAdmittedTotal.Inc()

	// Resolve-or-open: the active session is a row, not process memory.
	session, err := p.store.ExtendSession(ctx, sensorID, occurredAt)
	if err != nil {
		return trace.Wrap(err)
	}
	action := database.ActionSessionExtended
	if session == nil {
		newID := newSessionID(sensorID, occurredAt)
		session, err = p.store.OpenSession(ctx, &database.Session{
			SessionID:    newID,
			SensorID:     sensorID,
			UserID:       sensor.UserID,
			StartAt:      occurredAt,
			LastMotionAt: occurredAt,
			MotionCount:  1,
			ExpiresAt:    occurredAt.Add(p.retention),
		})
		if err != nil {
			return trace.Wrap(err)
		}
		if session.SessionID == newID {
			action = database.ActionSessionOpened
			metrics.SessionsOpenedTotal.Inc()
			log.Info().Str("session_id", session.SessionID).Msg("session opened")
		}
	}
	if action == database.ActionSessionExtended {
		metrics.SessionsExtendedTotal.Inc()
		log.Debug().Str("session_id", session.SessionID).
			Int("motion_count", session.MotionCount).Msg("session extended")
	}

	// Playback failures never roll back the session or the audit row:
	// "we saw motion but couldn't play" beats "we saw nothing".
	p.ensurePlayback(ctx, log, sensor, user, session)

	if err := p.store.UpdateSensorLastMotion(ctx, sensorID, occurredAt); err != nil {
		log.Warn().Err(err).Msg("failed to update sensor last motion")
	}
	return p.audit(ctx, sensor, session.SessionID, occurredAt, database.EventDetected, action, msg.Metadata)
}

// ensurePlayback queries current playback and starts the sensor's configured
// context if the target device is idle. Already playing on the target is a
// no-op.
func (p *Pipeline) ensurePlayback(ctx context.Context, log zerolog.Logger, sensor *database.Sensor, user *database.User, session *database.Session) {
	if sensor.PlaybackTargetID == "" {
		log.Debug().Msg("no playback target configured")
		return
	}
	if !user.MusicConnected {
		metrics.PlaybackCommandsTotal.WithLabelValues("start", "not_connected").Inc()
		log.Debug().Msg("user has no music connection")
		return
	}

	token, err := p.tokens.AccessToken(ctx, user.UserID, user.TokenRef)
	if err != nil {
		metrics.PlaybackCommandsTotal.WithLabelValues("start", "token_error").Inc()
		log.Warn().Err(err).Msg("could not obtain access token")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	state, err := p.player.GetPlaybackState(callCtx, token)
	if err != nil {
		metrics.PlaybackCommandsTotal.WithLabelValues("state", "error").Inc()
		log.Warn().Err(err).Msg("playback state check failed")
		return
	}
	if state.PlayingOn(sensor.PlaybackTargetID) {
		if !session.PlaybackStarted {
			if err := p.store.MarkPlaybackStarted(ctx, session.SessionID); err != nil {
				log.Warn().Err(err).Msg("failed to mark playback started")
			}
		}
		log.Debug().Msg("already playing on target device")
		return
	}

	if err := p.player.StartPlayback(callCtx, token, sensor.PlaybackTargetID, sensor.PlaybackContextRef); err != nil {
		metrics.PlaybackCommandsTotal.WithLabelValues("start", "error").Inc()
		log.Warn().Err(err).
			Str("device_id", sensor.PlaybackTargetID).
			Msg("start playback failed")
		return
	}
	metrics.PlaybackCommandsTotal.WithLabelValues("start", "ok").Inc()
	log.Info().
		Str("device_id", sensor.PlaybackTargetID).
		Str("context", sensor.PlaybackContextRef).
		Msg("playback started")

	if err := p.store.MarkPlaybackStarted(ctx, session.SessionID); err != nil {
		log.Warn().Err(err).Msg("failed to mark playback started")
	}
}

// audit appends the single MotionEvent row for this delivery.
func (p *Pipeline) audit(ctx context.Context, sensor *database.Sensor, sessionID string, occurredAt time.Time, eventType, action string, metadata json.RawMessage) error {
	return trace.Wrap(p.store.InsertMotionEvent(ctx, &database.MotionEvent{
		EventID:     uuid.NewString(),
		SensorID:    sensor.SensorID,
		UserID:      sensor.UserID,
		SessionID:   sessionID,
		OccurredAt:  occurredAt,
		EventType:   eventType,
		ActionTaken: action,
		Metadata:    metadata,
		ExpiresAt:   occurredAt.Add(p.retention),
	}))
}

// newSessionID builds a session id from the sensor and start time plus a
// random suffix, so ids sort usefully in ad-hoc queries.
func newSessionID(sensorID string, startAt time.Time) string {
	return fmt.Sprintf("%s-%d-%s", sensorID, startAt.Unix(), uuid.NewString()[:8])
}
