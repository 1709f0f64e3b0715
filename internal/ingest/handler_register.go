package ingest

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
)

// handleRegister records a device announce on sensors/{id}/register. The
// announce is surfaced for operators but never creates a sensor; provisioning
// is the only path that does.
func (p *Pipeline) handleRegister(ctx context.Context, sensorID string, payload []byte) error {
	var msg RegisterMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.drop("malformed_payload", "sensors/"+sensorID+"/register", err)
		return nil
	}
	if msg.SensorID != "" && msg.SensorID != sensorID {
		p.drop("sensor_mismatch", "sensors/"+sensorID+"/register", nil)
		return nil
	}

	at := eventTime(msg.Timestamp, p.clock.Now())
	p.log.Info().
		Str("sensor_id", sensorID).
		Str("firmware", msg.Firmware).
		Msg("device register announce")

	return trace.Wrap(p.store.RecordRegistration(ctx, sensorID, msg.Firmware, at))
}
