package ingest

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
)

var knownStatuses = map[string]bool{
	"online":      true,
	"offline":     true,
	"low_battery": true,
	"error":       true,
}

// handleStatus records a device status report on sensors/{id}/status.
// Informational only; status never gates admission.
func (p *Pipeline) handleStatus(ctx context.Context, sensorID string, payload []byte) error {
	var msg StatusMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.drop("malformed_payload", "sensors/"+sensorID+"/status", err)
		return nil
	}
	if !knownStatuses[msg.Status] {
		p.drop("unknown_status", "sensors/"+sensorID+"/status", nil)
		return nil
	}

	at := eventTime(msg.Timestamp, p.clock.Now())
	if msg.Status == "low_battery" || msg.Status == "error" {
		p.log.Warn().
			Str("sensor_id", sensorID).
			Str("status", msg.Status).
			Msg("sensor reported degraded status")
	}

	err := p.store.RecordStatusReport(ctx, sensorID, msg.Status, msg.Firmware, msg.IPAddress, msg.Battery, msg.Uptime, at)
	return trace.Wrap(err)
}
