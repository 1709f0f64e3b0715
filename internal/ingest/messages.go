package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// MotionMsg is the payload on sensors/{id}/motion.
type MotionMsg struct {
	Event     string          `json:"event"`
	SensorID  string          `json:"sensorId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// StatusMsg is the payload on sensors/{id}/status. Informational only.
type StatusMsg struct {
	Status    string          `json:"status"`
	Timestamp json.RawMessage `json:"timestamp"`
	IPAddress string          `json:"ipAddress"`
	Battery   *int            `json:"batteryLevel"`
	Firmware  string          `json:"firmwareVersion"`
	Uptime    int64           `json:"uptime"`
}

// RegisterMsg is the device-side announce on sensors/{id}/register. It never
// creates sensors; provisioning is authoritative.
type RegisterMsg struct {
	Event     string          `json:"event"`
	SensorID  string          `json:"sensorId"`
	Timestamp json.RawMessage `json:"timestamp"`
	Firmware  string          `json:"firmwareVersion"`
}

// eventTime decodes a device timestamp, which may be epoch seconds or an
// ISO-8601 string. Devices with a drifted or unset RTC send garbage, so a
// malformed timestamp falls back to the server-side time rather than dropping
// the event.
func eventTime(raw json.RawMessage, fallback time.Time) time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return fallback
	}

	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Unix(secs, 0).UTC()
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return fallback
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, str); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
