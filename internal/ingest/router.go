package ingest

import "strings"

// Route describes a parsed MQTT topic.
type Route struct {
	Handler  string // "motion", "register", "status"
	SensorID string // path segment; authoritative over any payload field
}

// ParseTopic maps a device topic to a Route.
//
// Device topics are exactly three segments:
//
//	sensors/{sensorId}/motion   → motion
//	sensors/{sensorId}/register → register
//	sensors/{sensorId}/status   → status
//
// Anything else returns nil. The sensorId comes from the path; handlers treat
// a differing payload sensorId as a validation failure, never as an override.
func ParseTopic(topic string) *Route {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[1] == "" {
		return nil
	}

	switch parts[2] {
	case "motion", "register", "status":
		return &Route{Handler: parts[2], SensorID: parts[1]}
	}
	return nil
}
