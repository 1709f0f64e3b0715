package ingest

import "testing"

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic   string
		handler string
		sensor  string
	}{
		{"sensors/bathroom-main/motion", "motion", "bathroom-main"},
		{"sensors/bedroom-01/register", "register", "bedroom-01"},
		{"sensors/kitchen_2/status", "status", "kitchen_2"},

		// Rejected shapes.
		{"sensors/bathroom-main/config", "", ""},
		{"sensors/bathroom-main/commands", "", ""},
		{"sensors//motion", "", ""},
		{"sensors/motion", "", ""},
		{"devices/bathroom-main/motion", "", ""},
		{"sensors/a/b/motion", "", ""},
		{"", "", ""},
	}

	for _, tt := range tests {
		route := ParseTopic(tt.topic)
		if tt.handler == "" {
			if route != nil {
				t.Errorf("ParseTopic(%q) = %+v, want nil", tt.topic, route)
			}
			continue
		}
		if route == nil {
			t.Errorf("ParseTopic(%q) = nil, want %s", tt.topic, tt.handler)
			continue
		}
		if route.Handler != tt.handler || route.SensorID != tt.sensor {
			t.Errorf("ParseTopic(%q) = {%s %s}, want {%s %s}",
				tt.topic, route.Handler, route.SensorID, tt.handler, tt.sensor)
		}
	}
}
