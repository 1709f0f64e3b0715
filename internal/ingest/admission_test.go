package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/snarg/motion-engine/internal/database"
)

// ── Quiet hours ──────────────────────────────────────────────────────

func TestInQuietHours(t *testing.T) {
	qh := func(start, end, tz string, days ...int) *database.QuietHours {
		return &database.QuietHours{Enabled: true, Start: start, End: end, Timezone: tz, Days: days}
	}
	// 2026-03-03 is a Tuesday.
	at := func(hour, min int) time.Time {
		return time.Date(2026, 3, 3, hour, min, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		qh   *database.QuietHours
		at   time.Time
		want bool
	}{
		{"nil config", nil, at(3, 0), false},
		{"disabled window", &database.QuietHours{Enabled: false, Start: "00:00", End: "23:59"}, at(3, 0), false},

		{"same-day window, inside", qh("13:00", "15:00", "UTC"), at(14, 0), true},
		{"same-day window, before", qh("13:00", "15:00", "UTC"), at(12, 59), false},
		{"same-day window, at start", qh("13:00", "15:00", "UTC"), at(13, 0), true},
		{"same-day window, at end", qh("13:00", "15:00", "UTC"), at(15, 0), false},

		{"midnight crossing, late evening", qh("22:00", "07:00", "UTC"), at(23, 30), true},
		{"midnight crossing, early morning", qh("22:00", "07:00", "UTC"), at(3, 15), true},
		{"midnight crossing, daytime", qh("22:00", "07:00", "UTC"), at(12, 0), false},
		{"midnight crossing, at end", qh("22:00", "07:00", "UTC"), at(7, 0), false},

		{"start equals end never matches", qh("09:00", "09:00", "UTC"), at(9, 0), false},

		// 03:15 UTC in winter is 03:15 in London; Europe/London applies.
		{"sensor timezone", qh("22:00", "07:00", "Europe/London"), at(3, 15), true},
		// 06:30 UTC is 08:30 in Berlin, past the end of the window.
		{"timezone pushes out of window", qh("22:00", "07:00", "Europe/Berlin"), at(6, 30), false},

		// Days use 0=Monday..6=Sunday. Tuesday is 1.
		{"day listed", qh("13:00", "15:00", "UTC", 1), at(14, 0), true},
		{"day not listed", qh("13:00", "15:00", "UTC", 0, 2), at(14, 0), false},
		// 03:15 Tuesday belongs to Monday's overnight window.
		{"overnight tail uses window start day", qh("22:00", "07:00", "UTC", 0), at(3, 15), true},
		{"overnight tail not listed", qh("22:00", "07:00", "UTC", 1), at(3, 15), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := inQuietHours(tt.qh, tt.at)
			if err != nil {
				t.Fatalf("inQuietHours: %v", err)
			}
			if got != tt.want {
				t.Errorf("inQuietHours = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInQuietHoursBadConfig(t *testing.T) {
	tests := []struct {
		name string
		qh   *database.QuietHours
	}{
		{"bad start", &database.QuietHours{Enabled: true, Start: "25:00", End: "07:00"}},
		{"bad end", &database.QuietHours{Enabled: true, Start: "22:00", End: "7pm"}},
		{"bad timezone", &database.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Mars/Olympus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := inQuietHours(tt.qh, time.Now())
			if err == nil {
				t.Error("expected error for bad config")
			}
			if in {
				t.Error("bad config must not suppress")
			}
		})
	}
}

// ── Debounce ─────────────────────────────────────────────────────────

func TestWithinDebounce(t *testing.T) {
	base := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		last     *time.Time
		at       time.Time
		debounce int
		want     bool
	}{
		{"no previous motion", nil, base, 120, false},
		{"zero debounce", &base, base.Add(time.Second), 0, false},
		{"inside window", &base, base.Add(30 * time.Second), 120, true},
		{"at boundary", &base, base.Add(120 * time.Second), 120, false},
		{"outside window", &base, base.Add(150 * time.Second), 120, false},
		{"reordered older event", &base, base.Add(-10 * time.Second), 120, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := withinDebounce(tt.last, tt.at, tt.debounce); got != tt.want {
				t.Errorf("withinDebounce = %v, want %v", got, tt.want)
			}
		})
	}
}

// ── Timestamp decoding ───────────────────────────────────────────────

func TestEventTime(t *testing.T) {
	fallback := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"epoch seconds", `1757000000`, time.Unix(1757000000, 0).UTC()},
		{"iso8601 with zone", `"2026-03-03T09:30:00Z"`, time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)},
		{"iso8601 no zone", `"2026-03-03T09:30:00"`, time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)},
		{"missing", ``, fallback},
		{"null", `null`, fallback},
		{"zero epoch", `0`, fallback},
		{"negative epoch", `-5`, fallback},
		{"garbage string", `"next tuesday"`, fallback},
		{"wrong type", `{"t":1}`, fallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eventTime(json.RawMessage(tt.raw), fallback)
			if !got.Equal(tt.want) {
				t.Errorf("eventTime(%s) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
