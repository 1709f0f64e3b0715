package ingest

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/snarg/motion-engine/internal/database"
)

// inQuietHours reports whether the motion time falls inside the sensor's quiet
// window, evaluated in the sensor's own timezone. Windows that cross midnight
// (start > end) are in effect when now >= start OR now < end; same-day windows
// when start <= now < end. start == end means the window never matches.
func inQuietHours(qh *database.QuietHours, at time.Time) (bool, error) {
	if qh == nil || !qh.Enabled {
		return false, nil
	}

	start, err := parseHHMM(qh.Start)
	if err != nil {
		return false, trace.BadParameter("quiet hours start %q: %v", qh.Start, err)
	}
	end, err := parseHHMM(qh.End)
	if err != nil {
		return false, trace.BadParameter("quiet hours end %q: %v", qh.End, err)
	}
	if start == end {
		return false, nil
	}

	loc := time.UTC
	if qh.Timezone != "" {
		loc, err = time.LoadLocation(qh.Timezone)
		if err != nil {
			return false, trace.BadParameter("quiet hours timezone %q: %v", qh.Timezone, err)
		}
	}

	local := at.In(loc)
	now := local.Hour()*60 + local.Minute()

	var inWindow bool
	windowDay := local
	if start > end {
		// Crosses midnight. The after-midnight tail belongs to the window
		// that opened the previous day.
		inWindow = now >= start || now < end
		if inWindow && now < end {
			windowDay = local.AddDate(0, 0, -1)
		}
	} else {
		inWindow = now >= start && now < end
	}
	if !inWindow {
		return false, nil
	}

	return dayMatches(qh.Days, windowDay.Weekday()), nil
}

// parseHHMM converts "HH:MM" to minutes since midnight.
func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// dayMatches checks the quiet-hours day list, which uses 0=Monday..6=Sunday.
// An empty list means every day.
func dayMatches(days []int, wd time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	day := (int(wd) + 6) % 7
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// withinDebounce reports whether occurredAt is too close to the sensor's last
// recorded motion. The stored value is authoritative so reordered and retried
// deliveries converge on the same answer.
func withinDebounce(lastMotionAt *time.Time, occurredAt time.Time, debounceSeconds int) bool {
	if lastMotionAt == nil || debounceSeconds <= 0 {
		return false
	}
	return occurredAt.Sub(*lastMotionAt) < time.Duration(debounceSeconds)*time.Second
}
