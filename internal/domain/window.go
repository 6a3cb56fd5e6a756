package domain

import (
	"fmt"
	"time"
)

// Window is the daily time-of-day range within which a campaign may send.
// StartTime and EndTime use the "HH:MM" wire format stored with the campaign.
// Days is carried for campaign configuration but does not affect single-day
// scheduling.
type Window struct {
	StartTime string
	EndTime   string
	Days      []time.Weekday
}

// Bounds resolves the window to absolute timestamps on the given day.
func (w Window) Bounds(day time.Time) (start, end time.Time, err error) {
	start, err = atClock(day, w.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_time: %w", err)
	}
	end, err = atClock(day, w.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_time: %w", err)
	}
	return start, end, nil
}

func atClock(day time.Time, clock string) (time.Time, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid clock value %q", clock)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}
