package service

import (
	"time"
)

// ShiftWindow is a recurring daily time window. Start and End are offsets
// from midnight; a window that crosses midnight ends on the following day.
type ShiftWindow struct {
	Code            string
	Name            string
	Start           time.Duration
	End             time.Duration
	CrossesMidnight bool
}

// DefaultShiftWindows returns the three operational shifts in their declared
// precedence order. D/E and E/N overlap at the changeover; the declared order
// decides which shift owns the overlap, so the order is part of the contract.
func DefaultShiftWindows() []ShiftWindow {
	return []ShiftWindow{
		{Code: "D", Name: "Day/Morning", Start: 6*time.Hour + 30*time.Minute, End: 15*time.Hour + 30*time.Minute},
		{Code: "E", Name: "Evening", Start: 14*time.Hour + 45*time.Minute, End: 23*time.Hour + 45*time.Minute},
		{Code: "N", Name: "Night", Start: 21*time.Hour + 45*time.Minute, End: 6*time.Hour + 45*time.Minute, CrossesMidnight: true},
	}
}

type ShiftResolver struct {
	Windows []ShiftWindow
}

func NewShiftResolver() *ShiftResolver {
	return &ShiftResolver{Windows: DefaultShiftWindows()}
}

// Resolve maps a calendar date and a time-of-day offset to a shift code.
// Windows are tested in declared order and the first containing window wins.
// Times before 06:30 are additionally tested against the previous day's
// night window (21:45 prev-day through 06:45). Returns ("", false) when no
// window covers the instant.
func (r *ShiftResolver) Resolve(date time.Time, timeOfDay time.Duration) (string, bool) {
	midnight := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	instant := midnight.Add(timeOfDay)

	for _, w := range r.Windows {
		start := midnight.Add(w.Start)
		end := midnight.Add(w.End)
		if w.CrossesMidnight {
			end = end.Add(24 * time.Hour)
		}
		if !instant.Before(start) && !instant.After(end) {
			return w.Code, true
		}
	}

	if timeOfDay < 6*time.Hour+30*time.Minute {
		for _, w := range r.Windows {
			if !w.CrossesMidnight {
				continue
			}
			start := midnight.Add(w.Start - 24*time.Hour)
			end := midnight.Add(w.End)
			if !instant.Before(start) && !instant.After(end) {
				return w.Code, true
			}
		}
	}

	return "", false
}

// WindowByCode looks up a window's definition, e.g. for display names.
func (r *ShiftResolver) WindowByCode(code string) (ShiftWindow, bool) {
	for _, w := range r.Windows {
		if w.Code == code {
			return w, true
		}
	}
	return ShiftWindow{}, false
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

// ParseTimeOfDay parses HH:MM:SS into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}
