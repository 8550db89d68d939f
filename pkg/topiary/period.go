package topiary

import "time"

// Period is one accounting window. Boundaries are calendar months in UTC;
// the engine only cares that exactly one period is active per user at any
// instant and that PeriodStart is stable within it.
type Period struct {
	Start time.Time
	End   time.Time
}

// Key returns a stable string key for this period, suitable for storage keys.
func (p Period) Key() string {
	return p.Start.UTC().Format("2006-01-02")
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(p.Start) && u.Before(p.End)
}

// currentPeriod returns the calendar-month period containing now.
func currentPeriod(now time.Time) Period {
	start := startOfMonthUTC(now)
	return Period{Start: start, End: addMonthsSafe(start, 1)}
}

// startOfMonthUTC returns the first instant of t's month in UTC.
func startOfMonthUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// addMonthsSafe adds months to a time, handling month-end edge cases.
// Standard Go pattern: build the target month with day=1 to avoid overflow,
// then clip the day to that month's last day.
func addMonthsSafe(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	target := time.Date(year, month+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())

	// day=0 of month+1 is the last day of month.
	lastDay := time.Date(target.Year(), target.Month()+1, 0, 0, 0, 0, 0, target.Location()).Day()

	if day > lastDay {
		day = lastDay
	}
	return time.Date(target.Year(), target.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
