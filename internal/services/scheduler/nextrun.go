package scheduler

import (
	"fmt"
	"time"
)

// nextPostAt implements the §4.5.1 recurrence exactly. runTime is today's
// wall-clock run time already resolved to an instant T; n is the
// just-emitted post's sequence number (todayPostedCount after the reserve);
// total is dailyPostCount; interval is postIntervalMinutes.
func nextPostAt(runTime time.Time, n, total int, interval time.Duration, now time.Time) time.Time {
	if n >= total {
		return runTime.Add(24 * time.Hour)
	}
	if now.Before(runTime) {
		return runTime.Add(time.Duration(n) * interval)
	}
	return now.Add(interval)
}

// todayRunTime resolves a schedule's local "HH:MM" runTime field to an
// instant on the same calendar day as now, in UTC. Malformed values fall
// back to midnight so a scheduler tick never panics on bad input it can't
// itself have produced (runTime is validated at schedule-creation time,
// out of this package's scope).
func todayRunTime(now time.Time, runTime string) time.Time {
	var hour, minute int
	if _, err := fmt.Sscanf(runTime, "%d:%d", &hour, &minute); err != nil {
		hour, minute = 0, 0
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, now.Location())
}
