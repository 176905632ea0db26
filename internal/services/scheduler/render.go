package scheduler

import (
	"strconv"
	"strings"
	"time"
)

var koreanWeekdays = [...]string{"일요일", "월요일", "화요일", "수요일", "목요일", "금요일", "토요일"}

// renderSystemVariables substitutes the eight system-variable placeholders
// named in §4.5 step 5 against the instant a job is emitted, local to the
// schedule's configured time zone (UTC, since this backbone carries no
// per-tenant time zone field — see the Open Question this resolves in
// DESIGN.md).
func renderSystemVariables(text string, at time.Time) string {
	y, m, d := at.Date()
	replacer := strings.NewReplacer(
		"{{오늘날짜}}", at.Format("2006-01-02"),
		"{{년도}}", strconv.Itoa(y),
		"{{월}}", strconv.Itoa(int(m)),
		"{{일}}", strconv.Itoa(d),
		"{{시간}}", at.Format("15:04"),
		"{{시}}", strconv.Itoa(at.Hour()),
		"{{분}}", strconv.Itoa(at.Minute()),
		"{{요일}}", koreanWeekdays[int(at.Weekday())],
	)
	return replacer.Replace(text)
}
