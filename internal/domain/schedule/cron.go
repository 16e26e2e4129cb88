package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron validates a five-field cron expression (descriptors like
// @hourly allowed).
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, ErrInvalidCron
	}
	return sched, nil
}

// NextFire computes the first firing of expr strictly after the given
// instant, evaluated in the definition's timezone. Passing now here (rather
// than the last fire time) is what suppresses catch-up storms after an
// outage: missed firings are skipped, only the next future one is scheduled.
func NextFire(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}

	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, ErrUnknownTimezone
		}
	}

	return sched.Next(after.In(loc)).UTC(), nil
}
