// Package schedule evaluates cron expressions. It does no I/O and reads no clock.
package schedule

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"subflow/internal/domain"
)

// Standard five-field expressions plus descriptors such as "@hourly" and "@every 30s".
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var errNoOccurrence = errors.New("expression has no future occurrence")

// Evaluate returns the earliest time strictly after from that satisfies expr,
// in from's location.
func Evaluate(expr string, from time.Time) (time.Time, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, &domain.ScheduleError{Expr: expr, Err: err}
	}
	next := s.Next(from)
	// robfig returns the zero time when no match exists within five years (e.g. "0 0 30 2 *").
	if next.IsZero() || !next.After(from) {
		return time.Time{}, &domain.ScheduleError{Expr: expr, Err: errNoOccurrence}
	}
	return next, nil
}

func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return &domain.ScheduleError{Expr: expr, Err: err}
	}
	return nil
}
