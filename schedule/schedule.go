// Package schedule computes weekly fire times and runs a job on them.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Weekly fires once a week at a wall-clock time in Location.
// Fire times follow the wall clock across DST changes.
type Weekly struct {
	Location *time.Location
	Weekday  time.Weekday
	Hour     int
	Minute   int
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday,
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
}

// Parse reads a schedule such as "MON 09:00" in the named time zone.
// Full weekday names are accepted too.
func Parse(spec, zone string) (Weekly, error) {
	fields := strings.Fields(spec)
	if len(fields) != 2 {
		return Weekly{}, fmt.Errorf("invalid schedule %q: want \"DAY HH:MM\"", spec)
	}

	day := strings.ToUpper(fields[0])
	if len(day) > 3 {
		day = day[:3]
	}
	wd, ok := weekdays[day]
	if !ok {
		return Weekly{}, fmt.Errorf("invalid schedule %q: unknown weekday %q", spec, fields[0])
	}

	clock, err := time.Parse("15:04", fields[1])
	if err != nil {
		return Weekly{}, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	loc := time.UTC
	if zone != "" {
		if loc, err = time.LoadLocation(zone); err != nil {
			return Weekly{}, fmt.Errorf("load time zone %q: %w", zone, err)
		}
	}

	return Weekly{Location: loc, Weekday: wd, Hour: clock.Hour(), Minute: clock.Minute()}, nil
}

// Next returns the first fire time strictly after t.
func (w Weekly) Next(t time.Time) time.Time {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	days := (int(w.Weekday) - int(local.Weekday()) + 7) % 7

	next := time.Date(local.Year(), local.Month(), local.Day()+days, w.Hour, w.Minute, 0, 0, loc)
	if !next.After(t) {
		next = time.Date(local.Year(), local.Month(), local.Day()+days+7, w.Hour, w.Minute, 0, 0, loc)
	}
	return next
}

func (w Weekly) String() string {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s %02d:%02d %s", w.Weekday, w.Hour, w.Minute, loc)
}

// EventID derives a stable event id for the tick firing at t.
func EventID(t time.Time) string {
	return "weekly-digest-" + t.UTC().Format("20060102T150405Z")
}

// Runner calls a job at every fire time of a weekly schedule.
type Runner struct {
	schedule Weekly
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a runner for the schedule.
func NewRunner(w Weekly, logger *slog.Logger) *Runner {
	return &Runner{schedule: w, logger: logger, now: time.Now}
}

// Run blocks until ctx is done, calling fn with each fire time.
// A fire time is never delivered twice, even if fn returns before the clock passes it.
func (r *Runner) Run(ctx context.Context, fn func(context.Context, time.Time)) error {
	var last time.Time
	for {
		from := r.now()
		if !last.IsZero() && !from.After(last) {
			from = last
		}
		next := r.schedule.Next(from)
		wait := next.Sub(r.now())

		r.logger.Info("Next scheduled run",
			"schedule", r.schedule.String(),
			"at", next.Format(time.RFC3339),
			"in", wait.Round(time.Second).String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		last = next
		r.logger.Info("Scheduled run starting", "fire_time", next.Format(time.RFC3339))
		fn(ctx, next)
	}
}
