// Package schedule decides when the automated triggers fire: the weekly
// Friday entry after the open, and the VIX close snapshots on the days
// following monthly options settlement (the third Wednesday).
package schedule

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// ThirdWednesday returns the third Wednesday of the given month.
func ThirdWednesday(year int, month time.Month, loc *time.Location) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	for d.Weekday() != time.Wednesday {
		d = d.AddDate(0, 0, 1)
	}
	return d.AddDate(0, 0, 14)
}

// VIXSnapshotDates returns the three trading days after the month's third
// Wednesday, skipping weekends. VIX settlement prints on the Wednesday; the
// closes worth recording are the sessions right after it.
func VIXSnapshotDates(year int, month time.Month, loc *time.Location) []time.Time {
	d := ThirdWednesday(year, month, loc)
	out := make([]time.Time, 0, 3)
	for len(out) < 3 {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		out = append(out, d)
	}
	return out
}

// IsVIXSnapshotDay reports whether day is one of the month's snapshot dates.
func IsVIXSnapshotDay(day time.Time) bool {
	for _, d := range VIXSnapshotDates(day.Year(), day.Month(), day.Location()) {
		if sameDay(d, day) {
			return true
		}
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// NextWeekly returns the next occurrence of weekday at "HH:MM" in loc,
// strictly after now.
func NextWeekly(now time.Time, weekday time.Weekday, clock string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("15:04", clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid clock %q: %w", clock, err)
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	for next.Weekday() != weekday || !next.After(local) {
		next = next.AddDate(0, 0, 1)
		next = time.Date(next.Year(), next.Month(), next.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	}
	return next, nil
}

// Trigger is a scheduled callback.
type Trigger struct {
	Name string
	// Next computes the trigger's next fire time strictly after now.
	Next func(now time.Time) (time.Time, error)
	// Fire runs when the trigger's time arrives.
	Fire func(ctx context.Context)
}

// Scheduler sleeps until the earliest trigger and fires it.
type Scheduler struct {
	logger   *log.Logger
	triggers []Trigger
	now      func() time.Time
}

// New creates a Scheduler. logger may be nil.
func New(logger *log.Logger, triggers ...Trigger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "schedule: ", log.LstdFlags)
	}
	return &Scheduler{logger: logger, triggers: triggers, now: time.Now}
}

// nextFire returns the earliest upcoming trigger.
func (s *Scheduler) nextFire(now time.Time) (*Trigger, time.Time, error) {
	var best *Trigger
	var bestAt time.Time
	for i := range s.triggers {
		at, err := s.triggers[i].Next(now)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("trigger %s: %w", s.triggers[i].Name, err)
		}
		if best == nil || at.Before(bestAt) {
			best = &s.triggers[i]
			bestAt = at
		}
	}
	if best == nil {
		return nil, time.Time{}, fmt.Errorf("no triggers configured")
	}
	return best, bestAt, nil
}

// Run fires triggers until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now := s.now()
		trigger, at, err := s.nextFire(now)
		if err != nil {
			return err
		}
		s.logger.Printf("Next trigger: %s at %s", trigger.Name, at.Format(time.RFC3339))

		timer := time.NewTimer(at.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.logger.Printf("Firing trigger %s", trigger.Name)
		trigger.Fire(ctx)
	}
}
