// Package pipeline runs the node's scheduled background jobs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// Archiver periodically moves settled transactions older than the retention
// window to cold storage.
type Archiver struct {
	blobArchiver domain.Archiver
	retention    time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

func NewArchiver(blobArchiver domain.Archiver, retention time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver: blobArchiver,
		retention:    retention,
		logger:       logger.With(slog.String("component", "archiver_job")),
		now:          time.Now,
	}
}

// Run archives everything settled before now minus the retention window.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().UTC().Add(-a.retention)
	a.logger.InfoContext(ctx, "archiver_job: run started",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", a.retention),
	)

	n, err := a.blobArchiver.ArchiveTransactions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver_job: transactions before %v: %w", cutoff, err)
	}
	a.logger.InfoContext(ctx, "archiver_job: run complete", slog.Int64("transactions", n))
	return nil
}

// RunCron runs the archiver on a five-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx ends. A failed
// run is logged and the schedule continues.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	sched, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("archiver_job: cron %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver_job: cron started", slog.String("cron", cronExpr))

	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("archiver_job: cron %q: %w", cronExpr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "archiver_job: run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// cronField matches one time component. A nil values slice matches all.
type cronField struct {
	values []int
}

func (f cronField) matches(v int) bool {
	return f.values == nil || slices.Contains(f.values, v)
}

// parseCronField accepts "*", "*/n", "a", "a-b" and comma lists of those.
func parseCronField(field string, lo, hi int) (cronField, error) {
	if field == "*" {
		return cronField{}, nil
	}
	var values []int
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "*/"):
			step, err := strconv.Atoi(part[2:])
			if err != nil || step <= 0 {
				return cronField{}, fmt.Errorf("bad step %q", part)
			}
			for v := lo; v <= hi; v += step {
				values = append(values, v)
			}
		case strings.Contains(part, "-"):
			from, to, _ := strings.Cut(part, "-")
			a, errA := strconv.Atoi(from)
			b, errB := strconv.Atoi(to)
			if errA != nil || errB != nil || a > b || a < lo || b > hi {
				return cronField{}, fmt.Errorf("bad range %q", part)
			}
			for v := a; v <= b; v++ {
				values = append(values, v)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil || v < lo || v > hi {
				return cronField{}, fmt.Errorf("bad value %q", part)
			}
			values = append(values, v)
		}
	}
	return cronField{values: values}, nil
}

type schedule struct {
	minute, hour, dayOfMonth, month, dayOfWeek cronField
}

func parseCron(expr string) (schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return schedule{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		parsed[i] = cf
	}
	return schedule{parsed[0], parsed[1], parsed[2], parsed[3], parsed[4]}, nil
}

func (s schedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.dayOfMonth.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.dayOfWeek.matches(int(t.Weekday()))
}

// next is the first matching minute strictly after after, searched up to a
// year ahead.
func (s schedule) next(after time.Time) (time.Time, error) {
	candidate := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if s.matches(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no match within a year")
}
