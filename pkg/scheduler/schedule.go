package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	delayPattern    = regexp.MustCompile(`^(\d+)([mhd])$`)
	everyPattern    = regexp.MustCompile(`^every (\d+)([mhd])$`)
	dailyPattern    = regexp.MustCompile(`^daily (\d{2}):(\d{2})$`)
	datetimePattern = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2}) (\d{2}):(\d{2})$`)
)

// NextRun returns the first run of schedule after from. Supported forms:
//
//	5m, 2h, 1d             one-shot delay
//	every 10m              recurring interval
//	daily 09:00            recurring, local time
//	2026-01-20 15:30       one-shot, local time
//	*/15 9-17 * * 1-5      recurring, standard cron
func NextRun(schedule string, from time.Time) (time.Time, error) {
	schedule = strings.TrimSpace(schedule)

	if m := delayPattern.FindStringSubmatch(schedule); m != nil {
		d, err := unitDuration(m[1], m[2])
		if err != nil {
			return time.Time{}, err
		}
		return from.Add(d), nil
	}

	if m := everyPattern.FindStringSubmatch(schedule); m != nil {
		d, err := unitDuration(m[1], m[2])
		if err != nil {
			return time.Time{}, err
		}
		return from.Add(d), nil
	}

	if m := dailyPattern.FindStringSubmatch(schedule); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time of day %s:%s", m[1], m[2])
		}
		local := from.In(time.Local)
		target := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, time.Local)
		if !target.After(from) {
			target = target.AddDate(0, 0, 1)
		}
		return target, nil
	}

	if datetimePattern.MatchString(schedule) {
		t, err := time.ParseInLocation("2006-01-02 15:04", schedule, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid date: %w", err)
		}
		return t, nil
	}

	if len(strings.Fields(schedule)) == 5 {
		sched, err := cron.ParseStandard(schedule)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
		}
		return sched.Next(from), nil
	}

	return time.Time{}, fmt.Errorf("unsupported schedule %q", schedule)
}

// IsRecurring reports whether a schedule repeats after it runs.
func IsRecurring(schedule string) bool {
	schedule = strings.TrimSpace(schedule)
	if strings.HasPrefix(schedule, "every ") || strings.HasPrefix(schedule, "daily ") {
		return true
	}
	return !datetimePattern.MatchString(schedule) && len(strings.Fields(schedule)) == 5
}

// Validate checks that a schedule parses.
func Validate(schedule string) error {
	_, err := NextRun(schedule, time.Now())
	return err
}

func unitDuration(amount, unit string) (time.Duration, error) {
	n, err := strconv.Atoi(amount)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	switch unit {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}
