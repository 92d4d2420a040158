package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a standard 5 field cron expression or a @macro and returns
// the interval between two consecutive runs.
func ParseCron(spec string) (time.Duration, error) {
	if strings.TrimSpace(spec) == "" {
		return 0, errors.New("empty cron expression")
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, err
	}
	first := sched.Next(time.Now())
	second := sched.Next(first)
	return second.Sub(first), nil
}

var errInvalidISODuration = errors.New("invalid ISO-8601 duration")

var isoDurationRe = regexp.MustCompile(
	`^([-+])?P(?:([-+]?\d+)D)?(T)?(?:([-+]?\d+)H)?(?:([-+]?\d+)M)?(?:([-+]?\d+)(?:[.,](\d{1,9}))?S)?$`,
)

// ParseISODuration parses the day-time subset of ISO-8601 durations, for
// example PT10M, P2DT3H4M or PT1.5S. Years, months and weeks are rejected.
// Components may carry their own sign unless the whole duration is signed.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDurationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", errInvalidISODuration, s)
	}
	sign, days, tee, hours, minutes, secs, frac := m[1], m[2], m[3], m[4], m[5], m[6], m[7]

	hasTime := hours != "" || minutes != "" || secs != ""
	switch {
	case days == "" && !hasTime:
		return 0, fmt.Errorf("%w: %q: no components", errInvalidISODuration, s)
	case tee != "" && !hasTime:
		return 0, fmt.Errorf("%w: %q: time designator without components", errInvalidISODuration, s)
	case tee == "" && hours == "" && (minutes != "" || secs != ""):
		// P2M are months
		return 0, fmt.Errorf("%w: %q: unsupported designator", errInvalidISODuration, s)
	}

	if sign != "" {
		for _, c := range []string{days, hours, minutes, secs} {
			if strings.HasPrefix(c, "-") || strings.HasPrefix(c, "+") {
				return 0, fmt.Errorf("%w: %q: conflicting signs", errInvalidISODuration, s)
			}
		}
	}

	var total time.Duration
	for _, c := range []struct {
		value string
		unit  time.Duration
	}{
		{days, 24 * time.Hour},
		{hours, time.Hour},
		{minutes, time.Minute},
	} {
		if c.value == "" {
			continue
		}
		n, err := strconv.ParseInt(c.value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", errInvalidISODuration, s, err)
		}
		total += time.Duration(n) * c.unit
	}

	if secs != "" {
		n, err := strconv.ParseInt(secs, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", errInvalidISODuration, s, err)
		}
		var nanos int64
		if frac != "" {
			nanos, err = strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q: %w", errInvalidISODuration, s, err)
			}
		}
		d := time.Duration(n)*time.Second + time.Duration(nanos)
		if strings.HasPrefix(secs, "-") {
			d = time.Duration(n)*time.Second - time.Duration(nanos)
		}
		total += d
	}

	if sign == "-" {
		total = -total
	}
	return total, nil
}
