package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// Interval resolves the timer schedule to the period between two rescans.
// Cron wins when both are set.
func (s TimerSchedule) Interval(now time.Time) (time.Duration, error) {
	switch {
	case s.Cron != "":
		return CronInterval(s.Cron, now)
	case s.Duration != "":
		return ParseISODuration(s.Duration)
	default:
		return 0, errors.New("schedule: neither cron nor duration set")
	}
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronInterval returns the distance between the next two activations of
// a five field cron expression or a descriptor such as @hourly.
func CronInterval(expr string, now time.Time) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty cron expression")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, fmt.Errorf("parsing cron %q: %w", expr, err)
	}
	first := sched.Next(now)
	return sched.Next(first).Sub(first), nil
}

// ParseISODuration parses the PnDTnHnMnS subset of ISO 8601 durations.
// Seconds may carry a fraction. Years, months and weeks are rejected.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}

	var (
		ret     time.Duration
		inTime  bool
		seen    bool
		lastIdx = -1
	)
	// designators in the order they must appear
	order := []struct {
		unit   byte
		inTime bool
		d      time.Duration
	}{
		{'D', false, 24 * time.Hour},
		{'H', true, time.Hour},
		{'M', true, time.Minute},
		{'S', true, time.Second},
	}

	for rest != "" {
		if rest[0] == 'T' {
			if inTime {
				return 0, ErrISOFormat
			}
			inTime = true
			rest = rest[1:]
			if rest == "" {
				return 0, ErrISOFormat
			}
			continue
		}

		end := strings.IndexAny(rest, "DHMS")
		if end <= 0 {
			return 0, ErrISOFormat
		}
		num, unit := rest[:end], rest[end]
		rest = rest[end+1:]

		idx := -1
		for i, o := range order {
			if o.unit == unit && o.inTime == inTime {
				idx = i
				break
			}
		}
		if idx <= lastIdx {
			return 0, ErrISOFormat
		}
		lastIdx = idx

		d, err := scale(num, order[idx].d, unit == 'S')
		if err != nil {
			return 0, err
		}
		ret += d
		seen = true
	}
	if !seen {
		return 0, ErrISOFormat
	}
	return ret, nil
}

func scale(num string, unit time.Duration, fraction bool) (time.Duration, error) {
	num = strings.Replace(num, ",", ".", 1)
	whole, frac, hasFrac := strings.Cut(num, ".")
	if hasFrac && !fraction {
		return 0, ErrISOFormat
	}
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrISOFormat, err)
	}
	ret := time.Duration(n) * unit
	if hasFrac {
		if frac == "" || len(frac) > 9 {
			return 0, ErrISOFormat
		}
		f, err := strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrISOFormat, err)
		}
		for range 9 - len(frac) {
			f *= 10
		}
		ret += time.Duration(f)
	}
	return ret, nil
}
