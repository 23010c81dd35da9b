package model

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseCron parses a 5 field cron expression or a @macro and returns
// the interval between two consecutive activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	var schedule cron.Schedule
	var err error
	if strings.HasPrefix(e, "@") {
		schedule, err = cron.ParseStandard(e)
	} else {
		parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		schedule, err = parser5.Parse(e)
	}
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var isoDurationRx = regexp.MustCompile(`^P((?P<day>\d+)D)?(T(?:(?P<hour>\d+)H)?(?:(?P<minute>\d+)M)?(?:(?P<second>\d+(?:[.,]\d+)?)S)?)?$`)

// ParseISODuration parses the day and time part of an ISO8601 duration,
// e.g. PT5M, P1DT12H or PT0.5S. Years, months and weeks are not supported.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "" || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}
	match := isoDurationRx.FindStringSubmatch(dur)
	if match == nil {
		return 0, ErrISOFormat
	}

	var ret time.Duration
	for i, name := range isoDurationRx.SubexpNames() {
		part := match[i]
		if i == 0 || name == "" || part == "" {
			continue
		}

		var unit time.Duration
		switch name {
		case "day":
			unit = 24 * time.Hour
		case "hour":
			unit = time.Hour
		case "minute":
			unit = time.Minute
		case "second":
			unit = time.Second
		default:
			return 0, fmt.Errorf("unknown component %s", name)
		}

		num, frac, err := splitNumber(part)
		if err != nil {
			return 0, err
		}
		if num > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("%w: overflow", ErrISOFormat)
		}
		ret += time.Duration(num)*unit + time.Duration(frac*float64(unit))
	}
	return ret, nil
}

func splitNumber(s string) (num int64, frac float64, err error) {
	s = strings.Replace(s, ",", ".", 1)
	whole, fraction, ok := strings.Cut(s, ".")
	if ok {
		if len(fraction) > 9 {
			return 0, 0, ErrISOFormat
		}
		f, ferr := strconv.Atoi(fraction)
		if ferr != nil {
			return 0, 0, fmt.Errorf("parsing fraction: %w", ferr)
		}
		frac = float64(f) / math.Pow10(len(fraction))
	}
	num, err = strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing number: %w", err)
	}
	return num, frac, nil
}

// Interval returns how often the janitor runs.
func (j Janitor) Interval() (time.Duration, error) {
	if j.Cron != "" {
		return ParseCron(j.Cron)
	}
	return ParseISODuration(j.Every)
}

func (j Janitor) validate() error {
	if !j.Enabled {
		return nil
	}
	d, err := j.Interval()
	if err != nil {
		return fmt.Errorf("janitor schedule: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("janitor schedule: interval must be positive, got %s", d)
	}
	return nil
}
