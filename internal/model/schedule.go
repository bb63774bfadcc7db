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

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 5 field cron expression or a @macro and returns the
// interval between the next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}

	schedule, err := cronParser.Parse(e)
	if err != nil {
		return 0, err
	}
	next1 := schedule.Next(time.Now())
	next2 := schedule.Next(next1)
	return next2.Sub(next1), nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration parses the day and time part of ISO8601 durations,
// e.g. P1D, PT1H30M or PT0.5S. Years, months and weeks are not supported
// as they have no fixed length.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}

	units := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute}
	var ret time.Duration
	for i, unit := range units {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		if n > math.MaxInt64/int64(unit) {
			return 0, fmt.Errorf("%w: %s overflows", ErrISOFormat, dur)
		}
		if ret, err = addDuration(ret, time.Duration(n)*unit); err != nil {
			return 0, fmt.Errorf("%w: %s overflows", ErrISOFormat, dur)
		}
	}

	if s := m[4]; s != "" {
		f, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
		}
		secs := f * float64(time.Second)
		if secs >= math.MaxInt64 {
			return 0, fmt.Errorf("%w: %s overflows", ErrISOFormat, dur)
		}
		if ret, err = addDuration(ret, time.Duration(secs)); err != nil {
			return 0, fmt.Errorf("%w: %s overflows", ErrISOFormat, dur)
		}
	}
	return ret, nil
}

var errOverflow = errors.New("duration overflow")

// addDuration adds two non negative durations.
func addDuration(a, b time.Duration) (time.Duration, error) {
	if a > math.MaxInt64-b {
		return 0, errOverflow
	}
	return a + b, nil
}
