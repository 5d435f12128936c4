// Package timeparse converts SS, MM:SS and HH:MM:SS expressions to seconds.
package timeparse

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxSeconds is the largest value that still fits a time.Duration.
const MaxSeconds = uint64(math.MaxInt64 / int64(time.Second))

var (
	ErrInvalidTimeFormat = errors.New("invalid time format")
	ErrInvalidRange      = errors.New("end time must be greater than start time")
)

// Range is a trim window in whole seconds.
type Range struct {
	Start    uint64
	Duration uint64
}

// End returns Start+Duration.
func (r Range) End() uint64 { return r.Start + r.Duration }

// Valid reports whether r is non-empty and ends within MaxSeconds.
func (r Range) Valid() bool {
	return r.Duration > 0 && r.Start <= MaxSeconds && r.Duration <= MaxSeconds-r.Start
}

// Parse returns the total number of seconds in s.
func Parse(s string) (uint64, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 1 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	var total uint64
	for _, p := range parts {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
		}
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil || n > MaxSeconds || total > (MaxSeconds-n)/60 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
		}
		total = total*60 + n
	}
	return total, nil
}

// ParseRange parses both ends and requires end > start.
func ParseRange(start, end string) (Range, error) {
	s, err := Parse(start)
	if err != nil {
		return Range{}, err
	}
	e, err := Parse(end)
	if err != nil {
		return Range{}, err
	}
	if e <= s {
		return Range{}, fmt.Errorf("%w: %s >= %s", ErrInvalidRange, start, end)
	}
	return Range{Start: s, Duration: e - s}, nil
}

// Format renders seconds as HH:MM:SS.
func Format(sec uint64) string {
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, sec%3600/60, sec%60)
}
