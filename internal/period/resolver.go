// Package period derives the end of a billing period when the processor does
// not supply one.
package period

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultWindow is used when neither an authoritative end nor a creation
// timestamp is available.
const DefaultWindow = 30 * 24 * time.Hour

const (
	minYear = 1970
	maxYear = 9999
)

// ErrInvalidPeriodEnd is returned when the derived value is not a usable date.
var ErrInvalidPeriodEnd = errors.New("period: invalid period end")

// Interval is a recurring price interval unit.
type Interval string

const (
	Day   Interval = "day"
	Week  Interval = "week"
	Month Interval = "month"
	Year  Interval = "year"
)

// Input carries everything the resolver can draw on. Nil pointers mean the
// value was absent from the payload.
type Input struct {
	// End is the authoritative current_period_end from the processor.
	End *time.Time
	// Created is the subscription's creation (or billing anchor) time.
	Created       *time.Time
	Interval      Interval
	IntervalCount int64
}

// Resolve returns the period end using, in order: the authoritative end, the
// creation time advanced by one interval, and now plus DefaultWindow. The
// result is validated; an invalid date is an error for the whole event.
func Resolve(in Input, now time.Time) (time.Time, error) {
	var end time.Time
	switch {
	case in.End != nil && !in.End.IsZero():
		end = *in.End
	case in.Created != nil && !in.Created.IsZero():
		end = Advance(*in.Created, in.Interval, in.IntervalCount)
	default:
		end = now.Add(DefaultWindow)
	}

	if !Valid(end) {
		return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidPeriodEnd, end.Format(time.RFC3339))
	}
	return end.UTC(), nil
}

// Advance adds count intervals to t. Unknown units fall back to month and a
// non-positive count to one.
func Advance(t time.Time, unit Interval, count int64) time.Time {
	if count <= 0 {
		count = 1
	}
	n := int(count)
	switch Interval(strings.ToLower(string(unit))) {
	case Day:
		return t.AddDate(0, 0, n)
	case Week:
		return t.AddDate(0, 0, 7*n)
	case Year:
		return t.AddDate(n, 0, 0)
	default:
		return t.AddDate(0, n, 0)
	}
}

// Valid reports whether t is a real, storable calendar instant.
func Valid(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	y := t.UTC().Year()
	return y >= minYear && y <= maxYear
}
