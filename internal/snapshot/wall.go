package snapshot

import (
	"fmt"
	"slices"
	"time"
)

// Wall is a local date-time at second resolution with no zone attached.
type Wall struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int
	Minute int
	Second int
}

// WallOf returns the wall-clock fields of t in t's own location.
func WallOf(t time.Time) Wall {
	return Wall{
		Year:   t.Year(),
		Month:  t.Month(),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// Date returns the calendar date part of w.
func (w Wall) Date() Date {
	return Date{Year: w.Year, Month: w.Month, Day: w.Day}
}

func (w Wall) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", w.Year, w.Month, w.Day, w.Hour, w.Minute, w.Second)
}

func (w Wall) in(loc *time.Location) time.Time {
	return time.Date(w.Year, w.Month, w.Day, w.Hour, w.Minute, w.Second, 0, loc)
}

// ResolutionKind classifies how a wall-clock time maps onto real instants.
type ResolutionKind int

const (
	// Nonexistent: the time falls in a spring-forward gap.
	Nonexistent ResolutionKind = iota
	// Unique: exactly one instant.
	Unique
	// Ambiguous: the time repeats during a fall-back transition.
	Ambiguous
)

func (k ResolutionKind) String() string {
	switch k {
	case Unique:
		return "unique"
	case Ambiguous:
		return "ambiguous"
	default:
		return "nonexistent"
	}
}

// Resolution is the result of interpreting a Wall in a location.
// Instants holds zero, one or two times, ordered earliest first.
type Resolution struct {
	Kind     ResolutionKind
	Instants []time.Time
}

// Instant returns the single instant of a Unique resolution.
func (r Resolution) Instant() (time.Time, bool) {
	if r.Kind != Unique {
		return time.Time{}, false
	}
	return r.Instants[0], true
}

// Resolve interprets w in loc. time.Date silently normalises gaps and picks
// one side of an overlap, so every UTC offset in use around w is tried and
// only instants whose wall clock reads back as w are kept.
func (w Wall) Resolve(loc *time.Location) Resolution {
	if loc == nil {
		loc = time.Local
	}
	naive := w.in(time.UTC)
	guess := w.in(loc)

	var offsets []int
	for _, t := range []time.Time{guess.Add(-24 * time.Hour), guess, guess.Add(24 * time.Hour)} {
		_, off := t.Zone()
		if !slices.Contains(offsets, off) {
			offsets = append(offsets, off)
		}
	}

	var instants []time.Time
	for _, off := range offsets {
		candidate := naive.Add(-time.Duration(off) * time.Second).In(loc)
		if WallOf(candidate) != w {
			continue
		}
		if slices.ContainsFunc(instants, candidate.Equal) {
			continue
		}
		instants = append(instants, candidate)
	}
	slices.SortFunc(instants, func(a, b time.Time) int { return a.Compare(b) })

	switch len(instants) {
	case 0:
		return Resolution{Kind: Nonexistent}
	case 1:
		return Resolution{Kind: Unique, Instants: instants}
	default:
		return Resolution{Kind: Ambiguous, Instants: instants}
	}
}

// Date is a calendar date.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// AddDays shifts d by n days, normalising across month and year boundaries.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	if d.Year != other.Year {
		return d.Year < other.Year
	}
	if d.Month != other.Month {
		return d.Month < other.Month
	}
	return d.Day < other.Day
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}
