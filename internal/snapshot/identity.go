// Package snapshot names snapshot directories and recovers their timestamps.
//
// A snapshot directory is called Prefix + identity, where identity is the
// local time of the run formatted with Layout. The prefix and layout are
// part of the on-disk format: directories written by earlier runs must keep
// parsing.
package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// Prefix tags snapshot directories under the destination root.
	Prefix = "Back-up "

	// Layout is DD.MM.YYYY HH-MM-SS. Hyphens keep the name valid on every filesystem.
	Layout = "02.01.2006 15-04-05"
)

var (
	// ErrNoPrefix reports a directory entry that is not a snapshot.
	ErrNoPrefix = errors.New("snapshot: name has no snapshot prefix")

	// ErrInvalidName reports a name that is not valid UTF-8.
	ErrInvalidName = errors.New("snapshot: name is not valid utf-8")
)

// Identity formats t, in its own location, as a snapshot identity.
func Identity(t time.Time) string {
	return t.Format(Layout)
}

// DirName returns the snapshot directory name for t.
func DirName(t time.Time) string {
	return Prefix + Identity(t)
}

// ParseIdentity parses an identity string back into a wall-clock time.
// It is strict: two-digit day, month, hour, minute and second, four-digit year, no trailing text.
func ParseIdentity(identity string) (Wall, error) {
	// time.Parse accepts one-digit hours.
	if len(identity) != len(Layout) {
		return Wall{}, fmt.Errorf("snapshot: parse %q with %q: length %d, want %d", identity, Layout, len(identity), len(Layout))
	}
	t, err := time.Parse(Layout, identity)
	if err != nil {
		return Wall{}, fmt.Errorf("snapshot: parse %q with %q: %w", identity, Layout, err)
	}
	return WallOf(t), nil
}

// ParseName strips Prefix from a directory name and parses the remainder.
func ParseName(name string) (Wall, error) {
	if !utf8.ValidString(name) {
		return Wall{}, ErrInvalidName
	}
	identity, ok := strings.CutPrefix(name, Prefix)
	if !ok {
		return Wall{}, ErrNoPrefix
	}
	return ParseIdentity(identity)
}
