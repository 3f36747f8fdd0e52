package snapshot

import (
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/afero"
)

// Snapshot is one snapshot directory found under a destination root.
type Snapshot struct {
	Name string    `json:"name"`
	Path string    `json:"path"`
	Wall Wall      `json:"-"`
	Time time.Time `json:"time"`
	// Resolution is unique, ambiguous or nonexistent; Time is set only when unique.
	Resolution string `json:"resolution"`
}

// List returns the snapshot directories directly under root, oldest first.
// Entries that are not directories, lack the prefix, or fail to parse are omitted.
func List(fsys afero.Fs, root string, loc *time.Location) ([]Snapshot, error) {
	entries, err := afero.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list %s: %w", root, err)
	}

	var out []Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		wall, err := ParseName(e.Name())
		if err != nil {
			continue
		}
		s := Snapshot{
			Name: e.Name(),
			Path: filepath.Join(root, e.Name()),
			Wall: wall,
		}
		res := wall.Resolve(loc)
		s.Resolution = res.Kind.String()
		if t, ok := res.Instant(); ok {
			s.Time = t
		}
		out = append(out, s)
	}

	slices.SortFunc(out, func(a, b Snapshot) int {
		return a.Wall.in(time.UTC).Compare(b.Wall.in(time.UTC))
	})
	return out, nil
}
