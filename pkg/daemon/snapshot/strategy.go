package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ErrNoSnapshot is returned when no stored snapshot could be restored.
var ErrNoSnapshot = errors.New("no usable snapshot")

// Strategy stores snapshot artifacts.
type Strategy interface {
	// Name identifies the strategy, e.g. "zip".
	Name() string
	// Create starts a new snapshot. Nothing is visible to List until the
	// target is committed.
	Create(name string) (Target, error)
	// List returns committed snapshot names, newest first.
	List() ([]string, error)
	// Open opens a committed snapshot.
	Open(name string) (Source, error)
	// Remove deletes a snapshot.
	Remove(name string) error
	// Sweep removes partial snapshots left behind by an interrupted Create
	// and returns their entry names.
	Sweep() ([]string, error)
}

// Target is the write half of a snapshot.
type Target interface {
	// Create opens a new file. The previous file must be closed first.
	Create(file string) (io.WriteCloser, error)
	// Commit publishes the snapshot.
	Commit() error
	// Abort discards everything written.
	Abort() error
}

// Source is the read half of a snapshot.
type Source interface {
	Name() string
	Open(file string) (io.ReadCloser, error)
	// Verify checks that every file is present and intact.
	Verify() error
	// Delete closes and removes the snapshot.
	Delete() error
	Close() error
}

// NewStrategy returns the strategy named kind storing under dir.
func NewStrategy(kind, dir string) (Strategy, error) {
	switch kind {
	case "", "zip":
		return NewZip(dir), nil
	case "dir":
		return NewDir(dir), nil
	default:
		return nil, fmt.Errorf("unknown snapshot strategy %q", kind)
	}
}

// Prune removes all but the newest keep snapshots, along with any partial
// ones, and returns the removed names. It must not run while a snapshot is
// being written.
func Prune(s Strategy, keep int) ([]string, error) {
	removed, err := s.Sweep()
	errs := []error{err}

	names, err := s.List()
	if err != nil {
		return removed, errors.Join(append(errs, err)...)
	}
	keep = max(keep, 0)
	if len(names) > keep {
		for _, name := range names[keep:] {
			if err := s.Remove(name); err != nil {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, name)
		}
	}
	return removed, errors.Join(errs...)
}

// listDir returns entries of dir accepted by match, newest first. Snapshot
// names are time-ordered UUIDs, so reverse lexical order is creation order.
func listDir(dir string, match func(os.DirEntry) (string, bool)) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		if name, ok := match(e); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	slices.Reverse(names)
	return names, nil
}

const tmpSuffix = ".tmp"

// sweepDir removes every partial entry of dir.
func sweepDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sweeping snapshots: %w", err)
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, fmt.Errorf("removing partial snapshot %s: %w", e.Name(), err))
			continue
		}
		removed = append(removed, e.Name())
	}
	return removed, errors.Join(errs...)
}
