package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Dir stores each snapshot as a plain directory.
type Dir struct {
	dir string
}

// NewDir returns a directory strategy storing snapshots under dir.
func NewDir(dir string) *Dir {
	return &Dir{dir: dir}
}

// Name returns "dir".
func (d *Dir) Name() string {
	return "dir"
}

// Create starts a new snapshot directory.
func (d *Dir) Create(name string) (Target, error) {
	final := filepath.Join(d.dir, name)
	tmp := final + tmpSuffix
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot %s: %w", name, err)
	}
	return &dirTarget{tmp: tmp, final: final}, nil
}

// List returns snapshot directory names, newest first.
func (d *Dir) List() ([]string, error) {
	return listDir(d.dir, func(e os.DirEntry) (string, bool) {
		return e.Name(), e.IsDir()
	})
}

// Open opens a snapshot directory.
func (d *Dir) Open(name string) (Source, error) {
	path := filepath.Join(d.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapshot %s is not a directory", name)
	}
	return &dirSource{name: name, path: path}, nil
}

// Remove deletes a snapshot directory.
func (d *Dir) Remove(name string) error {
	if err := os.RemoveAll(filepath.Join(d.dir, name)); err != nil {
		return fmt.Errorf("removing snapshot %s: %w", name, err)
	}
	return nil
}

// Sweep removes snapshot directories whose write never completed.
func (d *Dir) Sweep() ([]string, error) {
	return sweepDir(d.dir)
}

type dirTarget struct {
	tmp   string
	final string
}

type syncFile struct {
	*os.File
}

func (f syncFile) Close() error {
	if err := f.Sync(); err != nil {
		_ = f.File.Close()
		return err
	}
	return f.File.Close()
}

func (t *dirTarget) Create(file string) (io.WriteCloser, error) {
	f, err := os.Create(filepath.Join(t.tmp, file))
	if err != nil {
		return nil, err
	}
	return syncFile{f}, nil
}

func (t *dirTarget) Commit() error {
	if err := os.Rename(t.tmp, t.final); err != nil {
		_ = os.RemoveAll(t.tmp)
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

func (t *dirTarget) Abort() error {
	return os.RemoveAll(t.tmp)
}

type dirSource struct {
	name string
	path string
}

func (s *dirSource) Name() string {
	return s.name
}

func (s *dirSource) Open(file string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.path, filepath.Base(file)))
}

func (s *dirSource) Verify() error {
	return verify(s.Open)
}

func (s *dirSource) Delete() error {
	return os.RemoveAll(s.path)
}

func (s *dirSource) Close() error {
	return nil
}
