package snapshot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

const zipExt = ".zip"

// Zip stores each snapshot as one archive. Entries are compressed with zstd.
type Zip struct {
	dir string
}

// NewZip returns a zip strategy storing archives in dir.
func NewZip(dir string) *Zip {
	return &Zip{dir: dir}
}

// Name returns "zip".
func (z *Zip) Name() string {
	return "zip"
}

func (z *Zip) path(name string) string {
	return filepath.Join(z.dir, name+zipExt)
}

// Create starts a new archive.
func (z *Zip) Create(name string) (Target, error) {
	if err := os.MkdirAll(z.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}

	final := z.path(name)
	f, err := os.Create(final + tmpSuffix)
	if err != nil {
		return nil, fmt.Errorf("creating snapshot %s: %w", name, err)
	}

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
	return &zipTarget{f: f, zw: zw, final: final}, nil
}

// List returns archive names, newest first.
func (z *Zip) List() ([]string, error) {
	return listDir(z.dir, func(e os.DirEntry) (string, bool) {
		if e.IsDir() || !strings.HasSuffix(e.Name(), zipExt) {
			return "", false
		}
		return strings.TrimSuffix(e.Name(), zipExt), true
	})
}

// Open opens an archive.
func (z *Zip) Open(name string) (Source, error) {
	path := z.path(name)
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", name, err)
	}
	rc.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
	return &zipSource{name: name, path: path, rc: rc}, nil
}

// Remove deletes an archive.
func (z *Zip) Remove(name string) error {
	if err := os.Remove(z.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot %s: %w", name, err)
	}
	return nil
}

// Sweep removes archives whose write never completed.
func (z *Zip) Sweep() ([]string, error) {
	return sweepDir(z.dir)
}

type zipTarget struct {
	f     *os.File
	zw    *zip.Writer
	final string
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func (t *zipTarget) Create(file string) (io.WriteCloser, error) {
	w, err := t.zw.CreateHeader(&zip.FileHeader{Name: file, Method: zstd.ZipMethodWinZip})
	if err != nil {
		return nil, err
	}
	return nopCloser{w}, nil
}

func (t *zipTarget) Commit() error {
	if err := t.zw.Close(); err != nil {
		return errors.Join(err, t.Abort())
	}
	if err := t.f.Sync(); err != nil {
		return errors.Join(err, t.Abort())
	}
	if err := t.f.Close(); err != nil {
		_ = os.Remove(t.f.Name())
		return err
	}
	if err := os.Rename(t.f.Name(), t.final); err != nil {
		_ = os.Remove(t.f.Name())
		return fmt.Errorf("publishing snapshot: %w", err)
	}
	return nil
}

func (t *zipTarget) Abort() error {
	_ = t.f.Close()
	if err := os.Remove(t.f.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

type zipSource struct {
	name string
	path string
	rc   *zip.ReadCloser
}

func (s *zipSource) Name() string {
	return s.name
}

func (s *zipSource) Open(file string) (io.ReadCloser, error) {
	for _, f := range s.rc.File {
		if f.Name == file {
			return f.Open()
		}
	}
	return nil, fmt.Errorf("snapshot %s has no %s: %w", s.name, file, os.ErrNotExist)
}

func (s *zipSource) Verify() error {
	return verify(s.Open)
}

func (s *zipSource) Delete() error {
	_ = s.rc.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *zipSource) Close() error {
	return s.rc.Close()
}
