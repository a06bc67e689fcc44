// Package source feeds documents from a directory tree into a store area.
// Import walks the tree once; Run keeps the area in step with filesystem
// events.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// DefaultMaxSize is the largest file whose content is indexed.
const DefaultMaxSize = 1 << 20

// Sink receives documents. changelog.Store implementations satisfy it.
type Sink interface {
	Get(ctx context.Context, area, id string) (*changelog.Document, error)
	Put(ctx context.Context, doc *changelog.Document) (*changelog.Document, error)
	Delete(ctx context.Context, area, id string) (*changelog.Document, error)
}

// Config configures a Source.
type Config struct {
	Area string `mapstructure:"area"`
	Path string `mapstructure:"path"`
	// Watch keeps the area updated from filesystem events.
	Watch bool `mapstructure:"watch"`
	// Extensions limits imported files, e.g. ".md". Empty accepts all.
	Extensions []string `mapstructure:"extensions"`
	// MaxSize skips files larger than this. Zero means DefaultMaxSize.
	MaxSize int64 `mapstructure:"max_size"`
}

// Progress reports import progress.
type Progress struct {
	Area        string
	Files       int64
	CurrentPath string
}

// ProgressFunc is called with progress updates.
type ProgressFunc func(Progress)

// Result summarizes an import.
type Result struct {
	Area     string
	Root     string
	Files    int64
	Updated  int64
	Removed  int64
	Skipped  int64
	Bytes    int64
	Duration time.Duration
}

// Source mirrors one directory tree into one area.
type Source struct {
	cfg    Config
	root   string
	sink   Sink
	logger *logging.Logger

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	dirs   map[string]bool
	known  map[string]bool
	closed bool
}

// New creates a source. The root must be an existing directory.
func New(cfg Config, sink Sink) (*Source, error) {
	if cfg.Area == "" {
		return nil, errors.New("source requires an area")
	}
	root, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}

	return &Source{
		cfg:    cfg,
		root:   root,
		sink:   sink,
		logger: logging.Get("source").With("area", cfg.Area),
		dirs:   make(map[string]bool),
		known:  make(map[string]bool),
	}, nil
}

// Config returns the source configuration.
func (s *Source) Config() Config {
	return s.cfg
}

func (s *Source) accepts(path string) bool {
	if len(s.cfg.Extensions) == 0 {
		return true
	}
	return slices.Contains(s.cfg.Extensions, strings.ToLower(filepath.Ext(path)))
}

func (s *Source) id(path string) (string, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// document builds the document for a regular file.
func (s *Source) document(path string, info fs.FileInfo) (*changelog.Document, bool) {
	id, ok := s.id(path)
	if !ok || !info.Mode().IsRegular() || !s.accepts(path) || info.Size() > s.cfg.MaxSize {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil || !utf8.Valid(data) {
		return nil, false
	}

	return &changelog.Document{
		Area:        s.cfg.Area,
		ID:          id,
		ContentType: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
		Fields: map[string]string{
			"name": filepath.Base(path),
			"path": id,
			"body": string(data),
		},
	}, true
}

// sync stores doc unless the stored fields are identical. It reports whether
// a write happened.
func (s *Source) sync(ctx context.Context, doc *changelog.Document) (bool, error) {
	s.mu.Lock()
	s.known[doc.ID] = true
	s.mu.Unlock()

	cur, err := s.sink.Get(ctx, doc.Area, doc.ID)
	switch {
	case err == nil && cur.ContentType == doc.ContentType && maps.Equal(cur.Fields, doc.Fields):
		return false, nil
	case err != nil && !errors.Is(err, changelog.ErrNotFound):
		return false, err
	}

	if _, err := s.sink.Put(ctx, doc); err != nil {
		return false, fmt.Errorf("storing %s: %w", doc.ID, err)
	}
	return true, nil
}

// remove deletes id and everything below it when id names a directory.
func (s *Source) remove(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	var ids []string
	for known := range s.known {
		if known == id || strings.HasPrefix(known, id+"/") {
			ids = append(ids, known)
			delete(s.known, known)
		}
	}
	s.mu.Unlock()

	var removed int64
	for _, id := range ids {
		_, err := s.sink.Delete(ctx, s.cfg.Area, id)
		if err != nil && !errors.Is(err, changelog.ErrNotFound) {
			return removed, fmt.Errorf("deleting %s: %w", id, err)
		}
		if err == nil {
			removed++
		}
	}
	return removed, nil
}

// Import walks the tree and stores every accepted file. Files imported
// earlier by this source that are gone are deleted.
func (s *Source) Import(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	start := time.Now()
	res := &Result{Area: s.cfg.Area, Root: s.root}

	var files, updated, skipped, size atomic.Int64
	var seenMu sync.Mutex
	seen := make(map[string]bool)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil || d.IsDir() {
			return nil //nolint:nilerr // Skip entries with errors
		}

		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // Skip entries we can't stat
		}
		doc, ok := s.document(path, info)
		if !ok {
			skipped.Add(1)
			return nil
		}

		seenMu.Lock()
		seen[doc.ID] = true
		seenMu.Unlock()

		wrote, err := s.sync(ctx, doc)
		if err != nil {
			return err
		}
		n := files.Add(1)
		size.Add(info.Size())
		if wrote {
			updated.Add(1)
		}
		if onProgress != nil {
			onProgress(Progress{Area: s.cfg.Area, Files: n, CurrentPath: path})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var gone []string
	for id := range s.known {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()
	for _, id := range gone {
		n, err := s.remove(ctx, id)
		if err != nil {
			return nil, err
		}
		res.Removed += n
	}

	res.Files = files.Load()
	res.Updated = updated.Load()
	res.Skipped = skipped.Load()
	res.Bytes = size.Load()
	res.Duration = time.Since(start)

	s.logger.Info("import complete",
		"root", s.root, "files", res.Files, "updated", res.Updated, "removed", res.Removed, "duration", res.Duration)
	return res, nil
}
