package source

import (
	"context"
	"io/fs"
	"os"

	"github.com/charlievieth/fastwalk"
	"github.com/fsnotify/fsnotify"
)

// Watch adds watches for the root and all its subdirectories. Symlinks are
// not followed to avoid loops.
func (s *Source) Watch() error {
	s.mu.Lock()
	if s.fsw == nil {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.fsw = fsw
	}
	s.mu.Unlock()

	return s.watchTree(s.root)
}

func (s *Source) watchTree(root string) error {
	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // Skip entries with errors
		}
		if d.IsDir() {
			return s.addWatch(path)
		}
		return nil
	})
}

func (s *Source) addWatch(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.dirs[path] {
		return nil
	}
	if err := s.fsw.Add(path); err != nil {
		s.logger.Warn("failed to add watch", "path", path, "error", err)
		return err
	}
	s.dirs[path] = true
	return nil
}

// Run processes filesystem events until ctx is done. Watch must be called
// first.
func (s *Source) Run(ctx context.Context) {
	s.mu.Lock()
	fsw := s.fsw
	s.mu.Unlock()
	if fsw == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			s.handleEvent(ctx, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			s.logger.Error("watcher error", "error", err)
		}
	}
}

func (s *Source) handleEvent(ctx context.Context, event fsnotify.Event) {
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		s.handleChange(ctx, event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename shows up as a create under the new name.
		s.handleRemove(ctx, event.Name)
	}
}

func (s *Source) handleChange(ctx context.Context, path string) {
	info, err := os.Lstat(path)
	if err != nil {
		return // removed again already
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return
	}

	if info.IsDir() {
		if err := s.watchTree(path); err != nil {
			s.logger.Warn("failed to watch new directory", "path", path, "error", err)
		}
		// Files created together with the directory produce no events.
		conf := fastwalk.Config{Follow: false}
		_ = fastwalk.Walk(&conf, path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil || d.IsDir() {
				return nil //nolint:nilerr // Skip entries with errors
			}
			if fi, err := d.Info(); err == nil {
				s.store(ctx, p, fi)
			}
			return nil
		})
		return
	}

	s.store(ctx, path, info)
}

func (s *Source) store(ctx context.Context, path string, info fs.FileInfo) {
	doc, ok := s.document(path, info)
	if !ok {
		return
	}
	if _, err := s.sync(ctx, doc); err != nil {
		s.logger.Warn("failed to store document", "path", path, "error", err)
	}
}

func (s *Source) handleRemove(ctx context.Context, path string) {
	s.mu.Lock()
	for dir := range s.dirs {
		if dir == path || isSubPath(dir, path) {
			_ = s.fsw.Remove(dir)
			delete(s.dirs, dir)
		}
	}
	s.mu.Unlock()

	id, ok := s.id(path)
	if !ok {
		return
	}
	if _, err := s.remove(ctx, id); err != nil {
		s.logger.Warn("failed to delete document", "path", path, "error", err)
	}
}

// Close releases the filesystem watcher.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.dirs = make(map[string]bool)
	if s.fsw != nil {
		return s.fsw.Close()
	}
	return nil
}

// isSubPath checks if path is under parent directory.
func isSubPath(path, parent string) bool {
	return len(path) > len(parent) && path[:len(parent)+1] == parent+string(os.PathSeparator)
}
