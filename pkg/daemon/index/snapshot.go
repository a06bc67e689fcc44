package index

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// BackupFile is the name of the single file a frozen commit consists of.
const BackupFile = "index.bak"

// Commit is a frozen view of the index tied to one commit generation. Writers
// block until the commit is released.
type Commit struct {
	Generation int64
	Files      []string

	ix   *Index
	once sync.Once
}

// Freeze blocks writers and returns the current commit. Callers must Release
// it.
func (ix *Index) Freeze(_ context.Context) (*Commit, error) {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil, ErrClosed
	}

	return &Commit{
		Generation: ix.generation.Load(),
		Files:      []string{BackupFile},
		ix:         ix,
	}, nil
}

// Stream writes the named commit file to w.
func (c *Commit) Stream(name string, w io.Writer) error {
	if name != BackupFile {
		return fmt.Errorf("unknown index file %q", name)
	}
	if _, err := c.ix.db.Backup(w, 0); err != nil {
		return fmt.Errorf("streaming %s: %w", name, err)
	}
	return nil
}

// Release unblocks writers. It is safe to call more than once.
func (c *Commit) Release() {
	c.once.Do(c.ix.mu.Unlock)
}

// RestoreSource provides the files of a previously frozen commit.
type RestoreSource interface {
	Open(name string) (io.ReadCloser, error)
}

// Restore replaces the index contents with the files of src. On error the
// index may be partially loaded and should be purged or restored again.
func (ix *Index) Restore(ctx context.Context, src RestoreSource) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rc, err := src.Open(BackupFile)
	if err != nil {
		return fmt.Errorf("opening %s: %w", BackupFile, err)
	}
	defer rc.Close()

	current := ix.generation.Load()
	if err := ix.db.DropAll(); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	if err := ix.db.Load(rc, 256); err != nil {
		return fmt.Errorf("loading %s: %w", BackupFile, err)
	}
	if err := ix.loadMeta(); err != nil {
		return err
	}

	// The commit generation never moves backward within a process.
	if ix.generation.Load() <= current {
		ix.generation.Store(current)
	}
	ix.dirty = true
	ix.logger.Info("index restored", "generation", ix.generation.Load(), "slots", ix.next)

	return ix.commitLocked()
}
