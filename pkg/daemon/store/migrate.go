package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// ErrUnknownSchema is returned by Migrate for a schema version this build does
// not know, such as one written by a newer release.
var ErrUnknownSchema = errors.New("unknown store schema")

// MigrationProgress reports migration progress.
type MigrationProgress struct {
	FromVersion int
	ToVersion   int
	RecordsDone int64
	Area        string
}

// MigrationProgressFunc is called with progress updates during migration.
type MigrationProgressFunc func(MigrationProgress)

// Migrate runs any pending migrations to bring the database up to the current
// schema. Returns the number of migrations run.
func (s *Store) Migrate(ctx context.Context, onProgress MigrationProgressFunc) (int, error) {
	schema := s.GetSchema()
	fromVersion := 0
	if schema != nil {
		fromVersion = schema.Version
	} else if s.hasAnyEntries() {
		// Entries without a schema record are the original format.
		fromVersion = 1
	}

	if fromVersion < 0 || fromVersion > CurrentSchemaVersion {
		return 0, fmt.Errorf("%w: version %d, want at most %d", ErrUnknownSchema, fromVersion, CurrentSchemaVersion)
	}
	if fromVersion == CurrentSchemaVersion {
		return 0, nil
	}

	migrationsRun := 0
	for version := fromVersion + 1; version <= CurrentSchemaVersion; version++ {
		if err := ctx.Err(); err != nil {
			return migrationsRun, err
		}

		var err error
		switch version {
		case 2:
			err = s.migrateToV2(ctx, onProgress)
		}
		if err != nil {
			return migrationsRun, err
		}

		if err := s.SetSchema(&Schema{Version: version, UpdatedAt: s.now()}); err != nil {
			return migrationsRun, err
		}
		migrationsRun++
	}

	return migrationsRun, nil
}

// migrateToV2 derives the area registry and the latest generation counters
// of a pre-counter store from its change records.
func (s *Store) migrateToV2(ctx context.Context, onProgress MigrationProgressFunc) error {
	latest := make(map[string]int64)
	var done int64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixChange)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			// g:<area>\x00<generation>
			key := it.Item().Key()[len(prefix):]
			sep := bytes.IndexByte(key, 0)
			if sep < 0 || len(key)-sep-1 != 8 {
				continue
			}
			area := string(key[:sep])
			gen := int64(binary.BigEndian.Uint64(key[sep+1:]))
			latest[area] = max(latest[area], gen)

			done++
			if onProgress != nil && done%10000 == 0 {
				onProgress(MigrationProgress{FromVersion: 1, ToVersion: 2, RecordsDone: done, Area: area})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for area, gen := range latest {
		if err := wb.Set(latestKey(area), binary.BigEndian.AppendUint64(nil, uint64(gen))); err != nil {
			return err
		}
		if err := wb.Set(areaKey(area), []byte{}); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}

	if onProgress != nil {
		onProgress(MigrationProgress{FromVersion: 1, ToVersion: 2, RecordsDone: done})
	}
	return nil
}
