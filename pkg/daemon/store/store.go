// Package store provides a Badger DB-backed document store with per-area
// change logs.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

// Key prefixes for different data types
const (
	prefixArea   = "a:"        // Area registry
	prefixDoc    = "d:"        // Documents and tombstones
	prefixChange = "g:"        // Change records, keyed by big-endian generation
	prefixMeta   = "m:"        // Metadata (schema, counters)
	prefixLatest = "m:latest:" // Latest generation per area
)

// Store is the document store backed by Badger DB.
type Store struct {
	db  *badger.DB
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	logs  map[string]*changelog.CursorLog
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp documents and changes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens or creates a store at the given path. An empty path opens an
// in-memory store.
func Open(path string, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(path)
	if path == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.Logger = nil // Disable logging

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:    db,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
		logs:  make(map[string]*changelog.CursorLog),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Fresh databases start at the current schema.
	if s.GetSchema() == nil && !s.hasAnyEntries() {
		if err := s.SetSchema(&Schema{Version: CurrentSchemaVersion, UpdatedAt: s.now()}); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func areaKey(area string) []byte {
	return []byte(prefixArea + area)
}

func docKey(area, id string) []byte {
	return []byte(prefixDoc + area + "\x00" + id)
}

func changePrefix(area string) []byte {
	return []byte(prefixChange + area + "\x00")
}

func changeKey(area string, generation int64) []byte {
	key := changePrefix(area)
	return binary.BigEndian.AppendUint64(key, uint64(generation))
}

func latestKey(area string) []byte {
	return []byte(prefixLatest + area)
}

// areaLock returns the mutex serializing appends to one area's log.
func (s *Store) areaLock(area string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[area]
	if !ok {
		l = &sync.Mutex{}
		s.locks[area] = l
	}
	return l
}

// CreateArea registers an area without documents.
func (s *Store) CreateArea(_ context.Context, area string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(areaKey(area), []byte{})
	})
}

// Areas returns all registered areas in key order.
func (s *Store) Areas(_ context.Context) ([]string, error) {
	var areas []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixArea)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			areas = append(areas, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})

	return areas, err
}

// Log returns the cursor log of area.
func (s *Store) Log(area string) changelog.Log {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[area]; ok {
		return l
	}
	l := changelog.NewLog(s, area)
	s.logs[area] = l
	return l
}

// Get retrieves a live document.
func (s *Store) Get(_ context.Context, area, id string) (*changelog.Document, error) {
	var doc *changelog.Document

	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getDoc(txn, area, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Deleted {
		return nil, changelog.ErrNotFound
	}

	return doc, nil
}

// Put stores a document, bumping its version, and appends a create or update
// record to the area's log in the same transaction.
func (s *Store) Put(_ context.Context, doc *changelog.Document) (*changelog.Document, error) {
	if doc.Area == "" || doc.ID == "" {
		return nil, errors.New("document requires area and id")
	}

	lock := s.areaLock(doc.Area)
	lock.Lock()
	defer lock.Unlock()

	stored := doc.Clone()
	stored.Deleted = false
	stored.Modified = s.now()

	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := getDoc(txn, doc.Area, doc.ID)
		if err != nil {
			return err
		}

		typ := changelog.ChangeCreate
		stored.Version = 1
		if prev != nil {
			stored.Version = prev.Version + 1
			if !prev.Deleted {
				typ = changelog.ChangeUpdate
			}
		}

		return s.appendTxn(txn, typ, stored)
	})
	if err != nil {
		return nil, fmt.Errorf("putting %s: %w", doc.Key(), err)
	}

	return stored, nil
}

// Delete tombstones a document and appends a delete record.
func (s *Store) Delete(_ context.Context, area, id string) (*changelog.Document, error) {
	lock := s.areaLock(area)
	lock.Lock()
	defer lock.Unlock()

	var tomb *changelog.Document
	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := getDoc(txn, area, id)
		if err != nil {
			return err
		}
		if prev == nil || prev.Deleted {
			return changelog.ErrNotFound
		}

		tomb = changelog.Tombstone(area, prev.ContentType, id, prev.Version+1)
		tomb.Modified = s.now()
		return s.appendTxn(txn, changelog.ChangeDelete, tomb)
	})
	if err != nil {
		return nil, err
	}

	return tomb, nil
}

// appendTxn writes doc and its change record at the next generation.
func (s *Store) appendTxn(txn *badger.Txn, typ changelog.ChangeType, doc *changelog.Document) error {
	latest, err := getLatest(txn, doc.Area)
	if err != nil {
		return err
	}
	gen := latest + 1

	if err := setJSON(txn, docKey(doc.Area, doc.ID), doc); err != nil {
		return err
	}
	if err := setJSON(txn, changeKey(doc.Area, gen), changelog.NewRecord(gen, typ, doc)); err != nil {
		return err
	}
	if err := txn.Set(latestKey(doc.Area), binary.BigEndian.AppendUint64(nil, uint64(gen))); err != nil {
		return err
	}
	return txn.Set(areaKey(doc.Area), []byte{})
}

// Changes returns up to limit change entries above generation after.
func (s *Store) Changes(_ context.Context, area string, after int64, limit int) ([]changelog.Entry, []changelog.Fault, error) {
	if limit <= 0 {
		return nil, nil, nil
	}

	var entries []changelog.Entry
	var faults []changelog.Fault

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.PrefetchSize = min(limit, 100)
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := changePrefix(area)
		n := 0
		for it.Seek(changeKey(area, max(after, 0)+1)); it.ValidForPrefix(prefix) && n < limit; it.Next() {
			var rec changelog.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			current, err := getDoc(txn, area, rec.ID)
			if err != nil {
				return err
			}

			entry, fault := changelog.Materialize(area, rec, current)
			if fault != nil {
				faults = append(faults, *fault)
			} else {
				entries = append(entries, entry)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return entries, faults, nil
}

// Latest returns the highest generation appended to area.
func (s *Store) Latest(_ context.Context, area string) (int64, error) {
	var latest int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		latest, err = getLatest(txn, area)
		return err
	})
	return latest, err
}

// Count returns the number of live documents and tombstones in area.
func (s *Store) Count(_ context.Context, area string) (changelog.Counts, error) {
	var c changelog.Counts

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDoc + area + "\x00")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var doc changelog.Document
				if err := json.Unmarshal(val, &doc); err != nil {
					return err
				}
				if doc.Deleted {
					c.Tombstones++
				} else {
					c.Documents++
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return c, err
}

func getDoc(txn *badger.Txn, area, id string) (*changelog.Document, error) {
	item, err := txn.Get(docKey(area, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc changelog.Document
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	}); err != nil {
		return nil, err
	}
	return &doc, nil
}

func getLatest(txn *badger.Txn, area string) (int64, error) {
	item, err := txn.Get(latestKey(area))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var latest int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt generation counter for %s", area)
		}
		latest = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return latest, err
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

var _ changelog.Store = (*Store)(nil)
