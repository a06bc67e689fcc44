package changelog

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Generations start at 1 and are
// contiguous per area.
type MemoryStore struct {
	mu    sync.RWMutex
	docs  map[string]map[string]*Document
	logs  map[string][]Record
	views map[string]*CursorLog
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]map[string]*Document),
		logs:  make(map[string][]Record),
		views: make(map[string]*CursorLog),
		now:   time.Now,
	}
}

// SetClock overrides the clock used to timestamp changes.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// CreateArea registers an area without documents.
func (s *MemoryStore) CreateArea(area string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureArea(area)
}

func (s *MemoryStore) ensureArea(area string) {
	if _, ok := s.docs[area]; !ok {
		s.docs[area] = make(map[string]*Document)
		s.logs[area] = nil
	}
}

// Areas returns all known areas sorted by name.
func (s *MemoryStore) Areas(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.docs)), nil
}

// Log returns the cursor log of area.
func (s *MemoryStore) Log(area string) Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.views[area]; ok {
		return l
	}
	l := NewLog(s, area)
	s.views[area] = l
	return l
}

// Get returns a live document.
func (s *MemoryStore) Get(_ context.Context, area, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[area][id]
	if !ok || doc.Deleted {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

// Put stores doc, bumps its version and appends a create or update entry.
func (s *MemoryStore) Put(_ context.Context, doc *Document) (*Document, error) {
	if doc.Area == "" || doc.ID == "" {
		return nil, errors.New("document requires area and id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureArea(doc.Area)

	typ := ChangeCreate
	stored := cloneDocument(doc)
	stored.Deleted = false
	stored.Modified = s.now()
	stored.Version = 1
	if prev, ok := s.docs[doc.Area][doc.ID]; ok {
		stored.Version = prev.Version + 1
		if !prev.Deleted {
			typ = ChangeUpdate
		}
	}

	s.docs[doc.Area][doc.ID] = stored
	s.appendLocked(doc.Area, typ, stored)
	return cloneDocument(stored), nil
}

// Delete tombstones a document and appends a delete entry.
func (s *MemoryStore) Delete(_ context.Context, area, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.docs[area][id]
	if !ok || prev.Deleted {
		return nil, ErrNotFound
	}

	tomb := &Document{
		Area:        area,
		ID:          id,
		ContentType: prev.ContentType,
		Version:     prev.Version + 1,
		Modified:    s.now(),
		Deleted:     true,
	}
	s.docs[area][id] = tomb
	s.appendLocked(area, ChangeDelete, tomb)
	return cloneDocument(tomb), nil
}

// Evict drops a document without logging a change. Subsequent log entries
// referencing it become faults.
func (s *MemoryStore) Evict(area, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs[area], id)
}

func (s *MemoryStore) appendLocked(area string, typ ChangeType, doc *Document) {
	log := s.logs[area]
	s.logs[area] = append(log, NewRecord(int64(len(log))+1, typ, doc))
}

// Changes implements Source.
func (s *MemoryStore) Changes(_ context.Context, area string, after int64, limit int) ([]Entry, []Fault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[area]
	if after < 0 {
		after = 0
	}
	if after >= int64(len(log)) || limit <= 0 {
		return nil, nil, nil
	}

	end := min(int(after)+limit, len(log))
	var entries []Entry
	var faults []Fault
	for _, rec := range log[after:end] {
		entry, fault := Materialize(area, rec, s.docs[area][rec.ID])
		if fault != nil {
			faults = append(faults, *fault)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, faults, nil
}

// Latest implements Source.
func (s *MemoryStore) Latest(_ context.Context, area string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.logs[area])), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	return cloneDocument(d)
}

func cloneDocument(d *Document) *Document {
	c := *d
	c.Fields = maps.Clone(d.Fields)
	return &c
}

var _ Store = (*MemoryStore)(nil)
