// Package index implements the full-text index the watchers write into.
//
// Documents are stored as records keyed by area and id. Every record gets a
// numeric slot; postings are roaring bitmaps of slots keyed by term. Writes
// are last-write-wins by document version, so the same change can be applied
// any number of times and in any order.
package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/dgraph-io/badger/v4"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
	"github.com/jamesainslie/indexsync/pkg/indexsync/logging"
)

// ErrClosed is returned by operations on a closed index.
var ErrClosed = errors.New("index closed")

// Key prefixes
const (
	prefixRecord  = "r:" // area \x00 id -> record json
	prefixSlot    = "n:" // slot -> area \x00 id
	prefixPosting = "t:" // term -> roaring bitmap of slots
	keyGeneration = "m:generation"
	keyNextSlot   = "m:next"
)

type record struct {
	Area        string            `json:"area"`
	ID          string            `json:"id"`
	ContentType string            `json:"content_type,omitempty"`
	Version     int64             `json:"version"`
	Modified    time.Time         `json:"modified"`
	Deleted     bool              `json:"deleted,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Slot        uint32            `json:"slot,omitempty"`
}

func (r *record) document() *changelog.Document {
	return &changelog.Document{
		Area:        r.Area,
		ID:          r.ID,
		ContentType: r.ContentType,
		Version:     r.Version,
		Modified:    r.Modified,
		Fields:      r.Fields,
		Deleted:     r.Deleted,
	}
}

func docKey(area, id string) string {
	return area + "\x00" + id
}

func slotKey(slot uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte(prefixSlot), slot)
}

// Index is a badger-backed inverted index. It is safe for concurrent use;
// writes are serialized internally.
type Index struct {
	db       *badger.DB
	inMemory bool
	logger   *logging.Logger

	mu         sync.Mutex
	closed     bool
	dirty      bool
	next       uint32
	generation atomic.Int64
}

// Open opens or creates an index at path. An empty path opens an in-memory
// index.
func Open(path string) (*Index, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	ix := &Index{
		db:       db,
		inMemory: path == "",
		logger:   logging.Get("index"),
	}
	if err := ix.loadMeta(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

// Close closes the index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return nil
	}
	ix.closed = true
	return ix.db.Close()
}

func (ix *Index) loadMeta() error {
	return ix.db.View(func(txn *badger.Txn) error {
		gen, err := readUint(txn, keyGeneration)
		if err != nil {
			return err
		}
		next, err := readUint(txn, keyNextSlot)
		if err != nil {
			return err
		}
		ix.generation.Store(int64(gen))
		ix.next = uint32(next)
		return nil
	})
}

func readUint(txn *badger.Txn, key string) (uint64, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt index metadata %s", key)
	}
	return binary.BigEndian.Uint64(val), nil
}

func uintValue(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// Generation returns the commit generation. It increases on every commit
// that follows a change.
func (ix *Index) Generation() int64 {
	return ix.generation.Load()
}

// WriteAll indexes docs. A document is skipped when the index already holds
// the same id at an equal or higher version.
func (ix *Index) WriteAll(ctx context.Context, docs []*changelog.Document) error {
	return ix.apply(ctx, docs, false)
}

// DeleteAll removes docs from the index and keeps a tombstone so an older
// write delivered later cannot resurrect them. A delete is skipped only when
// the index holds a higher version; deletes win ties.
func (ix *Index) DeleteAll(ctx context.Context, docs []*changelog.Document) error {
	return ix.apply(ctx, docs, true)
}

func (ix *Index) apply(ctx context.Context, docs []*changelog.Document, remove bool) error {
	if len(docs) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return ErrClosed
	}

	txn := ix.db.NewTransaction(false)
	defer txn.Discard()

	w := newWriteSet(txn, ix.next)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		if remove {
			err = w.remove(doc)
		} else {
			err = w.put(doc)
		}
		if err != nil {
			return fmt.Errorf("indexing %s: %w", doc.Key(), err)
		}
	}

	if w.applied == 0 {
		ix.logger.Debug("batch skipped", "docs", len(docs))
		return nil
	}

	if err := ix.flush(w); err != nil {
		return err
	}
	ix.next = w.next
	ix.dirty = true

	if w.skipped > 0 {
		ix.logger.Debug("stale documents skipped", "skipped", w.skipped, "applied", w.applied)
	}
	return nil
}

func (ix *Index) flush(w *writeSet) error {
	wb := ix.db.NewWriteBatch()
	defer wb.Cancel()

	for term, bm := range w.postings {
		key := []byte(prefixPosting + term)
		if bm.IsEmpty() {
			if err := wb.Delete(key); err != nil {
				return err
			}
			continue
		}
		data, err := bm.ToBytes()
		if err != nil {
			return err
		}
		if err := wb.Set(key, data); err != nil {
			return err
		}
	}

	for key, rec := range w.changed {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := wb.Set([]byte(prefixRecord+key), data); err != nil {
			return err
		}
		if rec.Slot != 0 {
			if err := wb.Set(slotKey(rec.Slot), []byte(key)); err != nil {
				return err
			}
		}
	}

	if err := wb.Set([]byte(keyNextSlot), uintValue(uint64(w.next))); err != nil {
		return err
	}
	return wb.Flush()
}

// writeSet accumulates the effects of one WriteAll or DeleteAll call.
type writeSet struct {
	txn      *badger.Txn
	loaded   map[string]*record
	changed  map[string]*record
	postings map[string]*roaring.Bitmap
	next     uint32
	applied  int
	skipped  int
}

func newWriteSet(txn *badger.Txn, next uint32) *writeSet {
	return &writeSet{
		txn:      txn,
		loaded:   make(map[string]*record),
		changed:  make(map[string]*record),
		postings: make(map[string]*roaring.Bitmap),
		next:     next,
	}
}

func (w *writeSet) record(key string) (*record, error) {
	if rec, ok := w.changed[key]; ok {
		return rec, nil
	}
	if rec, ok := w.loaded[key]; ok {
		return rec, nil
	}

	rec, err := getRecord(w.txn, key)
	if err != nil {
		return nil, err
	}
	w.loaded[key] = rec
	return rec, nil
}

func getRecord(txn *badger.Txn, key string) (*record, error) {
	item, err := txn.Get([]byte(prefixRecord + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (w *writeSet) posting(term string) (*roaring.Bitmap, error) {
	if bm, ok := w.postings[term]; ok {
		return bm, nil
	}

	bm, err := getPosting(w.txn, term)
	if err != nil {
		return nil, err
	}
	w.postings[term] = bm
	return bm, nil
}

func getPosting(txn *badger.Txn, term string) (*roaring.Bitmap, error) {
	bm := roaring.New()

	item, err := txn.Get([]byte(prefixPosting + term))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return bm, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding posting %q: %w", term, err)
	}
	return bm, nil
}

func (w *writeSet) unpost(rec *record) error {
	if rec == nil || rec.Deleted || rec.Slot == 0 {
		return nil
	}
	for _, term := range Terms(rec.document()) {
		bm, err := w.posting(term)
		if err != nil {
			return err
		}
		bm.Remove(rec.Slot)
	}
	return nil
}

func (w *writeSet) put(doc *changelog.Document) error {
	key := docKey(doc.Area, doc.ID)
	prev, err := w.record(key)
	if err != nil {
		return err
	}
	if prev != nil && prev.Version >= doc.Version {
		w.skipped++
		return nil
	}

	if err := w.unpost(prev); err != nil {
		return err
	}

	rec := &record{
		Area:        doc.Area,
		ID:          doc.ID,
		ContentType: doc.ContentType,
		Version:     doc.Version,
		Modified:    doc.Modified,
		Fields:      doc.Fields,
	}
	if prev != nil && prev.Slot != 0 {
		rec.Slot = prev.Slot
	} else {
		w.next++
		rec.Slot = w.next
	}

	for _, term := range Terms(doc) {
		bm, err := w.posting(term)
		if err != nil {
			return err
		}
		bm.Add(rec.Slot)
	}

	w.changed[key] = rec
	w.applied++
	return nil
}

func (w *writeSet) remove(doc *changelog.Document) error {
	key := docKey(doc.Area, doc.ID)
	prev, err := w.record(key)
	if err != nil {
		return err
	}
	if prev != nil && prev.Version > doc.Version {
		w.skipped++
		return nil
	}

	if err := w.unpost(prev); err != nil {
		return err
	}

	tomb := &record{
		Area:        doc.Area,
		ID:          doc.ID,
		ContentType: doc.ContentType,
		Version:     doc.Version,
		Modified:    doc.Modified,
		Deleted:     true,
	}
	if prev != nil {
		tomb.Slot = prev.Slot
		if tomb.ContentType == "" {
			tomb.ContentType = prev.ContentType
		}
	}

	w.changed[key] = tomb
	w.applied++
	return nil
}

// Commit makes pending writes durable and bumps the commit generation. It is
// a no-op when nothing changed since the last commit.
func (ix *Index) Commit(_ context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return ErrClosed
	}
	if !ix.dirty {
		return nil
	}

	return ix.commitLocked()
}

func (ix *Index) commitLocked() error {
	gen := ix.generation.Load() + 1
	if err := ix.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyGeneration), uintValue(uint64(gen)))
	}); err != nil {
		return fmt.Errorf("committing index: %w", err)
	}
	if !ix.inMemory {
		if err := ix.db.Sync(); err != nil {
			return fmt.Errorf("syncing index: %w", err)
		}
	}

	ix.generation.Store(gen)
	ix.dirty = false
	return nil
}

// Purge removes every document, tombstones included. The commit generation is
// kept and increases with the next commit.
func (ix *Index) Purge(_ context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.closed {
		return ErrClosed
	}

	if err := ix.db.DropAll(); err != nil {
		return fmt.Errorf("purging index: %w", err)
	}
	ix.next = 0
	ix.dirty = true

	return ix.commitLocked()
}

// Lookup returns the indexed state of a document. Tombstones are returned with
// Deleted set. Absent documents yield changelog.ErrNotFound.
func (ix *Index) Lookup(_ context.Context, area, id string) (*changelog.Document, error) {
	var rec *record
	err := ix.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, docKey(area, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, changelog.ErrNotFound
	}
	return rec.document(), nil
}

// Stats summarizes index contents.
type Stats struct {
	Generation int64 `json:"generation"`
	Documents  int64 `json:"documents"`
	Tombstones int64 `json:"tombstones"`
	Terms      int64 `json:"terms"`
}

// Stats counts records and terms.
func (ix *Index) Stats(_ context.Context) (Stats, error) {
	st := Stats{Generation: ix.Generation()}

	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			if rec.Deleted {
				st.Tombstones++
			} else {
				st.Documents++
			}
		}

		prefix = []byte(prefixPosting)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			st.Terms++
		}
		return nil
	})

	return st, err
}
