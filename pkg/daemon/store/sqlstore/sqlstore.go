// Package sqlstore provides an SQLite document store with per-area change logs.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jamesainslie/indexsync/pkg/indexsync/changelog"
)

// Schema is applied on open.
const Schema = `
CREATE TABLE IF NOT EXISTS areas (
    name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS documents (
    area         TEXT NOT NULL,
    id           TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    version      INTEGER NOT NULL,
    modified     INTEGER NOT NULL,
    fields_json  TEXT NOT NULL DEFAULT '{}',
    deleted      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (area, id)
);

CREATE TABLE IF NOT EXISTS changes (
    area         TEXT NOT NULL,
    generation   INTEGER NOT NULL,
    type         INTEGER NOT NULL,
    id           TEXT NOT NULL,
    content_type TEXT NOT NULL DEFAULT '',
    version      INTEGER NOT NULL,
    ts           INTEGER NOT NULL,
    PRIMARY KEY (area, generation)
);
`

// Store is the SQLite document store.
type Store struct {
	db  *sql.DB
	now func() time.Time

	mu   sync.Mutex
	logs map[string]*changelog.CursorLog
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlstore: mkdir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// Appends allocate generations inside a transaction; one connection keeps
	// them serialized and keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: schema: %w", err)
	}

	return &Store{
		db:   db,
		now:  time.Now,
		logs: make(map[string]*changelog.CursorLog),
	}, nil
}

// SetClock overrides the clock used to stamp documents.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateArea registers an area without documents.
func (s *Store) CreateArea(ctx context.Context, area string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO areas(name) VALUES (?)`, area)
	return err
}

// Areas returns all registered areas sorted by name.
func (s *Store) Areas(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM areas ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var areas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		areas = append(areas, name)
	}
	return areas, rows.Err()
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

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDoc(ctx context.Context, q querier, area, id string) (*changelog.Document, error) {
	var (
		doc      = changelog.Document{Area: area, ID: id}
		modified int64
		fields   string
		deleted  bool
	)
	err := q.QueryRowContext(ctx,
		`SELECT content_type, version, modified, fields_json, deleted FROM documents WHERE area = ? AND id = ?`,
		area, id,
	).Scan(&doc.ContentType, &doc.Version, &modified, &fields, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	doc.Modified = time.Unix(0, modified).UTC()
	doc.Deleted = deleted
	if fields != "" && fields != "{}" {
		if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
			return nil, fmt.Errorf("decoding fields of %s: %w", doc.Key(), err)
		}
	}
	return &doc, nil
}

// Get retrieves a live document.
func (s *Store) Get(ctx context.Context, area, id string) (*changelog.Document, error) {
	doc, err := getDoc(ctx, s.db, area, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Deleted {
		return nil, changelog.ErrNotFound
	}
	return doc, nil
}

// Put stores a document, bumping its version, and appends a change.
func (s *Store) Put(ctx context.Context, doc *changelog.Document) (*changelog.Document, error) {
	if doc.Area == "" || doc.ID == "" {
		return nil, errors.New("document requires area and id")
	}

	stored := doc.Clone()
	stored.Deleted = false
	stored.Modified = s.now().UTC()

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := getDoc(ctx, tx, doc.Area, doc.ID)
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
		return appendTx(ctx, tx, typ, stored)
	})
	if err != nil {
		return nil, fmt.Errorf("putting %s: %w", doc.Key(), err)
	}
	return stored, nil
}

// Delete tombstones a document and appends a delete change.
func (s *Store) Delete(ctx context.Context, area, id string) (*changelog.Document, error) {
	var tomb *changelog.Document
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := getDoc(ctx, tx, area, id)
		if err != nil {
			return err
		}
		if prev == nil || prev.Deleted {
			return changelog.ErrNotFound
		}

		tomb = changelog.Tombstone(area, prev.ContentType, id, prev.Version+1)
		tomb.Modified = s.now().UTC()
		return appendTx(ctx, tx, changelog.ChangeDelete, tomb)
	})
	if err != nil {
		return nil, err
	}
	return tomb, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func appendTx(ctx context.Context, tx *sql.Tx, typ changelog.ChangeType, doc *changelog.Document) error {
	var latest int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM changes WHERE area = ?`, doc.Area,
	).Scan(&latest); err != nil {
		return err
	}

	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO areas(name) VALUES (?)`, doc.Area); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents(area, id, content_type, version, modified, fields_json, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(area, id) DO UPDATE SET
			content_type = excluded.content_type,
			version      = excluded.version,
			modified     = excluded.modified,
			fields_json  = excluded.fields_json,
			deleted      = excluded.deleted`,
		doc.Area, doc.ID, doc.ContentType, doc.Version, doc.Modified.UnixNano(), string(fields), doc.Deleted,
	); err != nil {
		return err
	}

	rec := changelog.NewRecord(latest+1, typ, doc)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO changes(area, generation, type, id, content_type, version, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.Area, rec.Generation, int(rec.Type), rec.ID, rec.ContentType, rec.Version, rec.Timestamp.UnixNano(),
	)
	return err
}

// Changes returns up to limit change entries above generation after.
func (s *Store) Changes(ctx context.Context, area string, after int64, limit int) ([]changelog.Entry, []changelog.Fault, error) {
	if limit <= 0 {
		return nil, nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT generation, type, id, content_type, version, ts
		FROM changes WHERE area = ? AND generation > ?
		ORDER BY generation LIMIT ?`, area, after, limit)
	if err != nil {
		return nil, nil, err
	}

	var records []changelog.Record
	for rows.Next() {
		var (
			rec changelog.Record
			typ int
			ts  int64
		)
		if err := rows.Scan(&rec.Generation, &typ, &rec.ID, &rec.ContentType, &rec.Version, &ts); err != nil {
			rows.Close()
			return nil, nil, err
		}
		rec.Type = changelog.ChangeType(typ)
		rec.Timestamp = time.Unix(0, ts).UTC()
		records = append(records, rec)
	}
	if err := rows.Close(); err != nil {
		return nil, nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	// Resolve after the cursor is released; the pool has a single connection.
	var entries []changelog.Entry
	var faults []changelog.Fault
	for _, rec := range records {
		current, err := getDoc(ctx, s.db, area, rec.ID)
		if err != nil {
			return nil, nil, err
		}
		entry, fault := changelog.Materialize(area, rec, current)
		if fault != nil {
			faults = append(faults, *fault)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, faults, nil
}

// Latest returns the highest generation appended to area.
func (s *Store) Latest(ctx context.Context, area string) (int64, error) {
	var latest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(generation), 0) FROM changes WHERE area = ?`, area,
	).Scan(&latest)
	return latest, err
}

// Count returns the number of live documents and tombstones in area.
func (s *Store) Count(ctx context.Context, area string) (changelog.Counts, error) {
	var c changelog.Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(deleted = 0), 0), COALESCE(SUM(deleted <> 0), 0) FROM documents WHERE area = ?`, area,
	).Scan(&c.Documents, &c.Tombstones)
	if err != nil {
		return changelog.Counts{}, fmt.Errorf("sqlstore: count: %w", err)
	}
	return c, nil
}

var _ changelog.Store = (*Store)(nil)
