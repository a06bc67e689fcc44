package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Schema versions:
// 1 - Pre-counter layout: documents and change records only, no schema
//     record; the latest generation of an area is the highest g: key
// 2 - Per-area latest generation counters (m:latest:) and area registry (a:)
const CurrentSchemaVersion = 2

const schemaKey = prefixMeta + "__schema__"

// Schema holds database schema information.
type Schema struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetSchema returns the stored schema, or nil if none was written.
func (s *Store) GetSchema() *Schema {
	var schema *Schema

	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			schema = &Schema{}
			return json.Unmarshal(val, schema)
		})
	})

	return schema
}

// SetSchema stores the schema version.
func (s *Store) SetSchema(schema *Schema) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(schemaKey), schema)
	})
}

// NeedsMigration reports whether the database is not at the current schema.
// A schema newer than CurrentSchemaVersion also needs it, and Migrate rejects
// it.
func (s *Store) NeedsMigration() bool {
	schema := s.GetSchema()
	if schema == nil {
		return s.hasAnyEntries()
	}
	return schema.Version != CurrentSchemaVersion
}

var errFound = errors.New("found")

// hasAnyEntries reports whether any non-metadata key exists.
func (s *Store) hasAnyEntries() bool {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if !hasPrefix(it.Item().Key(), prefixMeta) {
				return errFound
			}
		}
		return nil
	})
	return errors.Is(err, errFound)
}

func hasPrefix(key []byte, prefix string) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == prefix
}
