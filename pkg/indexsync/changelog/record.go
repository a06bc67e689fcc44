package changelog

import "time"

// Record is a raw change-log row as persisted by a store. Records only
// reference documents; the payload is resolved when the log is read.
type Record struct {
	Generation  int64      `json:"generation"`
	Type        ChangeType `json:"type"`
	ID          string     `json:"id"`
	ContentType string     `json:"content_type"`
	Version     int64      `json:"version"`
	Timestamp   time.Time  `json:"timestamp"`
}

// NewRecord builds the record appended for a write or delete of doc.
func NewRecord(generation int64, typ ChangeType, doc *Document) Record {
	return Record{
		Generation:  generation,
		Type:        typ,
		ID:          doc.ID,
		ContentType: doc.ContentType,
		Version:     doc.Version,
		Timestamp:   doc.Modified,
	}
}

// Materialize resolves a record against the current state of its document.
// Deletes resolve to a tombstone. Creates and updates whose document is gone
// become faults.
func Materialize(area string, rec Record, current *Document) (Entry, *Fault) {
	entry := Entry{
		Generation:  rec.Generation,
		Area:        area,
		Type:        rec.Type,
		ID:          rec.ID,
		ContentType: rec.ContentType,
		Version:     rec.Version,
		Timestamp:   rec.Timestamp,
	}

	if rec.Type == ChangeDelete {
		entry.Document = Tombstone(area, rec.ContentType, rec.ID, rec.Version)
		return entry, nil
	}

	if current == nil || current.Deleted {
		return entry, &Fault{
			Generation: rec.Generation,
			Area:       area,
			Type:       rec.Type,
			ID:         rec.ID,
			Reason:     "referenced document vanished",
		}
	}

	entry.Document = current.Clone()
	return entry, nil
}

// Tombstone builds a deleted document marker.
func Tombstone(area, contentType, id string, version int64) *Document {
	return &Document{
		Area:        area,
		ID:          id,
		ContentType: contentType,
		Version:     version,
		Deleted:     true,
	}
}
