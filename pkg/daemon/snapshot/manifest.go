package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"time"
)

// Well-known files of every snapshot.
const (
	GenerationsFile = "generations.json"
	ManifestFile    = "manifest.json"
)

// Manifest describes the contents of one snapshot.
type Manifest struct {
	Name      string       `json:"name"`
	Strategy  string       `json:"strategy"`
	Timestamp time.Time    `json:"timestamp"`
	Commit    int64        `json:"commit"`
	Files     []FileRecord `json:"files"`
	Summary   Summary      `json:"summary"`

	// Generations is filled from GenerationsFile when listing.
	Generations map[string]int64 `json:"generations,omitempty"`
}

// FileRecord represents a file in the manifest.
type FileRecord struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Summary contains manifest totals.
type Summary struct {
	TotalFiles int64 `json:"total_files"`
	TotalBytes int64 `json:"total_bytes"`
}

func (m *Manifest) add(rec FileRecord) {
	m.Files = append(m.Files, rec)
	m.Summary.TotalFiles++
	m.Summary.TotalBytes += rec.Size
}

// hashWriter counts and hashes everything written through it.
type hashWriter struct {
	w    io.Writer
	h    hash.Hash
	size int64
}

func newHashWriter(w io.Writer) *hashWriter {
	return &hashWriter{w: w, h: sha256.New()}
}

func (hw *hashWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	hw.h.Write(p[:n])
	hw.size += int64(n)
	return n, err
}

func (hw *hashWriter) record(name string) FileRecord {
	return FileRecord{Name: name, Size: hw.size, SHA256: hex.EncodeToString(hw.h.Sum(nil))}
}

// opener opens a file of a snapshot by name.
type opener func(name string) (io.ReadCloser, error)

func readJSON(open opener, name string, v any) error {
	rc, err := open(name)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := json.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

func readManifest(open opener) (*Manifest, error) {
	var m Manifest
	if err := readJSON(open, ManifestFile, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func readGenerations(open opener) (map[string]int64, error) {
	gens := make(map[string]int64)
	if err := readJSON(open, GenerationsFile, &gens); err != nil {
		return nil, err
	}
	return gens, nil
}

// verify checks that every file listed in the manifest is present with the
// recorded size and checksum.
func verify(open opener) error {
	m, err := readManifest(open)
	if err != nil {
		return err
	}
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest of %s lists no files", m.Name)
	}

	for _, rec := range m.Files {
		rc, err := open(rec.Name)
		if err != nil {
			return fmt.Errorf("opening %s: %w", rec.Name, err)
		}
		hw := newHashWriter(io.Discard)
		_, err = io.Copy(hw, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", rec.Name, err)
		}

		got := hw.record(rec.Name)
		if got.Size != rec.Size {
			return fmt.Errorf("%s: size %d, want %d", rec.Name, got.Size, rec.Size)
		}
		if got.SHA256 != rec.SHA256 {
			return fmt.Errorf("%s: checksum mismatch", rec.Name)
		}
	}
	return nil
}
