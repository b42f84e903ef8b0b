package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/storage"
)

var (
	// ErrNotFound is returned when no document exists for a hash.
	ErrNotFound = errors.New("metadata not found")
	// ErrCorrupt is returned when a document exists but cannot be decoded.
	ErrCorrupt = errors.New("metadata corrupt")
)

// Store reads and writes FileRecord documents, one JSON file per content
// hash, under a dedicated directory of a storage backend.
type Store struct {
	backend *storage.Backend
	dir     string
}

// NewStore creates a metadata store rooted at dir on the given backend.
func NewStore(backend *storage.Backend, dir string) *Store {
	return &Store{backend: backend, dir: storage.Normalize(dir)}
}

// Path returns the document key for a content hash.
func (s *Store) Path(hash string) string {
	return s.dir + "/" + hash + ".json"
}

// Write persists a record as the document for its hash. The document is
// written to a temp key and renamed into place so readers never observe a
// partial document.
func (s *Store) Write(rec *FileRecord) error {
	if rec.Hash == "" {
		return fmt.Errorf("write metadata: record has no hash")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", rec.Hash, err)
	}

	tmp := s.Path(rec.Hash) + ".tmp"
	if err := s.backend.WriteFile(tmp, data); err != nil {
		return fmt.Errorf("write metadata %s: %w", rec.Hash, err)
	}
	if err := s.backend.Move(tmp, s.Path(rec.Hash)); err != nil {
		_ = s.backend.Delete(tmp)
		return fmt.Errorf("write metadata %s: %w", rec.Hash, err)
	}
	return nil
}

// Read loads the record for a hash. Returns ErrNotFound when no document
// exists and ErrCorrupt when the document cannot be decoded.
func (s *Store) Read(hash string) (*FileRecord, error) {
	return s.ReadDocument(s.Path(hash))
}

// ReadDocument loads a record from an explicit document key.
func (s *Store) ReadDocument(key string) (*FileRecord, error) {
	data, err := s.backend.ReadFile(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata %s: %w", key, err)
	}

	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	if rec.ID == "" || rec.Name == "" {
		return nil, fmt.Errorf("%w: %s: missing required fields", ErrCorrupt, key)
	}
	return &rec, nil
}

// Delete removes the document for a hash. Deleting a missing document is not
// an error.
func (s *Store) Delete(hash string) error {
	return s.backend.Delete(s.Path(hash))
}

// Keys returns the document keys of every metadata file, including ones that
// may not decode. Non-JSON strays are skipped.
func (s *Store) Keys() ([]string, error) {
	keys, err := s.backend.List(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list metadata: %w", err)
	}
	docs := keys[:0]
	for _, key := range keys {
		if strings.HasSuffix(key, ".json") {
			docs = append(docs, key)
		}
	}
	return docs, nil
}

// List returns every decodable record. Corrupt documents are logged and
// skipped.
func (s *Store) List() ([]*FileRecord, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}

	records := make([]*FileRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.ReadDocument(key)
		if err != nil {
			log.Warn().Str("key", key).Err(err).Msg("skipping unreadable metadata document")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ListLive returns all records that are not in trash, newest first.
func (s *Store) ListLive() ([]*FileRecord, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	live := all[:0]
	for _, rec := range all {
		if !rec.IsTrashed() {
			live = append(live, rec)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.After(live[j].CreatedAt)
	})
	return live, nil
}
