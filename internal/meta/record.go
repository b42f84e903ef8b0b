// Package meta persists one metadata document per unique content hash.
package meta

import (
	"encoding/json"
	"time"
)

// FileRecord describes one stored file, keyed by its content hash. A record
// is either live (Path set) or trashed (TrashPath and DeletedAt set); never
// both.
type FileRecord struct {
	ID           string     // Stable identifier (upload id or generated uuid)
	Name         string     // Display name from the original upload
	Size         int64      // Byte size
	Mime         string     // Detected or declared content type
	Path         string     // Live storage key ("" while trashed)
	Disk         string     // Logical backend name
	Hash         string     // Hex SHA-256 of the content, primary dedup key
	CreatedAt    time.Time  // When the record was first created
	LastModified *int64     // Source file mtime in unix milliseconds, if known
	URL          string     // Resolved public URL ("" when unresolved)
	UserID       string     // Owner id ("" when anonymous)
	DeletedAt    *time.Time // Set while the record is in trash
	TrashPath    string     // Trash storage key ("" while live)

	// Extra holds unknown top-level keys found in the document. They are
	// written back verbatim so foreign writers' fields survive a rewrite.
	Extra map[string]json.RawMessage
}

// IsTrashed returns true if the record has been soft-deleted.
func (r *FileRecord) IsTrashed() bool {
	return r.DeletedAt != nil
}

// SetDeleted marks the record as trashed at the given trash key.
func (r *FileRecord) SetDeleted(trashPath string) {
	now := time.Now().UTC()
	r.DeletedAt = &now
	r.TrashPath = trashPath
	r.Path = ""
}

// ClearDeleted restores the record to the live state at the given key.
func (r *FileRecord) ClearDeleted(path string) {
	r.DeletedAt = nil
	r.TrashPath = ""
	r.Path = path
}

// recordJSON is the wire shape of the known FileRecord fields.
type recordJSON struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Size         int64      `json:"size"`
	Mime         string     `json:"mime"`
	Path         *string    `json:"path"`
	Disk         string     `json:"disk"`
	Hash         string     `json:"hash"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastModified *int64     `json:"lastModified"`
	URL          *string    `json:"url"`
	UserID       *string    `json:"userId"`
	DeletedAt    *time.Time `json:"deletedAt"`
	TrashPath    *string    `json:"trashPath"`
}

// knownKeys are the top-level keys owned by FileRecord itself.
var knownKeys = []string{
	"id", "name", "size", "mime", "path", "disk", "hash",
	"createdAt", "lastModified", "url", "userId", "deletedAt", "trashPath",
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromOptional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// MarshalJSON serializes the known fields merged with the preserved extra
// keys. Known fields win on collision.
func (r FileRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(r.Extra)+len(knownKeys))
	for k, v := range r.Extra {
		out[k] = v
	}

	known, err := json.Marshal(recordJSON{
		ID:           r.ID,
		Name:         r.Name,
		Size:         r.Size,
		Mime:         r.Mime,
		Path:         optional(r.Path),
		Disk:         r.Disk,
		Hash:         r.Hash,
		CreatedAt:    r.CreatedAt,
		LastModified: r.LastModified,
		URL:          optional(r.URL),
		UserID:       optional(r.UserID),
		DeletedAt:    r.DeletedAt,
		TrashPath:    optional(r.TrashPath),
	})
	if err != nil {
		return nil, err
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		out[k] = v
	}

	return json.Marshal(out)
}

// UnmarshalJSON deserializes the known fields and stashes every unknown
// top-level key under Extra.
func (r *FileRecord) UnmarshalJSON(data []byte) error {
	var known recordJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(raw, k)
	}

	*r = FileRecord{
		ID:           known.ID,
		Name:         known.Name,
		Size:         known.Size,
		Mime:         known.Mime,
		Path:         fromOptional(known.Path),
		Disk:         known.Disk,
		Hash:         known.Hash,
		CreatedAt:    known.CreatedAt,
		LastModified: known.LastModified,
		URL:          fromOptional(known.URL),
		UserID:       fromOptional(known.UserID),
		DeletedAt:    known.DeletedAt,
		TrashPath:    fromOptional(known.TrashPath),
	}
	if len(raw) > 0 {
		r.Extra = raw
	}
	return nil
}
