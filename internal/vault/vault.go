// Package vault implements chunked ingest, content-hash deduplication, the
// trash lifecycle and metadata reconciliation on top of a storage backend.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/meta"
	"github.com/chunkvault/chunkvault/internal/storage"
)

// Requester identifies the principal behind an operation. The zero value is
// an anonymous requester.
type Requester struct {
	ID    string
	Roles []string
}

// Vault ties the storage backend and metadata store together and owns the
// locking that keeps assembly and resolution race-free.
type Vault struct {
	cfg     *config.VaultConfig
	backend *storage.Backend
	meta    *meta.Store
	urls    URLResolver

	uploadLocks lockTable
	hashLocks   lockTable
	syncMu      sync.Mutex
}

// New creates a vault over the given backend and ensures its working
// directories exist.
func New(cfg *config.VaultConfig, backend *storage.Backend, urls URLResolver) (*Vault, error) {
	v := &Vault{
		cfg:     cfg,
		backend: backend,
		meta:    meta.NewStore(backend, cfg.MetadataDirectory),
		urls:    urls,
	}
	for _, dir := range []string{cfg.Directory, cfg.TemporaryDirectory, cfg.MetadataDirectory, cfg.TrashDirectory} {
		if err := backend.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("prepare vault directories: %w", err)
		}
	}
	return v, nil
}

// Meta exposes the metadata store for read paths.
func (v *Vault) Meta() *meta.Store {
	return v.meta
}

// liveKey maps a file name to its key in the live directory.
func (v *Vault) liveKey(name string) string {
	dir := storage.Normalize(v.cfg.Directory)
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// trashKey maps a file name to its key in the trash directory.
func (v *Vault) trashKey(name string) string {
	return storage.Normalize(v.cfg.TrashDirectory) + "/" + name
}

// tempKey maps an upload id and chunk index to the chunk's staging key.
func (v *Vault) tempKey(uploadID string, index int) string {
	return v.tempDir(uploadID) + "/" + fmt.Sprintf("%d", index)
}

// tempDir is the staging directory for one upload.
func (v *Vault) tempDir(uploadID string) string {
	return storage.Normalize(v.cfg.TemporaryDirectory) + "/" + uploadID
}

// ListFiles returns the live records, newest first. Returns nil without
// error when listing is disabled.
func (v *Vault) ListFiles() ([]*meta.FileRecord, error) {
	if !v.cfg.AllowList {
		return nil, nil
	}
	return v.meta.ListLive()
}

// canManage reports whether the requester may delete or restore the record.
// Unowned files are manageable by anyone.
func (v *Vault) canManage(rec *meta.FileRecord, req Requester) bool {
	if v.cfg.AllowDeleteAllFiles {
		return true
	}
	for _, u := range v.cfg.FullAccess.Users {
		if u != "" && u == req.ID {
			return true
		}
	}
	for _, role := range v.cfg.FullAccess.Roles {
		for _, have := range req.Roles {
			if role != "" && role == have {
				return true
			}
		}
	}
	if rec.UserID == "" {
		return true
	}
	return rec.UserID == req.ID
}

// hashKey computes the hex SHA-256 of the file at the given key.
func (v *Vault) hashKey(key string) (string, error) {
	f, err := v.backend.Open(key)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", key, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// freeName picks a destination name in the given directory that does not
// clobber an existing file, prefixing a counter on collision. A collision is
// tolerated only when the existing file is the same content, identified by
// the declared hash's record already pointing at the candidate.
func (v *Vault) freeName(keyFor func(string) string, name, declaredHash string) string {
	candidate := name
	for i := 1; ; i++ {
		key := keyFor(candidate)
		if !v.backend.Exists(key) {
			return candidate
		}
		if declaredHash != "" {
			if rec, err := v.meta.Read(declaredHash); err == nil && rec.Path == key {
				return candidate
			}
		}
		candidate = fmt.Sprintf("%d-%s", i, name)
	}
}

// baseName strips any directory portion from an untrusted file name.
func baseName(name string) string {
	return path.Base(storage.Normalize(name))
}
