package vault

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/meta"
	"github.com/chunkvault/chunkvault/internal/storage"
)

// SyncStats summarizes one reconciliation pass.
type SyncStats struct {
	Created int // records created for untracked files
	Updated int // records refreshed or adopted
	Deleted int // records or stray files removed
}

// Sync reconciles the metadata store against the bytes on disk in three
// phases: verify every record, adopt untracked live files, adopt untracked
// trash files. Only one pass runs at a time; a concurrent call returns
// ErrSyncRunning.
func (v *Vault) Sync(ctx context.Context) (SyncStats, error) {
	if !v.syncMu.TryLock() {
		return SyncStats{}, ErrSyncRunning
	}
	defer v.syncMu.Unlock()

	var stats SyncStats
	seen := make(map[string]bool)
	livePaths := make(map[string]bool)
	trashPaths := make(map[string]bool)

	if err := v.syncRecords(ctx, &stats, seen, livePaths, trashPaths); err != nil {
		return stats, err
	}
	if err := v.syncLiveFiles(ctx, &stats, seen, livePaths); err != nil {
		return stats, err
	}
	if err := v.syncTrashFiles(ctx, &stats, seen, trashPaths); err != nil {
		return stats, err
	}

	getMetrics().syncRuns.Inc()
	log.Info().
		Int("created", stats.Created).
		Int("updated", stats.Updated).
		Int("deleted", stats.Deleted).
		Msg("metadata sync finished")
	return stats, nil
}

// syncRecords walks every metadata document, removing the unreadable and
// orphaned ones and refreshing fields that have drifted from the bytes on
// disk. A record's content may have been moved between the live tree and the
// trash behind the vault's back, so both recorded locations are checked and
// the trashed flag follows wherever the bytes actually are. Surviving hashes
// and paths are collected for the later phases.
func (v *Vault) syncRecords(ctx context.Context, stats *SyncStats, seen, livePaths, trashPaths map[string]bool) error {
	keys, err := v.meta.Keys()
	if err != nil {
		return err
	}

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := v.meta.ReadDocument(key)
		if err != nil {
			log.Warn().Str("key", key).Err(err).Msg("removing unreadable metadata document")
			_ = v.backend.Delete(key)
			stats.Deleted++
			continue
		}

		liveExists := rec.Path != "" && v.backend.Exists(rec.Path)
		trashExists := rec.TrashPath != "" && v.backend.Exists(rec.TrashPath)

		changed := false
		var location string
		switch {
		case liveExists:
			if rec.IsTrashed() {
				log.Info().Str("hash", rec.Hash).Str("path", rec.Path).Msg("bytes back in live tree, un-trashing record")
				if trashExists {
					_ = v.backend.Delete(rec.TrashPath)
				}
				rec.ClearDeleted(rec.Path)
				changed = true
			}
			location = rec.Path
		case trashExists:
			if !rec.IsTrashed() {
				log.Info().Str("hash", rec.Hash).Str("trash_path", rec.TrashPath).Msg("bytes only in trash, marking record trashed")
				rec.SetDeleted(rec.TrashPath)
				rec.URL = ""
				changed = true
			}
			location = rec.TrashPath
		default:
			log.Debug().Str("hash", rec.Hash).Str("path", rec.Path).Msg("removing record for missing file")
			_ = v.backend.Delete(key)
			stats.Deleted++
			continue
		}

		if size, err := v.backend.Size(location); err == nil && size != rec.Size {
			rec.Size = size
			changed = true
		}
		if mimeType := v.backend.DetectMime(location); mimeType != "" && mimeType != rec.Mime {
			rec.Mime = mimeType
			changed = true
		}
		if disk := v.backend.Name(); disk != rec.Disk {
			rec.Disk = disk
			changed = true
		}
		if !rec.IsTrashed() {
			if url := v.urls.Resolve(rec); url != rec.URL {
				rec.URL = url
				changed = true
			}
		}

		hash, err := v.hashKey(location)
		if err != nil {
			log.Warn().Str("location", location).Err(err).Msg("skipping unreadable file during sync")
			continue
		}
		if hash != rec.Hash {
			// Content changed under the record: the document moves to the
			// key of the new hash.
			log.Warn().Str("old_hash", rec.Hash).Str("new_hash", hash).Str("location", location).Msg("content hash drifted")
			rec.Hash = hash
			changed = true
		}

		if changed {
			if err := v.meta.Write(rec); err != nil {
				return err
			}
			if newKey := v.meta.Path(rec.Hash); newKey != key {
				_ = v.backend.Delete(key)
			}
			stats.Updated++
		}

		seen[rec.Hash] = true
		if rec.IsTrashed() {
			trashPaths[rec.TrashPath] = true
		} else {
			livePaths[rec.Path] = true
		}
	}
	return nil
}

// syncLiveFiles creates records for live files no document points at. A file
// whose content is already tracked elsewhere is left alone; the live tree is
// never pruned here.
func (v *Vault) syncLiveFiles(ctx context.Context, stats *SyncStats, seen, livePaths map[string]bool) error {
	keys, err := v.backend.List(v.cfg.Directory)
	if err != nil {
		return err
	}

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if v.isReservedKey(key) || livePaths[key] {
			continue
		}

		hash, err := v.hashKey(key)
		if err != nil {
			log.Warn().Str("key", key).Err(err).Msg("skipping unreadable file during sync")
			continue
		}

		if seen[hash] {
			log.Debug().Str("key", key).Str("hash", hash).Msg("skipping duplicate of tracked content")
			continue
		}

		rec, err := v.adoptFile(key, hash, false)
		if err != nil {
			return err
		}
		seen[hash] = true
		livePaths[key] = true
		stats.Created++
		log.Info().Str("key", key).Str("hash", rec.Hash).Msg("adopted untracked file")
	}
	return nil
}

// syncTrashFiles adopts trash files no document points at, marking the new
// records as already deleted so the TTL clock starts now. Trash copies of
// content that is tracked elsewhere are strays and get removed.
func (v *Vault) syncTrashFiles(ctx context.Context, stats *SyncStats, seen, trashPaths map[string]bool) error {
	keys, err := v.backend.List(v.cfg.TrashDirectory)
	if err != nil {
		return err
	}

	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if trashPaths[key] {
			continue
		}

		hash, err := v.hashKey(key)
		if err != nil {
			log.Warn().Str("key", key).Err(err).Msg("skipping unreadable trash file during sync")
			continue
		}

		if seen[hash] {
			// The content is tracked already; the trash copy is a stray.
			log.Debug().Str("key", key).Str("hash", hash).Msg("removing stray trash copy of tracked content")
			_ = v.backend.Delete(key)
			stats.Deleted++
			continue
		}

		if _, err := v.adoptFile(key, hash, true); err != nil {
			return err
		}
		seen[hash] = true
		trashPaths[key] = true
		stats.Updated++
		log.Info().Str("key", key).Str("hash", hash).Msg("adopted untracked trash file")
	}
	return nil
}

// adoptFile writes a fresh record for a file discovered on disk.
func (v *Vault) adoptFile(key, hash string, trashed bool) (*meta.FileRecord, error) {
	size, err := v.backend.Size(key)
	if err != nil {
		return nil, err
	}

	rec := &meta.FileRecord{
		ID:        uuid.NewString(),
		Name:      path.Base(key),
		Size:      size,
		Mime:      v.backend.DetectMime(key),
		Disk:      v.backend.Name(),
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}
	if trashed {
		rec.SetDeleted(key)
	} else {
		rec.Path = key
		rec.URL = v.urls.Resolve(rec)
	}
	if err := v.meta.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// isReservedKey reports whether a key lives inside one of the vault's
// working directories. Relevant when the live directory is the data root.
func (v *Vault) isReservedKey(key string) bool {
	for _, dir := range []string{v.cfg.TemporaryDirectory, v.cfg.MetadataDirectory, v.cfg.TrashDirectory} {
		prefix := storage.Normalize(dir) + "/"
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}
