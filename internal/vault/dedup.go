package vault

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/meta"
)

// resolveAssembled decides what an assembled file becomes: a new record, a
// duplicate of an existing live file, or the resurrection of a trashed one.
// Callers hold the per-hash lock.
func (v *Vault) resolveAssembled(p ChunkPayload, destName, destKey, hash string, size int64, mimeType string, req Requester) (*meta.FileRecord, error) {
	rec, err := v.meta.Read(hash)
	switch {
	case err == nil && !rec.IsTrashed():
		if rec.Path != destKey && v.backend.Exists(rec.Path) {
			// Same content is already stored; drop the fresh copy.
			_ = v.backend.Delete(destKey)
			getMetrics().dedupHits.Inc()
			log.Debug().Str("hash", hash).Str("path", rec.Path).Msg("duplicate content discarded")
			return rec, nil
		}
		// The record's bytes have gone missing; adopt the fresh copy.
		rec.Path = destKey
		rec.Name = destName
		rec.Size = size
		rec.Mime = mimeType
		rec.URL = v.urls.Resolve(rec)
		if err := v.meta.Write(rec); err != nil {
			return nil, err
		}
		return rec, nil

	case err == nil:
		// Trashed copy of the same content: resurrect the record onto the
		// freshly assembled bytes and drop the trash copy.
		if rec.TrashPath != "" {
			_ = v.backend.Delete(rec.TrashPath)
		}
		rec.ClearDeleted(destKey)
		rec.Name = destName
		rec.Size = size
		rec.Mime = mimeType
		rec.UserID = req.ID
		rec.LastModified = p.LastModified
		rec.URL = v.urls.Resolve(rec)
		if err := v.meta.Write(rec); err != nil {
			return nil, err
		}
		getMetrics().dedupHits.Inc()
		log.Info().Str("hash", hash).Str("name", destName).Msg("trashed content resurrected by re-upload")
		return rec, nil

	case errors.Is(err, meta.ErrNotFound) || errors.Is(err, meta.ErrCorrupt):
		if errors.Is(err, meta.ErrCorrupt) {
			log.Warn().Str("hash", hash).Err(err).Msg("replacing corrupt metadata document")
		}
		rec = &meta.FileRecord{
			ID:           p.UploadID,
			Name:         destName,
			Size:         size,
			Mime:         mimeType,
			Path:         destKey,
			Disk:         v.backend.Name(),
			Hash:         hash,
			CreatedAt:    time.Now().UTC(),
			LastModified: p.LastModified,
			UserID:       req.ID,
		}
		rec.URL = v.urls.Resolve(rec)
		if err := v.meta.Write(rec); err != nil {
			return nil, err
		}
		return rec, nil

	default:
		return nil, err
	}
}
