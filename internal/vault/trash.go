package vault

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/meta"
)

// Delete moves the file with the given hash to trash, or removes it outright
// when soft delete is disabled. Deleting an already-trashed file succeeds
// without effect.
func (v *Vault) Delete(hash string, req Requester) error {
	v.hashLocks.lock(hash)
	defer v.hashLocks.unlock(hash)

	rec, err := v.meta.Read(hash)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !v.canManage(rec, req) {
		return ErrForbidden
	}
	if rec.IsTrashed() {
		return nil
	}

	if !v.cfg.SoftDelete {
		if err := v.backend.Delete(rec.Path); err != nil {
			return fmt.Errorf("delete %s: %w", rec.Path, err)
		}
		if err := v.meta.Delete(hash); err != nil {
			return err
		}
		log.Info().Str("hash", hash).Str("path", rec.Path).Msg("file deleted")
		return nil
	}

	if !v.backend.Exists(rec.Path) {
		// Bytes are already gone; drop the dangling record.
		_ = v.meta.Delete(hash)
		return ErrNotFound
	}

	trashName := v.freeName(v.trashKey, rec.Name, "")
	trashKey := v.trashKey(trashName)
	if err := v.backend.Move(rec.Path, trashKey); err != nil {
		return fmt.Errorf("move to trash: %w", err)
	}

	rec.SetDeleted(trashKey)
	rec.URL = ""
	if err := v.meta.Write(rec); err != nil {
		return err
	}

	getMetrics().trashedFiles.Inc()
	log.Info().Str("hash", hash).Str("trash_path", trashKey).Msg("file moved to trash")
	return nil
}

// Restore moves a trashed file back into the live directory. Restoring a
// file that is already live succeeds without effect.
func (v *Vault) Restore(hash string, req Requester) (*meta.FileRecord, error) {
	v.hashLocks.lock(hash)
	defer v.hashLocks.unlock(hash)

	rec, err := v.meta.Read(hash)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !v.canManage(rec, req) {
		return nil, ErrForbidden
	}
	if !rec.IsTrashed() {
		return rec, nil
	}

	if !v.backend.Exists(rec.TrashPath) {
		_ = v.meta.Delete(hash)
		return nil, ErrNotFound
	}

	destName := v.freeName(v.liveKey, rec.Name, "")
	destKey := v.liveKey(destName)
	if err := v.backend.Move(rec.TrashPath, destKey); err != nil {
		return nil, fmt.Errorf("restore from trash: %w", err)
	}

	rec.ClearDeleted(destKey)
	rec.Name = destName
	rec.URL = v.urls.Resolve(rec)
	if err := v.meta.Write(rec); err != nil {
		return nil, err
	}

	getMetrics().restoredFiles.Inc()
	log.Info().Str("hash", hash).Str("path", destKey).Msg("file restored from trash")
	return rec, nil
}
