package vault

import (
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupTrash removes every trashed file whose deletion time has passed the
// configured TTL, together with its metadata. A TTL of zero or less empties
// the trash entirely. Returns the number of files removed.
func (v *Vault) CleanupTrash() (int, error) {
	threshold := time.Now().UTC()
	if v.cfg.TrashTTLDays > 0 {
		threshold = threshold.AddDate(0, 0, -v.cfg.TrashTTLDays)
	}

	records, err := v.meta.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range records {
		if !rec.IsTrashed() || rec.DeletedAt.After(threshold) {
			continue
		}

		v.hashLocks.lock(rec.Hash)
		if err := v.backend.Delete(rec.TrashPath); err != nil {
			v.hashLocks.unlock(rec.Hash)
			log.Warn().Str("hash", rec.Hash).Err(err).Msg("failed to remove expired trash file")
			continue
		}
		if err := v.meta.Delete(rec.Hash); err != nil {
			v.hashLocks.unlock(rec.Hash)
			log.Warn().Str("hash", rec.Hash).Err(err).Msg("failed to remove expired trash metadata")
			continue
		}
		v.hashLocks.unlock(rec.Hash)

		removed++
		getMetrics().cleanupRemoved.Inc()
		log.Debug().Str("hash", rec.Hash).Str("trash_path", rec.TrashPath).Msg("expired trash entry removed")
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Time("threshold", threshold).Msg("trash cleanup finished")
	}
	return removed, nil
}
