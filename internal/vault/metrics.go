package vault

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type vaultMetrics struct {
	chunksReceived  prometheus.Counter
	filesAssembled  prometheus.Counter
	dedupHits       prometheus.Counter
	integrityErrors prometheus.Counter
	trashedFiles    prometheus.Counter
	restoredFiles   prometheus.Counter
	cleanupRemoved  prometheus.Counter
	syncRuns        prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *vaultMetrics
)

// getMetrics registers the vault metrics exactly once on the default
// registry.
func getMetrics() *vaultMetrics {
	metricsOnce.Do(func() {
		metrics = &vaultMetrics{
			chunksReceived: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chunkvault_chunks_received_total",
				Help: "Chunks accepted into staging",
			}),
			filesAssembled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chunkvault_files_assembled_total",
				Help: "Files assembled from their final chunk",
			}),
			dedupHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chunkvault_dedup_hits_total",
				Help: "Uploads resolved to an existing content hash",
			}),
			integrityErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chunkvault_integrity_errors_total",
				Help: "Assemblies rejected by hash or chunk verification",
			}),
			trashedFiles: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chunkvault_trashed_files_total",
				Help: "Files moved to trash",
			}),
			restoredFiles: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chunkvault_restored_files_total",
				Help: "Files restored from trash",
			}),
			cleanupRemoved: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chunkvault_cleanup_removed_total",
				Help: "Expired trash entries removed by cleanup",
			}),
			syncRuns: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chunkvault_sync_runs_total",
				Help: "Completed metadata reconciliation passes",
			}),
		}
	})
	return metrics
}
