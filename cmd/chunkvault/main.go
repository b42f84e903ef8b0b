// chunkvault is the chunked file upload server and client tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chunkvault/chunkvault/internal/config"
	"github.com/chunkvault/chunkvault/internal/server"
	"github.com/chunkvault/chunkvault/internal/storage"
	"github.com/chunkvault/chunkvault/internal/uploader"
	"github.com/chunkvault/chunkvault/internal/vault"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Upload command flags
	uploadEndpoint  string
	uploadChunkSize int64
	uploadRetries   int
	uploadToken     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chunkvault",
		Short: "chunkvault - chunked file upload server with dedup and trash",
		Long: `chunkvault ingests files as independently submitted chunks, reassembles
them, deduplicates by content hash, and manages their lifecycle through a
TTL trash and a metadata reconciliation pass.

QUICK START:

  # Start the server:
  chunkvault serve --config /etc/chunkvault/config.yaml

  # Upload a file from another machine:
  chunkvault upload --server http://host:8742/file-upload/chunks report.pdf

MAINTENANCE:

  chunkvault sync      # reconcile metadata against the bytes on disk
  chunkvault cleanup   # purge trash entries past their TTL

For more help on any command, use: chunkvault <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile metadata with the files on disk",
		Long: `Walks the metadata store and the storage tree and repairs drift:
records whose bytes are gone are removed, untracked files are adopted,
and fields that no longer match the bytes are refreshed.`,
		RunE: runSync,
	}
	rootCmd.AddCommand(syncCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove trash entries past their TTL",
		RunE:  runCleanup,
	}
	rootCmd.AddCommand(cleanupCmd)

	uploadCmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files to a chunkvault server",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload,
	}
	uploadCmd.Flags().StringVarP(&uploadEndpoint, "server", "s", "http://localhost:8742/file-upload/chunks", "chunk endpoint URL")
	uploadCmd.Flags().Int64Var(&uploadChunkSize, "chunk-size", 1<<20, "chunk size in bytes")
	uploadCmd.Flags().IntVar(&uploadRetries, "retries", 3, "retries per chunk")
	uploadCmd.Flags().StringVarP(&uploadToken, "token", "t", "", "bearer token")
	rootCmd.AddCommand(uploadCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chunkvault %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.VaultConfig, error) {
	if cfgFile == "" {
		cfg := config.DefaultVaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.LoadVaultConfig(cfgFile)
}

func openVault(cfg *config.VaultConfig) (*vault.Vault, error) {
	backend, err := storage.NewDiskBackend(cfg.DataDir, "local")
	if err != nil {
		return nil, err
	}
	return vault.New(cfg, backend, vault.BaseURLResolver{Base: cfg.PublicBaseURL})
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := openVault(cfg)
	if err != nil {
		return err
	}
	srv := server.New(cfg, v, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := openVault(cfg)
	if err != nil {
		return err
	}

	stats, err := v.Sync(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("sync finished: %d created, %d updated, %d deleted\n",
		stats.Created, stats.Updated, stats.Deleted)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	v, err := openVault(cfg)
	if err != nil {
		return err
	}

	removed, err := v.CleanupTrash()
	if err != nil {
		return err
	}
	fmt.Printf("cleanup finished: %d files removed\n", removed)
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	setupLogging()

	opts := uploader.Options{
		Endpoint:            uploadEndpoint,
		ChunkSize:           uploadChunkSize,
		MaxRetries:          uploadRetries,
		RetryDelay:          time.Second,
		RetryDelayIncrement: time.Second,
		MaxRetryDelay:       30 * time.Second,
	}
	if uploadToken != "" {
		opts.Header = map[string][]string{"Authorization": {"Bearer " + uploadToken}}
	}
	opts.OnProgress = func(fraction float64) {
		log.Debug().Int("percent", int(fraction*100)).Msg("upload progress")
	}
	up := uploader.New(opts)

	for _, path := range args {
		result, err := up.SendFile(cmd.Context(), path)
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		fmt.Printf("%s -> %s (%d bytes, id %s)\n", path, result.Name, result.Size, result.ID)
	}
	return nil
}
