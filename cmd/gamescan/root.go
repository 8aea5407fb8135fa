package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BadgerOps/gamescan/internal/config"
	"github.com/BadgerOps/gamescan/internal/download"
	"github.com/BadgerOps/gamescan/internal/manifest"
	"github.com/BadgerOps/gamescan/internal/safety"
	"github.com/BadgerOps/gamescan/internal/scanner"
	"github.com/BadgerOps/gamescan/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath   string
	rootDir   string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore   *store.Store
	globalLoader  *manifest.Loader
	globalManager *scanner.Manager
)

// initializeComponents opens the history store and builds the manifest
// loader, download client, and scan manager from the loaded config.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := globalCfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dbPath, err := globalCfg.DBPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	st, err := store.New(dbPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	fetcher, err := newManifestFetcher(globalCfg)
	if err != nil {
		return err
	}
	var cache manifest.Cache
	if globalCfg.Manifest.Cache {
		cache = globalStore
	}
	globalLoader = manifest.NewLoader(fetcher, manifest.LoaderOptions{
		Identity: globalCfg.ManifestIdentity(),
		Attempts: globalCfg.Manifest.FetchAttempts,
		Cache:    cache,
	}, logger)

	client := download.NewClient(logger,
		download.WithUserAgent(globalCfg.Download.UserAgent),
		download.WithRetryCount(globalCfg.Download.RetryCount),
		download.WithProgressInterval(globalCfg.Download.ProgressInterval),
		download.WithMaxBytesPerSecond(globalCfg.Download.MaxBytesPerSecond),
	)

	staging, err := globalCfg.StagingDir()
	if err != nil {
		return err
	}
	globalManager, err = scanner.New(scanner.Options{
		Game:             globalCfg.Game.ID,
		Root:             globalCfg.Game.Root,
		StagingDir:       staging,
		DownloadAttempts: globalCfg.Scan.DownloadAttempts,
		GateAttempts:     globalCfg.Scan.GateAttempts,
		Workers:          globalCfg.Scan.Workers,
		History:          globalStore,
	}, globalLoader, client, logger)
	if err != nil {
		return fmt.Errorf("failed to create scan manager: %w", err)
	}

	logger.Debug("components initialized", "game", globalCfg.Game.ID, "root", globalManager.Root(), "staging", staging, "db", dbPath)
	return nil
}

func newManifestFetcher(cfg *config.Config) (manifest.Fetcher, error) {
	if cfg.Manifest.URL != "" {
		client := safety.NewHTTPClient(0, cfg.Download.UserAgent)
		f, err := manifest.NewHTTPFetcher(cfg.Manifest.URL, client, cfg.Manifest.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to configure manifest source: %w", err)
		}
		return f, nil
	}
	return manifest.NewFileFetcher(cfg.Manifest.Path, cfg.Manifest.MaxSize), nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"config":     true,
		"show":       true,
		"validate":   true,
		"completion": true,
	}
	return skipInitCmds[cmdName]
}

// closeComponents stops in-flight scans and closes the store. It is safe to
// call more than once.
func closeComponents() {
	if globalManager != nil {
		globalManager.Close()
		globalManager = nil
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gamescan",
		Short: "Verify and repair a game installation against its manifest",
		Long: `gamescan checks an installed game against a manifest of expected files,
sizes, and SHA-256 hashes. Missing or damaged files are downloaded again,
unpacked when they ship inside an archive, verified, and moved into place.

A quick scan only compares sizes and never changes anything. A full scan also
hashes every file.`,
		Example: `  gamescan quickscan
  gamescan scan --strictness full
  gamescan check --yes
  gamescan serve --listen 127.0.0.1:8080
  gamescan status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd.ErrOrStderr())

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if rootDir != "" {
				globalCfg.Game.Root = rootDir
			}

			logger.Debug("config loaded", "path", cfgPath, "game", globalCfg.Game.ID, "root", globalCfg.Game.Root)

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeComponents()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&rootDir, "root", "", "override the game installation directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newQuickScanCmd(),
		newScanCmd(),
		newCheckCmd(),
		newManifestCmd(),
		newStatusCmd(),
		newServeCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging(w io.Writer) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}
