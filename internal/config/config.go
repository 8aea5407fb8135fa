package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Game     GameConfig     `yaml:"game"`
	Manifest ManifestConfig `yaml:"manifest"`
	Scan     ScanConfig     `yaml:"scan"`
	Download DownloadConfig `yaml:"download"`
	Server   ServerConfig   `yaml:"server"`
}

// GameConfig identifies the installation being scanned
type GameConfig struct {
	ID      string `yaml:"id"`
	Version string `yaml:"version"`
	Root    string `yaml:"root"`
}

// ManifestConfig describes where the manifest comes from. URL takes
// precedence over Path when both are set.
type ManifestConfig struct {
	URL           string `yaml:"url"`
	Path          string `yaml:"path"`
	FetchAttempts int    `yaml:"fetch_attempts"`
	Cache         bool   `yaml:"cache"`
	MaxSize       int64  `yaml:"max_size"`
}

// ScanConfig holds scan and repair settings
type ScanConfig struct {
	Strictness       string `yaml:"strictness"`
	StagingDir       string `yaml:"staging_dir"`
	DownloadAttempts int    `yaml:"download_attempts"`
	GateAttempts     int    `yaml:"gate_attempts"`
	Workers          int    `yaml:"workers"`
}

// DownloadConfig holds transfer settings
type DownloadConfig struct {
	RetryCount        int           `yaml:"retry_count"`
	UserAgent         string        `yaml:"user_agent"`
	ProgressInterval  time.Duration `yaml:"progress_interval"`
	MaxBytesPerSecond int64         `yaml:"max_bytes_per_second"`
}

// ServerConfig holds progress server and history database settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Game: GameConfig{
			ID: "game",
		},
		Manifest: ManifestConfig{
			FetchAttempts: 3,
			Cache:         true,
			MaxSize:       64 << 20,
		},
		Scan: ScanConfig{
			Strictness:       "full",
			DownloadAttempts: 3,
			GateAttempts:     3,
			Workers:          4,
		},
		Download: DownloadConfig{
			RetryCount:       3,
			UserAgent:        "gamescan/0.1",
			ProgressInterval: 250 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"gamescan.yaml",
		"/etc/gamescan/gamescan.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "gamescan", "gamescan.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks the settings needed to run a scan. It reports every
// problem it finds rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error
	if c.Game.ID == "" {
		errs = append(errs, errors.New("game.id is required"))
	}
	if c.Game.Root == "" {
		errs = append(errs, errors.New("game.root is required"))
	}
	if c.Manifest.URL == "" && c.Manifest.Path == "" {
		errs = append(errs, errors.New("one of manifest.url or manifest.path is required"))
	}
	if c.Manifest.FetchAttempts < 1 {
		errs = append(errs, fmt.Errorf("manifest.fetch_attempts must be at least 1, got %d", c.Manifest.FetchAttempts))
	}
	if c.Manifest.MaxSize <= 0 {
		errs = append(errs, fmt.Errorf("manifest.max_size must be positive, got %d", c.Manifest.MaxSize))
	}
	switch strings.ToLower(c.Scan.Strictness) {
	case "quick", "full":
	default:
		errs = append(errs, fmt.Errorf("scan.strictness must be quick or full, got %q", c.Scan.Strictness))
	}
	if c.Scan.DownloadAttempts < 1 {
		errs = append(errs, fmt.Errorf("scan.download_attempts must be at least 1, got %d", c.Scan.DownloadAttempts))
	}
	if c.Scan.GateAttempts < 1 {
		errs = append(errs, fmt.Errorf("scan.gate_attempts must be at least 1, got %d", c.Scan.GateAttempts))
	}
	if c.Scan.Workers < 1 {
		errs = append(errs, fmt.Errorf("scan.workers must be at least 1, got %d", c.Scan.Workers))
	}
	if c.Download.RetryCount < 1 {
		errs = append(errs, fmt.Errorf("download.retry_count must be at least 1, got %d", c.Download.RetryCount))
	}
	if c.Download.ProgressInterval <= 0 {
		errs = append(errs, fmt.Errorf("download.progress_interval must be positive, got %s", c.Download.ProgressInterval))
	}
	if c.Download.MaxBytesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("download.max_bytes_per_second must not be negative, got %d", c.Download.MaxBytesPerSecond))
	}
	return errors.Join(errs...)
}

// ManifestIdentity is the game/version key the manifest is cached under.
func (c *Config) ManifestIdentity() string {
	if c.Game.Version == "" {
		return c.Game.ID
	}
	return c.Game.ID + "/" + c.Game.Version
}

// StagingDir returns the configured staging directory, defaulting to a
// per-game directory under the user cache.
func (c *Config) StagingDir() (string, error) {
	if c.Scan.StagingDir != "" {
		return c.Scan.StagingDir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache dir: %w", err)
	}
	return filepath.Join(base, "gamescan", c.Game.ID), nil
}

// DBPath returns the history database path, defaulting to the user cache.
func (c *Config) DBPath() (string, error) {
	if c.Server.DBPath != "" {
		return c.Server.DBPath, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache dir: %w", err)
	}
	return filepath.Join(base, "gamescan", "gamescan.db"), nil
}
