package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"game id", func(c *Config) string { return c.Game.ID }, "game"},
		{"strictness", func(c *Config) string { return c.Scan.Strictness }, "full"},
		{"user agent", func(c *Config) string { return c.Download.UserAgent }, "gamescan/0.1"},
		{"listen address", func(c *Config) string { return c.Server.Listen }, "127.0.0.1:8080"},
		{"db path", func(c *Config) string { return c.Server.DBPath }, ""},
		{"progress interval", func(c *Config) string { return c.Download.ProgressInterval.String() }, "250ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Scan.DownloadAttempts != 3 {
		t.Errorf("Scan.DownloadAttempts = %d, want 3", cfg.Scan.DownloadAttempts)
	}
	if cfg.Download.RetryCount != 3 {
		t.Errorf("Download.RetryCount = %d, want 3", cfg.Download.RetryCount)
	}
	if !cfg.Manifest.Cache {
		t.Error("Manifest.Cache = false, want true")
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "gamescan.yaml")

	configContent := `
game:
  id: "starfall"
  version: "2.4.1"
  root: "/games/starfall"
manifest:
  url: "https://cdn.example.com/starfall/2.4.1/manifest.json.zst"
  fetch_attempts: 5
  cache: false
scan:
  strictness: "quick"
  staging_dir: "/var/tmp/starfall"
  download_attempts: 2
  workers: 8
download:
  retry_count: 6
  progress_interval: 1s
  max_bytes_per_second: 1048576
server:
  listen: "0.0.0.0:9000"
  db_path: "/var/lib/gamescan/history.db"
`
	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Game.ID != "starfall" || cfg.Game.Version != "2.4.1" || cfg.Game.Root != "/games/starfall" {
		t.Errorf("unexpected game section: %+v", cfg.Game)
	}
	if cfg.Manifest.FetchAttempts != 5 {
		t.Errorf("Manifest.FetchAttempts = %d, want 5", cfg.Manifest.FetchAttempts)
	}
	if cfg.Manifest.Cache {
		t.Error("Manifest.Cache = true, want false")
	}
	if cfg.Scan.Strictness != "quick" {
		t.Errorf("Scan.Strictness = %q, want quick", cfg.Scan.Strictness)
	}
	if cfg.Scan.Workers != 8 {
		t.Errorf("Scan.Workers = %d, want 8", cfg.Scan.Workers)
	}
	if cfg.Download.ProgressInterval != time.Second {
		t.Errorf("Download.ProgressInterval = %s, want 1s", cfg.Download.ProgressInterval)
	}
	if cfg.Download.MaxBytesPerSecond != 1048576 {
		t.Errorf("Download.MaxBytesPerSecond = %d, want 1048576", cfg.Download.MaxBytesPerSecond)
	}
	// Unset values keep their defaults.
	if cfg.Scan.GateAttempts != 3 {
		t.Errorf("Scan.GateAttempts = %d, want default 3", cfg.Scan.GateAttempts)
	}
	if cfg.Download.UserAgent != "gamescan/0.1" {
		t.Errorf("Download.UserAgent = %q, want default", cfg.Download.UserAgent)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
	if got := cfg.ManifestIdentity(); got != "starfall/2.4.1" {
		t.Errorf("ManifestIdentity() = %q", got)
	}
	staging, err := cfg.StagingDir()
	if err != nil || staging != "/var/tmp/starfall" {
		t.Errorf("StagingDir() = %q, %v", staging, err)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.yaml")

	invalidContent := `
game:
  id: "x"
  invalid: [unclosed bracket
`
	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Game.Root = "/games/x"
		cfg.Manifest.Path = "/games/x/manifest.json"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing root", func(c *Config) { c.Game.Root = "" }, "game.root"},
		{"missing manifest source", func(c *Config) { c.Manifest.Path = "" }, "manifest.url or manifest.path"},
		{"bad strictness", func(c *Config) { c.Scan.Strictness = "paranoid" }, "scan.strictness"},
		{"uppercase strictness", func(c *Config) { c.Scan.Strictness = "QUICK" }, ""},
		{"zero download attempts", func(c *Config) { c.Scan.DownloadAttempts = 0 }, "scan.download_attempts"},
		{"zero workers", func(c *Config) { c.Scan.Workers = 0 }, "scan.workers"},
		{"zero retry count", func(c *Config) { c.Download.RetryCount = 0 }, "download.retry_count"},
		{"zero interval", func(c *Config) { c.Download.ProgressInterval = 0 }, "download.progress_interval"},
		{"negative bandwidth", func(c *Config) { c.Download.MaxBytesPerSecond = -1 }, "max_bytes_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scan.Workers = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"game.root", "manifest.url", "scan.workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestManifestIdentityWithoutVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Game.ID = "starfall"
	if got := cfg.ManifestIdentity(); got != "starfall" {
		t.Errorf("ManifestIdentity() = %q, want starfall", got)
	}
}

// TestFindConfigFileFound tests that FindConfigFile returns the found config
func TestFindConfigFileFound(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})

	if err := os.WriteFile(filepath.Join(tempDir, "gamescan.yaml"), []byte("game:\n  id: x\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	found, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() failed: %v", err)
	}
	if found != "gamescan.yaml" {
		t.Errorf("FindConfigFile() = %q, want gamescan.yaml", found)
	}
}
