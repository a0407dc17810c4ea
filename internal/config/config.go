// Package config loads and persists tcap configuration, including the
// CaptureConfig that producers poll with bounded staleness.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/theirongolddev/tcap/internal/model"
)

// ErrInvalidConfig marks a config file that exists but cannot be used.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all tcap configuration.
type Config struct {
	Capture   CaptureConfig   `toml:"capture"`
	Storage   StorageConfig   `toml:"storage"`
	Processor ProcessorConfig `toml:"processor"`
	Query     QueryConfig     `toml:"query"`
	Daemon    DaemonConfig    `toml:"daemon"`
	Log       LogConfig       `toml:"log"`
}

// CaptureConfig controls what producers record.
type CaptureConfig struct {
	Enabled           bool     `toml:"enabled" json:"enabled" yaml:"enabled"`
	CaptureCommands   bool     `toml:"capture_commands" json:"capture_commands" yaml:"capture_commands"`
	CaptureOutputs    bool     `toml:"capture_outputs" json:"capture_outputs" yaml:"capture_outputs"`
	CaptureErrors     bool     `toml:"capture_errors" json:"capture_errors" yaml:"capture_errors"`
	ExclusionPatterns []string `toml:"exclusion_patterns" json:"exclusion_patterns" yaml:"exclusion_patterns"`
	IncludedProjects  []string `toml:"included_projects,omitempty" json:"included_projects,omitempty" yaml:"included_projects,omitempty"`
	ExcludedProjects  []string `toml:"excluded_projects,omitempty" json:"excluded_projects,omitempty" yaml:"excluded_projects,omitempty"`
	ConfigTTLMillis   int      `toml:"config_ttl_ms" json:"config_ttl_ms" yaml:"config_ttl_ms"`
}

// StorageConfig locates the workspace and sizes chunks and the queue.
type StorageConfig struct {
	Root             string `toml:"root,omitempty"`
	MaxChunkSize     int    `toml:"max_chunk_size"`
	CompressionLevel int    `toml:"compression_level"`
	MaxQueueBytes    int64  `toml:"max_queue_bytes"`
}

// ProcessorConfig tunes the background queue processor.
type ProcessorConfig struct {
	IntervalSecs   int `toml:"interval_secs"`
	SessionTTLSecs int `toml:"session_ttl_secs"`
	BatchSize      int `toml:"batch_size"`
}

// QueryConfig configures the read-only agent surface.
type QueryConfig struct {
	Addr     string `toml:"addr"`
	Semantic string `toml:"semantic"` // "trigram" or "off"
}

// DaemonConfig configures the local-only control API.
type DaemonConfig struct {
	Addr string `toml:"addr"`
}

// LogConfig sets the slog level.
type LogConfig struct {
	Level string `toml:"level"`
}

// DefaultExclusionPatterns drop events that commonly carry credentials.
var DefaultExclusionPatterns = []string{
	`(?i)pass(word|wd)?\s*[=:]`,
	`(?i)(api[_-]?key|secret|access[_-]?token|auth[_-]?token)\s*[=:]`,
	`(?i)authorization:\s*bearer\s+\S+`,
	`AKIA[0-9A-Z]{16}`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
	`(?i)\b(export|set)\s+\w*(TOKEN|SECRET|PASSWORD|KEY)\w*=`,
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Capture: CaptureConfig{
			Enabled:           true,
			CaptureCommands:   true,
			CaptureOutputs:    true,
			CaptureErrors:     true,
			ExclusionPatterns: append([]string(nil), DefaultExclusionPatterns...),
			ConfigTTLMillis:   1000,
		},
		Storage: StorageConfig{
			MaxChunkSize:     64 * 1024,
			CompressionLevel: 3,
			MaxQueueBytes:    32 << 20,
		},
		Processor: ProcessorConfig{
			IntervalSecs:   5,
			SessionTTLSecs: 30 * 60,
			BatchSize:      2000,
		},
		Query: QueryConfig{
			Addr:     "127.0.0.1:8790",
			Semantic: "trigram",
		},
		Daemon: DaemonConfig{
			Addr: "127.0.0.1:8791",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SafeDefault is used when the config file is unreadable and no
// last-known-good copy exists. Capture is off until the file is fixed.
func SafeDefault() Config {
	cfg := DefaultConfig()
	cfg.Capture.Enabled = false
	return cfg
}

// Captures reports whether events of kind k should be recorded.
func (c CaptureConfig) Captures(k model.Kind) bool {
	switch k {
	case model.KindCommand:
		return c.CaptureCommands
	case model.KindOutput:
		return c.CaptureOutputs
	case model.KindError:
		return c.CaptureErrors
	}
	// lifecycle markers always pass
	return true
}

// TTL is the maximum staleness a producer tolerates for this config.
func (c CaptureConfig) TTL() time.Duration {
	if c.ConfigTTLMillis < 0 {
		return 0
	}
	return time.Duration(c.ConfigTTLMillis) * time.Millisecond
}

// Interval returns the processor tick interval.
func (p ProcessorConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSecs) * time.Second
}

// SessionTTL returns the inactivity timeout after which sessions close.
func (p ProcessorConfig) SessionTTL() time.Duration {
	return time.Duration(p.SessionTTLSecs) * time.Second
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Storage.MaxChunkSize <= 0 {
		return fmt.Errorf("%w: storage.max_chunk_size must be positive", ErrInvalidConfig)
	}
	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 22 {
		return fmt.Errorf("%w: storage.compression_level must be in 1..22", ErrInvalidConfig)
	}
	if c.Storage.MaxQueueBytes <= 0 {
		return fmt.Errorf("%w: storage.max_queue_bytes must be positive", ErrInvalidConfig)
	}
	if c.Processor.IntervalSecs < 1 {
		return fmt.Errorf("%w: processor.interval_secs must be at least 1", ErrInvalidConfig)
	}
	if c.Processor.BatchSize < 1 {
		return fmt.Errorf("%w: processor.batch_size must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Dir returns the XDG-compliant config directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "tcap")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "tcap")
}

// Path returns the config file path, honoring TCAP_CONFIG.
func Path() string {
	if p := os.Getenv("TCAP_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.toml")
}

// DataDir returns the default workspace root, honoring TCAP_ROOT.
func DataDir() string {
	if root := os.Getenv("TCAP_ROOT"); root != "" {
		return root
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "tcap")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "tcap")
}

// Root returns the workspace root for this config.
func (c Config) Root() string {
	if c.Storage.Root != "" {
		return c.Storage.Root
	}
	return DataDir()
}

// Load reads the config at Path(), returning defaults if it doesn't exist.
func Load() (Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config file at path, returning defaults if it doesn't
// exist. A file that fails to parse or validate yields ErrInvalidConfig.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // config path is chosen by the local user
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the config to Path().
func Save(cfg Config) error {
	return SaveFile(Path(), cfg)
}

// SaveFile writes the config atomically so concurrent readers never observe
// a partially written file.
func SaveFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod config: %w", err)
	}
	return os.Rename(tmpName, path)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(Path())
	return err == nil
}
