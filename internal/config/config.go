package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the engine configuration
type Config struct {
	Database    DatabaseConfig    `toml:"database"`
	Library     LibraryConfig     `toml:"library"`
	Scanner     ScannerConfig     `toml:"scanner"`
	Duplicates  DuplicatesConfig  `toml:"duplicates"`
	Search      SearchConfig      `toml:"search"`
	Watcher     WatcherConfig     `toml:"watcher"`
	Logging     LoggingConfig     `toml:"logging"`
	Preferences PreferencesConfig `toml:"preferences"`
}

// DatabaseConfig contains catalog store configuration
type DatabaseConfig struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// LibraryConfig contains music library configuration
type LibraryConfig struct {
	Folders          []string `toml:"folders"`
	SupportedFormats []string `toml:"supported_formats"`
	ScanOnStartup    bool     `toml:"scan_on_startup"`
	// ArtistSplitExceptions are artist names that contain a delimiter but
	// must never be split into several artists.
	ArtistSplitExceptions []string `toml:"artist_split_exceptions"`
}

// ScannerConfig controls batching and extraction limits
type ScannerConfig struct {
	BatchSize            int    `toml:"batch_size"`
	LargeBatchSize       int    `toml:"large_batch_size"`
	LargeFolderThreshold int    `toml:"large_folder_threshold"`
	ExtractionTimeout    string `toml:"extraction_timeout"`
}

// DuplicatesConfig controls duplicate track detection
type DuplicatesConfig struct {
	Enabled           bool    `toml:"enabled"`
	DurationTolerance float64 `toml:"duration_tolerance_seconds"`
	// TitleSimilarity enables fuzzy title matching when > 0 (Jaro-Winkler, 0..1).
	TitleSimilarity float64 `toml:"title_similarity"`
}

// SearchConfig contains full-text search configuration
type SearchConfig struct {
	ResultLimit int `toml:"result_limit"`
}

// WatcherConfig contains file watcher configuration
type WatcherConfig struct {
	Enabled          bool   `toml:"enabled"`
	Debounce         string `toml:"debounce"`
	RescansPerMinute int    `toml:"rescans_per_minute"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// PreferencesConfig locates the user preferences file
type PreferencesConfig struct {
	Path string `toml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:          "./legato.db",
			BusyTimeoutMS: 5000,
		},
		Library: LibraryConfig{
			Folders:               []string{},
			SupportedFormats:      []string{".mp3", ".flac", ".m4a", ".aac", ".wav", ".aiff", ".aif", ".ogg", ".opus", ".alac"},
			ScanOnStartup:         true,
			ArtistSplitExceptions: []string{
				"Simon & Garfunkel", "AC/DC", "Earth, Wind & Fire", "Crosby, Stills, Nash & Young",
				"Tyler, The Creator", "Emerson, Lake & Palmer", "Blood, Sweat & Tears", "Peter, Paul and Mary",
			},
		},
		Scanner: ScannerConfig{
			BatchSize:            50,
			LargeBatchSize:       200,
			LargeFolderThreshold: 5000,
			ExtractionTimeout:    "10s",
		},
		Duplicates: DuplicatesConfig{
			Enabled:           true,
			DurationTolerance: 2.0,
			TitleSimilarity:   0,
		},
		Search: SearchConfig{
			ResultLimit: 200,
		},
		Watcher: WatcherConfig{
			Enabled:          false,
			Debounce:         "2s",
			RescansPerMinute: 6,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
		Preferences: PreferencesConfig{
			Path: "./preferences.toml",
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Legato Catalog Configuration
# Library folders, scanner batching, duplicate detection and logging.
# Edit the values below to customize the engine.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.BusyTimeoutMS < 0 {
		return fmt.Errorf("database busy timeout must not be negative")
	}

	if len(c.Library.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported audio format must be specified")
	}

	if c.Scanner.BatchSize < 1 {
		return fmt.Errorf("scanner batch size must be at least 1")
	}
	if c.Scanner.LargeBatchSize < c.Scanner.BatchSize {
		return fmt.Errorf("scanner large batch size must be at least the batch size")
	}
	if _, err := time.ParseDuration(c.Scanner.ExtractionTimeout); err != nil {
		return fmt.Errorf("invalid extraction timeout %q: %w", c.Scanner.ExtractionTimeout, err)
	}

	if c.Duplicates.DurationTolerance < 0 {
		return fmt.Errorf("duplicate duration tolerance must not be negative")
	}
	if c.Duplicates.TitleSimilarity < 0 || c.Duplicates.TitleSimilarity > 1 {
		return fmt.Errorf("duplicate title similarity must be between 0 and 1")
	}

	if c.Search.ResultLimit < 1 {
		return fmt.Errorf("search result limit must be at least 1")
	}

	if _, err := time.ParseDuration(c.Watcher.Debounce); err != nil {
		return fmt.Errorf("invalid watcher debounce %q: %w", c.Watcher.Debounce, err)
	}
	if c.Watcher.RescansPerMinute < 1 {
		return fmt.Errorf("watcher rescans per minute must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ExtractionTimeout returns the parsed per-file extraction deadline.
func (c *Config) ExtractionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Scanner.ExtractionTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// WatcherDebounce returns the parsed watcher debounce interval.
func (c *Config) WatcherDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watcher.Debounce)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// IsFormatSupported checks if an audio format is supported
func (c *Config) IsFormatSupported(format string) bool {
	for _, supported := range c.Library.SupportedFormats {
		if supported == format {
			return true
		}
	}
	return false
}
