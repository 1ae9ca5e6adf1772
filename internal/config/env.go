package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override file configuration.
const (
	EnvDBPath         = "LEGATO_DB_PATH"
	EnvLogLevel       = "LEGATO_LOG_LEVEL"
	EnvLibraryFolders = "LEGATO_LIBRARY_FOLDERS"
)

// LoadEnvFile loads a .env file into the process environment if it exists.
// Variables already set in the environment win.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides configuration values from LEGATO_* variables.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		c.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLibraryFolders)); v != "" {
		folders := make([]string, 0)
		for _, part := range filepath.SplitList(v) {
			if part = strings.TrimSpace(part); part != "" {
				folders = append(folders, part)
			}
		}
		c.Library.Folders = folders
	}
	return c.Validate()
}
