package muninn

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds Manager configuration.
type Config struct {
	// DataDir is the root directory for durable state: the relational
	// database file and the vector index directory live under it.
	// Default: $HOME/.local/share/muninn
	DataDir string

	// Model names the embedding model, recorded in statistics output.
	// Default: all-MiniLM-L6-v2
	Model string

	// QueryLimit caps filtered queries when the caller passes no limit.
	// Default: 100
	QueryLimit int

	// ContextLimit bounds the merged result set of GetContext.
	// Default: 10
	ContextLimit int
}

// DefaultConfig is the default configuration for a local deployment.
var DefaultConfig = &Config{
	DataDir:      defaultDataDir(),
	Model:        "all-MiniLM-L6-v2",
	QueryLimit:   100,
	ContextLimit: 10,
}

// FromEnv builds a Config from environment variables, falling back to the
// defaults above. Recognized variables: MUNINN_DATA_DIR, MUNINN_MODEL,
// MUNINN_QUERY_LIMIT, MUNINN_CONTEXT_LIMIT.
func FromEnv() *Config {
	return &Config{
		DataDir:      getEnv("MUNINN_DATA_DIR", defaultDataDir()),
		Model:        getEnv("MUNINN_MODEL", "all-MiniLM-L6-v2"),
		QueryLimit:   getIntEnv("MUNINN_QUERY_LIMIT", 100),
		ContextLimit: getIntEnv("MUNINN_CONTEXT_LIMIT", 10),
	}
}

// DatabasePath returns the relational database file under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "muninn.db")
}

// VectorPath returns the vector index directory under DataDir.
func (c *Config) VectorPath() string {
	return filepath.Join(c.DataDir, "vectors")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "muninn-data"
	}
	return filepath.Join(home, ".local", "share", "muninn")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
