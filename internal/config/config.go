package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Host string
	Port string

	// Session persistence root.
	DataDir string

	// Uploaded-blob root. Empty disables uploads (endpoint answers 503).
	FilesDir string

	// Postgres DSN for snapshot archival. Empty disables the archive.
	ArchiveDSN     string
	ArchiveWorkers int
	ArchiveQueue   int

	// Jaeger collector URL. Empty disables tracing.
	JaegerEndpoint string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Host: getEnv("DRAWBRIDGE_HOST", ""),
		Port: getEnv("DRAWBRIDGE_PORT", "3062"),

		DataDir:  getEnv("DRAWBRIDGE_DATA_DIR", "./data"),
		FilesDir: getEnv("DRAWBRIDGE_FILES_DIR", ""),

		ArchiveDSN:     getEnv("DRAWBRIDGE_ARCHIVE_DSN", ""),
		ArchiveWorkers: getEnvInt("DRAWBRIDGE_ARCHIVE_WORKERS", 2),
		ArchiveQueue:   getEnvInt("DRAWBRIDGE_ARCHIVE_QUEUE", 64),

		JaegerEndpoint: getEnv("DRAWBRIDGE_JAEGER_ENDPOINT", ""),
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
