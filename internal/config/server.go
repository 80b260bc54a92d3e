package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// ServerConfig holds daemon-level settings from spec §6's environment
// variables: the fan-out HTTP port, session state directory, and the
// optional Redis backend settings for the CLI queue surface.
type ServerConfig struct {
	Port          int
	StateDir      string
	GlobalDBPath  string
	QueueBackend  string
	RedisHost     string
	RedisPort     int
	DefaultProject string
}

// LoadServerConfigFromEnv loads daemon settings from the environment.
func LoadServerConfigFromEnv() ServerConfig {
	return ServerConfig{
		Port:           atoiOrDefault(os.Getenv("PORT"), 4483),
		StateDir:       getEnvOrDefault("SWARM_STATE_DIR", defaultStateDir()),
		GlobalDBPath:   os.Getenv("SWARM_DB_PATH"),
		QueueBackend:   getEnvOrDefault("QUEUE_BACKEND", "postgres"),
		RedisHost:      getEnvOrDefault("REDIS_HOST", "localhost"),
		RedisPort:      atoiOrDefault(os.Getenv("REDIS_PORT"), 6379),
		DefaultProject: getEnvOrDefault("SWARM_DEFAULT_PROJECT", "default"),
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmlog"
	}
	return filepath.Join(home, ".swarmlog")
}

func atoiOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

// LoadDotEnv loads a .env file from configDir, ported from cmd/tarsy/main.go's
// startup sequence. A missing file returns godotenv's error; swarmlogd logs
// it as a warning and continues with the existing environment.
func LoadDotEnv(configDir string) error {
	return godotenv.Load(filepath.Join(configDir, ".env"))
}
