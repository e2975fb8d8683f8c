package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the application
type Config struct {
	// HTTP Server Configuration
	HTTPPort int

	// Database Configuration. Postgres DSNs use the postgres driver;
	// anything else is treated as a sqlite path.
	DatabaseURL string

	// Monitoring Configuration
	MonitorIntervalMinutes int
	MonitorAutostart       bool
	ProbeTimeoutSeconds    int

	// Service catalog file (YAML), seeded into the database at startup
	ServicesFile string

	// Inference backend configuration. A missing key disables that backend;
	// with no backends the analysis cascade runs on deterministic rules only.
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIModel     string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPPort = getEnvAsIntOrDefault("HTTP_PORT", 3000)
	cfg.DatabaseURL = getEnvOrDefault("DATABASE_URL", "opswatch.db")

	cfg.MonitorIntervalMinutes = getEnvAsIntOrDefault("MONITOR_INTERVAL_MINUTES", 5)
	cfg.MonitorAutostart = getEnvAsBoolOrDefault("MONITOR_AUTOSTART", true)
	cfg.ProbeTimeoutSeconds = getEnvAsIntOrDefault("PROBE_TIMEOUT_SECONDS", 5)

	cfg.ServicesFile = os.Getenv("SERVICES_FILE")

	cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.AnthropicModel = getEnvOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-5")
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com")
	cfg.OpenAIModel = getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini")

	return cfg, nil
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault returns the value of an environment variable as an integer or a default value
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault returns the value of an environment variable as a bool or a default value
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
