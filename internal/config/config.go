// Package config provides configuration for the agentdeck daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rchen9527/agentdeck/internal/accounting"
)

// Config holds the daemon configuration.
type Config struct {
	// Server settings
	HTTPPort     int `yaml:"http_port"`
	InternalPort int `yaml:"internal_port"`

	// Archive storage
	ArchiveDSN string `yaml:"archive_dsn"`
	IndexPath  string `yaml:"index_path"`

	// Logging
	LogFile     string `yaml:"log_file"`
	MetricsFile string `yaml:"metrics_file"`
	LogLevel    string `yaml:"log_level"`
	LogConsole  bool   `yaml:"log_console"`

	// Sync engine
	BatchInterval time.Duration `yaml:"-"`
	BatchMillis   int           `yaml:"batch_interval_ms"`
	PolicyPath    string        `yaml:"policy_path"`

	// Backend base URLs to supervise at startup
	Backends []string `yaml:"backends"`

	// Model catalog overrides, keyed by model id or "provider/model".
	Models map[string]accounting.ModelSpec `yaml:"models"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:     8080,
		InternalPort: 8081,
		ArchiveDSN:   "file:agentdeck.db?cache=shared&mode=rwc",
		IndexPath:    "",
		LogFile:      "logs/agentdeck.log",
		MetricsFile:  "logs/agentdeck_metrics.log",
		LogLevel:     "info",
		BatchMillis:  50,
		PolicyPath:   "policy.rego",
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// when it exists, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Missing files fall through to defaults plus env.
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.BatchInterval = time.Duration(cfg.BatchMillis) * time.Millisecond
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("AGENTDECK_HTTP_PORT", c.HTTPPort)
	c.InternalPort = getEnvInt("AGENTDECK_INTERNAL_PORT", c.InternalPort)
	c.ArchiveDSN = getEnv("AGENTDECK_ARCHIVE_DSN", c.ArchiveDSN)
	c.IndexPath = getEnv("AGENTDECK_INDEX_PATH", c.IndexPath)
	c.LogFile = getEnv("AGENTDECK_LOG_FILE", c.LogFile)
	c.MetricsFile = getEnv("AGENTDECK_METRICS_FILE", c.MetricsFile)
	c.LogLevel = getEnv("AGENTDECK_LOG_LEVEL", c.LogLevel)
	c.LogConsole = getEnvBool("AGENTDECK_LOG_CONSOLE", c.LogConsole)
	c.BatchMillis = getEnvInt("AGENTDECK_BATCH_INTERVAL_MS", c.BatchMillis)
	c.PolicyPath = getEnv("AGENTDECK_POLICY_PATH", c.PolicyPath)
	if v := os.Getenv("AGENTDECK_BACKENDS"); v != "" {
		c.Backends = splitList(v)
	}
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	if c.InternalPort <= 0 || c.InternalPort > 65535 {
		return fmt.Errorf("invalid internal_port %d", c.InternalPort)
	}
	if c.HTTPPort == c.InternalPort {
		return fmt.Errorf("http_port and internal_port both set to %d", c.HTTPPort)
	}
	if c.BatchMillis <= 0 {
		c.BatchMillis = 50
	}
	for _, b := range c.Backends {
		if !strings.HasPrefix(b, "http://") && !strings.HasPrefix(b, "https://") {
			return fmt.Errorf("backend %q is not an http(s) URL", b)
		}
	}
	return nil
}

// Catalog merges the configured model overrides over the built-in
// catalog.
func (c *Config) Catalog() accounting.Catalog {
	cat := accounting.DefaultCatalog()
	for id, spec := range c.Models {
		cat[id] = spec
	}
	return cat
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
