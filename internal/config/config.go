package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mirvoism/browser-automation-service/internal/logger"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "10m".
type Duration time.Duration

// UnmarshalYAML decodes a duration string
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as a string
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all configuration for the automation service
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      logger.Config      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// Graceful shutdown timeout
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// WebSocket keepalive ping interval
	PingInterval Duration `yaml:"ping_interval"`
}

// OrchestratorConfig holds task admission settings
type OrchestratorConfig struct {
	// Number of tasks executed at the same time
	MaxConcurrent int `yaml:"max_concurrent"`

	// Wall-clock budget per task
	TaskBudget Duration `yaml:"task_budget"`

	// Capacity of the pending queue
	QueueSize int `yaml:"queue_size"`
}

// AgentConfig holds the defaults applied to task parameters
type AgentConfig struct {
	LLMProvider    string `yaml:"llm_provider"`
	LLMModel       string `yaml:"llm_model"`
	BrowserProfile string `yaml:"browser_profile"`
}

// RedisConfig holds the archive connection settings
type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      getEnv("LISTEN_ADDR", ":8000"),
			ShutdownTimeout: Duration(30 * time.Second),
			PingInterval:    Duration(30 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent: getEnvInt("MAX_CONCURRENT", 3),
			TaskBudget:    Duration(10 * time.Minute),
			QueueSize:     256,
		},
		Agent: AgentConfig{
			LLMProvider:    getEnv("LLM_PROVIDER", "mac_studio"),
			LLMModel:       getEnv("LLM_MODEL", "llama4:scout"),
			BrowserProfile: getEnv("BROWSER_PROFILE", "anti_bot"),
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     6379,
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
			TTL:      Duration(7 * 24 * time.Hour),
		},
		Logging: logger.Config{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads a YAML config file on top of the defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RedisAddr returns the full Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address cannot be empty")
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent tasks must be at least 1")
	}
	if c.Orchestrator.TaskBudget <= 0 {
		return fmt.Errorf("task budget must be positive")
	}
	if c.Orchestrator.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis host cannot be empty when archiving is enabled")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
