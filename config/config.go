package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Admission AdmissionConfig     `mapstructure:"admission"`
	Dataset   DatasetConfig       `mapstructure:"dataset"`
	MCP       MCPConfig           `mapstructure:"mcp"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	HTTPPort  int    `mapstructure:"http_port"`
	AuthToken string `mapstructure:"auth_token"`
}

// SandboxConfig holds execution engine configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	MemoryMB           int    `mapstructure:"memory_mb"`
	DefaultTimeoutSec  int    `mapstructure:"default_timeout_sec"`
	MaxTimeoutSec      int    `mapstructure:"max_timeout_sec"`
	MaxOutputKB        int    `mapstructure:"max_output_kb"`
	DestroyGraceSec    int    `mapstructure:"destroy_grace_sec"`
	NetworkEnabled     bool   `mapstructure:"network_enabled"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
}

// AdmissionConfig holds the concurrency ceiling and backlog policy
type AdmissionConfig struct {
	MaxConcurrent   int `mapstructure:"max_concurrent"`
	Backlog         int `mapstructure:"backlog"`
	MaxQueueWaitSec int `mapstructure:"max_queue_wait_sec"`
}

// DatasetConfig holds the shared read-only dataset mount configuration
type DatasetConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPath  string `mapstructure:"host_path"`
	MountPath string `mapstructure:"mount_path"`
}

// MCPConfig holds the optional MCP tool transport configuration
type MCPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language holds per-language overrides for the runtime table
type Language struct {
	Image       string            `mapstructure:"image"`
	Environment map[string]string `mapstructure:"environment"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	return load("")
}

// load reads configuration from the given file, or from the default search
// paths when file is empty
func load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("runbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The deployment injects the bearer token via AUTH_TOKEN.
	_ = v.BindEnv("server.auth_token", "RUNBOX_AUTH_TOKEN", "AUTH_TOKEN")

	// Set default values
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.default_timeout_sec", 30)
	v.SetDefault("sandbox.max_timeout_sec", 120)
	v.SetDefault("sandbox.max_output_kb", 256)
	v.SetDefault("sandbox.destroy_grace_sec", 5)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("admission.max_concurrent", 4)
	v.SetDefault("admission.backlog", 8)
	v.SetDefault("admission.max_queue_wait_sec", 10)
	v.SetDefault("dataset.enabled", false)
	v.SetDefault("dataset.host_path", "/bucket_data")
	v.SetDefault("dataset.mount_path", "/data")
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.http_port", 8081)
	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	// Image defaults per language
	v.SetDefault("languages.python.image", "python:3.11-slim")
	v.SetDefault("languages.nodejs.image", "node:20-alpine")
	v.SetDefault("languages.go.image", "golang:1.23-alpine")
	v.SetDefault("languages.cpp.image", "gcc:13")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.AuthToken == "" {
		return fmt.Errorf("server.auth_token must be set (AUTH_TOKEN environment variable)")
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.DefaultTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.default_timeout_sec must be positive, got: %d", c.Sandbox.DefaultTimeoutSec)
	}

	if c.Sandbox.MaxTimeoutSec < c.Sandbox.DefaultTimeoutSec {
		return fmt.Errorf("sandbox.max_timeout_sec must be >= sandbox.default_timeout_sec, got: %d", c.Sandbox.MaxTimeoutSec)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Admission.MaxConcurrent <= 0 {
		return fmt.Errorf("admission.max_concurrent must be positive, got: %d", c.Admission.MaxConcurrent)
	}

	if c.Admission.Backlog < 0 {
		return fmt.Errorf("admission.backlog must not be negative, got: %d", c.Admission.Backlog)
	}

	if c.MCP.Enabled && c.MCP.Transport != "stdio" && c.MCP.Transport != "http" {
		return fmt.Errorf("invalid mcp.transport: %s, must be 'stdio' or 'http'", c.MCP.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	return nil
}

// DefaultTimeout returns the execution timeout applied when a request omits one
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Sandbox.DefaultTimeoutSec) * time.Second
}

// MaxTimeout returns the server-side ceiling for per-request timeouts
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.Sandbox.MaxTimeoutSec) * time.Second
}

// MaxQueueWait returns how long an admitted-to-backlog request may wait for capacity
func (c *Config) MaxQueueWait() time.Duration {
	return time.Duration(c.Admission.MaxQueueWaitSec) * time.Second
}

// DestroyGrace returns the grace period allowed for environment teardown after a timeout
func (c *Config) DestroyGrace() time.Duration {
	return time.Duration(c.Sandbox.DestroyGraceSec) * time.Second
}
