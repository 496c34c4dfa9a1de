// Package config handles configuration loading, validation, and persistence
// for the RCON bridge.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultEnvFile    = ".env"
	DefaultAPIPort    = 5080
	DefaultRCONPort   = 25575
)

// Environment variables overlaid on top of config.json.
const (
	EnvGame     = "RCON_GAME"
	EnvHost     = "RCON_HOST"
	EnvPort     = "RCON_PORT"
	EnvPassword = "RCON_PASSWORD"
	EnvAPIToken = "RCON_API_TOKEN"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	RCON    RCONConfig    `json:"rcon"`
	Logging LoggingConfig `json:"logging"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Journal JournalConfig `json:"journal"`
}

// RCONConfig describes the game server to connect to.
type RCONConfig struct {
	Game     string `json:"game"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`

	// Poll makes binary TCP games drain the socket with a background reader.
	Poll bool `json:"poll"`

	// ConnectRetry keeps retrying the initial connect instead of exiting.
	ConnectRetry bool `json:"connect_retry"`

	ConnectTimeoutSec int `json:"connect_timeout_sec"`
	AuthTimeoutSec    int `json:"auth_timeout_sec"`
	ReadTimeoutMS     int `json:"read_timeout_ms"`
	ReconnectDelaySec int `json:"reconnect_delay_sec"`
	RetryIntervalMS   int `json:"retry_interval_ms"`
	KeepAliveSec      int `json:"keepalive_sec"`
}

// ConnectTimeout returns the dial timeout.
func (r RCONConfig) ConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeoutSec) * time.Second
}

// AuthTimeout returns the handshake timeout.
func (r RCONConfig) AuthTimeout() time.Duration {
	return time.Duration(r.AuthTimeoutSec) * time.Second
}

// ReadTimeout returns the per-read timeout for sequential transports.
func (r RCONConfig) ReadTimeout() time.Duration {
	return time.Duration(r.ReadTimeoutMS) * time.Millisecond
}

// ReconnectDelay returns the fixed wait between reconnect attempts.
func (r RCONConfig) ReconnectDelay() time.Duration {
	return time.Duration(r.ReconnectDelaySec) * time.Second
}

// RetryInterval returns the wait between response table checks.
func (r RCONConfig) RetryInterval() time.Duration {
	return time.Duration(r.RetryIntervalMS) * time.Millisecond
}

// KeepAlive returns the BattlEye keepalive interval.
func (r RCONConfig) KeepAlive() time.Duration {
	return time.Duration(r.KeepAliveSec) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// APIConfig holds the control API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// JournalConfig holds the command journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RCON: RCONConfig{
			Game:              "minecraft",
			Host:              "127.0.0.1",
			Port:              DefaultRCONPort,
			ConnectRetry:      true,
			ConnectTimeoutSec: 5,
			AuthTimeoutSec:    5,
			ReadTimeoutMS:     2000,
			ReconnectDelaySec: 5,
			RetryIntervalMS:   200,
			KeepAliveSec:      30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Console:    true,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 20,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			TopicPrefix: "rconbridge",
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          filepath.Join("data", "journal.db"),
			RetentionDays: 14,
			CleanupTime:   "04:00",
		},
	}
}

// Load reads configuration from a JSON file in configDir, creating it with
// defaults if missing, then overlays the environment.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)
	cfg := DefaultConfig() // Start with defaults, then overlay
	cfg.path = configPath

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("configuration loaded")
	}

	// Re-save so config.json always lists every option. The environment is
	// applied afterwards and never written back.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to save config with current defaults")
	}

	if err := cfg.ApplyEnv(filepath.Join(configDir, DefaultEnvFile), DefaultEnvFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv loads the given .env files, if present, and overlays the RCON_*
// variables. Variables already set in the process environment win over the
// files.
func (c *Config) ApplyEnv(envFiles ...string) error {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", f, err)
		}
		log.Debug().Str("path", f).Msg("env file loaded")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := os.LookupEnv(EnvGame); ok && v != "" {
		c.RCON.Game = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := os.LookupEnv(EnvHost); ok && v != "" {
		c.RCON.Host = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.RCON.Port = port
	}
	if v, ok := os.LookupEnv(EnvPassword); ok {
		c.RCON.Password = v
	}
	if v, ok := os.LookupEnv(EnvAPIToken); ok {
		c.API.Token = v
	}
	return nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Ensure config directory exists
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetRCON returns a copy of the RCON section.
func (c *Config) GetRCON() RCONConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RCON
}

// SetRCON replaces the RCON section.
func (c *Config) SetRCON(r RCONConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RCON = r
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun reports whether the RCON section still lacks a password.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RCON.Password == ""
}
