// Package config handles configuration loading, validation, and persistence
// for the frostcon remote administration client.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultMQTTPort   = 8883
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Connection      ConnectionConfig `json:"connection"`
	ApplicationData ApplicationData  `json:"application_data"`
}

// ConnectionConfig describes the game server to administer. Empty host,
// port or password are prompted for interactively.
type ConnectionConfig struct {
	Host           string `json:"host"`
	Port           uint16 `json:"port"`
	Password       string `json:"password"`
	DialTimeoutSec int    `json:"dial_timeout_sec"`
	AutoLogin      bool   `json:"auto_login"`
	ReadBufferSize int    `json:"read_buffer_size"`
}

// ApplicationData contains client application configuration.
type ApplicationData struct {
	Logging    LoggingConfig    `json:"logging"`
	API        APIConfig        `json:"api"`
	MQTT       MQTTConfig       `json:"mqtt"`
	Transcript TranscriptConfig `json:"transcript"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// APIConfig holds REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// TranscriptConfig holds packet transcript settings.
type TranscriptConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Connection: ConnectionConfig{
			DialTimeoutSec: 10,
			AutoLogin:      true,
			ReadBufferSize: 1024,
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
				Console:    false,
			},
			API: APIConfig{
				Enabled: false,
				Port:    DefaultAPIPort,
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        DefaultMQTTPort,
				UseTLS:      true,
				TopicPrefix: "frostcon",
			},
			Transcript: TranscriptConfig{
				Enabled:       true,
				Path:          filepath.Join(DefaultConfigDir, "transcript.db"),
				RetentionDays: 7,
				CleanupTime:   "04:00",
			},
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults if
// it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist any default fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file holds the server password.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetConnection returns a copy of the connection configuration.
func (c *Config) GetConnection() ConnectionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Connection
}

// SetConnection updates the connection configuration.
func (c *Config) SetConnection(conn ConnectionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connection = conn
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// DialTimeout returns the connect timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Connection.DialTimeoutSec) * time.Second
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// NeedsPrompt returns true if host, port or password still has to be
// entered by the operator.
func (c *Config) NeedsPrompt() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Connection.Host == "" || c.Connection.Port == 0 || c.Connection.Password == ""
}
