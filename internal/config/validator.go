package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration. Missing host, port and password are
// not errors; they are prompted for.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateConnection(&cfg.Connection, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateConnection(conn *ConnectionConfig, result *ValidationResult) {
	if conn.DialTimeoutSec < 1 {
		result.AddError("connection.dial_timeout_sec", "dial timeout must be at least 1 second")
	}
	if conn.ReadBufferSize < 16 {
		result.AddError("connection.read_buffer_size", "read buffer must be at least 16 bytes")
	}
	if conn.Password != "" {
		result.AddWarning("connection.password",
			"password is stored in plain text in the config file")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(data.Logging.Level); err != nil {
		result.AddError("application_data.logging.level",
			fmt.Sprintf("unknown log level: %q", data.Logging.Level))
	}
	if data.Logging.MaxBackups < 1 {
		result.AddWarning("application_data.logging.max_backups", "old log files will not be kept")
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		validatePort(data.MQTT.Port, "application_data.mqtt.port", result)
		if (data.MQTT.CertFile == "") != (data.MQTT.KeyFile == "") {
			result.AddError("application_data.mqtt.cert_file", "cert_file and key_file must be set together")
		}
	}

	if data.Transcript.Enabled {
		if strings.TrimSpace(data.Transcript.Path) == "" {
			result.AddError("application_data.transcript.path", "transcript path is required when enabled")
		}
		if data.Transcript.RetentionDays < 1 {
			result.AddError("application_data.transcript.retention_days",
				"retention days must be at least 1")
		}
		if _, err := time.Parse("15:04", data.Transcript.CleanupTime); err != nil {
			result.AddError("application_data.transcript.cleanup_time",
				fmt.Sprintf("invalid cleanup time %q (expected HH:MM)", data.Transcript.CleanupTime))
		}
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
