package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rconbridge/internal/game"
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

// Validate checks the whole configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateRCON(&cfg.RCON, result)
	validateLogging(&cfg.Logging, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateJournal(&cfg.Journal, result)

	return result
}

func validateRCON(r *RCONConfig, result *ValidationResult) {
	if _, err := game.Lookup(r.Game); err != nil {
		result.AddError("rcon.game", err.Error())
	}

	if strings.TrimSpace(r.Host) == "" {
		result.AddError("rcon.host", "server host is required")
	}
	validatePort(r.Port, "rcon.port", result, false)

	if r.Password == "" {
		result.AddWarning("rcon.password", "no RCON password set, most servers will reject the login")
	}

	if r.ReconnectDelaySec < 1 {
		result.AddWarning("rcon.reconnect_delay_sec", "reconnect delay below 1s will hammer an unavailable server")
	}
	if r.ReadTimeoutMS < 100 {
		result.AddWarning("rcon.read_timeout_ms", "read timeout below 100ms will miss slow replies")
	}
	if r.ConnectTimeoutSec < 1 || r.AuthTimeoutSec < 1 {
		result.AddError("rcon.timeouts", "connect and auth timeouts must be at least 1 second")
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, falling back to info", l.Level))
	}
	if strings.TrimSpace(l.Directory) == "" {
		result.AddError("logging.directory", "log directory is required")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result, true)

	if a.Token == "" {
		result.AddWarning("api.token", "API token is empty, the control API accepts unauthenticated requests")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	for _, entry := range a.IPWhitelist {
		if net.ParseIP(entry) == nil {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				result.AddError("api.ip_whitelist", fmt.Sprintf("invalid IP or CIDR: %s", entry))
			}
		}
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if m.UseTLS && (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
}

func validateJournal(j *JournalConfig, result *ValidationResult) {
	if !j.Enabled {
		return
	}
	if strings.TrimSpace(j.Path) == "" {
		result.AddError("journal.path", "journal path is required when enabled")
	}
	if j.RetentionDays < 1 {
		result.AddError("journal.retention_days", "retention days must be at least 1")
	}
}

func validatePort(port int, field string, result *ValidationResult, listen bool) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if listen && port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
