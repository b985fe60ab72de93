// Package config provides configuration parsing and validation for Pinhole.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Punch dispatch policies.
const (
	PolicyBroadcast  = "broadcast"
	PolicyFirstReply = "first-reply"
)

// Config represents the complete configuration. The broker, server and
// client sections are all present; each command reads its own.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Broker    BrokerConfig    `yaml:"broker"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TransportConfig selects the control-channel transport shared by all
// three roles.
type TransportConfig struct {
	Type      string    `yaml:"type"`      // ws, quic, h2
	Path      string    `yaml:"path"`      // HTTP path for ws/h2
	Plaintext bool      `yaml:"plaintext"` // serve/dial ws without TLS
	TLS       TLSConfig `yaml:"tls"`
}

// TLSConfig defines TLS settings.
type TLSConfig struct {
	Cert               string `yaml:"cert"`        // Certificate file path
	Key                string `yaml:"key"`         // Private key file path
	CA                 string `yaml:"ca"`          // CA certificate file path
	Fingerprint        string `yaml:"fingerprint"` // Broker certificate fingerprint for pinning
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // Skip verification (dev only)
}

// BrokerConfig contains broker settings.
type BrokerConfig struct {
	ListenPort      uint16        `yaml:"listen_port"`      // control channel port
	PunchPort       uint16        `yaml:"punch_port"`       // datagram port, 0 = listen_port
	PunchPolicy     string        `yaml:"punch_policy"`     // broadcast, first-reply
	FreshnessWindow time.Duration `yaml:"freshness_window"` // keepalive staleness bound
	Health          HealthConfig  `yaml:"health"`
}

// DatagramPort returns the port the punch datagram socket binds.
// Keepalives and punch requests arrive here; by default it is the
// control port, matching the single-port wire protocol.
func (b BrokerConfig) DatagramPort() uint16 {
	if b.PunchPort != 0 {
		return b.PunchPort
	}
	return b.ListenPort
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ServerConfig contains server agent settings.
type ServerConfig struct {
	BrokerAddress     string          `yaml:"broker_address"`
	BrokerPort        uint16          `yaml:"broker_port"`
	BrokerPunchPort   uint16          `yaml:"broker_punch_port"` // 0 = broker_port
	ServicePort       uint16          `yaml:"service_port"`
	KeepaliveInterval time.Duration   `yaml:"keepalive_interval"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

// DatagramPort returns the broker port keepalives and punches are sent to.
func (s ServerConfig) DatagramPort() uint16 {
	if s.BrokerPunchPort != 0 {
		return s.BrokerPunchPort
	}
	return s.BrokerPort
}

// ReconnectConfig defines control-channel reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// ClientConfig contains client agent settings.
type ClientConfig struct {
	BrokerAddress   string        `yaml:"broker_address"`
	BrokerPort      uint16        `yaml:"broker_port"`
	BrokerPunchPort uint16        `yaml:"broker_punch_port"` // 0 = broker_port
	PollInterval    time.Duration `yaml:"poll_interval"`     // flow table poll cadence
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`   // per-attempt punch confirmation wait
	Retry           RetryConfig   `yaml:"retry"`
}

// DatagramPort returns the broker port punchme datagrams are sent to.
func (c ClientConfig) DatagramPort() uint16 {
	if c.BrokerPunchPort != 0 {
		return c.BrokerPunchPort
	}
	return c.BrokerPort
}

// RetryConfig defines punch race retry behavior.
type RetryConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
}

// Default returns a Config with default values. The durations mirror
// the protocol constants: keepalives and the freshness window at 60 s,
// flow polling at 1 s, punch confirmation at 2 s, reconnection starting
// from the 100 ms pause.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Transport: TransportConfig{
			Type:      "ws",
			Path:      "/rendezvous",
			Plaintext: true,
		},
		Broker: BrokerConfig{
			ListenPort:      7777,
			PunchPolicy:     PolicyBroadcast,
			FreshnessWindow: 60 * time.Second,
			Health: HealthConfig{
				Enabled:      false,
				Address:      ":8080",
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			},
		},
		Server: ServerConfig{
			BrokerPort:        7777,
			KeepaliveInterval: 60 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		Client: ClientConfig{
			BrokerPort:     7777,
			PollInterval:   1 * time.Second,
			ConfirmTimeout: 2 * time.Second,
			Retry: RetryConfig{
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
				MaxAttempts:  0,
			},
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log format: %s (must be text or json)", c.Log.Format))
	}

	if !isValidTransport(c.Transport.Type) {
		errs = append(errs, fmt.Sprintf("invalid transport type: %s (must be ws, quic, or h2)", c.Transport.Type))
	}
	if c.Transport.Plaintext && c.Transport.Type != "ws" {
		errs = append(errs, fmt.Sprintf("transport.plaintext only applies to ws, not %s", c.Transport.Type))
	}

	if !isValidPunchPolicy(c.Broker.PunchPolicy) {
		errs = append(errs, fmt.Sprintf("invalid punch_policy: %s (must be %s or %s)", c.Broker.PunchPolicy, PolicyBroadcast, PolicyFirstReply))
	}
	// QUIC owns its UDP port, so the punch datagram socket needs its own.
	if c.Transport.Type == "quic" && c.Broker.DatagramPort() == c.Broker.ListenPort {
		errs = append(errs, "broker.punch_port must differ from listen_port when transport.type is quic")
	}
	if c.Broker.FreshnessWindow <= 0 {
		errs = append(errs, "broker.freshness_window must be positive")
	}
	if c.Broker.Health.Enabled && c.Broker.Health.Address == "" {
		errs = append(errs, "broker.health.address is required when enabled")
	}

	if c.Server.KeepaliveInterval <= 0 {
		errs = append(errs, "server.keepalive_interval must be positive")
	}
	if err := validateReconnect(c.Server.Reconnect); err != nil {
		errs = append(errs, fmt.Sprintf("server.reconnect: %v", err))
	}

	if c.Client.PollInterval <= 0 {
		errs = append(errs, "client.poll_interval must be positive")
	}
	if c.Client.ConfirmTimeout <= 0 {
		errs = append(errs, "client.confirm_timeout must be positive")
	}
	if err := validateRetry(c.Client.Retry); err != nil {
		errs = append(errs, fmt.Sprintf("client.retry: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "ws", "quic", "h2":
		return true
	default:
		return false
	}
}

func isValidPunchPolicy(policy string) bool {
	switch policy {
	case PolicyBroadcast, PolicyFirstReply:
		return true
	default:
		return false
	}
}

func validateReconnect(r ReconnectConfig) error {
	if r.InitialDelay <= 0 {
		return fmt.Errorf("initial_delay must be positive")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("max_delay must be >= initial_delay")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("jitter must be between 0 and 1")
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

func validateRetry(r RetryConfig) error {
	if r.InitialDelay <= 0 {
		return fmt.Errorf("initial_delay must be positive")
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("max_delay must be >= initial_delay")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	// The key path points at sensitive material.
	if redacted.Transport.TLS.Key != "" {
		redacted.Transport.TLS.Key = redactedValue
	}

	return redacted
}
