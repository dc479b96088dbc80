// Package config handles cmevents configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./cmevents.yaml, ~/.config/cmevents/config.yaml,
// /config/cmevents.yaml, /etc/cmevents/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"cmevents.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cmevents", "config.yaml"))
	}

	paths = append(paths, "/config/cmevents.yaml") // Container convention
	paths = append(paths, "/etc/cmevents/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can override the search order
// without touching real config files on the developer's machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all cmevents configuration: the broker itself plus every
// edge component that bridges an external system onto the bus.
type Config struct {
	Broker   BrokerConfig  `yaml:"broker"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	Mail     MailConfig    `yaml:"mail"`
	GitHub   GitHubConfig  `yaml:"github"`
	Relay    RelayConfig   `yaml:"relay"`
	Pairing  PairingConfig `yaml:"pairing"`
	Status   StatusConfig  `yaml:"status"`
	Audit    AuditConfig   `yaml:"audit"`
	DataDir  string        `yaml:"data_dir"`
	LogLevel string        `yaml:"log_level"`
}

// BrokerConfig configures the core broker.
type BrokerConfig struct {
	// AutoDiscover pulls registrations from the process-wide registry on
	// Start. Defaults to true.
	AutoDiscover *bool `yaml:"auto_discover"`
	// MaxQueueSize bounds the event queue. Defaults to 500.
	MaxQueueSize int `yaml:"max_queue_size"`
}

// MQTTConfig configures the MQTT bridge transceiver.
type MQTTConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BrokerURL         string        `yaml:"broker_url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	ClientIDPrefix    string        `yaml:"client_id_prefix"`
	TopicFilter       string        `yaml:"topic_filter"`
	PublishPrefix     string        `yaml:"publish_prefix"`
	RateLimit         int64         `yaml:"rate_limit"`
	RateLimitInterval time.Duration `yaml:"rate_limit_interval"`
}

// MailConfig configures the IMAP mail poller publisher.
type MailConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Mailbox      string        `yaml:"mailbox"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// GitHubConfig configures the GitHub issue/PR watcher publisher.
type GitHubConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Repo         string        `yaml:"repo"` // "owner/name"
	Token        string        `yaml:"token"`
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RelayConfig configures the websocket relay transceiver.
type RelayConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// PairingConfig configures the QR-code pairing subscriber.
type PairingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Tag       string `yaml:"tag"`
	OutputDir string `yaml:"output_dir"`
}

// StatusConfig configures the HTML status page.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AuditConfig configures the checksummed audit trail subscriber.
type AuditConfig struct {
	Enabled    bool     `yaml:"enabled"`
	DBPath     string   `yaml:"db_path"`
	HMACKeyHex string   `yaml:"hmac_key_hex"`
	// Tags lists the event types to record. Empty means "every tag
	// published by an enabled edge component", resolved by main at
	// startup rather than defaulted here since it depends on which
	// other components are enabled.
	Tags          []string      `yaml:"tags"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AutoDiscoverOrDefault returns the broker's auto-discover setting,
// defaulting to true when unset.
func (b BrokerConfig) AutoDiscoverOrDefault() bool {
	if b.AutoDiscover == nil {
		return true
	}
	return *b.AutoDiscover
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${MQTT_BROKER_URL}). This is a
	// convenience for container deployments; the recommended approach is
	// to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Broker.MaxQueueSize == 0 {
		c.Broker.MaxQueueSize = 500
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.ClientIDPrefix == "" {
		c.MQTT.ClientIDPrefix = "cmevents"
	}
	if c.MQTT.RateLimit == 0 {
		c.MQTT.RateLimit = 200
	}
	if c.MQTT.RateLimitInterval == 0 {
		c.MQTT.RateLimitInterval = time.Second
	}
	if c.Mail.PollInterval == 0 {
		c.Mail.PollInterval = 2 * time.Minute
	}
	if c.Mail.Mailbox == "" {
		c.Mail.Mailbox = "INBOX"
	}
	if c.GitHub.PollInterval == 0 {
		c.GitHub.PollInterval = 5 * time.Minute
	}
	if c.Relay.ReconnectDelay == 0 {
		c.Relay.ReconnectDelay = 5 * time.Second
	}
	if c.Pairing.Tag == "" {
		c.Pairing.Tag = "pairing.requested"
	}
	if c.Pairing.OutputDir == "" {
		c.Pairing.OutputDir = c.DataDir + "/pairing"
	}
	if c.Status.Port == 0 {
		c.Status.Port = 8090
	}
	if c.Audit.DBPath == "" {
		c.Audit.DBPath = c.DataDir + "/audit.db"
	}
	if c.Audit.FlushInterval == 0 {
		c.Audit.FlushInterval = 10 * time.Second
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Broker.MaxQueueSize < 1 {
		return fmt.Errorf("broker.max_queue_size must be positive, got %d", c.Broker.MaxQueueSize)
	}
	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port %d out of range (1-65535)", c.Status.Port)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when mqtt.enabled is true")
	}
	if c.Mail.Enabled && (c.Mail.Host == "" || c.Mail.Username == "") {
		return fmt.Errorf("mail.host and mail.username are required when mail.enabled is true")
	}
	if c.GitHub.Enabled && c.GitHub.Repo == "" {
		return fmt.Errorf("github.repo is required when github.enabled is true")
	}
	if c.Relay.Enabled && c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required when relay.enabled is true")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with every edge component
// disabled — just the broker, ready to run.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
