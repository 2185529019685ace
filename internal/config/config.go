// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the outbound delivery daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultLogPath    = "/dev/stderr"
	defaultSpoolRoot  = "maildir"
	defaultHost       = "localhost"
	defaultSMTPPort   = 25
	defaultResolvConf = "/etc/resolv.conf"
	defaultDNSTimeout = 2 * time.Second
	defaultDNSTries   = 3
)

// Config holds the complete application configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Spool   SpoolConfig   `yaml:"spool"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	DNS     DNSConfig     `yaml:"dns"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig holds the log sink destination and handler settings.
type LogConfig struct {
	Path   string `yaml:"path"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SpoolConfig holds the spool directory root. Queued messages live in its
// "out" subdirectory.
type SpoolConfig struct {
	Root string `yaml:"root"`
}

// SMTPConfig holds the client side of the SMTP exchange.
type SMTPConfig struct {
	// Host is advertised in HELO.
	Host string `yaml:"host"`

	// Port is the remote port dialed on every mail exchanger.
	Port int `yaml:"port"`
}

// DNSConfig holds resolver settings.
type DNSConfig struct {
	ResolvConf string        `yaml:"resolv_conf"`
	Timeout    time.Duration `yaml:"timeout"`
	Attempts   int           `yaml:"attempts"`
}

// MetricsConfig holds the optional Prometheus exposition listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports the first setting that cannot drive the daemon.
func (c *Config) Validate() error {
	switch {
	case c.Spool.Root == "":
		return errors.New("spool root must not be empty")
	case c.SMTP.Host == "":
		return errors.New("smtp host must not be empty")
	case c.SMTP.Port <= 0 || c.SMTP.Port > 65535:
		return fmt.Errorf("smtp port %d out of range", c.SMTP.Port)
	case c.DNS.Timeout <= 0:
		return fmt.Errorf("dns timeout %v must be positive", c.DNS.Timeout)
	case c.DNS.Attempts <= 0:
		return fmt.Errorf("dns attempts %d must be positive", c.DNS.Attempts)
	}
	return nil
}

// MetricsEnabled returns true if a metrics listen address is set.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Listen != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Log.Path = defaultLogPath
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Spool.Root = defaultSpoolRoot
	c.SMTP.Host = defaultHost
	c.SMTP.Port = defaultSMTPPort
	c.DNS.ResolvConf = defaultResolvConf
	c.DNS.Timeout = defaultDNSTimeout
	c.DNS.Attempts = defaultDNSTries
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; numeric
// values that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_CLIENT_LOG"); v != "" {
		c.Log.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_MAILDIR"); v != "" {
		c.Spool.Root = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}

	if v := os.Getenv("SMTP_RESOLV_CONF"); v != "" {
		c.DNS.ResolvConf = v
	}
	if v := os.Getenv("SMTP_DNS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.DNS.Timeout = d
		}
	}
	if v := os.Getenv("SMTP_DNS_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DNS.Attempts = n
		}
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}
