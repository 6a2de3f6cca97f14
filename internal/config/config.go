// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// defaultMaxMessageSize is 25 MB in bytes.
	defaultMaxMessageSize = 26214400

	defaultMailgunTimeout = 30 * time.Second
)

// Provider names accepted by the PROVIDER setting.
const (
	ProviderMailgun = "mailgun"
	ProviderSES     = "ses"
	ProviderStdout  = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Mailgun  MailgunConfig `yaml:"mailgun"`
	SES      SESConfig     `yaml:"ses"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// MailgunConfig holds Mailgun account settings.
type MailgunConfig struct {
	APIKey        string        `yaml:"api_key"`
	PublicAPIKey  string        `yaml:"public_api_key"`
	Region        string        `yaml:"region"`
	Domain        string        `yaml:"domain"`
	DynamicDomain bool          `yaml:"dynamic_domain"`
	From          string        `yaml:"from"`
	FromName      string        `yaml:"from_name"`
	TrackOpens    bool          `yaml:"track_opens"`
	TrackClicks   bool          `yaml:"track_clicks"`
	TestMode      bool          `yaml:"test_mode"`
	VerifySSL     bool          `yaml:"verify_ssl"`
	BatchMode     bool          `yaml:"batch_mode"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty
// Listen disables the endpoint.
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

// MailgunConfigured returns true if an API key is set and a sending domain
// can be determined, either statically or from the sender address.
func (c *Config) MailgunConfigured() bool {
	return c.Mailgun.APIKey != "" &&
		(c.Mailgun.Domain != "" || c.Mailgun.DynamicDomain)
}

// SESConfigured returns true if the SES region and sender are set. Credentials
// may come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// ResolveProvider returns the provider to use. An explicit PROVIDER wins;
// otherwise Mailgun is preferred, then SES, then stdout.
func (c *Config) ResolveProvider() (string, error) {
	switch c.Provider {
	case ProviderMailgun:
		if !c.MailgunConfigured() {
			return "", fmt.Errorf("mailgun provider selected but MAILGUN_API_KEY and MAILGUN_DOMAIN (or MAILGUN_DYNAMIC_DOMAIN) are required")
		}
		return ProviderMailgun, nil
	case ProviderSES:
		if !c.SESConfigured() {
			return "", fmt.Errorf("ses provider selected but SES_REGION and SES_SENDER are required")
		}
		return ProviderSES, nil
	case ProviderStdout:
		return ProviderStdout, nil
	case "":
		switch {
		case c.MailgunConfigured():
			return ProviderMailgun, nil
		case c.SESConfigured():
			return ProviderSES, nil
		default:
			return ProviderStdout, nil
		}
	default:
		return "", fmt.Errorf("unknown provider %q", c.Provider)
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Mailgun.Region = "us"
	c.Mailgun.VerifySSL = true
	c.Mailgun.Timeout = defaultMailgunTimeout
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		} else {
			slog.Warn("ignoring invalid SMTP_MAX_MESSAGE_SIZE", "value", v)
		}
	}

	if v := os.Getenv("MAILGUN_API_KEY"); v != "" {
		c.Mailgun.APIKey = v
	}
	if v := os.Getenv("MAILGUN_PUBLIC_API_KEY"); v != "" {
		c.Mailgun.PublicAPIKey = v
	}
	if v := os.Getenv("MAILGUN_REGION"); v != "" {
		c.Mailgun.Region = strings.ToLower(v)
	}
	if v := os.Getenv("MAILGUN_DOMAIN"); v != "" {
		c.Mailgun.Domain = v
	}
	if v := os.Getenv("MAILGUN_FROM"); v != "" {
		c.Mailgun.From = v
	}
	if v := os.Getenv("MAILGUN_FROM_NAME"); v != "" {
		c.Mailgun.FromName = v
	}
	envBool("MAILGUN_DYNAMIC_DOMAIN", &c.Mailgun.DynamicDomain)
	envBool("MAILGUN_TRACK_OPENS", &c.Mailgun.TrackOpens)
	envBool("MAILGUN_TRACK_CLICKS", &c.Mailgun.TrackClicks)
	envBool("MAILGUN_TEST_MODE", &c.Mailgun.TestMode)
	envBool("MAILGUN_VERIFY_SSL", &c.Mailgun.VerifySSL)
	envBool("MAILGUN_BATCH_MODE", &c.Mailgun.BatchMode)
	if v := os.Getenv("MAILGUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Mailgun.Timeout = d
		} else {
			slog.Warn("ignoring invalid MAILGUN_TIMEOUT", "value", v)
		}
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}

// envBool overrides *dst when name holds a recognised boolean.
func envBool(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		slog.Warn("ignoring invalid boolean environment variable", "name", name, "value", v)
	}
}
