// Package config loads and validates the access-review configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the ARV_ prefix (e.g., ARV_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binaries to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration shared by the server and the
// auditor CLI.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Secrets       SecretsConfig       `mapstructure:"secrets"`
	SAML          SAMLConfig          `mapstructure:"saml"`
	LDAP          LDAPConfig          `mapstructure:"ldap"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration. When
// secrets.enabled is true, host/port/name/user/password act as the fallback
// used if the secret cannot be fetched at startup.
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// SecretsConfig holds the AWS Secrets Manager bootstrap settings for the
// database credentials. A secret fetch failure is logged and the static
// database section is used instead; startup is never blocked.
type SecretsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Region     string `mapstructure:"region"`
	SecretName string `mapstructure:"secret_name"`
}

// SAMLConfig holds the service-provider side of the SAML SSO integration.
// When disabled, requests are attributed to the dev_principal settings so the
// service can run locally without an IdP.
type SAMLConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	IDPMetadata string `mapstructure:"idp_metadata_url"`
	EntityID    string `mapstructure:"entity_id"`
	CertFile    string `mapstructure:"cert_file"`
	KeyFile     string `mapstructure:"key_file"`

	DevPrincipalEmail string `mapstructure:"dev_principal_email"`
	DevPrincipalName  string `mapstructure:"dev_principal_name"`
}

// LDAPConfig holds the directory connection used by the auditor CLI.
type LDAPConfig struct {
	Server             string `mapstructure:"server"`
	Port               int    `mapstructure:"port"`
	BindUser           string `mapstructure:"bind_user"`
	BindPassword       string `mapstructure:"bind_password"`
	BaseDN             string `mapstructure:"base_dn"`
	SkipCertValidation bool   `mapstructure:"skip_cert_validation"`
}

// AuditConfig controls the provisioning policy applied by the auditor CLI and
// the overdue threshold shown in the review queue.
type AuditConfig struct {
	// GroupPrefixes are the directory group CN prefixes in scope for review
	GroupPrefixes []string `mapstructure:"group_prefixes"`
	// MinDaysBetweenAudits is how long a user stays off the review list after a review is provisioned
	MinDaysBetweenAudits int `mapstructure:"min_days_between_audits"`
	// MaxAuditsPerManagerPerDay caps review invitations per manager per day
	MaxAuditsPerManagerPerDay int `mapstructure:"max_audits_per_manager_per_day"`
	// OverdueAfterDays marks an unresolved review as overdue in the queue
	OverdueAfterDays int `mapstructure:"overdue_after_days"`
}

// NotificationsConfig holds settings for outbound notification emails
type NotificationsConfig struct {
	// SMTP holds the outbound mail server settings
	SMTP SMTPConfig `mapstructure:"smtp"`
	// OperationsMailbox receives decision summaries after a review is resolved
	OperationsMailbox string `mapstructure:"operations_mailbox"`
	// ReviewURL is the public link prefix mailed to managers; the record's
	// secret token is appended as the token query parameter
	ReviewURL string `mapstructure:"review_url"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	// Host is the SMTP server hostname
	Host string `mapstructure:"host"`
	// Port is the SMTP server port (587 for STARTTLS, 465 for SMTPS, 25 for plain)
	Port int `mapstructure:"port"`
	// Username for SMTP authentication; leave empty to skip AUTH
	Username string `mapstructure:"username"`
	// Password for SMTP authentication
	Password string `mapstructure:"password"`
	// From is the sender address shown in notification emails
	From string `mapstructure:"from"`
	// FromName is the sender display name
	FromName string `mapstructure:"from_name"`
	// VerifyTLS=false accepts self-signed or otherwise untrusted server
	// certificates. Explicit relaxation for internal relays, not a default.
	VerifyTLS bool `mapstructure:"verify_tls"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs
// during Unmarshal. viper.BindEnv only errors when called with zero keys; since
// every key here is a non-empty hardcoded string, any error indicates a
// programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Secrets bootstrap
		"secrets.enabled",
		"secrets.region",
		"secrets.secret_name",

		// SAML
		"saml.enabled",
		"saml.idp_metadata_url",
		"saml.entity_id",
		"saml.cert_file",
		"saml.key_file",
		"saml.dev_principal_email",
		"saml.dev_principal_name",

		// LDAP
		"ldap.server",
		"ldap.port",
		"ldap.bind_user",
		"ldap.bind_password",
		"ldap.base_dn",
		"ldap.skip_cert_validation",

		// Audit policy
		"audit.group_prefixes",
		"audit.min_days_between_audits",
		"audit.max_audits_per_manager_per_day",
		"audit.overdue_after_days",

		// Notifications / SMTP
		"notifications.smtp.host",
		"notifications.smtp.port",
		"notifications.smtp.username",
		"notifications.smtp.password",
		"notifications.smtp.from",
		"notifications.smtp.from_name",
		"notifications.smtp.verify_tls",
		"notifications.operations_mailbox",
		"notifications.review_url",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/access-review")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("ARV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.LDAP.BindPassword = expandEnv(cfg.LDAP.BindPassword)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "access_review")
	v.SetDefault("database.user", "access_review")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Secrets bootstrap defaults
	v.SetDefault("secrets.enabled", false)
	v.SetDefault("secrets.region", "")
	v.SetDefault("secrets.secret_name", "")

	// SAML defaults
	v.SetDefault("saml.enabled", false)
	v.SetDefault("saml.dev_principal_email", "dev@localhost")
	v.SetDefault("saml.dev_principal_name", "Local Developer")

	// LDAP defaults: port 0 derives the default from the scheme (636 for ldaps, 389 otherwise)
	v.SetDefault("ldap.port", 0)
	v.SetDefault("ldap.skip_cert_validation", false)

	// Audit policy defaults
	v.SetDefault("audit.group_prefixes", []string{"SG_AWS"})
	v.SetDefault("audit.min_days_between_audits", 30)
	v.SetDefault("audit.max_audits_per_manager_per_day", 5)
	v.SetDefault("audit.overdue_after_days", 30)

	// Notifications defaults
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.verify_tls", true)
	v.SetDefault("notifications.operations_mailbox", "")
	v.SetDefault("notifications.review_url", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Secrets.Enabled {
		if c.Secrets.SecretName == "" {
			return fmt.Errorf("secrets.secret_name is required when secrets.enabled is true")
		}
		if c.Secrets.Region == "" {
			return fmt.Errorf("secrets.region is required when secrets.enabled is true")
		}
	}

	if c.SAML.Enabled {
		if c.SAML.IDPMetadata == "" {
			return fmt.Errorf("saml.idp_metadata_url is required when SAML is enabled")
		}
		if c.SAML.CertFile == "" || c.SAML.KeyFile == "" {
			return fmt.Errorf("saml.cert_file and saml.key_file are required when SAML is enabled")
		}
	}

	if c.Audit.MinDaysBetweenAudits < 1 {
		return fmt.Errorf("audit.min_days_between_audits must be at least 1")
	}
	if c.Audit.OverdueAfterDays < 1 {
		return fmt.Errorf("audit.overdue_after_days must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UseSSL reports whether the configured LDAP URL requests an ldaps connection.
func (c *LDAPConfig) UseSSL() bool {
	return strings.HasPrefix(strings.ToLower(c.Server), "ldaps")
}

// EffectivePort returns the configured LDAP port, deriving the scheme default
// (636 for ldaps, 389 for ldap) when the port is unset.
func (c *LDAPConfig) EffectivePort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.UseSSL() {
		return 636
	}
	return 389
}

// ReviewLink returns the emailed review URL for a secret token.
func (n *NotificationsConfig) ReviewLink(baseURL, token string) string {
	prefix := n.ReviewURL
	if prefix == "" {
		prefix = strings.TrimSuffix(baseURL, "/") + "/review?token="
	}
	return prefix + token
}
