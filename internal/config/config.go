// Package config loads and validates the prism configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the PRISM_ prefix (e.g., PRISM_DATABASE_HOST
// overrides database.host in the YAML).
//
// Secrets that gate authentication (the session secret and the OAuth client
// credentials) are validated at load time. A missing secret is a startup error,
// never a silent fallback to an unauthenticated mode.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Invitations   InvitationsConfig   `mapstructure:"invitations"`
	Security      SecurityConfig      `mapstructure:"security"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Production enables Secure cookies and HSTS.
	Production bool `mapstructure:"production"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For header is
	// believed. Empty means the client IP is always the TCP peer.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// GetPublicURL returns the browser-facing URL used for login redirects and invitation links.
// When server.public_url is set it is returned as-is; otherwise it falls back to server.base_url.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return strings.TrimRight(s.PublicURL, "/")
	}
	return strings.TrimRight(s.BaseURL, "/")
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Name               string        `mapstructure:"name"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	SSLMode            string        `mapstructure:"ssl_mode"`
	MaxConnections     int           `mapstructure:"max_connections"`
	MinIdleConnections int           `mapstructure:"min_idle_connections"`
	QueryTimeout       time.Duration `mapstructure:"query_timeout"`
}

// RedisConfig holds the optional Redis connection used for distributed rate limiting.
// Leaving Address empty keeps rate limiting in-process.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	OAuth   OAuthConfig   `mapstructure:"oauth"`
	Session SessionConfig `mapstructure:"session"`
	State   StateConfig   `mapstructure:"state"`
	// SuperAdmins lists the emails allowed to enter access simulation.
	SuperAdmins []string `mapstructure:"super_admins"`
	// ImpersonationRole is the role a super-admin acts with inside a simulated project.
	ImpersonationRole string `mapstructure:"impersonation_role"`
}

// OAuthConfig describes the external identity provider.
//
// Either IssuerURL (OIDC discovery fills in the endpoints) or all three of
// AuthURL, TokenURL and ProfileURL must be set.
type OAuthConfig struct {
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	IssuerURL      string        `mapstructure:"issuer_url"`
	AuthURL        string        `mapstructure:"auth_url"`
	TokenURL       string        `mapstructure:"token_url"`
	ProfileURL     string        `mapstructure:"profile_url"`
	RedirectURL    string        `mapstructure:"redirect_url"`
	Scopes         []string      `mapstructure:"scopes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SessionConfig holds the encrypted session cookie settings
type SessionConfig struct {
	Secret     string        `mapstructure:"secret"`
	CookieName string        `mapstructure:"cookie_name"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

// StateConfig holds the OAuth CSRF state cookie settings
type StateConfig struct {
	CookieName string        `mapstructure:"cookie_name"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

// InvitationsConfig holds invitation ledger settings
type InvitationsConfig struct {
	// TTLDays is how long an issued or resent invitation stays redeemable.
	TTLDays int `mapstructure:"ttl_days"`
	// AcceptPath is appended to the public URL to build the link sent to invitees.
	AcceptPath string `mapstructure:"accept_path"`
}

// TTL returns the invitation lifetime as a duration.
func (c *InvitationsConfig) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Shippers configures external copies of every audit record
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // file, webhook, s3
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
	S3      *AuditS3Config      `mapstructure:"s3"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditS3Config holds the S3 archive shipper configuration.
type AuditS3Config struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`

	// Authentication method: "default", "static", "assume_role"
	AuthMethod      string `mapstructure:"auth_method"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	RoleARN         string `mapstructure:"role_arn"`
	ExternalID      string `mapstructure:"external_id"`
}

// NotificationsConfig holds settings for outbound invitation emails
type NotificationsConfig struct {
	// Enabled toggles invitation emails. When false the accept link is logged instead.
	Enabled bool       `mapstructure:"enabled"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// envKeys lists every key bound to a PRISM_* environment variable.
// AutomaticEnv() doesn't work well with nested structs during Unmarshal.
var envKeys = []string{
	// Server
	"server.host",
	"server.port",
	"server.base_url",
	"server.public_url",
	"server.read_timeout",
	"server.write_timeout",
	"server.production",
	"server.trusted_proxies",

	// Database
	"database.host",
	"database.port",
	"database.name",
	"database.user",
	"database.password",
	"database.ssl_mode",
	"database.max_connections",
	"database.min_idle_connections",
	"database.query_timeout",

	// Redis
	"redis.address",
	"redis.password",
	"redis.db",

	// Auth
	"auth.oauth.client_id",
	"auth.oauth.client_secret",
	"auth.oauth.issuer_url",
	"auth.oauth.auth_url",
	"auth.oauth.token_url",
	"auth.oauth.profile_url",
	"auth.oauth.redirect_url",
	"auth.oauth.scopes",
	"auth.oauth.request_timeout",
	"auth.session.secret",
	"auth.session.cookie_name",
	"auth.session.max_age",
	"auth.state.cookie_name",
	"auth.state.max_age",
	"auth.super_admins",
	"auth.impersonation_role",

	// Invitations
	"invitations.ttl_days",
	"invitations.accept_path",

	// Security
	"security.cors.allowed_origins",
	"security.cors.allowed_methods",
	"security.rate_limiting.enabled",
	"security.rate_limiting.requests_per_minute",
	"security.rate_limiting.burst",
	"security.tls.enabled",
	"security.tls.cert_file",
	"security.tls.key_file",

	// Logging
	"logging.level",
	"logging.format",

	// Telemetry
	"telemetry.service_name",
	"telemetry.metrics.enabled",
	"telemetry.metrics.prometheus_port",

	// Notifications / SMTP
	"notifications.enabled",
	"notifications.smtp.host",
	"notifications.smtp.port",
	"notifications.smtp.username",
	"notifications.smtp.password",
	"notifications.smtp.from",
	"notifications.smtp.use_tls",
}

func bindEnvVars(v *viper.Viper) error {
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// newViper builds a viper instance with defaults, file lookup and env bindings applied.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/prism")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("PRISM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

// decode unmarshals, expands secrets and validates.
func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.OAuth.ClientSecret = expandEnv(cfg.Auth.OAuth.ClientSecret)
	cfg.Auth.Session.Secret = expandEnv(cfg.Auth.Session.Secret)
	cfg.Notifications.SMTP.Password = expandEnv(cfg.Notifications.SMTP.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.production", true)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "prism")
	v.SetDefault("database.user", "prism")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)
	v.SetDefault("database.query_timeout", "5s")

	v.SetDefault("auth.oauth.scopes", []string{"openid", "email", "profile"})
	v.SetDefault("auth.oauth.request_timeout", "10s")
	v.SetDefault("auth.session.cookie_name", "prism_session")
	v.SetDefault("auth.session.max_age", "168h")
	v.SetDefault("auth.state.cookie_name", "prism_oauth_state")
	v.SetDefault("auth.state.max_age", "10m")
	v.SetDefault("auth.super_admins", []string{})
	v.SetDefault("auth.impersonation_role", "admin")

	v.SetDefault("invitations.ttl_days", 7)
	v.SetDefault("invitations.accept_path", "/invitations/accept")

	v.SetDefault("security.cors.allowed_origins", []string{})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.service_name", "prism")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.smtp.port", 587)
	v.SetDefault("notifications.smtp.use_tls", true)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// MinSessionSecretLength is the shortest accepted session secret.
const MinSessionSecretLength = 32

var validRoles = map[string]bool{"viewer": true, "editor": true, "admin": true, "owner": true}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	for _, p := range c.Server.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("server.trusted_proxies: %q is not an IP or CIDR", p)
			}
		}
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

	if err := c.Auth.validate(); err != nil {
		return err
	}

	if c.Invitations.TTLDays < 1 {
		return fmt.Errorf("invitations.ttl_days must be at least 1")
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d].file.path is required", i)
			}
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d].webhook.url is required", i)
			}
		case "s3":
			if s.S3 == nil || s.S3.Bucket == "" || s.S3.Region == "" {
				return fmt.Errorf("audit.shippers[%d].s3.bucket and region are required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q (must be file, webhook, or s3)", i, s.Type)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

func (a *AuthConfig) validate() error {
	if a.Session.Secret == "" {
		return fmt.Errorf("auth.session.secret is required (generate one with `keygen`)")
	}
	if len(a.Session.Secret) < MinSessionSecretLength {
		return fmt.Errorf("auth.session.secret must be at least %d characters", MinSessionSecretLength)
	}
	if a.Session.CookieName == "" || a.State.CookieName == "" {
		return fmt.Errorf("auth.session.cookie_name and auth.state.cookie_name are required")
	}
	if a.Session.CookieName == a.State.CookieName {
		return fmt.Errorf("auth.session.cookie_name and auth.state.cookie_name must differ")
	}

	o := a.OAuth
	if o.ClientID == "" {
		return fmt.Errorf("auth.oauth.client_id is required")
	}
	if o.ClientSecret == "" {
		return fmt.Errorf("auth.oauth.client_secret is required")
	}
	if o.RedirectURL == "" {
		return fmt.Errorf("auth.oauth.redirect_url is required")
	}
	if o.IssuerURL == "" && (o.AuthURL == "" || o.TokenURL == "" || o.ProfileURL == "") {
		return fmt.Errorf("auth.oauth.issuer_url or all of auth_url, token_url and profile_url are required")
	}
	for _, raw := range []string{o.IssuerURL, o.AuthURL, o.TokenURL, o.ProfileURL, o.RedirectURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("auth.oauth: invalid URL %q", raw)
		}
	}

	if !validRoles[a.ImpersonationRole] {
		return fmt.Errorf("invalid auth.impersonation_role: %s", a.ImpersonationRole)
	}
	if len(a.SuperAdmins) == 0 {
		slog.Warn("auth.super_admins is empty: no one can enter access simulation")
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
