package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "REFERRALS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "referrals.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "tauth"
	defaultCodeLength        = 8
	defaultMaxAttempts       = 10
	defaultLinkBaseURL       = "http://localhost:8080/"
	defaultPendingCookieName = "pending_referral_code"
	defaultPendingCookieTTL  = 30 * 24 * time.Hour
	defaultReconcileInterval = 15 * time.Minute
	defaultValidateLimit     = 30
	defaultValidateWindow    = time.Minute

	// DriverSQLite selects the embedded sqlite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a postgres server reached through database.dsn.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the referral service.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	CodeLength        int
	MaxAttempts       int
	LinkBaseURL       string
	PendingCookieName string
	PendingCookieTTL  time.Duration

	ReconcileInterval time.Duration

	RedisURL       string
	ValidateLimit  int
	ValidateWindow time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("referral.code_length", defaultCodeLength)
	configViper.SetDefault("referral.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("referral.link_base_url", defaultLinkBaseURL)
	configViper.SetDefault("referral.pending_cookie_name", defaultPendingCookieName)
	configViper.SetDefault("referral.pending_cookie_ttl", defaultPendingCookieTTL)
	configViper.SetDefault("reconcile.interval", defaultReconcileInterval)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("ratelimit.validate_limit", defaultValidateLimit)
	configViper.SetDefault("ratelimit.validate_window", defaultValidateWindow)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		TAuthSigningKey:   configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:   configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:       configViper.GetString("tauth.issuer"),
		CodeLength:        configViper.GetInt("referral.code_length"),
		MaxAttempts:       configViper.GetInt("referral.max_attempts"),
		LinkBaseURL:       configViper.GetString("referral.link_base_url"),
		PendingCookieName: configViper.GetString("referral.pending_cookie_name"),
		PendingCookieTTL:  configViper.GetDuration("referral.pending_cookie_ttl"),
		ReconcileInterval: configViper.GetDuration("reconcile.interval"),
		RedisURL:          configViper.GetString("redis.url"),
		ValidateLimit:     configViper.GetInt("ratelimit.validate_limit"),
		ValidateWindow:    configViper.GetDuration("ratelimit.validate_window"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.CodeLength < 1 || c.CodeLength > 32 {
		return fmt.Errorf("referral.code_length must be between 1 and 32")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("referral.max_attempts must be positive")
	}
	if parsed, err := url.Parse(strings.TrimSpace(c.LinkBaseURL)); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("referral.link_base_url must be an absolute URL")
	}
	if strings.TrimSpace(c.PendingCookieName) == "" {
		return fmt.Errorf("referral.pending_cookie_name is required")
	}
	if c.PendingCookieTTL <= 0 {
		return fmt.Errorf("referral.pending_cookie_ttl must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	if c.ValidateLimit < 1 || c.ValidateWindow <= 0 {
		return fmt.Errorf("ratelimit.validate_limit and ratelimit.validate_window must be positive")
	}
	return nil
}
