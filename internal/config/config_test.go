package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database defaults: %#v", cfg)
	}
	if cfg.CodeLength != 8 || cfg.MaxAttempts != 10 {
		t.Fatalf("unexpected referral defaults: %d/%d", cfg.CodeLength, cfg.MaxAttempts)
	}
	if cfg.PendingCookieName != "pending_referral_code" || cfg.PendingCookieTTL != 30*24*time.Hour {
		t.Fatalf("unexpected pending cookie defaults: %s/%s", cfg.PendingCookieName, cfg.PendingCookieTTL)
	}
	if cfg.TAuthIssuer != "tauth" || cfg.ReconcileInterval != 15*time.Minute {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("REFERRALS_TAUTH_SIGNING_SECRET", "from-env")
	t.Setenv("REFERRALS_DATABASE_DRIVER", "postgres")
	t.Setenv("REFERRALS_DATABASE_DSN", "postgres://localhost/referrals")
	t.Setenv("REFERRALS_REFERRAL_CODE_LENGTH", "10")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TAuthSigningKey != "from-env" || cfg.DatabaseDriver != DriverPostgres || cfg.CodeLength != 10 {
		t.Fatalf("environment not applied: %#v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		contains string
	}{
		{name: "missing-secret", settings: map[string]any{}, contains: "tauth.signing_secret"},
		{name: "unknown-driver", settings: map[string]any{"database.driver": "mysql"}, contains: "database.driver"},
		{name: "postgres-without-dsn", settings: map[string]any{"database.driver": "postgres"}, contains: "database.dsn"},
		{name: "code-too-long", settings: map[string]any{"referral.code_length": 64}, contains: "referral.code_length"},
		{name: "relative-link-base", settings: map[string]any{"referral.link_base_url": "/signup"}, contains: "referral.link_base_url"},
		{name: "zero-limit", settings: map[string]any{"ratelimit.validate_limit": 0}, contains: "ratelimit"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing-secret" {
				configViper.Set("tauth.signing_secret", "secret")
			}
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.contains) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.contains, err)
			}
		})
	}
}
