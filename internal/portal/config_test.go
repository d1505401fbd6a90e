package portal

import (
	"net/netip"
	"strings"
	"testing"
	"time"
)

func clearPortalEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORTAL_ENV", "PORTAL_PORT", "PORTAL_DATA_DIR", "PORTAL_DATABASE_URL", "PORTAL_REDIS_URL",
		"STRIPE_WEBHOOK_SECRET", "STRIPE_API_KEY", "PORTAL_SESSION_SECRET", "PORTAL_OPERATOR_EMAILS",
		"PORTAL_OPERATOR_ROLE", "PORTAL_OIDC_ISSUER", "PORTAL_OIDC_CLIENT_ID", "PORTAL_OIDC_REDIRECT_URL",
		"PORTAL_PUBLIC_METRICS", "PORTAL_IDEMPOTENCY_PROCESSING_TTL", "PORTAL_IDEMPOTENCY_DONE_TTL",
		"PORTAL_IDEMPOTENCY_EXTENDED_TTL", "PORTAL_WEBHOOK_RATE_LIMIT", "PORTAL_ADMIN_RATE_LIMIT",
		"PORTAL_TRUSTED_PROXIES",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearPortalEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Env != "development" || cfg.Port != 8080 {
		t.Fatalf("unexpected defaults: env=%q port=%d", cfg.Env, cfg.Port)
	}
	if cfg.IdempotencyTTLs.Processing != 10*time.Minute || cfg.IdempotencyTTLs.Done != 30*24*time.Hour {
		t.Fatalf("unexpected TTL defaults: %+v", cfg.IdempotencyTTLs)
	}
	if cfg.WebhookRateLimit != 120 || cfg.AdminRateLimit != 60 {
		t.Fatalf("unexpected rate limits: %d/%d", cfg.WebhookRateLimit, cfg.AdminRateLimit)
	}
	if cfg.Production() || cfg.OIDCEnabled() {
		t.Fatal("development defaults should not enable production or OIDC")
	}
	if len(cfg.TrustedProxies) != 0 {
		t.Fatalf("trusted proxies = %v, want none", cfg.TrustedProxies)
	}
}

func TestLoadConfigTrustedProxies(t *testing.T) {
	clearPortalEnv(t)
	t.Setenv("PORTAL_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.10")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8"), netip.MustParsePrefix("192.0.2.10/32")}
	if len(cfg.TrustedProxies) != len(want) {
		t.Fatalf("trusted proxies = %v", cfg.TrustedProxies)
	}
	for i := range want {
		if cfg.TrustedProxies[i] != want[i] {
			t.Fatalf("trusted proxies[%d] = %v, want %v", i, cfg.TrustedProxies[i], want[i])
		}
	}

	t.Setenv("PORTAL_TRUSTED_PROXIES", "10.0.0.0/33")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestLoadConfigOperatorList(t *testing.T) {
	clearPortalEnv(t)
	t.Setenv("PORTAL_OPERATOR_EMAILS", "ops@clinic.example, lead@clinic.example;;  ")
	t.Setenv("PORTAL_OPERATOR_ROLE", "portal-operator")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.OperatorEmails) != 2 || cfg.OperatorEmails[1] != "lead@clinic.example" {
		t.Fatalf("OperatorEmails = %v", cfg.OperatorEmails)
	}
	if cfg.OperatorRole != "portal-operator" {
		t.Fatalf("OperatorRole = %q", cfg.OperatorRole)
	}
}

func TestLoadConfigProductionRequirements(t *testing.T) {
	clearPortalEnv(t)
	t.Setenv("PORTAL_ENV", "production")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected error for production without secrets")
	}
	for _, key := range []string{"STRIPE_WEBHOOK_SECRET", "PORTAL_SESSION_SECRET", "PORTAL_REDIS_URL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q should name %s", err, key)
		}
	}

	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_x")
	t.Setenv("PORTAL_SESSION_SECRET", strings.Repeat("s", 32))
	t.Setenv("PORTAL_REDIS_URL", "redis://localhost:6379/0")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Production() {
		t.Fatal("expected production mode")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad env", map[string]string{"PORTAL_ENV": "staging"}},
		{"bad port", map[string]string{"PORTAL_PORT": "70000"}},
		{"non-numeric port", map[string]string{"PORTAL_PORT": "http"}},
		{"short session secret", map[string]string{"PORTAL_SESSION_SECRET": "short"}},
		{"oidc without client", map[string]string{"PORTAL_OIDC_ISSUER": "https://idp.example"}},
		{"bad ttl", map[string]string{"PORTAL_IDEMPOTENCY_DONE_TTL": "forever"}},
		{"processing not shorter than done", map[string]string{
			"PORTAL_IDEMPOTENCY_PROCESSING_TTL": "48h",
			"PORTAL_IDEMPOTENCY_DONE_TTL":       "24h",
		}},
		{"zero rate limit", map[string]string{"PORTAL_WEBHOOK_RATE_LIMIT": "0"}},
		{"bad bool", map[string]string{"PORTAL_PUBLIC_METRICS": "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearPortalEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
