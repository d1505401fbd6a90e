package portal

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/rcourtman/clinic-portal/internal/portal/idempotency"
)

// Config holds all configuration for the portal service.
type Config struct {
	Env         string
	DataDir     string
	BindAddress string
	Port        int
	BaseURL     string

	// DatabaseURL selects PostgreSQL when set; SQLite under DataDir otherwise.
	DatabaseURL string
	RedisURL    string

	StripeWebhookSecret string
	StripeAPIKey        string

	SessionSecret  string
	OperatorEmails []string
	OperatorRole   string

	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	TenantClaim      string
	RolesClaim       string

	AdminKey      string
	PublicMetrics bool

	LogLevel  string
	LogFormat string

	IdempotencyTTLs idempotency.TTLs

	WebhookRateLimit int
	AdminRateLimit   int
	// TrustedProxies lists the peers whose X-Forwarded-For is believed when
	// keying rate limits. Empty means RemoteAddr only.
	TrustedProxies []netip.Prefix
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// DatabaseDir returns the directory holding the SQLite database.
func (c *Config) DatabaseDir() string {
	return filepath.Join(c.DataDir, "db")
}

// OIDCEnabled reports whether identity provider login is configured.
func (c *Config) OIDCEnabled() bool {
	return c.OIDCIssuer != ""
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// LoadConfig loads portal configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PORTAL_PORT", 8080)
	if err != nil {
		return nil, err
	}
	webhookLimit, err := envOrDefaultInt("PORTAL_WEBHOOK_RATE_LIMIT", 120)
	if err != nil {
		return nil, err
	}
	adminLimit, err := envOrDefaultInt("PORTAL_ADMIN_RATE_LIMIT", 60)
	if err != nil {
		return nil, err
	}
	defaults := idempotency.DefaultTTLs()
	processingTTL, err := envOrDefaultDuration("PORTAL_IDEMPOTENCY_PROCESSING_TTL", defaults.Processing)
	if err != nil {
		return nil, err
	}
	doneTTL, err := envOrDefaultDuration("PORTAL_IDEMPOTENCY_DONE_TTL", defaults.Done)
	if err != nil {
		return nil, err
	}
	extendedTTL, err := envOrDefaultDuration("PORTAL_IDEMPOTENCY_EXTENDED_TTL", defaults.Extended)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("PORTAL_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	trustedProxies, err := parsePrefixes("PORTAL_TRUSTED_PROXIES", os.Getenv("PORTAL_TRUSTED_PROXIES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:                 strings.ToLower(envOrDefault("PORTAL_ENV", "development")),
		DataDir:             envOrDefault("PORTAL_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("PORTAL_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             strings.TrimSpace(os.Getenv("PORTAL_BASE_URL")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("PORTAL_DATABASE_URL")),
		RedisURL:            strings.TrimSpace(os.Getenv("PORTAL_REDIS_URL")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		SessionSecret:       strings.TrimSpace(os.Getenv("PORTAL_SESSION_SECRET")),
		OperatorEmails:      splitList(os.Getenv("PORTAL_OPERATOR_EMAILS")),
		OperatorRole:        strings.TrimSpace(os.Getenv("PORTAL_OPERATOR_ROLE")),
		OIDCIssuer:          strings.TrimSpace(os.Getenv("PORTAL_OIDC_ISSUER")),
		OIDCClientID:        strings.TrimSpace(os.Getenv("PORTAL_OIDC_CLIENT_ID")),
		OIDCClientSecret:    strings.TrimSpace(os.Getenv("PORTAL_OIDC_CLIENT_SECRET")),
		OIDCRedirectURL:     strings.TrimSpace(os.Getenv("PORTAL_OIDC_REDIRECT_URL")),
		TenantClaim:         envOrDefault("PORTAL_TENANT_CLAIM", "tenant_id"),
		RolesClaim:          envOrDefault("PORTAL_ROLES_CLAIM", "roles"),
		AdminKey:            strings.TrimSpace(os.Getenv("PORTAL_ADMIN_KEY")),
		PublicMetrics:       publicMetrics,
		LogLevel:            envOrDefault("PORTAL_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("PORTAL_LOG_FORMAT", "auto"),
		IdempotencyTTLs: idempotency.TTLs{
			Processing: processingTTL,
			Done:       doneTTL,
			Extended:   extendedTTL,
		},
		WebhookRateLimit: webhookLimit,
		AdminRateLimit:   adminLimit,
		TrustedProxies:   trustedProxies,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate portal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Env {
	case "development", "test", "production":
	default:
		return fmt.Errorf("PORTAL_ENV must be development, test or production, got %q", c.Env)
	}

	if c.Production() {
		var missing []string
		if c.StripeWebhookSecret == "" {
			missing = append(missing, "STRIPE_WEBHOOK_SECRET")
		}
		if c.SessionSecret == "" {
			missing = append(missing, "PORTAL_SESSION_SECRET")
		}
		if c.RedisURL == "" {
			missing = append(missing, "PORTAL_REDIS_URL")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
		}
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORTAL_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SessionSecret != "" && len(c.SessionSecret) < 32 {
		return fmt.Errorf("PORTAL_SESSION_SECRET must be at least 32 bytes")
	}
	if c.OIDCEnabled() {
		if c.OIDCClientID == "" || c.OIDCRedirectURL == "" {
			return fmt.Errorf("PORTAL_OIDC_CLIENT_ID and PORTAL_OIDC_REDIRECT_URL are required when PORTAL_OIDC_ISSUER is set")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("PORTAL_SESSION_SECRET is required when PORTAL_OIDC_ISSUER is set")
		}
	}
	if c.WebhookRateLimit < 1 || c.AdminRateLimit < 1 {
		return fmt.Errorf("rate limits must be greater than 0")
	}
	t := c.IdempotencyTTLs
	if t.Processing <= 0 || t.Done <= 0 || t.Extended <= 0 {
		return fmt.Errorf("idempotency TTLs must be greater than 0")
	}
	if t.Processing >= t.Done {
		return fmt.Errorf("PORTAL_IDEMPOTENCY_PROCESSING_TTL (%s) must be shorter than PORTAL_IDEMPOTENCY_DONE_TTL (%s)", t.Processing, t.Done)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration like 10m or 720h: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parsePrefixes accepts CIDRs and bare addresses.
func parsePrefixes(key, raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range splitList(raw) {
		if strings.Contains(part, "/") {
			p, err := netip.ParsePrefix(part)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid CIDR %q: %w", key, part, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(part)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid address %q: %w", key, part, err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}
