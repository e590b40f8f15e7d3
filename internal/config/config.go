package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration values used by the ledger service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	// StripeSecretKey authenticates call-backs to the processor API. When empty the
	// service runs without canonical lookups and always uses payload data.
	StripeSecretKey string

	// StripeWebhookSecret is the shared signing secret for webhook deliveries. When
	// empty every delivery is rejected.
	StripeWebhookSecret string

	// StripeTimeout bounds every synchronous call-back to the processor.
	StripeTimeout time.Duration

	// AdminAccountIDs is the operator allow-list that is always entitled.
	AdminAccountIDs []string

	// InternalAPIToken guards the ledger and entitlement endpoints.
	InternalAPIToken string

	// RedisURL enables the entitlement cache when set (e.g. "redis://localhost:6379/0").
	RedisURL string

	// EntitlementCacheTTL is how long a cached entitlement decision is served.
	EntitlementCacheTTL time.Duration

	// SignupBonusTokens is granted once when an account is bootstrapped.
	SignupBonusTokens int64

	LogLevel  string
	LogFormat string
}

const (
	defaultServerAddress       = ":18111"
	defaultStripeTimeout       = 10 * time.Second
	defaultEntitlementCacheTTL = 30 * time.Second
	defaultSignupBonusTokens   = 3
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"

	envServerAddress       = "BACKEND_ADDR"
	envDatabaseURL         = "DATABASE_URL"
	envStripeSecretKey     = "STRIPE_SECRET_KEY"
	envStripeWebhookSecret = "STRIPE_WEBHOOK_SECRET"
	envStripeTimeout       = "STRIPE_API_TIMEOUT"
	envAdminAccountIDs     = "ADMIN_ACCOUNT_IDS"
	envInternalAPIToken    = "INTERNAL_API_TOKEN"
	envRedisURL            = "REDIS_URL"
	envEntitlementCacheTTL = "ENTITLEMENT_CACHE_TTL"
	envSignupBonusTokens   = "SIGNUP_BONUS_TOKENS"
	envLogLevel            = "LOG_LEVEL"
	envLogFormat           = "LOG_FORMAT"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		StripeSecretKey:     strings.TrimSpace(os.Getenv(envStripeSecretKey)),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv(envStripeWebhookSecret)),
		AdminAccountIDs:     splitList(os.Getenv(envAdminAccountIDs)),
		InternalAPIToken:    strings.TrimSpace(os.Getenv(envInternalAPIToken)),
		RedisURL:            strings.TrimSpace(os.Getenv(envRedisURL)),
		LogLevel:            firstNonEmpty(os.Getenv(envLogLevel), defaultLogLevel),
		LogFormat:           firstNonEmpty(os.Getenv(envLogFormat), defaultLogFormat),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}

	var err error
	if cfg.StripeTimeout, err = durationEnv(envStripeTimeout, defaultStripeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.EntitlementCacheTTL, err = durationEnv(envEntitlementCacheTTL, defaultEntitlementCacheTTL); err != nil {
		return Config{}, err
	}

	cfg.SignupBonusTokens = defaultSignupBonusTokens
	if raw := strings.TrimSpace(os.Getenv(envSignupBonusTokens)); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envSignupBonusTokens, raw)
		}
		cfg.SignupBonusTokens = n
	}

	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return d, nil
}
