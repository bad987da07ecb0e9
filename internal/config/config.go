package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds gateway configuration loaded from the environment. It is built
// once at startup and passed by reference; components never mutate it.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	// Gateway identity. GatewayID is written into every order's
	// payment_method metadata and doubles as the mCASH pos_id.
	GatewayID    string
	GatewayTitle string

	// Merchant API credentials.
	MerchantID           string
	MerchantUserID       string
	PrivateKeyPEM        string
	ProviderPublicKeyPEM string
	APIBaseURL           string
	TestMode             bool
	TestbedToken         string
	TestbedPrivateKeyPEM string

	Currency string

	// URLs handed to the provider when creating a payment request.
	CallbackURI      string
	SuccessReturnURL string
	CancelReturnURL  string
	CartURL          string

	// Capture policy.
	AutoCapture        bool
	AutoCaptureVirtual bool
	CaptureOn          string // "processing" or "completed"

	ExpressEnabled bool
	DirectEnabled  bool

	// Flat/threshold shipping rule for express and direct flows.
	ShippingPrice     string
	ShippingFreeLimit string

	// Callback authentication. StrictSignatures rejects unsigned callbacks
	// instead of letting them through.
	StrictSignatures   bool
	TrustForwardedHost bool

	// Address completion polling.
	AddressPollAttempts int
	AddressPollInterval time.Duration

	// Per-order mutual exclusion.
	LockTTL          time.Duration
	LockRetryBackoff time.Duration

	AdminJWTSecret string

	CheckoutRateLimit string

	SweepConcurrency int
	SweepCron        string

	// Outbound Merchant API client tuning.
	OutboundTimeout    time.Duration
	RetryBase          time.Duration
	RetryMaxAttempts   int
	RetryJitterPercent float64
	CircuitMinReq      int
	CircuitFailureRate float64
	CircuitOpenFor     time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		GatewayID:    valueOrDefault(k.String("MCASH_GATEWAY_ID"), "mcash"),
		GatewayTitle: valueOrDefault(k.String("MCASH_GATEWAY_TITLE"), "mCASH"),

		MerchantID:           k.String("MCASH_MERCHANT_ID"),
		MerchantUserID:       k.String("MCASH_MERCHANT_USER_ID"),
		PrivateKeyPEM:        k.String("MCASH_PRIVATE_KEY"),
		ProviderPublicKeyPEM: k.String("MCASH_PROVIDER_PUBLIC_KEY"),
		APIBaseURL:           valueOrDefault(k.String("MCASH_API_BASE_URL"), "https://api.mca.sh/merchant/v1"),
		TestMode:             parseBool(k.String("MCASH_TESTMODE")),
		TestbedToken:         k.String("MCASH_TESTBED_TOKEN"),
		TestbedPrivateKeyPEM: k.String("MCASH_TESTBED_PRIVATE_KEY"),

		Currency: valueOrDefault(k.String("MCASH_CURRENCY"), "NOK"),

		CallbackURI:      k.String("MCASH_CALLBACK_URI"),
		SuccessReturnURL: k.String("CHECKOUT_SUCCESS_RETURN_URL"),
		CancelReturnURL:  k.String("CHECKOUT_CANCEL_RETURN_URL"),
		CartURL:          k.String("CHECKOUT_CART_URL"),

		AutoCapture:        parseBool(k.String("MCASH_AUTOCAPTURE")),
		AutoCaptureVirtual: parseBoolDefault(k.String("MCASH_AUTOCAPTURE_VIRTUAL"), true),
		CaptureOn:          valueOrDefault(k.String("MCASH_CAPTURE_ON"), "completed"),

		ExpressEnabled: parseBoolDefault(k.String("MCASH_EXPRESS_ENABLED"), true),
		DirectEnabled:  parseBoolDefault(k.String("MCASH_DIRECT_ENABLED"), true),

		ShippingPrice:     valueOrDefault(k.String("MCASH_SHIPPING_PRICE"), "0"),
		ShippingFreeLimit: valueOrDefault(k.String("MCASH_SHIPPING_FREE_LIMIT"), "0"),

		StrictSignatures:   parseBool(k.String("MCASH_STRICT_SIGNATURES")),
		TrustForwardedHost: parseBool(k.String("MCASH_TRUST_FORWARDED_HOST")),

		AddressPollAttempts: parseInt(k.String("MCASH_ADDRESS_POLL_ATTEMPTS"), 10),
		AddressPollInterval: parseDuration(k.String("MCASH_ADDRESS_POLL_INTERVAL"), "1s"),

		LockTTL:          parseDuration(k.String("ORDER_LOCK_TTL"), "30s"),
		LockRetryBackoff: parseDuration(k.String("ORDER_LOCK_RETRY_BACKOFF"), "50ms"),

		AdminJWTSecret: k.String("ADMIN_JWT_SECRET"),

		CheckoutRateLimit: valueOrDefault(k.String("CHECKOUT_RATE_LIMIT"), "30-M"),

		SweepConcurrency: parseInt(k.String("SWEEP_CONCURRENCY"), 4),
		SweepCron:        valueOrDefault(k.String("SWEEP_CRON"), "@daily"),

		OutboundTimeout:    parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
		RetryBase:          parseDuration(k.String("RETRY_BASE"), "200ms"),
		RetryMaxAttempts:   parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
		RetryJitterPercent: parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
		CircuitMinReq:      parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRate: parseFloat(k.String("CIRCUIT_FAILURE_RATE"), 0.5),
		CircuitOpenFor:     parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.CaptureOn != "processing" && cfg.CaptureOn != "completed" {
		return nil, fmt.Errorf("MCASH_CAPTURE_ON must be processing or completed, got %q", cfg.CaptureOn)
	}

	return cfg, nil
}

// SigningKeyPEM returns the private key used for outbound request signing,
// honouring test mode the way the hosted gateway does.
func (c *Config) SigningKeyPEM() string {
	if c.TestMode && strings.TrimSpace(c.TestbedPrivateKeyPEM) != "" {
		return c.TestbedPrivateKeyPEM
	}
	return c.PrivateKeyPEM
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching
// the real environment permanently.
func LoadForTests(vars map[string]string) (*Config, error) {
	original := make(map[string]string, len(vars))
	for key := range vars {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, vars[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseBoolDefault(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return parseBool(value)
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return f
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
