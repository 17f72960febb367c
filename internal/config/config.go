package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverSupabase = "supabase"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Persistence
	StoreDriver        string
	DatabaseURL        string
	SupabaseURL        string
	SupabaseAnonKey    string
	SupabaseServiceKey string

	// Cache & locks. An empty RedisURL keeps both in process.
	RedisURL  string
	CacheTTL  time.Duration
	CacheSize int

	// HTTP client
	HTTPTimeout time.Duration

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Observability
	OTLPEndpoint string

	// JWT / Auth
	JWTSecret    string
	JWTAccessTTL time.Duration
	TrialDays    int

	// MercadoPago
	MercadoPagoBaseURL       string
	MercadoPagoAccessToken   string
	MercadoPagoWebhookSecret string
	MercadoPagoCurrency      string
	MercadoPagoUSDRate       float64

	// Polar
	PolarBaseURL       string
	PolarAccessToken   string
	PolarWebhookSecret string
	PolarProducts      map[string]string // "plan:frequency" -> product id

	// Routing
	RegionalCountry   string
	RegionalMaxAmount float64

	// Monitoring
	SweepInterval       time.Duration
	ExpirySweepInterval time.Duration
	SweepConcurrency    int

	// FrontendURL is where checkout returns to and welcome emails link.
	FrontendURL string
}

var defaults = map[string]any{
	"PORT":      8080,
	"LOG_LEVEL": "info",

	"STORE_DRIVER": DriverMemory,
	"DATABASE_URL": "data/billing.db",

	"CACHE_TTL":  2 * time.Minute,
	"CACHE_SIZE": 1024,

	"HTTP_TIMEOUT":    10 * time.Second,
	"MAX_RETRIES":     3,
	"INITIAL_BACKOFF": 100 * time.Millisecond,
	"MAX_CONCURRENCY": 50,

	"OTEL_EXPORTER_OTLP_ENDPOINT": "",

	"JWT_SECRET":     "cmms-billing-dev-secret-change-me",
	"JWT_ACCESS_TTL": 15 * time.Minute,
	"TRIAL_DAYS":     14,

	"MERCADOPAGO_BASE_URL": "https://api.mercadopago.com",
	"MERCADOPAGO_CURRENCY": "ARS",
	"MERCADOPAGO_USD_RATE": 1.0,
	"POLAR_BASE_URL":       "https://api.polar.sh",

	"REGIONAL_COUNTRY":    "AR",
	"REGIONAL_MAX_AMOUNT": 500.0,

	"SWEEP_INTERVAL":        15 * time.Minute,
	"EXPIRY_SWEEP_INTERVAL": time.Hour,
	"SWEEP_CONCURRENCY":     4,

	"FRONTEND_URL": "http://localhost:3000",
}

// Load reads configuration from the environment, falling back to defaults.
// Call LoadDotEnv first to pick up a local .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	// Keys without a default must be bound for AutomaticEnv lookups to see them.
	for _, k := range []string{
		"SUPABASE_URL", "SUPABASE_ANON_KEY", "SUPABASE_SERVICE_ROLE_KEY", "REDIS_URL",
		"MERCADOPAGO_ACCESS_TOKEN", "MERCADOPAGO_WEBHOOK_SECRET",
		"POLAR_ACCESS_TOKEN", "POLAR_WEBHOOK_SECRET", "POLAR_PRODUCTS",
	} {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	products, err := parseProducts(v.GetString("POLAR_PRODUCTS"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: v.GetString("LOG_LEVEL"),

		StoreDriver:        strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		SupabaseURL:        v.GetString("SUPABASE_URL"),
		SupabaseAnonKey:    v.GetString("SUPABASE_ANON_KEY"),
		SupabaseServiceKey: v.GetString("SUPABASE_SERVICE_ROLE_KEY"),

		RedisURL:  v.GetString("REDIS_URL"),
		CacheTTL:  v.GetDuration("CACHE_TTL"),
		CacheSize: v.GetInt("CACHE_SIZE"),

		HTTPTimeout:    v.GetDuration("HTTP_TIMEOUT"),
		MaxRetries:     v.GetInt("MAX_RETRIES"),
		InitialBackoff: v.GetDuration("INITIAL_BACKOFF"),
		MaxConcurrency: v.GetInt("MAX_CONCURRENCY"),

		OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),

		JWTSecret:    v.GetString("JWT_SECRET"),
		JWTAccessTTL: v.GetDuration("JWT_ACCESS_TTL"),
		TrialDays:    v.GetInt("TRIAL_DAYS"),

		MercadoPagoBaseURL:       v.GetString("MERCADOPAGO_BASE_URL"),
		MercadoPagoAccessToken:   v.GetString("MERCADOPAGO_ACCESS_TOKEN"),
		MercadoPagoWebhookSecret: v.GetString("MERCADOPAGO_WEBHOOK_SECRET"),
		MercadoPagoCurrency:      strings.ToUpper(v.GetString("MERCADOPAGO_CURRENCY")),
		MercadoPagoUSDRate:       v.GetFloat64("MERCADOPAGO_USD_RATE"),

		PolarBaseURL:       v.GetString("POLAR_BASE_URL"),
		PolarAccessToken:   v.GetString("POLAR_ACCESS_TOKEN"),
		PolarWebhookSecret: v.GetString("POLAR_WEBHOOK_SECRET"),
		PolarProducts:      products,

		RegionalCountry:   strings.ToUpper(v.GetString("REGIONAL_COUNTRY")),
		RegionalMaxAmount: v.GetFloat64("REGIONAL_MAX_AMOUNT"),

		SweepInterval:       v.GetDuration("SWEEP_INTERVAL"),
		ExpirySweepInterval: v.GetDuration("EXPIRY_SWEEP_INTERVAL"),
		SweepConcurrency:    v.GetInt("SWEEP_CONCURRENCY"),

		FrontendURL: strings.TrimRight(v.GetString("FRONTEND_URL"), "/"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	case DriverSupabase:
		if c.SupabaseURL == "" {
			return fmt.Errorf("config: SUPABASE_URL is required for the supabase store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.StoreDriver == DriverPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required for the postgres store")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET must not be empty")
	}
	if c.RegionalMaxAmount < 0 {
		return fmt.Errorf("config: REGIONAL_MAX_AMOUNT must not be negative")
	}
	return nil
}

// parseProducts reads "basic:monthly=prod_1,basic:annual=prod_2".
func parseProducts(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, id, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("config: POLAR_PRODUCTS entry %q is not plan:frequency=product", pair)
		}
		out[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(id)
	}
	return out, nil
}
