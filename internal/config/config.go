package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"

	minSigningKeyLen = 32
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	StoreBackend  string   `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	StoreTimeout   time.Duration `mapstructure:"STORE_TIMEOUT"`

	EnableAutoVerification bool   `mapstructure:"ENABLE_AUTO_VERIFICATION"`
	EnableDeltaCheck       bool   `mapstructure:"ENABLE_DELTA_CHECK"`
	EnableReviewEscalation bool   `mapstructure:"ENABLE_REVIEW_ESCALATION"`
	ReviewAggregation      string `mapstructure:"REVIEW_AGGREGATION"`

	ReviewQueueDefaultLimit  int           `mapstructure:"REVIEW_QUEUE_DEFAULT_LIMIT"`
	ReviewQueueMaxLimit      int           `mapstructure:"REVIEW_QUEUE_MAX_LIMIT"`
	VerificationBatchSize    int           `mapstructure:"VERIFICATION_BATCH_SIZE"`
	VerificationBatchWorkers int           `mapstructure:"VERIFICATION_BATCH_CONCURRENCY"`
	RuleCacheTTL             time.Duration `mapstructure:"RULE_CACHE_TTL"`

	MQTTBrokerURL   string `mapstructure:"MQTT_BROKER_URL"`
	MQTTClientID    string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername    string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword    string `mapstructure:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `mapstructure:"MQTT_TOPIC_PREFIX"`

	WebhookURL         string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret      string `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxAttempts int    `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var defaults = map[string]any{
	"PORT":                           "8000",
	"ENV":                            "development",
	"AUTH_MODE":                      "", // inferred from ENV
	"STORE_BACKEND":                  StorePostgres,
	"DB_MAX_CONNS":                   20,
	"DB_MIN_CONNS":                   5,
	"DEFAULT_TENANT":                 "default",
	"CORS_ORIGINS":                   "http://localhost:3000",
	"RATE_LIMIT_RPS":                 100,
	"RATE_LIMIT_BURST":               200,
	"BODY_LIMIT":                     "1M",
	"REQUEST_TIMEOUT":                "30s",
	"STORE_TIMEOUT":                  "5s",
	"ENABLE_AUTO_VERIFICATION":       true,
	"ENABLE_DELTA_CHECK":             true,
	"ENABLE_REVIEW_ESCALATION":       true,
	"REVIEW_AGGREGATION":             "unanimous",
	"REVIEW_QUEUE_DEFAULT_LIMIT":     50,
	"REVIEW_QUEUE_MAX_LIMIT":         500,
	"VERIFICATION_BATCH_SIZE":        100,
	"VERIFICATION_BATCH_CONCURRENCY": 4,
	"RULE_CACHE_TTL":                 "1m",
	"MQTT_BROKER_URL":                "",
	"MQTT_CLIENT_ID":                 "ivd-middleware",
	"MQTT_USERNAME":                  "",
	"MQTT_PASSWORD":                  "",
	"MQTT_TOPIC_PREFIX":              "ivd",
	"WEBHOOK_URL":                    "",
	"WEBHOOK_SECRET":                 "",
	"WEBHOOK_MAX_ATTEMPTS":           3,
	"METRICS_ENABLED":                true,
	"DATABASE_URL":                   "",
	"AUTH_SIGNING_KEY":               "",
	"AUTH_ISSUER":                    "",
	"AUTH_AUDIENCE":                  "",
	"TLS_ENABLED":                    false,
	"TLS_CERT_FILE":                  "",
	"TLS_KEY_FILE":                   "",
}

// Load reads the environment, falling back to an optional .env file in the
// working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
		// Unmarshal only sees keys viper knows about.
		_ = v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Env values arrive as one comma-separated string.
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if cfg.StoreBackend == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments run without authentication and everything else requires
// signed tokens.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed in production", mode)
		}
	case AuthModeJWT:
		if len(c.AuthSigningKey) < minSigningKeyLen {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least %d bytes when AUTH_MODE is %q", minSigningKeyLen, mode)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	switch c.StoreBackend {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_BACKEND %q is not allowed in production", StoreMemory)
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreBackend)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	switch strings.ToLower(c.ReviewAggregation) {
	case "", "unanimous", "strict":
	default:
		return fmt.Errorf("REVIEW_AGGREGATION must be \"unanimous\" or \"strict\", got %q", c.ReviewAggregation)
	}

	if c.ReviewQueueDefaultLimit < 1 || c.ReviewQueueMaxLimit < c.ReviewQueueDefaultLimit {
		return fmt.Errorf("REVIEW_QUEUE_DEFAULT_LIMIT must be in [1, REVIEW_QUEUE_MAX_LIMIT], got %d (max %d)",
			c.ReviewQueueDefaultLimit, c.ReviewQueueMaxLimit)
	}
	if c.VerificationBatchSize < 1 {
		return fmt.Errorf("VERIFICATION_BATCH_SIZE must be positive, got %d", c.VerificationBatchSize)
	}
	if c.VerificationBatchWorkers < 1 {
		return fmt.Errorf("VERIFICATION_BATCH_CONCURRENCY must be positive, got %d", c.VerificationBatchWorkers)
	}
	if c.RuleCacheTTL < 0 || c.StoreTimeout < 0 || c.RequestTimeout < 0 {
		return fmt.Errorf("RULE_CACHE_TTL, STORE_TIMEOUT and REQUEST_TIMEOUT must not be negative")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
