package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`

	// PHI field-level encryption. PHI_ENCRYPTION_KEY is the AES-256-GCM
	// cipher key, PHI_INDEX_KEY the HMAC key for blind-index columns. Both
	// are hex-encoded 32-byte values. Empty keys disable field encryption
	// and are only acceptable in development.
	PHIEncryptionKey string `mapstructure:"PHI_ENCRYPTION_KEY"`
	PHIIndexKey      string `mapstructure:"PHI_INDEX_KEY"`

	// Audit ledger settings. LEDGER_SALT feeds actor-identity hashing and
	// checkpoint signatures; changing it invalidates existing checkpoints.
	LedgerSalt            string `mapstructure:"LEDGER_SALT"`
	LedgerCheckpointEvery int64  `mapstructure:"LEDGER_CHECKPOINT_EVERY"`

	// Kafka fan-out of appended ledger events. Empty brokers disable the
	// stream publisher.
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	// S3 anchor store for checkpoint archival. Endpoint may point at a
	// MinIO-style server; path-style addressing is always used.
	AnchorS3Bucket    string `mapstructure:"ANCHOR_S3_BUCKET"`
	AnchorS3Region    string `mapstructure:"ANCHOR_S3_REGION"`
	AnchorS3Endpoint  string `mapstructure:"ANCHOR_S3_ENDPOINT"`
	AnchorS3AccessKey string `mapstructure:"ANCHOR_S3_ACCESS_KEY"`
	AnchorS3SecretKey string `mapstructure:"ANCHOR_S3_SECRET_KEY"`

	WebhookTimeoutSeconds int     `mapstructure:"WEBHOOK_TIMEOUT_SECONDS"`
	RateLimitRPS          float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int     `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit             string  `mapstructure:"BODY_LIMIT"`
	TLSEnabled            bool    `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string  `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string  `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect: "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LEDGER_CHECKPOINT_EVERY", 1000)
	v.SetDefault("KAFKA_TOPIC", "medledger.audit")
	v.SetDefault("WEBHOOK_TIMEOUT_SECONDS", 10)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("PHI_ENCRYPTION_KEY")
	v.BindEnv("PHI_INDEX_KEY")
	v.BindEnv("LEDGER_SALT")
	v.BindEnv("LEDGER_CHECKPOINT_EVERY")
	v.BindEnv("KAFKA_BROKERS")
	v.BindEnv("KAFKA_TOPIC")
	v.BindEnv("ANCHOR_S3_BUCKET")
	v.BindEnv("ANCHOR_S3_REGION")
	v.BindEnv("ANCHOR_S3_ENDPOINT")
	v.BindEnv("ANCHOR_S3_ACCESS_KEY")
	v.BindEnv("ANCHOR_S3_SECRET_KEY")
	v.BindEnv("WEBHOOK_TIMEOUT_SECONDS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.KafkaBrokers == nil {
		brokers := v.GetString("KAFKA_BROKERS")
		if brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active — all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StreamEnabled reports whether the Kafka event stream should be started.
func (c *Config) StreamEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// AnchorsEnabled reports whether the S3 anchor store is configured.
func (c *Config) AnchorsEnabled() bool {
	return c.AnchorS3Bucket != ""
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development → "development" (no auth, all requests get admin)
//   - AUTH_ISSUER set → "external" (Keycloak, Auth0, etc.)
//   - Otherwise       → "standalone" (built-in HS256 token validation)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthIssuer != "" {
		return "external"
	}
	return "standalone"
}

// validateHexKey checks that the named key is a hex-encoded 32-byte value.
func validateHexKey(name, value string) error {
	keyBytes, err := hex.DecodeString(value)
	if err != nil {
		return fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(keyBytes))
	}
	return nil
}

// Validate checks that the configuration is safe to run. In non-development
// modes AUTH_ISSUER (or a standalone signing key) must be set so that real JWT
// authentication is enforced. In production, PHI_ENCRYPTION_KEY, PHI_INDEX_KEY,
// and LEDGER_SALT are required; the keys must be valid 64-character hex strings
// (32 bytes when decoded).
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q). "+
				"Refusing to start without authentication configuration. "+
				"Use AUTH_MODE=standalone with AUTH_SIGNING_KEY for built-in token validation", c.Env)
	}
	if mode == "standalone" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when AUTH_MODE is \"standalone\"")
	}
	if mode != "development" && mode != "standalone" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\", \"standalone\", or \"external\", got %q", mode)
	}

	// PHI encryption key validation
	if c.IsProduction() && c.PHIEncryptionKey == "" {
		return fmt.Errorf("PHI_ENCRYPTION_KEY is required in production")
	}
	if c.PHIEncryptionKey != "" {
		if err := validateHexKey("PHI_ENCRYPTION_KEY", c.PHIEncryptionKey); err != nil {
			return err
		}
	}
	if c.IsProduction() && c.PHIIndexKey == "" {
		return fmt.Errorf("PHI_INDEX_KEY is required in production")
	}
	if c.PHIIndexKey != "" {
		if err := validateHexKey("PHI_INDEX_KEY", c.PHIIndexKey); err != nil {
			return err
		}
	}

	// Ledger salt: required in production, and the checkpoint cadence must
	// be positive whenever automatic checkpointing is on.
	if c.IsProduction() && c.LedgerSalt == "" {
		return fmt.Errorf("LEDGER_SALT is required in production")
	}
	if c.LedgerCheckpointEvery < 0 {
		return fmt.Errorf("LEDGER_CHECKPOINT_EVERY must be >= 0, got %d", c.LedgerCheckpointEvery)
	}

	// S3 anchor settings travel together.
	if c.AnchorS3Bucket != "" && c.AnchorS3Region == "" && c.AnchorS3Endpoint == "" {
		return fmt.Errorf("ANCHOR_S3_REGION or ANCHOR_S3_ENDPOINT is required when ANCHOR_S3_BUCKET is set")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
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
