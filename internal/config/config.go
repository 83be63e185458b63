package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BradenHooton/keyforge/internal/models"
)

// Config is built once at startup and passed explicitly. Nothing mutates it
// after Load returns.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Password  PasswordConfig
	Lockout   LockoutConfig
	HWID      HWIDConfig
	RateLimit RateLimitConfig
	Email     EmailConfig
	Audit     AuditConfig
}

type ServerConfig struct {
	Port                string
	Env                 string
	LogLevel            string
	AllowedOrigins      []string
	TrustedProxies      []string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	RequestTimeout      time.Duration
	FloodLimitPerMinute int
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	MigrateOnStart    bool
}

// RedisConfig is optional. With an empty Addr the in-memory stores are used.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type AuthConfig struct {
	JWTSecret                 string
	TokenTTL                  time.Duration
	VerifyTokenTTL            time.Duration
	Issuer                    string
	Audience                  string
	RevocationFailClosed      bool
	EmailVerificationRequired bool
	StoreTimeout              time.Duration
	CleanupInterval           time.Duration
	TimingBaseDelayMs         int
	TimingRandomDelayMs       int
	APIKeyPrefix              string
	APIKeyHashes              []string
	AdminEmail                string
	AdminPassword             string
}

type PasswordConfig struct {
	BcryptCost       int
	MinLength        int
	RequireUppercase bool
	RequireLowercase bool
	RequireNumbers   bool
	RequireSpecial   bool
	ResetTokenTTL    time.Duration
	ResetMaxPerDay   int
}

type LockoutConfig struct {
	MaxAttempts      int
	Duration         time.Duration
	IncrementalDelay bool
	MaxDuration      time.Duration
	ResetOnSuccess   bool
	AttemptWindow    time.Duration
	RecordTTL        time.Duration
}

type HWIDConfig struct {
	MinLength           int
	MaxLength           int
	Charset             string
	LockAfterRedemption bool
	AllowUpdate         bool
	BindOnFirstUse      bool
}

// ClassLimit is the fixed-window budget of one route class.
type ClassLimit struct {
	Window time.Duration
	Max    int
}

type RateLimitConfig struct {
	General            ClassLimit
	Auth               ClassLimit
	PasswordReset      ClassLimit
	KeyRedemption      ClassLimit
	APIKey             ClassLimit
	SkipSuccessfulAuth bool
}

// For returns the budget configured for class.
func (c RateLimitConfig) For(class models.RouteClass) (ClassLimit, bool) {
	switch class {
	case models.RouteClassGeneral:
		return c.General, true
	case models.RouteClassAuth:
		return c.Auth, true
	case models.RouteClassPasswordReset:
		return c.PasswordReset, true
	case models.RouteClassKeyRedemption:
		return c.KeyRedemption, true
	case models.RouteClassAPIKey:
		return c.APIKey, true
	}
	return ClassLimit{}, false
}

type EmailConfig struct {
	Provider       string // "ses" or "log"
	SenderEmail    string
	Region         string
	BaseURL        string
	SendsPerSecond float64
}

type AuditConfig struct {
	BufferSize int
}

// placeholderSecrets are values shipped in sample env files and docs.
var placeholderSecrets = []string{
	"secret", "test", "password", "12345", "changeme",
	"admin", "root", "default", "example", "jwt-secret",
}

// placeholderMarkers flag template values wherever they appear.
var placeholderMarkers = []string{
	"change-me", "changeme", "your-secret", "replace-me", "placeholder",
}

// Load reads the environment (and .env when present) into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Server: ServerConfig{
			Port:                getEnv("PORT", "8080"),
			Env:                 env,
			LogLevel:            getEnv("LOG_LEVEL", "info"),
			AllowedOrigins:      parseAllowedOrigins(env),
			TrustedProxies:      getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:         getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:        getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:         getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:      getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			FloodLimitPerMinute: getEnvAsInt("FLOOD_LIMIT_PER_MINUTE", 600),
		},
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "keyforge"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			MigrateOnStart:    getEnvAsBool("DB_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:                 getEnv("JWT_SECRET", ""),
			TokenTTL:                  getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
			VerifyTokenTTL:            getEnvAsDuration("VERIFY_TOKEN_TTL", 24*time.Hour),
			Issuer:                    getEnv("TOKEN_ISSUER", "keyforge"),
			Audience:                  getEnv("TOKEN_AUDIENCE", "keyforge-clients"),
			RevocationFailClosed:      getEnvAsBool("REVOCATION_FAIL_CLOSED", true),
			EmailVerificationRequired: getEnvAsBool("EMAIL_VERIFICATION_REQUIRED", false),
			StoreTimeout:              getEnvAsDuration("STORE_TIMEOUT", 3*time.Second),
			CleanupInterval:           getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			TimingBaseDelayMs:         getEnvAsInt("TIMING_BASE_DELAY_MS", 250),
			TimingRandomDelayMs:       getEnvAsInt("TIMING_RANDOM_DELAY_MS", 100),
			APIKeyPrefix:              getEnv("API_KEY_PREFIX", "kfg_"),
			APIKeyHashes:              getEnvAsList("API_KEY_HASHES"),
			AdminEmail:                getEnv("ADMIN_EMAIL", ""),
			AdminPassword:             getEnv("ADMIN_PASSWORD", ""),
		},
		Password: PasswordConfig{
			BcryptCost:       getEnvAsInt("BCRYPT_COST", 12),
			MinLength:        getEnvAsInt("PASSWORD_MIN_LENGTH", 8),
			RequireUppercase: getEnvAsBool("PASSWORD_REQUIRE_UPPERCASE", true),
			RequireLowercase: getEnvAsBool("PASSWORD_REQUIRE_LOWERCASE", true),
			RequireNumbers:   getEnvAsBool("PASSWORD_REQUIRE_NUMBERS", true),
			RequireSpecial:   getEnvAsBool("PASSWORD_REQUIRE_SPECIAL", false),
			ResetTokenTTL:    getEnvAsDuration("PASSWORD_RESET_TTL", 1*time.Hour),
			ResetMaxPerDay:   getEnvAsInt("PASSWORD_RESET_MAX_PER_DAY", 3),
		},
		Lockout: LockoutConfig{
			MaxAttempts:      getEnvAsInt("LOCKOUT_MAX_ATTEMPTS", 5),
			Duration:         getEnvAsDuration("LOCKOUT_DURATION", 30*time.Minute),
			IncrementalDelay: getEnvAsBool("LOCKOUT_INCREMENTAL", true),
			MaxDuration:      getEnvAsDuration("LOCKOUT_MAX_DURATION", 24*time.Hour),
			ResetOnSuccess:   getEnvAsBool("LOCKOUT_RESET_ON_SUCCESS", true),
			AttemptWindow:    getEnvAsDuration("LOCKOUT_ATTEMPT_WINDOW", 30*time.Minute),
			RecordTTL:        getEnvAsDuration("LOCKOUT_RECORD_TTL", 24*time.Hour),
		},
		HWID: HWIDConfig{
			MinLength:           getEnvAsInt("HWID_MIN_LENGTH", 10),
			MaxLength:           getEnvAsInt("HWID_MAX_LENGTH", 255),
			Charset:             getEnv("HWID_CHARSET", `^[A-Za-z0-9_-]+$`),
			LockAfterRedemption: getEnvAsBool("HWID_LOCK_AFTER_REDEMPTION", true),
			AllowUpdate:         getEnvAsBool("HWID_ALLOW_UPDATE", false),
			BindOnFirstUse:      getEnvAsBool("HWID_BIND_ON_FIRST_USE", false),
		},
		RateLimit: RateLimitConfig{
			General: ClassLimit{
				Window: getEnvAsDuration("RATE_GENERAL_WINDOW", 15*time.Minute),
				Max:    getEnvAsInt("RATE_GENERAL_MAX", 100),
			},
			Auth: ClassLimit{
				Window: getEnvAsDuration("RATE_AUTH_WINDOW", 15*time.Minute),
				Max:    getEnvAsInt("RATE_AUTH_MAX", 5),
			},
			PasswordReset: ClassLimit{
				Window: getEnvAsDuration("RATE_RESET_WINDOW", 1*time.Hour),
				Max:    getEnvAsInt("RATE_RESET_MAX", 3),
			},
			KeyRedemption: ClassLimit{
				Window: getEnvAsDuration("RATE_REDEMPTION_WINDOW", 1*time.Hour),
				Max:    getEnvAsInt("RATE_REDEMPTION_MAX", 10),
			},
			APIKey: ClassLimit{
				Window: getEnvAsDuration("RATE_APIKEY_WINDOW", 1*time.Minute),
				Max:    getEnvAsInt("RATE_APIKEY_MAX", 60),
			},
			SkipSuccessfulAuth: getEnvAsBool("RATE_AUTH_SKIP_SUCCESSFUL", true),
		},
		Email: EmailConfig{
			Provider:       getEnv("EMAIL_PROVIDER", "log"),
			SenderEmail:    getEnv("EMAIL_SENDER", "no-reply@keyforge.local"),
			Region:         getEnv("AWS_REGION", "us-east-1"),
			BaseURL:        getEnv("APP_BASE_URL", "http://localhost:8080"),
			SendsPerSecond: getEnvAsFloat("EMAIL_SENDS_PER_SECOND", 1),
		},
		Audit: AuditConfig{
			BufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 1024),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("%w: DB_PASSWORD is required", models.ErrConfig)
	}

	if cfg.Auth.JWTSecret == "" && !cfg.IsProduction() {
		// Development only; tokens do not survive a restart.
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.Auth.JWTSecret = secret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Validate rejects configurations the service must not start with. Every
// error wraps models.ErrConfig.
func (c *Config) Validate() error {
	if err := validateJWTSecret(c.Auth.JWTSecret, c.Server.Env); err != nil {
		return err
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("%w: TOKEN_TTL must be positive", models.ErrConfig)
	}
	if c.Auth.Issuer == "" || c.Auth.Audience == "" {
		return fmt.Errorf("%w: TOKEN_ISSUER and TOKEN_AUDIENCE are required", models.ErrConfig)
	}
	if c.Lockout.MaxAttempts < 1 || c.Lockout.Duration <= 0 {
		return fmt.Errorf("%w: lockout max attempts and duration must be positive", models.ErrConfig)
	}
	if c.HWID.MinLength < 1 || c.HWID.MaxLength < c.HWID.MinLength {
		return fmt.Errorf("%w: HWID length bounds %d..%d are invalid",
			models.ErrConfig, c.HWID.MinLength, c.HWID.MaxLength)
	}
	for _, class := range []models.RouteClass{
		models.RouteClassGeneral,
		models.RouteClassAuth,
		models.RouteClassPasswordReset,
		models.RouteClassKeyRedemption,
		models.RouteClassAPIKey,
	} {
		limit, _ := c.RateLimit.For(class)
		if limit.Max < 1 || limit.Window <= 0 {
			return fmt.Errorf("%w: rate limit for %s must have positive max and window", models.ErrConfig, class)
		}
	}
	if c.IsProduction() && c.Auth.AdminPassword != "" && isPlaceholder(c.Auth.AdminPassword) {
		return fmt.Errorf("%w: ADMIN_PASSWORD is a placeholder value", models.ErrConfig)
	}
	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	if secret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required in %s", models.ErrConfig, env)
	}

	minLength := 16
	if env == "production" {
		minLength = 32 // 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("%w: JWT_SECRET must be at least %d characters in %s environment (got %d)",
			models.ErrConfig, minLength, env, len(secret))
	}

	if env == "production" && isPlaceholder(secret) {
		return fmt.Errorf("%w: JWT_SECRET is a placeholder value", models.ErrConfig)
	}

	return nil
}

func isPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, weak := range placeholderSecrets {
		if lower == weak {
			return true
		}
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate development secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		origins := getEnvAsList("ALLOWED_ORIGINS")
		if origins == nil {
			return []string{}
		}
		return origins
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
