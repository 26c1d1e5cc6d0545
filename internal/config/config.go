package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Lookup debounce bounds. Shorter windows flood the dropdown API while the
// user is still typing; longer ones make suggestions feel stale.
const (
	MinLookupDebounce = 250 * time.Millisecond
	MaxLookupDebounce = 300 * time.Millisecond
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	CrudAPIURL        string        `mapstructure:"CURD_API_URL"`
	DropdownAPIURL    string        `mapstructure:"DROPDOWN_API_URL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema          string        `mapstructure:"DB_SCHEMA"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	SessionSigningKey string        `mapstructure:"SESSION_SIGNING_KEY"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	UpstreamTimeout   time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	LookupDebounce    time.Duration `mapstructure:"LOOKUP_DEBOUNCE"`
	LookupLimit       int           `mapstructure:"LOOKUP_LIMIT"`
	DropdownCacheTTL  time.Duration `mapstructure:"DROPDOWN_CACHE_TTL"`
	WorkspaceIdleTTL  time.Duration `mapstructure:"WORKSPACE_IDLE_TTL"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	LogFile           string        `mapstructure:"LOG_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "clinicdesk")
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("UPSTREAM_TIMEOUT", "15s")
	v.SetDefault("LOOKUP_DEBOUNCE", "275ms")
	v.SetDefault("LOOKUP_LIMIT", 5)
	v.SetDefault("DROPDOWN_CACHE_TTL", "1h")
	v.SetDefault("WORKSPACE_IDLE_TTL", "2h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up. The upstream base
	// URLs are also accepted under the names the web frontend uses.
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("CURD_API_URL", "CURD_API_URL", "NEXT_PUBLIC_CURD_API_URL")
	v.BindEnv("DROPDOWN_API_URL", "DROPDOWN_API_URL", "NEXT_PUBLIC_DROPDOWN_API_URL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("DB_SCHEMA")
	v.BindEnv("REDIS_URL")
	v.BindEnv("SESSION_SIGNING_KEY")
	v.BindEnv("SESSION_TTL")
	v.BindEnv("UPSTREAM_TIMEOUT")
	v.BindEnv("LOOKUP_DEBOUNCE")
	v.BindEnv("LOOKUP_LIMIT")
	v.BindEnv("DROPDOWN_CACHE_TTL")
	v.BindEnv("WORKSPACE_IDLE_TTL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("LOG_FILE")

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

	if cfg.CrudAPIURL == "" {
		return nil, fmt.Errorf("CURD_API_URL is required")
	}
	if cfg.DropdownAPIURL == "" {
		return nil, fmt.Errorf("DROPDOWN_API_URL is required")
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

// Validate checks that the configuration is safe to run. Both upstream base
// URLs must be absolute http(s) URLs, and outside development a session
// signing key of at least 32 bytes is required.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"CURD_API_URL":     c.CrudAPIURL,
		"DROPDOWN_API_URL": c.DropdownAPIURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
		}
		if u.Host == "" {
			return fmt.Errorf("%s has no host: %q", name, raw)
		}
	}

	if !c.IsDev() && len(c.SessionSigningKey) < 32 {
		return fmt.Errorf("SESSION_SIGNING_KEY must be at least 32 bytes outside development")
	}

	if c.LookupDebounce < MinLookupDebounce || c.LookupDebounce > MaxLookupDebounce {
		return fmt.Errorf("LOOKUP_DEBOUNCE must be between %s and %s, got %s",
			MinLookupDebounce, MaxLookupDebounce, c.LookupDebounce)
	}
	if c.LookupLimit <= 0 {
		return fmt.Errorf("LOOKUP_LIMIT must be positive, got %d", c.LookupLimit)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	return nil
}

// SigningKey returns the key used to sign session tokens. Development falls
// back to a fixed key so the server can start without secrets.
func (c *Config) SigningKey() []byte {
	if c.SessionSigningKey == "" && c.IsDev() {
		return []byte("clinicdesk-development-signing-key-000")
	}
	return []byte(c.SessionSigningKey)
}
