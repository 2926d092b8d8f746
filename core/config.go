package core

import (
	"math"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/crypto/bcrypt"
)

// Default configuration values.
const (
	DefaultLogFile              = "idealsize.log"
	DefaultWidth                = 1024
	DefaultHeight               = 576
	DefaultMultiplier           = 1.0
	DefaultDBPath               = "./data/idealsize.db"
	DefaultHistoryRetentionDays = 30
	DefaultHost                 = "localhost"
	DefaultPort                 = 9090
	DefaultRateLimitRPS         = 20.0
	DefaultRateLimitBurst       = 40
)

// Config holds all configuration values
type Config struct {
	DevMode  bool
	LogLevel string // debug, info, warn, error, fatal; empty picks by DevMode
	LogFile  string

	// Node input defaults applied when an invocation omits a field
	DefaultWidth      int
	DefaultHeight     int
	DefaultMultiplier float64

	// FamilyTablePath is an optional YAML file extending the built-in family table
	FamilyTablePath string

	// Persistence
	DBPath               string
	HistoryEnabled       bool
	HistoryRetentionDays int // 0 keeps history forever

	// HTTP node host
	Host           string
	Port           int
	APITokenHash   string // bcrypt hash; empty disables auth
	RateLimitRPS   float64
	RateLimitBurst int
	// TrustedProxies may set X-Forwarded-For / X-Real-IP for rate limiting
	TrustedProxies []netip.Prefix
}

// DefaultConfig returns a Config populated with defaults only.
func DefaultConfig() *Config {
	return &Config{
		LogFile:              DefaultLogFile,
		DefaultWidth:         DefaultWidth,
		DefaultHeight:        DefaultHeight,
		DefaultMultiplier:    DefaultMultiplier,
		DBPath:               DefaultDBPath,
		HistoryEnabled:       true,
		HistoryRetentionDays: DefaultHistoryRetentionDays,
		Host:                 DefaultHost,
		Port:                 DefaultPort,
		RateLimitRPS:         DefaultRateLimitRPS,
		RateLimitBurst:       DefaultRateLimitBurst,
	}
}

// LoadConfig loads configuration from environment variables with defaults.
// The .env file, if any, must already be loaded into the environment.
// Malformed values and failed validation are reported together.
func LoadConfig() (*Config, error) {
	d := DefaultConfig()
	env := &envReader{}

	cfg := &Config{
		DevMode:  env.Bool("DEV_MODE", false),
		LogLevel: strings.ToLower(env.String("LOG_LEVEL", "")),
		LogFile:  env.String("LOG_FILE", d.LogFile),

		DefaultWidth:      env.Int("IDEAL_SIZE_DEFAULT_WIDTH", d.DefaultWidth),
		DefaultHeight:     env.Int("IDEAL_SIZE_DEFAULT_HEIGHT", d.DefaultHeight),
		DefaultMultiplier: env.Float("IDEAL_SIZE_DEFAULT_MULTIPLIER", d.DefaultMultiplier),
		FamilyTablePath:   env.String("IDEAL_SIZE_FAMILY_TABLE", ""),

		DBPath:               env.String("DB_PATH", d.DBPath),
		HistoryEnabled:       env.Bool("HISTORY_ENABLED", d.HistoryEnabled),
		HistoryRetentionDays: env.Int("HISTORY_RETENTION_DAYS", d.HistoryRetentionDays),

		Host:           env.String("HOST", d.Host),
		Port:           env.Int("PORT", d.Port),
		APITokenHash:   env.String("API_TOKEN_HASH", ""),
		RateLimitRPS:   env.Float("RATE_LIMIT_RPS", d.RateLimitRPS),
		RateLimitBurst: env.Int("RATE_LIMIT_BURST", d.RateLimitBurst),
		TrustedProxies: env.Prefixes("TRUSTED_PROXIES"),
	}

	if err := multierr.Append(env.err, cfg.Validate()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. All failures are returned combined.
func (c *Config) Validate() error {
	var err error

	switch c.LogLevel {
	case "", "debug", "info", "warn", "warning", "error", "fatal":
	default:
		err = multierr.Append(err, ErrInvalidValue("LOG_LEVEL", c.LogLevel, "expected debug, info, warn, error or fatal"))
	}
	if c.DefaultWidth <= 0 {
		err = multierr.Append(err, ErrOutOfRange("IDEAL_SIZE_DEFAULT_WIDTH", c.DefaultWidth, "greater than 0"))
	}
	if c.DefaultHeight <= 0 {
		err = multierr.Append(err, ErrOutOfRange("IDEAL_SIZE_DEFAULT_HEIGHT", c.DefaultHeight, "greater than 0"))
	}
	if !(c.DefaultMultiplier > 0) || math.IsInf(c.DefaultMultiplier, 0) {
		err = multierr.Append(err, ErrOutOfRange("IDEAL_SIZE_DEFAULT_MULTIPLIER", c.DefaultMultiplier, "a finite number greater than 0"))
	}
	if c.DBPath == "" {
		err = multierr.Append(err, ErrMissingConfig("DB_PATH"))
	}
	if c.HistoryRetentionDays < 0 {
		err = multierr.Append(err, ErrOutOfRange("HISTORY_RETENTION_DAYS", c.HistoryRetentionDays, "0 or greater"))
	}
	if c.Port < 1 || c.Port > 65535 {
		err = multierr.Append(err, ErrOutOfRange("PORT", c.Port, "between 1 and 65535"))
	}
	if !(c.RateLimitRPS > 0) {
		err = multierr.Append(err, ErrOutOfRange("RATE_LIMIT_RPS", c.RateLimitRPS, "greater than 0"))
	}
	if c.RateLimitBurst < 1 {
		err = multierr.Append(err, ErrOutOfRange("RATE_LIMIT_BURST", c.RateLimitBurst, "at least 1"))
	}
	if c.APITokenHash != "" {
		if _, costErr := bcrypt.Cost([]byte(c.APITokenHash)); costErr != nil {
			err = multierr.Append(err, ErrInvalidTokenHash(costErr.Error()))
		}
	}

	return err
}

// Address returns the HTTP listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HistoryRetention returns the retention window, or 0 if history is kept forever.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// AuthEnabled reports whether API requests require a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.APITokenHash != ""
}
