// Package config loads, validates and watches the gateway configuration.
// Values come from leaf-level defaults, an optional YAML file and
// EDGEGATE_-prefixed environment variables, in ascending precedence.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/driftmark/edgegate/internal/ratelimit"
)

// Config is the full gateway configuration tree.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Backstop  BackstopConfig  `mapstructure:"backstop"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

// ServerConfig controls the listening side of the gateway.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// TrustedProxies lists the peers whose forwarding headers are
	// believed. Empty means none: the socket address is the client.
	TrustedProxies  []string      `mapstructure:"trusted_proxies" validate:"dive,cidr|ip"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// UpstreamConfig points at the API server the gateway shields.
type UpstreamConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AdminConfig guards the runtime management endpoints. An empty token
// disables them entirely.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// BackstopConfig is the process-wide flood limiter sitting in front of the
// per-IP bookkeeping.
type BackstopConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps" validate:"gte=0"`
	Burst   int     `mapstructure:"burst" validate:"gte=0"`
}

// RateLimitConfig configures the per-IP admission layer.
type RateLimitConfig struct {
	Limits        ratelimit.Limits `mapstructure:"limits"`
	SweepInterval time.Duration    `mapstructure:"sweep_interval" validate:"gt=0"`
	// LimitsFile optionally names a standalone budget table the admin API
	// can reload on demand.
	LimitsFile string `mapstructure:"limits_file"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the whole tree, including the nested rate-limit budgets.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Backstop.Enabled && c.Backstop.RPS <= 0 {
		return fmt.Errorf("backstop rps must be positive when enabled, got %v", c.Backstop.RPS)
	}
	return nil
}

// Manager owns the viper instance behind the configuration and hands out
// the currently active snapshot.
type Manager struct {
	v      *viper.Viper
	logger *zap.Logger

	mu       sync.RWMutex
	path     string
	current  *Config
	onChange []func(*Config)
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{v: viper.New(), logger: logger}
}

// Load reads the configuration, merging the optional file at path over the
// defaults and environment. Call once at startup before Watch.
func (m *Manager) Load(path string) (*Config, error) {
	m.v.SetConfigType("yaml")
	m.v.SetEnvPrefix("EDGEGATE")
	m.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.v.AutomaticEnv()
	setDefaults(m.v)

	if path != "" {
		m.v.SetConfigFile(path)
		if err := m.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := m.unmarshal()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.path = path
	m.current = cfg
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) unmarshal() (*Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Config returns the most recently loaded snapshot.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("upstream.url", "http://127.0.0.1:8536")
	v.SetDefault("admin.token", "")
	v.SetDefault("backstop.enabled", true)
	v.SetDefault("backstop.rps", 2000.0)
	v.SetDefault("backstop.burst", 4000)
	v.SetDefault("ratelimit.sweep_interval", "1h")
	v.SetDefault("ratelimit.limits_file", "")

	// Leaf-level defaults so a partial file merges per key instead of
	// wiping whole sections.
	defaults := ratelimit.DefaultLimits()
	for name, limit := range map[string]ratelimit.ActionLimit{
		"message":              defaults.Message,
		"register":             defaults.Register,
		"post":                 defaults.Post,
		"image":                defaults.Image,
		"comment":              defaults.Comment,
		"search":               defaults.Search,
		"import_user_settings": defaults.ImportUserSettings,
	} {
		v.SetDefault("ratelimit.limits."+name+".capacity", limit.Capacity)
		v.SetDefault("ratelimit.limits."+name+".refill_secs", limit.RefillSecs)
	}
}
