// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. Structured values (route tables, key
// levels, rate limits) are JSON-encoded when supplied through the environment.
//
// No upstream credential is strictly required: a gateway with no secret keys
// forwards client Authorization headers as-is.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// RouteKind selects the forwarding behaviour for a route.
const (
	KindOpenAI  = "openai"
	KindGeneral = "general"
)

// RouteConfig describes one forwarded upstream. Immutable after startup.
type RouteConfig struct {
	// BaseURL is the upstream origin, e.g. "https://api.openai.com".
	BaseURL string `json:"base_url"`

	// Route is the inbound path prefix, e.g. "/" or "/mistral".
	Route string `json:"route"`

	// Kind is "openai" (payload-aware: auth substitution, chat/embedding
	// caching, chat logging) or "general" (byte-for-byte with whole-body
	// fingerprinting only).
	Kind string `json:"type"`

	// Proxy is an optional outbound proxy URL for this route.
	Proxy string `json:"proxy"`
}

// APIKeyConfig holds the credential indirection tables.
//
// SecretKeys maps each upstream secret key to the access levels it serves.
// ForwardKeys maps each access level to the gateway-facing forward keys at
// that level. LevelModels maps a non-zero level to its model allow-list;
// level 0 is implicitly unrestricted.
type APIKeyConfig struct {
	SecretKeys  map[string][]int `json:"openai_key"`
	ForwardKeys map[int][]string `json:"forward_key"`
	LevelModels map[int][]string `json:"level"`
}

// LevelLimit binds one rate expression ("100/minute", "inf") to an access level.
type LevelLimit struct {
	Level int    `json:"level"`
	Limit string `json:"limit"`
}

// RouteRateLimit holds the per-level limits for one route path.
type RouteRateLimit struct {
	Route  string       `json:"route"`
	Limits []LevelLimit `json:"value"`
}

// RateLimitConfig controls both rate limiting mechanisms.
type RateLimitConfig struct {
	// GlobalRateLimit is the request-rate fallback for routes without an
	// explicit entry. "inf" or empty disables it.
	GlobalRateLimit string

	// Strategy selects the request-rate window: "fixed-window" or
	// "moving-window". Default: "fixed-window".
	Strategy string

	// Backend selects where window counters live: "memory" (default) or
	// "redis" (shared across replicas; requires RedisURL).
	Backend string

	// RedisURL is the redis:// URL for the redis backend.
	RedisURL string

	// ReqRateLimits are per-route, per-level request-count budgets.
	ReqRateLimits []RouteRateLimit

	// TokenRateLimits are per-route, per-level streamed-chunk emission rates.
	// Each limit expression is converted to a minimum inter-chunk interval.
	TokenRateLimits []RouteRateLimit
}

// CacheConfig controls the response cache and its durable store.
type CacheConfig struct {
	// Backend selects the key-value store: "memory", "sqlite" or "redis".
	// Default: "memory".
	Backend string

	// RootPath is the directory holding the sqlite database file.
	// Default: ".".
	RootPath string

	// RedisURL is required when Backend is "redis".
	RedisURL string

	// OpenAI enables caching on openai-kind routes (chat completions and
	// embeddings). General enables whole-body caching on general routes.
	OpenAI  bool
	General bool

	// DefaultRequestCaching is the value assumed for the per-request
	// "caching" flag when the client omits it.
	DefaultRequestCaching bool

	// FlushInterval is the maximum time buffered writes stay unflushed.
	// Default: 5s.
	FlushInterval time.Duration

	// BufferSize is the high-water mark (entry count) that forces a flush.
	// Default: 64.
	BufferSize int
}

// LogConfig controls chat/request payload logging.
type LogConfig struct {
	// OpenAI enables payload+result logging on openai-kind routes.
	OpenAI bool
	// General enables request logging on general routes.
	General bool
}

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8000.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Timeout is the upstream connect timeout. Default: 10s.
	Timeout time.Duration

	// DefaultStreamResponse is used by benchmark mode when the client does
	// not specify "stream". Default: true.
	DefaultStreamResponse bool

	// BenchmarkMode serves canned completions from the local executor
	// instead of contacting any upstream.
	BenchmarkMode bool

	// Forward is the route table. At most one entry may use the root prefix.
	Forward []RouteConfig

	APIKey    APIKeyConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Log       LogConfig

	// IPWhitelist / IPBlacklist restrict inbound client IPs. An empty
	// whitelist admits every IP not on the blacklist.
	IPWhitelist []string
	IPBlacklist []string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TIMEOUT", "10s")
	v.SetDefault("DEFAULT_STREAM_RESPONSE", true)
	v.SetDefault("BENCHMARK_MODE", false)

	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("CACHE_ROOT_PATH", ".")
	v.SetDefault("CACHE_OPENAI", false)
	v.SetDefault("CACHE_GENERAL", false)
	v.SetDefault("DEFAULT_REQUEST_CACHING_VALUE", false)
	v.SetDefault("CACHE_FLUSH_INTERVAL", "5s")
	v.SetDefault("CACHE_BUFFER_SIZE", 64)

	v.SetDefault("LOG_OPENAI", false)
	v.SetDefault("LOG_GENERAL", false)

	v.SetDefault("GLOBAL_RATE_LIMIT", "inf")
	v.SetDefault("RATE_LIMIT_STRATEGY", "fixed-window")
	v.SetDefault("RATE_LIMIT_BACKEND", "memory")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:                  v.GetInt("PORT"),
		LogLevel:              strings.ToLower(v.GetString("LOG_LEVEL")),
		Timeout:               v.GetDuration("TIMEOUT"),
		DefaultStreamResponse: v.GetBool("DEFAULT_STREAM_RESPONSE"),
		BenchmarkMode:         v.GetBool("BENCHMARK_MODE"),

		Cache: CacheConfig{
			Backend:               strings.ToLower(v.GetString("CACHE_BACKEND")),
			RootPath:              v.GetString("CACHE_ROOT_PATH"),
			RedisURL:              v.GetString("CACHE_REDIS_URL"),
			OpenAI:                v.GetBool("CACHE_OPENAI"),
			General:               v.GetBool("CACHE_GENERAL"),
			DefaultRequestCaching: v.GetBool("DEFAULT_REQUEST_CACHING_VALUE"),
			FlushInterval:         v.GetDuration("CACHE_FLUSH_INTERVAL"),
			BufferSize:            v.GetInt("CACHE_BUFFER_SIZE"),
		},

		Log: LogConfig{
			OpenAI:  v.GetBool("LOG_OPENAI"),
			General: v.GetBool("LOG_GENERAL"),
		},

		RateLimit: RateLimitConfig{
			GlobalRateLimit: v.GetString("GLOBAL_RATE_LIMIT"),
			Strategy:        strings.ToLower(v.GetString("RATE_LIMIT_STRATEGY")),
			Backend:         strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
			RedisURL:        v.GetString("RATE_LIMIT_REDIS_URL"),
		},

		IPWhitelist: splitList(v.GetString("IP_WHITELIST")),
		IPBlacklist: splitList(v.GetString("IP_BLACKLIST")),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Structured values: JSON in env, native structures in YAML ─────────────
	if err := decodeJSONSetting(v, "FORWARD_CONFIG", "forward", &cfg.Forward); err != nil {
		return nil, err
	}
	if len(cfg.Forward) == 0 {
		cfg.Forward = []RouteConfig{{
			BaseURL: "https://api.openai.com",
			Route:   "/",
			Kind:    KindOpenAI,
		}}
	}

	if err := decodeJSONSetting(v, "OPENAI_API_KEY_CONFIG", "api_key.openai_key", &cfg.APIKey.SecretKeys); err != nil {
		return nil, err
	}
	if err := decodeJSONSetting(v, "FORWARD_KEY_CONFIG", "api_key.forward_key", &cfg.APIKey.ForwardKeys); err != nil {
		return nil, err
	}
	if err := decodeJSONSetting(v, "LEVEL_MODELS", "api_key.level", &cfg.APIKey.LevelModels); err != nil {
		return nil, err
	}

	if err := decodeJSONSetting(v, "REQ_RATE_LIMIT", "rate_limit.req_rate_limit", &cfg.RateLimit.ReqRateLimits); err != nil {
		return nil, err
	}
	if err := decodeJSONSetting(v, "TOKEN_RATE_LIMIT", "rate_limit.token_rate_limit", &cfg.RateLimit.TokenRateLimits); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if err := ValidateRoutes(c.Forward); err != nil {
		return err
	}

	switch c.Cache.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_BACKEND %q; must be one of: memory, sqlite, redis",
			c.Cache.Backend,
		)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("config: CACHE_REDIS_URL is required when CACHE_BACKEND=redis")
	}
	if c.Cache.BufferSize < 1 {
		return fmt.Errorf("config: CACHE_BUFFER_SIZE must be ≥ 1, got %d", c.Cache.BufferSize)
	}
	if c.Cache.FlushInterval <= 0 {
		return fmt.Errorf("config: CACHE_FLUSH_INTERVAL must be a positive duration")
	}

	switch c.RateLimit.Strategy {
	case "fixed-window", "moving-window":
	default:
		return fmt.Errorf(
			"config: invalid RATE_LIMIT_STRATEGY %q; must be one of: fixed-window, moving-window",
			c.RateLimit.Strategy,
		)
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid RATE_LIMIT_BACKEND %q; must be one of: memory, redis",
			c.RateLimit.Backend,
		)
	}
	if c.RateLimit.Backend == "redis" && c.RateLimit.RedisURL == "" {
		return fmt.Errorf("config: RATE_LIMIT_REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("config: TIMEOUT must be a positive duration")
	}

	for level := range c.APIKey.LevelModels {
		if level <= 0 {
			return fmt.Errorf("config: LEVEL_MODELS level must be ≥ 1, got %d (level 0 is implicitly unrestricted)", level)
		}
	}

	return nil
}

// ValidateRoutes checks the route-table invariants: every route has a base
// URL and a known kind, prefixes are normalized and pairwise non-overlapping,
// and at most one route owns "/".
func ValidateRoutes(routes []RouteConfig) error {
	rootSeen := false
	for i, r := range routes {
		if r.BaseURL == "" {
			return fmt.Errorf("config: forward[%d]: base_url is required", i)
		}
		switch r.Kind {
		case KindOpenAI, KindGeneral:
		default:
			return fmt.Errorf("config: forward[%d]: invalid type %q; must be %q or %q",
				i, r.Kind, KindOpenAI, KindGeneral)
		}

		prefix := FormatRoutePrefix(r.Route)
		if prefix == "/" {
			if rootSeen {
				return fmt.Errorf("config: at most one route may use the root prefix %q", "/")
			}
			rootSeen = true
			continue
		}

		for j, other := range routes {
			if j == i {
				continue
			}
			op := FormatRoutePrefix(other.Route)
			if op == "/" {
				continue
			}
			if strings.HasPrefix(prefix+"/", op+"/") || strings.HasPrefix(op+"/", prefix+"/") {
				return fmt.Errorf("config: route prefixes %q and %q overlap", prefix, op)
			}
		}
	}
	return nil
}

// FormatRoutePrefix normalizes a route prefix: leading slash, no trailing
// slash, "/" for empty.
func FormatRoutePrefix(route string) string {
	route = strings.TrimSpace(route)
	if route == "" || route == "/" {
		return "/"
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return strings.TrimSuffix(route, "/")
}

// decodeJSONSetting reads a structured setting either from a JSON-encoded
// environment variable (envKey) or from the YAML config path (yamlKey).
// The env var wins when both are present.
func decodeJSONSetting(v *viper.Viper, envKey, yamlKey string, out any) error {
	raw := strings.TrimSpace(os.Getenv(envKey))
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return fmt.Errorf("config: %s: invalid JSON: %w", envKey, err)
		}
		return nil
	}

	val := v.Get(yamlKey)
	if val == nil {
		return nil
	}
	// Round-trip through JSON so YAML map/slice shapes land in the typed struct.
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("config: %s: %w", yamlKey, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: %s: %w", yamlKey, err)
	}
	return nil
}

// splitList splits a comma-separated env value into a trimmed slice.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv loads the given .env file when present. A missing file is not an
// error; a malformed one is.
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	env, err := gotenv.StrictParse(f)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	for k, val := range env {
		if _, exists := os.LookupEnv(k); !exists {
			_ = os.Setenv(k, val)
		}
	}
	return nil
}
