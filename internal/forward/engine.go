// Package forward is the core byte-level relay.
//
// An Engine owns one configured route: it receives an inbound request,
// validates the client host, applies credential indirection and request rate
// limiting, consults the response cache, and otherwise relays the request to
// the route's upstream, streaming SSE responses chunk by chunk through the
// token-rate gate.
//
// Key design constraints:
//   - Bodies are relayed byte-for-byte. The relay never rewrites an upstream
//     payload; openai-kind routes only parse copies for caching and logging.
//   - Cache, limiter, pacer, and chat logger are optional and nil-safe; a
//     degraded store admits traffic instead of failing it.
//   - Upstream sends are retried only while the request provably never left
//     the gateway.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-forward/internal/auth"
	"github.com/nulpointcorp/llm-forward/internal/chatlog"
	"github.com/nulpointcorp/llm-forward/internal/config"
	"github.com/nulpointcorp/llm-forward/internal/metrics"
	"github.com/nulpointcorp/llm-forward/internal/modelserve"
	"github.com/nulpointcorp/llm-forward/internal/ratelimit"
	"github.com/nulpointcorp/llm-forward/internal/respcache"
)

const defaultUpstreamTimeout = 10 * time.Second

// Options holds an Engine's injected dependencies. Every field except the
// upstream route itself is optional.
type Options struct {
	// Logger is the structured logger for relay events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Auth performs credential indirection. When nil, Authorization headers
	// pass through untouched.
	Auth *auth.KeyAuthorizer

	// Hosts restricts inbound client IPs. Nil admits everyone.
	Hosts *auth.HostValidator

	// RequestLimiter enforces per-route, per-level request budgets.
	RequestLimiter *ratelimit.RequestLimiter

	// TokenPacer throttles streamed chunk emission.
	TokenPacer *ratelimit.TokenPacer

	// Cache is the response cache. CacheEnabled gates it per route kind;
	// DefaultRequestCaching applies when a request omits its "caching" flag.
	Cache                 *respcache.Cache
	CacheEnabled          bool
	DefaultRequestCaching bool

	// ChatLogger receives chat transcripts when LogEnabled.
	ChatLogger *chatlog.Logger
	LogEnabled bool

	// Executor, when set, serves chat completions locally instead of
	// contacting the upstream. DefaultStreamResponse applies when a request
	// omits its "stream" flag.
	Executor              modelserve.Executor
	DefaultStreamResponse bool

	// Timeout is the upstream connect/write timeout.
	Timeout time.Duration
}

// Engine relays one route. Engines are safe for concurrent use.
type Engine struct {
	route       config.RouteConfig
	routePath   string // normalized inbound prefix, e.g. "/" or "/mistral"
	stripPrefix string // prefix removed before forwarding upstream
	upstream    *Upstream

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	auth    *auth.KeyAuthorizer
	hosts   *auth.HostValidator
	limiter *ratelimit.RequestLimiter
	pacer   *ratelimit.TokenPacer

	cache          *respcache.Cache
	cacheEnabled   bool
	defaultCaching bool

	chatLog    *chatlog.Logger
	logEnabled bool

	executor      modelserve.Executor
	defaultStream bool
}

// New builds the Engine for route.
func New(baseCtx context.Context, route config.RouteConfig, opts Options) (*Engine, error) {
	if baseCtx == nil {
		return nil, fmt.Errorf("forward: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}

	upstream, err := NewUpstream(route.BaseURL, route.Proxy, timeout)
	if err != nil {
		return nil, err
	}

	routePath := config.FormatRoutePrefix(route.Route)
	stripPrefix := routePath
	if stripPrefix == "/" {
		stripPrefix = ""
	}

	return &Engine{
		route:          route,
		routePath:      routePath,
		stripPrefix:    stripPrefix,
		upstream:       upstream,
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		auth:           opts.Auth,
		hosts:          opts.Hosts,
		limiter:        opts.RequestLimiter,
		pacer:          opts.TokenPacer,
		cache:          opts.Cache,
		cacheEnabled:   opts.CacheEnabled && opts.Cache != nil,
		defaultCaching: opts.DefaultRequestCaching,
		chatLog:        opts.ChatLogger,
		logEnabled:     opts.LogEnabled && opts.ChatLogger != nil,
		executor:       opts.Executor,
		defaultStream:  opts.DefaultStreamResponse,
	}, nil
}

// RoutePath returns the normalized inbound prefix this engine serves.
func (e *Engine) RoutePath() string { return e.routePath }

// upstreamPath strips the route prefix from an inbound path.
func (e *Engine) upstreamPath(path string) string {
	if e.stripPrefix == "" {
		return path
	}
	p := strings.TrimPrefix(path, e.stripPrefix)
	if p == "" {
		return "/"
	}
	return p
}

// wantCaching resolves the per-request caching flag against the route default.
func (e *Engine) wantCaching(override *bool) bool {
	if override != nil {
		return *override
	}
	return e.defaultCaching
}
