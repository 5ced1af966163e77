package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-forward/internal/auth"
	"github.com/nulpointcorp/llm-forward/internal/chatlog"
	"github.com/nulpointcorp/llm-forward/internal/config"
	"github.com/nulpointcorp/llm-forward/internal/forward"
	"github.com/nulpointcorp/llm-forward/internal/kvstore"
	"github.com/nulpointcorp/llm-forward/internal/metrics"
	"github.com/nulpointcorp/llm-forward/internal/modelserve"
	"github.com/nulpointcorp/llm-forward/internal/ratelimit"
	"github.com/nulpointcorp/llm-forward/internal/respcache"
	"github.com/nulpointcorp/llm-forward/internal/router"
)

// cacheConfigured reports whether any route kind has response caching on.
func (a *App) cacheConfigured() bool {
	return a.cfg.Cache.OpenAI || a.cfg.Cache.General
}

// initInfra establishes optional Redis connections. The cache and the rate
// limiter may point at the same instance; the client is shared then.
func (a *App) initInfra(ctx context.Context) error {
	if a.cacheConfigured() && a.cfg.Cache.Backend == "redis" {
		a.log.Info("connecting to cache redis", slog.String("url", redactURL(a.cfg.Cache.RedisURL)))
		rdb, err := connectRedis(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("cache redis: %w", err)
		}
		a.cacheRdb = rdb
	}

	if a.cfg.RateLimit.Backend == "redis" {
		if a.cacheRdb != nil && a.cfg.RateLimit.RedisURL == a.cfg.Cache.RedisURL {
			a.limitRdb = a.cacheRdb
		} else {
			a.log.Info("connecting to ratelimit redis", slog.String("url", redactURL(a.cfg.RateLimit.RedisURL)))
			rdb, err := connectRedis(ctx, a.cfg.RateLimit.RedisURL)
			if err != nil {
				return fmt.Errorf("ratelimit redis: %w", err)
			}
			a.limitRdb = rdb
		}
	}

	return nil
}

// initStore creates the write-back response store over the configured
// backend, then the response cache over the store.
func (a *App) initStore(_ context.Context) error {
	if !a.cacheConfigured() {
		a.log.Info("response caching disabled")
		return nil
	}

	var backend kvstore.Backend
	switch a.cfg.Cache.Backend {
	case "", "memory":
		backend = kvstore.NewMemory()
		a.log.Info("cache backend: memory (in-process)")
	case "sqlite":
		b, err := kvstore.OpenSQLite(a.cfg.Cache.RootPath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		backend = b
		a.log.Info("cache backend: sqlite", slog.String("root", a.cfg.Cache.RootPath))
	case "redis":
		backend = kvstore.NewRedisFromClient(a.cacheRdb)
		a.log.Info("cache backend: redis")
	default:
		return fmt.Errorf("unknown cache backend: %s", a.cfg.Cache.Backend)
	}

	a.store = kvstore.New(backend, kvstore.Options{
		BufferSize:    a.cfg.Cache.BufferSize,
		FlushInterval: a.cfg.Cache.FlushInterval,
		Logger:        a.log,
	})
	a.respCache = respcache.New(a.store)

	return nil
}

// initLimiters builds the request limiter and the token pacer from the rate
// expressions in the config.
func (a *App) initLimiters(_ context.Context) error {
	global, err := ratelimit.ParseRate(a.cfg.RateLimit.GlobalRateLimit)
	if err != nil {
		return fmt.Errorf("global_rate_limit: %w", err)
	}

	reqRates, err := parseRouteRates(a.cfg.RateLimit.ReqRateLimits)
	if err != nil {
		return fmt.Errorf("req_rate_limit: %w", err)
	}

	if !global.Unlimited() || len(reqRates) > 0 {
		var counter ratelimit.Counter
		switch a.cfg.RateLimit.Backend {
		case "", "memory":
			switch a.cfg.RateLimit.Strategy {
			case "moving-window":
				counter = ratelimit.NewMovingWindow()
			default:
				counter = ratelimit.NewFixedWindow()
			}
		case "redis":
			counter = ratelimit.NewRedisCounter(a.limitRdb)
		default:
			return fmt.Errorf("unknown ratelimit backend: %s", a.cfg.RateLimit.Backend)
		}
		a.limiter = ratelimit.NewRequestLimiter(counter, global, reqRates)
		a.log.Info("request rate limiting enabled",
			slog.String("strategy", a.cfg.RateLimit.Strategy),
			slog.String("global", global.String()),
			slog.Int("routes", len(reqRates)),
		)
	}

	tokenRates, err := parseRouteRates(a.cfg.RateLimit.TokenRateLimits)
	if err != nil {
		return fmt.Errorf("token_rate_limit: %w", err)
	}
	if len(tokenRates) > 0 {
		a.pacer = ratelimit.NewTokenPacer(tokenRates)
		a.log.Info("token pacing enabled", slog.Int("routes", len(tokenRates)))
	}

	return nil
}

// initServices creates the remaining shared subsystems.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.hosts = auth.NewHostValidator(a.cfg.IPWhitelist, a.cfg.IPBlacklist)

	if len(a.cfg.APIKey.SecretKeys) > 0 || len(a.cfg.APIKey.ForwardKeys) > 0 {
		a.authorizer = auth.New(
			a.cfg.APIKey.SecretKeys,
			a.cfg.APIKey.ForwardKeys,
			a.cfg.APIKey.LevelModels,
		)
		a.log.Info("credential indirection enabled",
			slog.Int("secret_keys", len(a.cfg.APIKey.SecretKeys)),
			slog.Int("levels", len(a.cfg.APIKey.ForwardKeys)),
		)
	}

	if a.cfg.Log.OpenAI || a.cfg.Log.General {
		cl, err := chatlog.New(ctx, a.log)
		if err != nil {
			return err
		}
		a.chatLogger = cl
	}

	if a.cfg.BenchmarkMode {
		a.executor = modelserve.NewCannedExecutor(nil)
		a.log.Info("benchmark mode: serving canned completions locally")
	}

	return nil
}

// initEngines builds one forwarding engine per configured route and the
// handler tree over them.
func (a *App) initEngines(_ context.Context) error {
	engines, err := router.FromConfig(a.cfg.Forward, func(rc config.RouteConfig) (*forward.Engine, error) {
		isOpenAI := rc.Kind == config.KindOpenAI

		cacheEnabled := a.cfg.Cache.General
		logEnabled := a.cfg.Log.General
		if isOpenAI {
			cacheEnabled = a.cfg.Cache.OpenAI
			logEnabled = a.cfg.Log.OpenAI
		}

		opts := forward.Options{
			Logger:                a.log,
			Metrics:               a.prom,
			Hosts:                 a.hosts,
			RequestLimiter:        a.limiter,
			TokenPacer:            a.pacer,
			Cache:                 a.respCache,
			CacheEnabled:          cacheEnabled,
			DefaultRequestCaching: a.cfg.Cache.DefaultRequestCaching,
			ChatLogger:            a.chatLogger,
			LogEnabled:            logEnabled,
			DefaultStreamResponse: a.cfg.DefaultStreamResponse,
			Timeout:               a.cfg.Timeout,
		}
		if isOpenAI {
			// Credential indirection and the local executor only apply to
			// payload-aware routes.
			opts.Auth = a.authorizer
			opts.Executor = a.executor
		}

		return forward.New(a.baseCtx, rc, opts)
	})
	if err != nil {
		return err
	}

	a.handler, err = router.New(router.Options{
		Engines:     engines,
		Metrics:     a.prom.Handler(),
		CORSOrigins: a.cfg.CORSOrigins,
		Logger:      a.log,
		Version:     a.version,
	})
	return err
}

// parseRouteRates converts the config's per-route, per-level rate expressions
// into parsed rates.
func parseRouteRates(routes []config.RouteRateLimit) (map[string]map[int]ratelimit.Rate, error) {
	if len(routes) == 0 {
		return nil, nil
	}
	out := make(map[string]map[int]ratelimit.Rate, len(routes))
	for _, rr := range routes {
		levels := make(map[int]ratelimit.Rate, len(rr.Limits))
		for _, ll := range rr.Limits {
			r, err := ratelimit.ParseRate(ll.Limit)
			if err != nil {
				return nil, fmt.Errorf("route %q level %d: %w", rr.Route, ll.Level, err)
			}
			levels[ll.Level] = r
		}
		out[rr.Route] = levels
	}
	return out, nil
}
