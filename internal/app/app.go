// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    external connections (Redis when needed)
//  2. initStore    durable response store + cache
//  3. initLimiters request limiter + token pacer
//  4. initServices auth tables, metrics registry, chat logger, executor
//  5. initEngines  one forwarding engine per configured route
//  6. initRouter   handler tree + middleware
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-forward/internal/auth"
	"github.com/nulpointcorp/llm-forward/internal/chatlog"
	"github.com/nulpointcorp/llm-forward/internal/config"
	"github.com/nulpointcorp/llm-forward/internal/kvstore"
	"github.com/nulpointcorp/llm-forward/internal/metrics"
	"github.com/nulpointcorp/llm-forward/internal/modelserve"
	"github.com/nulpointcorp/llm-forward/internal/ratelimit"
	"github.com/nulpointcorp/llm-forward/internal/respcache"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	cacheRdb *redis.Client
	limitRdb *redis.Client

	store     *kvstore.Store
	respCache *respcache.Cache

	limiter *ratelimit.RequestLimiter
	pacer   *ratelimit.TokenPacer

	authorizer *auth.KeyAuthorizer
	hosts      *auth.HostValidator
	chatLogger *chatlog.Logger
	executor   modelserve.Executor

	prom    *metrics.Registry
	handler fasthttp.RequestHandler
	srv     *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"store", a.initStore},
		{"limiters", a.initLimiters},
		{"services", a.initServices},
		{"engines", a.initEngines},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting forwarder",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_backend", a.cfg.Cache.Backend),
		slog.Int("routes", len(a.cfg.Forward)),
		slog.Bool("benchmark_mode", a.cfg.BenchmarkMode),
	)

	a.srv = &fasthttp.Server{
		Handler:            a.handler,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streams may outlive any fixed write budget
		StreamRequestBody:  true,
		MaxRequestBodySize: 32 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.chatLogger != nil {
		if err := a.chatLogger.Close(); err != nil {
			a.log.Error("chatlog close error", slog.String("error", err.Error()))
		}
		a.chatLogger = nil
	}
	if a.store != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.store.Close(closeCtx); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		cancel()
		a.store = nil
	}
	if a.limitRdb != nil && a.limitRdb != a.cacheRdb {
		if err := a.limitRdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
	a.limitRdb = nil
	if a.cacheRdb != nil {
		if err := a.cacheRdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.cacheRdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error; callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
