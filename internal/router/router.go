// Package router mounts the per-route forwarding engines on their inbound
// prefixes, together with the management endpoints and the shared middleware
// chain.
//
// Prefixes are mounted with catch-all parameters so every sub-path of a
// route reaches its engine. The root route, when configured, is installed as
// the NotFound fallback: it receives exactly the traffic no other prefix and
// no management endpoint claimed, which keeps non-root prefixes isolated
// from it.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fasthttp/router"
	"github.com/nulpointcorp/llm-forward/internal/config"
	"github.com/nulpointcorp/llm-forward/internal/forward"
	"github.com/valyala/fasthttp"
)

// Options configures the handler tree.
type Options struct {
	// Engines are the per-route forwarding engines, at most one of which may
	// own the root prefix.
	Engines []*forward.Engine

	// Metrics, when non-nil, is mounted at GET /metrics.
	Metrics fasthttp.RequestHandler

	// CORSOrigins is the allowed origin list. Empty or ["*"] allows any.
	CORSOrigins []string

	// Logger receives panic reports from the recovery middleware.
	Logger *slog.Logger

	Version string
}

// New builds the complete request handler.
func New(opts Options) (fasthttp.RequestHandler, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := router.New()

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, map[string]string{"status": "ok", "version": version})
	})

	if opts.Metrics != nil {
		r.GET("/metrics", opts.Metrics)
	}

	var root *forward.Engine
	for _, e := range opts.Engines {
		prefix := e.RoutePath()
		if prefix == "/" {
			if root != nil {
				return nil, fmt.Errorf("router: duplicate root route")
			}
			root = e
			continue
		}
		r.ANY(prefix, e.Handle)
		r.ANY(prefix+"/{path:*}", e.Handle)
	}

	if root != nil {
		r.NotFound = root.Handle
	} else {
		r.NotFound = notFound
	}

	return applyMiddleware(r.Handler,
		recovery(log),
		requestID,
		timing,
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	), nil
}

// FromConfig validates the route table and builds one engine per route with
// the given per-route option factory.
func FromConfig(routes []config.RouteConfig, build func(config.RouteConfig) (*forward.Engine, error)) ([]*forward.Engine, error) {
	if err := config.ValidateRoutes(routes); err != nil {
		return nil, err
	}
	engines := make([]*forward.Engine, 0, len(routes))
	for _, rc := range routes {
		e, err := build(rc)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	return engines, nil
}

func notFound(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusNotFound)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":{"message":"no route for path","type":"invalid_request_error","code":"invalid_request"}}`)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
