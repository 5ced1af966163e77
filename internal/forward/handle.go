package forward

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/llm-forward/internal/auth"
	"github.com/nulpointcorp/llm-forward/internal/chatlog"
	"github.com/nulpointcorp/llm-forward/internal/config"
	"github.com/nulpointcorp/llm-forward/internal/modelserve"
	"github.com/nulpointcorp/llm-forward/internal/respcache"
	"github.com/nulpointcorp/llm-forward/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// Handle relays one inbound request through the full pipeline: host check,
// credential indirection, request rate limit, model allow-list, cache
// lookup, and finally the upstream round trip.
func (e *Engine) Handle(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	streaming := false
	respBytes := -1

	if e.metrics != nil {
		e.metrics.IncInFlight()
	}
	defer func() {
		if e.metrics == nil || streaming {
			return // streamed responses are finalised by the stream writer
		}
		e.metrics.DecInFlight()
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		e.metrics.ObserveHTTP(e.routePath, ctx.Response.StatusCode(), time.Since(start), respBytes)
	}()

	uid := newRequestID()
	clientIP := ctx.RemoteIP().String()

	// 1. Client host check.
	if err := e.hosts.Validate(clientIP); err != nil {
		e.log.WarnContext(ctx, "host_rejected",
			slog.String("uid", uid),
			slog.String("ip", clientIP),
		)
		apierr.WriteError(ctx, err)
		return
	}

	// 2. Credential indirection.
	inboundAuth := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
	grant, err := e.authorize(inboundAuth)
	if err != nil {
		e.log.WarnContext(ctx, "auth_rejected",
			slog.String("uid", uid),
			slog.String("ip", clientIP),
			slog.String("error", err.Error()),
		)
		apierr.WriteError(ctx, err)
		return
	}

	// 3. Request rate limit. The budget key is the caller's credential when
	// one was presented, otherwise the client IP.
	credential := strings.TrimPrefix(inboundAuth, "Bearer ")
	if credential == "" {
		credential = clientIP
	}
	if e.limiter != nil {
		if !e.limiter.Allow(ctx, path, credential, grant.Level) {
			if e.metrics != nil {
				e.metrics.RecordRateLimit("blocked")
			}
			e.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("uid", uid),
				slog.String("path", path),
				slog.Int("level", grant.Level),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if e.metrics != nil {
			e.metrics.RecordRateLimit("allowed")
		}
	}

	// 4. Inspect the body. General routes stay opaque; openai routes decode
	// chat and embedding payloads for model checks and fingerprinting.
	upPath := e.upstreamPath(path)
	var profile *requestProfile
	if e.route.Kind == config.KindOpenAI {
		profile, err = parseOpenAIRequest(upPath, ctx.PostBody())
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("invalid JSON: %s", err.Error()),
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	} else {
		profile = parseGeneralRequest(string(ctx.Method()), path, ctx.PostBody())
	}
	if profile.endpoint == endpointChat && !profile.hasStream && e.executor != nil {
		profile.stream = e.defaultStream
	}

	// 5. Model allow-list, rejected before any network I/O.
	if profile.model != "" {
		if err := auth.CheckModel(grant, profile.model); err != nil {
			e.log.WarnContext(ctx, "model_rejected",
				slog.String("uid", uid),
				slog.String("model", profile.model),
				slog.Int("level", grant.Level),
			)
			apierr.WriteError(ctx, err)
			return
		}
	}

	if e.logEnabled && profile.endpoint == endpointChat {
		e.chatLog.Log(chatlog.Entry{
			UID:       uid,
			Route:     e.routePath,
			Model:     profile.model,
			Messages:  profile.messages,
			Role:      "user",
			IP:        clientIP,
			CreatedAt: time.Now(),
		})
	}

	// 6. Benchmark mode: chat completions are served by the local executor.
	if e.executor != nil && profile.endpoint == endpointChat {
		streaming = e.serveLocal(ctx, uid, path, grant.Level, profile, start)
		return
	}

	// 7. Cache lookup.
	caching := e.cacheEnabled && profile.cacheable && e.wantCaching(profile.caching)
	if e.metrics != nil && e.cacheEnabled && !caching {
		e.metrics.CacheGetBypass()
	}
	if caching {
		if v, ok := e.cache.Lookup(profile.cacheKey); ok {
			if e.metrics != nil {
				e.metrics.CacheGetHit()
			}
			e.log.DebugContext(ctx, "cache_hit",
				slog.String("uid", uid),
				slog.String("path", path),
				slog.String("model", profile.model),
			)
			streaming = e.replay(ctx, uid, path, grant.Level, profile, v, start)
			return
		}
		if e.metrics != nil {
			e.metrics.CacheGetMiss()
		}
	}

	// 8. Upstream round trip. Connect failures retry with backoff; once any
	// response arrives it is relayed as-is.
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	e.upstream.BuildRequest(req, &ctx.Request, upPath, grant.Authorization, profile.body)

	onAttempt := func(outcome string, dur time.Duration) {
		if e.metrics != nil {
			e.metrics.ObserveUpstreamAttempt(e.routePath, outcome, dur)
		}
	}
	if err := e.upstream.Do(ctx, req, resp, onAttempt); err != nil {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		if apierr.KindOf(err) == apierr.KindInternal && !errors.Is(err, context.Canceled) {
			err = apierr.New(apierr.KindUpstreamProtocol,
				"upstream %s: %v", e.upstream.Host(), err)
		}
		e.log.ErrorContext(ctx, "upstream_error",
			slog.String("uid", uid),
			slog.String("path", path),
			slog.String("upstream", e.upstream.Host()),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteError(ctx, err)
		return
	}

	// 9a. Upstream failure status: pass the response through unchanged so the
	// client sees exactly what the upstream said.
	status := resp.StatusCode()
	if status < 200 || status > 299 {
		e.log.WarnContext(ctx, "upstream_status",
			slog.String("uid", uid),
			slog.String("path", path),
			slog.Int("status", status),
		)
		body := append([]byte(nil), resp.Body()...)
		copyResponseHeaders(ctx, resp)
		ctx.SetStatusCode(status)
		ctx.SetBody(body)
		respBytes = len(body)
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		return
	}

	// 9b. Streaming success: relay chunk by chunk through the token gate.
	if isEventStream(resp.Header.ContentType()) {
		streaming = true
		if e.metrics != nil {
			e.metrics.RecordStream(e.routePath)
		}
		e.relayStream(ctx, uid, path, grant.Level, profile, req, resp, caching, start)
		return
	}

	// 9c. Buffered success: forward the body byte-for-byte, then parse a copy
	// for caching and transcript logging.
	body := append([]byte(nil), resp.Body()...)
	copyResponseHeaders(ctx, resp)
	fasthttp.ReleaseRequest(req)
	fasthttp.ReleaseResponse(resp)

	if caching {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
	respBytes = len(body)

	e.recordResult(uid, profile, body, nil, caching)

	e.log.DebugContext(ctx, "response_ok",
		slog.String("uid", uid),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// authorize applies credential indirection, passing the inbound header
// through untouched when no authorizer is configured.
func (e *Engine) authorize(inboundAuth string) (auth.Grant, error) {
	if e.auth == nil {
		return auth.Grant{}, nil
	}
	return e.auth.Authorize(inboundAuth)
}

// recordResult parses an upstream success for the cache and the transcript
// log. Exactly one of body (buffered) or events (streamed) is set.
func (e *Engine) recordResult(uid string, p *requestProfile, body []byte, events [][]byte, caching bool) {
	switch p.endpoint {
	case endpointChat:
		var result chatResult
		var ok bool
		if events != nil {
			result, ok = parseChatStream(events)
		} else {
			result, ok = parseChatBody(body)
		}
		if !ok {
			return
		}
		if e.logEnabled {
			e.chatLog.Log(chatlog.Entry{
				UID:       uid,
				Route:     e.routePath,
				Model:     result.model,
				Role:      "assistant",
				Content:   result.content,
				ToolCalls: string(result.toolCalls),
				CreatedAt: time.Now(),
			})
		}
		if caching {
			e.cache.Store(p.cacheKey, e.routePath, respcache.Variant{
				Content:   result.content,
				ToolCalls: result.toolCalls,
			}, respcache.ChatVariantBound)
			if e.metrics != nil {
				e.metrics.CacheSetOK()
			}
		}

	case endpointEmbeddings:
		if caching && body != nil {
			e.cache.Store(p.cacheKey, e.routePath,
				respcache.Variant{Body: body}, respcache.GeneralVariantBound)
			if e.metrics != nil {
				e.metrics.CacheSetOK()
			}
		}

	default:
		if !caching {
			return
		}
		v := respcache.Variant{Body: body}
		if events != nil {
			v = respcache.Variant{Chunks: events}
		}
		e.cache.Store(p.cacheKey, e.routePath, v, respcache.GeneralVariantBound)
		if e.metrics != nil {
			e.metrics.CacheSetOK()
		}
	}
}

// replay serves a cached variant. Streamed replays run through the same
// token gate as live upstream streams. Reports whether the response is
// being streamed asynchronously.
func (e *Engine) replay(ctx *fasthttp.RequestCtx, uid, path string, level int, p *requestProfile, v respcache.Variant, start time.Time) bool {
	if p.endpoint == endpointChat && e.logEnabled {
		e.chatLog.Log(chatlog.Entry{
			UID:       uid,
			Route:     e.routePath,
			Model:     p.model,
			Role:      "assistant",
			Content:   v.Content,
			ToolCalls: string(v.ToolCalls),
			CreatedAt: time.Now(),
		})
	}

	switch {
	case p.endpoint == endpointChat && p.stream:
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		e.streamFrames(ctx, path, level, respcache.ChatStreamFrames(p.model, v), start)
		return true

	case p.endpoint == endpointChat:
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody(respcache.ChatBody(p.model, v))
		return false

	case len(v.Chunks) > 0:
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		e.streamFrames(ctx, path, level, v.Chunks, start)
		return true

	default:
		ctx.Response.Header.Set("X-Cache", xCacheHIT)
		ctx.SetContentType("application/json")
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBody(v.Body)
		return false
	}
}

// streamFrames writes a prepared frame sequence as an SSE response, pacing
// each frame through the token gate.
func (e *Engine) streamFrames(ctx *fasthttp.RequestCtx, path string, level int, frames [][]byte, start time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetStatusCode(fasthttp.StatusOK)

	gate := e.pacer.Gate(path, level)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		for _, frame := range frames {
			if err := gate.Wait(e.baseCtx); err != nil {
				break
			}
			w.Write(frame) //nolint:errcheck
			if err := w.Flush(); err != nil {
				break // client gone
			}
		}
		e.finishStream(fasthttp.StatusOK, start)
	})
}

// relayStream forwards a live upstream SSE stream. Each event is gated,
// written, and (when needed for caching or logging) accumulated. The cache
// store and transcript entry happen only after a fully successful stream
// end: a truncated stream, a cancelled gate, or a departed client must never
// commit a partial assistant message.
func (e *Engine) relayStream(ctx *fasthttp.RequestCtx, uid, path string, level int, p *requestProfile, req *fasthttp.Request, resp *fasthttp.Response, caching bool, start time.Time) {
	copyResponseHeaders(ctx, resp)
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	if caching {
		ctx.Response.Header.Set("X-Cache", xCacheMISS)
	}
	ctx.SetStatusCode(resp.StatusCode())

	accumulate := caching || (e.logEnabled && p.endpoint == endpointChat)
	gate := e.pacer.Gate(path, level)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		var events [][]byte
		complete := false
		reader := bufio.NewReader(resp.BodyStream())
		for {
			event, err := readSSEEvent(reader)
			if len(event) > 0 {
				if werr := gate.Wait(e.baseCtx); werr != nil {
					break
				}
				w.Write(event) //nolint:errcheck
				if werr := w.Flush(); werr != nil {
					break // client gone: stop draining the upstream
				}
				if isDoneEvent(event) {
					complete = true
				} else if accumulate {
					events = append(events, append([]byte(nil), event...))
				}
			}
			if err != nil {
				// An opaque stream has no [DONE] terminator; its successful
				// end is a clean EOF.
				if p.endpoint != endpointChat && errors.Is(err, io.EOF) {
					complete = true
				}
				break
			}
		}

		switch {
		case !complete:
			e.log.Warn("stream_truncated",
				slog.String("uid", uid),
				slog.String("path", path),
				slog.String("upstream", e.upstream.Host()),
			)
		case accumulate && len(events) > 0:
			e.recordResult(uid, p, nil, events, caching)
		}
		e.finishStream(fasthttp.StatusOK, start)
	})
}

// serveLocal answers a chat completion from the local executor. Reports
// whether the response is being streamed.
func (e *Engine) serveLocal(ctx *fasthttp.RequestCtx, uid, path string, level int, p *requestProfile, start time.Time) bool {
	msgs := make([]modelserve.Message, 0, len(p.messages))
	for _, m := range p.messages {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		msgs = append(msgs, modelserve.Message{Role: role, Content: content})
	}
	params := modelserve.Params{Model: p.model, Stream: p.stream}

	if p.stream {
		ch, err := e.executor.StreamInfer(e.baseCtx, msgs, params)
		if err != nil {
			apierr.WriteError(ctx, err)
			return false
		}
		e.streamLocal(ctx, uid, path, level, p.model, ch, start)
		return true
	}

	content, err := e.executor.Infer(e.baseCtx, msgs, params)
	if err != nil {
		apierr.WriteError(ctx, err)
		return false
	}
	if e.logEnabled {
		e.chatLog.Log(chatlog.Entry{
			UID:       uid,
			Route:     e.routePath,
			Model:     p.model,
			Role:      "assistant",
			Content:   content,
			CreatedAt: time.Now(),
		})
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(respcache.ChatBody(p.model, respcache.Variant{Content: content}))
	return false
}

// streamLocal frames executor output as it arrives: each piece becomes a
// chunk frame the moment the executor yields it, gated like any other
// stream. The executor channel is always drained so its goroutine can exit.
func (e *Engine) streamLocal(ctx *fasthttp.RequestCtx, uid, path string, level int, model string, ch <-chan string, start time.Time) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.SetStatusCode(fasthttp.StatusOK)

	gate := e.pacer.Gate(path, level)
	framer := respcache.NewStreamFramer(model)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		write := func(frame []byte) bool {
			if err := gate.Wait(e.baseCtx); err != nil {
				return false
			}
			w.Write(frame) //nolint:errcheck
			return w.Flush() == nil
		}

		var sb strings.Builder
		ok := write(framer.Role())
		for piece := range ch {
			sb.WriteString(piece)
			if ok {
				ok = write(framer.Content(piece))
			}
		}
		if ok && write(framer.Finish("stop")) {
			write(framer.Done())
		}

		if e.logEnabled {
			e.chatLog.Log(chatlog.Entry{
				UID:       uid,
				Route:     e.routePath,
				Model:     model,
				Role:      "assistant",
				Content:   sb.String(),
				CreatedAt: time.Now(),
			})
		}
		e.finishStream(fasthttp.StatusOK, start)
	})
}

// finishStream closes out metrics for a streamed response.
func (e *Engine) finishStream(status int, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.DecInFlight()
	e.metrics.ObserveHTTP(e.routePath, status, time.Since(start), -1)
}

// copyResponseHeaders mirrors the upstream response headers onto the client
// response. Content-Length is recomputed by fasthttp from the actual body.
func copyResponseHeaders(ctx *fasthttp.RequestCtx, resp *fasthttp.Response) {
	resp.Header.VisitAll(func(key, value []byte) {
		if equalFoldBytes(key, []byte(fasthttp.HeaderContentLength)) ||
			equalFoldBytes(key, []byte(fasthttp.HeaderTransferEncoding)) ||
			equalFoldBytes(key, []byte(fasthttp.HeaderConnection)) {
			return
		}
		ctx.Response.Header.SetBytesKV(key, value)
	})
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
