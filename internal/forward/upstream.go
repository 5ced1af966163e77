package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/nulpointcorp/llm-forward/pkg/apierr"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
)

const (
	maxAttempts    = 3
	retryBaseDelay = 200 * time.Millisecond
)

// strippedHeaders are never forwarded upstream. Host and Cookie would leak
// gateway-side details; the encoding headers would make the upstream respond
// with compressed or localized bodies the relay does not re-negotiate.
var strippedHeaders = [][]byte{
	[]byte(fasthttp.HeaderHost),
	[]byte(fasthttp.HeaderCookie),
	[]byte(fasthttp.HeaderAcceptEncoding),
	[]byte(fasthttp.HeaderAcceptLanguage),
}

// Upstream is one route's connection to its origin. The underlying
// HostClient streams response bodies so large SSE responses are relayed
// chunk by chunk instead of buffered.
type Upstream struct {
	client   *fasthttp.HostClient
	scheme   string
	host     string
	basePath string
}

// NewUpstream builds the client for baseURL. proxy, when non-empty, is an
// outbound HTTP proxy address for this route.
func NewUpstream(baseURL, proxy string, timeout time.Duration) (*Upstream, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("forward: parse base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("forward: base url %q: unsupported scheme %q", baseURL, u.Scheme)
	}

	isTLS := u.Scheme == "https"
	addr := u.Host
	if u.Port() == "" {
		if isTLS {
			addr = u.Hostname() + ":443"
		} else {
			addr = u.Hostname() + ":80"
		}
	}

	client := &fasthttp.HostClient{
		Addr:               addr,
		IsTLS:              isTLS,
		Name:               "llm-forward",
		ReadTimeout:        0, // streams may stay open far longer than the connect timeout
		WriteTimeout:       timeout,
		MaxConns:           512,
		StreamResponseBody: true,
	}
	if proxy != "" {
		client.Dial = fasthttpproxy.FasthttpHTTPDialerTimeout(proxy, timeout)
	}

	return &Upstream{
		client:   client,
		scheme:   u.Scheme,
		host:     u.Host,
		basePath: strings.TrimSuffix(u.Path, "/"),
	}, nil
}

// Host returns the upstream authority, e.g. "api.openai.com".
func (u *Upstream) Host() string { return u.host }

// BuildRequest populates dst as the outbound twin of the inbound request:
// same method and body, the upstream's scheme and host, the inbound path with
// the route prefix already stripped, the original query string, and the
// inbound headers minus strippedHeaders. authorization, when non-empty,
// replaces the inbound Authorization header.
func (u *Upstream) BuildRequest(dst *fasthttp.Request, src *fasthttp.Request, upstreamPath, authorization string, body []byte) {
	dst.Header.SetMethodBytes(src.Header.Method())
	dst.URI().SetScheme(u.scheme)
	dst.URI().SetHost(u.host)
	dst.URI().SetPath(u.basePath + upstreamPath)
	dst.URI().SetQueryStringBytes(src.URI().QueryString())

	src.Header.VisitAll(func(key, value []byte) {
		if skipHeader(key) {
			return
		}
		dst.Header.SetBytesKV(key, value)
	})

	if authorization != "" {
		dst.Header.Set(fasthttp.HeaderAuthorization, authorization)
	}
	if len(dst.Header.ContentType()) == 0 {
		dst.Header.SetContentType("application/json")
	}
	dst.SetBody(body)
}

func skipHeader(key []byte) bool {
	for _, h := range strippedHeaders {
		if equalFoldBytes(key, h) {
			return true
		}
	}
	// Content-Length is recomputed from the outbound body.
	return equalFoldBytes(key, []byte(fasthttp.HeaderContentLength))
}

func equalFoldBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Do sends req, retrying only when the request never reached the upstream.
// Once any response arrives, success or failure, it is returned as-is and
// never retried. onAttempt observes each attempt's outcome.
func (u *Upstream) Do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response, onAttempt func(outcome string, dur time.Duration)) error {
	delay := retryBaseDelay

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		err := u.client.Do(req, resp)
		dur := time.Since(start)

		if err == nil {
			if onAttempt != nil {
				onAttempt("success", dur)
			}
			return nil
		}

		if !isConnectError(err) {
			if onAttempt != nil {
				onAttempt("error", dur)
			}
			return err
		}

		if onAttempt != nil {
			onAttempt("connect_error", dur)
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
		delay *= 2
	}

	return apierr.New(apierr.KindUpstreamUnreachable,
		"upstream %s is unreachable: %v", u.host, lastErr)
}

// isConnectError reports whether err means the request was never delivered,
// which is the only case where a retry cannot duplicate upstream work.
func isConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, fasthttp.ErrNoFreeConns) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
