// Package proxy implements the forwarding hop of spec §4.4/§6: build
// an outbound request to the matched route's backend, retry on 5xx
// with backoff, and copy the upstream response back byte-for-byte.
// Forwarding is done by hand rather than with
// httputil.NewSingleHostReverseProxy (grounded in
// other_examples/navid72m-ai-powered-api__main.go's Director-based
// header rewriting) because the retry loop needs to inspect the
// upstream status code between attempts, which ReverseProxy's
// single-shot RoundTrip does not expose.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/db"
)

// hopByHop headers are stripped from both the inbound request and the
// upstream response, per spec §4.4/§6.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func isHopByHop(header string) bool {
	if hopByHop[header] {
		return true
	}
	return strings.HasPrefix(header, "Proxy-")
}

// forwardedRequestHeaders are copied from the inbound request onto the
// outbound one, per spec §6's "Forwarded headers" list.
var forwardedRequestHeaders = []string{"Content-Type", "Accept", "Accept-Language", "User-Agent"}

const (
	maxAttempts   = 3 // 1 initial + 2 retries
	perAttempt    = 30 * time.Second
	retryBackoff1 = time.Second
	retryBackoff2 = 2 * time.Second
)

// Identity is the caller identity the proxy stamps onto forwarded
// requests when authenticated (spec §6: X-User-Id, X-User-Tier).
type Identity struct {
	UserID string
	Tier   db.Tier
}

// Forwarder dispatches proxied requests through a circuit breaker.
type Forwarder struct {
	Breaker *circuitbreaker.Breaker
	Client  *http.Client
}

func New(breaker *circuitbreaker.Breaker) *Forwarder {
	return &Forwarder{
		Breaker: breaker,
		Client:  &http.Client{Timeout: perAttempt},
	}
}

// Result carries what the caller needs to finish the response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

// retryableStatus reports whether a 5xx upstream response should be
// retried, per spec §4.4: only 502/503/504 do; a plain 500 still
// counts as a breaker failure but is returned to the caller as-is.
func retryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// Forward proxies body to route.BackendURL + the original path/query,
// retrying up to two extra times on a 502/503/504 response or
// transport error (spec §4.4). Each attempt is gated by the circuit
// breaker for routeID; a breaker trip short-circuits without an HTTP
// round trip.
func (f *Forwarder) Forward(ctx context.Context, routeID string, route *db.ApiDefinition, r *http.Request, body []byte, requestID, clientIP string, identity *Identity) (*Result, error) {
	backoffs := []time.Duration{0, retryBackoff1, retryBackoff2}

	var lastResult *Result
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffs[attempt]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var result *Result
		breakerErr := f.Breaker.Execute(ctx, routeID, func() error {
			var doErr error
			result, doErr = f.doOnce(ctx, route, r, body, requestID, clientIP, identity)
			if doErr != nil {
				return doErr
			}
			if result.StatusCode >= 500 {
				return errUpstream5xx
			}
			return nil
		})

		if breakerErr == circuitbreaker.ErrCircuitOpen {
			return nil, breakerErr
		}
		if breakerErr == nil {
			result.Attempts = attempt + 1
			return result, nil
		}

		lastResult, lastErr = result, breakerErr
		if breakerErr == errUpstream5xx && !retryableStatus(result.StatusCode) {
			// counts as a breaker failure but a plain 500 (or other
			// non-listed 5xx) isn't retried, per spec §4.4.
			lastResult.Attempts = attempt + 1
			return lastResult, nil
		}
		// transport error or a retryable 502/503/504: worth another attempt.
	}

	if lastResult != nil {
		lastResult.Attempts = maxAttempts
		return lastResult, nil
	}
	return nil, lastErr
}

var errUpstream5xx = errUpstreamStatus("proxy: upstream returned 5xx")

type errUpstreamStatus string

func (e errUpstreamStatus) Error() string { return string(e) }

func (f *Forwarder) doOnce(ctx context.Context, route *db.ApiDefinition, r *http.Request, body []byte, requestID, clientIP string, identity *Identity) (*Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
	defer cancel()

	targetURL := strings.TrimRight(route.BackendURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	outReq, err := http.NewRequestWithContext(attemptCtx, r.Method, targetURL, newBodyReader(body))
	if err != nil {
		return nil, err
	}

	for _, h := range forwardedRequestHeaders {
		if v := r.Header.Get(h); v != "" {
			outReq.Header.Set(h, v)
		}
	}
	outReq.Header.Set("X-Request-Id", requestID)
	outReq.Header.Set("X-Forwarded-For", clientIP)
	outReq.Header.Set("X-Forwarded-Proto", schemeOf(r))
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	if identity != nil {
		outReq.Header.Set("X-User-Id", identity.UserID)
		outReq.Header.Set("X-User-Tier", string(identity.Tier))
	}
	for header := range outReq.Header {
		if isHopByHop(header) {
			outReq.Header.Del(header)
		}
	}

	resp, err := f.Client.Do(outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	header := make(http.Header, len(resp.Header))
	for k, v := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		header[k] = v
	}

	return &Result{StatusCode: resp.StatusCode, Header: header, Body: respBody}, nil
}

func schemeOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
