package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaygate/gateway/internal/cache"
	"github.com/relaygate/gateway/internal/circuitbreaker"
	"github.com/relaygate/gateway/internal/db"
)

// permissiveCache always lets the circuit breaker through and never
// records a trip, so these tests exercise Forward's own retry logic
// rather than breaker state transitions (covered separately in
// internal/circuitbreaker).
type permissiveCache struct{}

func (permissiveCache) RunScript(ctx context.Context, script *cache.Script, keys []string, args ...interface{}) (interface{}, error) {
	if script.Name == "breaker_before" {
		return []interface{}{int64(1), int64(0)}, nil
	}
	return []interface{}{int64(0)}, nil
}
func (permissiveCache) Get(ctx context.Context, key string) (string, error) { return "", nil }
func (permissiveCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}
func (permissiveCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (permissiveCache) Del(ctx context.Context, keys ...string) error        { return nil }
func (permissiveCache) Exists(ctx context.Context, key string) (bool, error) { return false, nil }
func (permissiveCache) Incr(ctx context.Context, key string) (int64, error)  { return 1, nil }
func (permissiveCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}
func (permissiveCache) Ping(ctx context.Context) error { return nil }

func TestForwarder_SuccessfulRequestIsForwardedOnce(t *testing.T) {
	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	f := &Forwarder{Breaker: circuitbreaker.New(permissiveCache{}), Client: backend.Client()}
	route := &db.ApiDefinition{ID: "r1", BackendURL: backend.URL}
	req := httptest.NewRequest("GET", "/widgets", nil)

	result, err := f.Forward(context.Background(), "r1", route, req, nil, "req-1", "1.2.3.4", nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", result.StatusCode)
	}
	if string(result.Body) != "ok" {
		t.Fatalf("want body 'ok', got %q", result.Body)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("want exactly one backend hit for a 200, got %d", hits)
	}
}

func TestForwarder_RetriesOn5xxThenSucceeds(t *testing.T) {
	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := &Forwarder{Breaker: circuitbreaker.New(permissiveCache{}), Client: backend.Client()}
	route := &db.ApiDefinition{ID: "r2", BackendURL: backend.URL}
	req := httptest.NewRequest("GET", "/flaky", nil)

	// The package's real 1s/2s backoff applies here; this test only
	// asserts the eventual outcome and attempt count, not timing.
	result, err := f.Forward(context.Background(), "r2", route, req, nil, "req-2", "1.2.3.4", nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("want eventual 200, got %d after %d attempts", result.StatusCode, result.Attempts)
	}
	if hits != 3 {
		t.Fatalf("want exactly 3 backend hits (1 + 2 retries), got %d", hits)
	}
}

func TestForwarder_ExhaustsRetriesAndReturnsLast5xx(t *testing.T) {
	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	f := &Forwarder{Breaker: circuitbreaker.New(permissiveCache{}), Client: backend.Client()}
	route := &db.ApiDefinition{ID: "r4", BackendURL: backend.URL}
	req := httptest.NewRequest("GET", "/down", nil)

	result, err := f.Forward(context.Background(), "r4", route, req, nil, "req-4", "1.2.3.4", nil)
	if err != nil {
		t.Fatalf("Forward should return the last upstream response, not an error: %v", err)
	}
	if result.StatusCode != http.StatusBadGateway {
		t.Fatalf("want 502 passed through after exhausting retries, got %d", result.StatusCode)
	}
	if hits != 3 {
		t.Fatalf("want exactly 3 attempts, got %d", hits)
	}
}

func TestForwarder_StripsHopByHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Errorf("Connection header should have been stripped before forwarding")
		}
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := &Forwarder{Breaker: circuitbreaker.New(permissiveCache{}), Client: backend.Client()}
	route := &db.ApiDefinition{ID: "r3", BackendURL: backend.URL}
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Connection", "keep-alive")

	result, err := f.Forward(context.Background(), "r3", route, req, nil, "req-3", "1.2.3.4", nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if result.Header.Get("Connection") != "" {
		t.Fatalf("Connection header should have been stripped from the response")
	}
	if result.Header.Get("X-Upstream") != "yes" {
		t.Fatalf("non-hop-by-hop headers should pass through")
	}
}
