package metrics

import (
	"sort"
	"sync"
	"time"
)

// LatencySampler keeps a bounded sliding window of recent request
// latencies alongside running request/error/status counters, for the
// human-readable snapshot /health/detailed returns (spec §4.6). The
// Prometheus registry (prometheus.go) is the source of truth for
// scraping; this sampler exists only because a scrape-based histogram
// can't answer "what does the last N requests look like" in a single
// JSON response without a PromQL engine attached.
type LatencySampler struct {
	mu sync.RWMutex

	totalRequests uint64
	totalErrors   uint64
	statusCounts  map[int]uint64

	// window holds the latencies of the maxSamples most recent
	// requests, sliding out the oldest reading on overflow. A random-
	// replacement reservoir would give a uniform sample of all
	// requests since startup; a sliding window gives a biased sample
	// of only the recent ones, which is what "current health" wants.
	window     []time.Duration
	maxSamples int
}

func NewLatencySampler(maxSamples int) *LatencySampler {
	return &LatencySampler{
		statusCounts: make(map[int]uint64),
		window:       make([]time.Duration, 0, maxSamples),
		maxSamples:   maxSamples,
	}
}

func (s *LatencySampler) Record(duration time.Duration, statusCode int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	if statusCode >= 400 {
		s.totalErrors++
	}
	s.statusCounts[statusCode]++

	if len(s.window) < s.maxSamples {
		s.window = append(s.window, duration)
		return
	}
	s.window = append(s.window[1:], duration)
}

// Snapshot is the point-in-time view returned by GET /health/detailed.
type Snapshot struct {
	TotalRequests uint64         `json:"total_requests"`
	TotalErrors   uint64         `json:"total_errors"`
	ErrorRate     float64        `json:"error_rate"`
	P50Latency    string         `json:"p50_latency"`
	P95Latency    string         `json:"p95_latency"`
	P99Latency    string         `json:"p99_latency"`
	StatusCounts  map[int]uint64 `json:"status_counts"`
}

// Snapshot computes the current error rate and latency percentiles
// over the sliding window. Percentiles use nearest-rank on the sorted
// window (index = floor(n*p), clamped to the last element) rather than
// interpolating between ranks — good enough for an operator glancing
// at a dashboard, and it keeps the math auditable.
func (s *LatencySampler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := make([]time.Duration, len(s.window))
	copy(sorted, s.window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var p50, p95, p99 time.Duration
	if n := len(sorted); n > 0 {
		p50 = sorted[rankIndex(n, 0.50)]
		p95 = sorted[rankIndex(n, 0.95)]
		p99 = sorted[rankIndex(n, 0.99)]
	}

	errorRate := 0.0
	if s.totalRequests > 0 {
		errorRate = float64(s.totalErrors) / float64(s.totalRequests)
	}

	statusCounts := make(map[int]uint64, len(s.statusCounts))
	for code, count := range s.statusCounts {
		statusCounts[code] = count
	}

	return Snapshot{
		TotalRequests: s.totalRequests,
		TotalErrors:   s.totalErrors,
		ErrorRate:     errorRate,
		P50Latency:    p50.String(),
		P95Latency:    p95.String(),
		P99Latency:    p99.String(),
		StatusCounts:  statusCounts,
	}
}

func rankIndex(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return idx
}
