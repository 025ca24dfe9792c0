package metrics

import (
	"testing"
	"time"
)

func TestLatencySampler_TracksRequestAndErrorCounts(t *testing.T) {
	s := NewLatencySampler(10)
	s.Record(10*time.Millisecond, 200)
	s.Record(20*time.Millisecond, 404)
	s.Record(30*time.Millisecond, 500)

	snap := s.Snapshot()
	if snap.TotalRequests != 3 {
		t.Fatalf("TotalRequests = %d, want 3", snap.TotalRequests)
	}
	if snap.TotalErrors != 2 {
		t.Fatalf("TotalErrors = %d, want 2", snap.TotalErrors)
	}
	if snap.ErrorRate != 2.0/3.0 {
		t.Fatalf("ErrorRate = %v, want %v", snap.ErrorRate, 2.0/3.0)
	}
	if snap.StatusCounts[200] != 1 || snap.StatusCounts[404] != 1 || snap.StatusCounts[500] != 1 {
		t.Fatalf("StatusCounts = %v, want one each of 200/404/500", snap.StatusCounts)
	}
}

func TestLatencySampler_WindowSlidesOnOverflow(t *testing.T) {
	s := NewLatencySampler(2)
	s.Record(1*time.Millisecond, 200)
	s.Record(2*time.Millisecond, 200)
	s.Record(100*time.Millisecond, 200)

	snap := s.Snapshot()
	if snap.TotalRequests != 3 {
		t.Fatalf("TotalRequests = %d, want 3 (counters aren't windowed)", snap.TotalRequests)
	}
	// The window only holds the last 2 samples (2ms, 100ms); the 1ms
	// sample should have slid out, so p99 reflects only the surviving
	// readings and can't be the evicted 1ms sample.
	if snap.P99Latency != (100 * time.Millisecond).String() {
		t.Fatalf("P99Latency = %q, want %q", snap.P99Latency, (100 * time.Millisecond).String())
	}
}

func TestLatencySampler_EmptyWindowReportsZeroLatencies(t *testing.T) {
	s := NewLatencySampler(10)
	snap := s.Snapshot()

	if snap.P50Latency != time.Duration(0).String() {
		t.Fatalf("P50Latency = %q, want zero duration", snap.P50Latency)
	}
	if snap.ErrorRate != 0 {
		t.Fatalf("ErrorRate = %v, want 0 with no requests recorded", snap.ErrorRate)
	}
}
