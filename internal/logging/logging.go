// Package logging implements the hot-path "Logger" pipeline stage
// (spec §2/§5): a fire-and-forget, best-effort record of each request
// distinct from the synchronous audit trail in internal/audit. Entries
// are pushed onto a bounded channel and drained by one goroutine so
// the request path never blocks on I/O; a full buffer drops the
// new entry rather than blocking the caller (spec §5:
// "fire-and-forget ... buffered, may drop under load").
package logging

import (
	"log"
	"time"
)

// Entry is one logged request/response pair.
type Entry struct {
	RequestID  string
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
	ClientIP   string
	RouteID    string
}

// RequestLogger drains entries on a single background goroutine.
type RequestLogger struct {
	ch chan Entry
}

// NewRequestLogger starts the drain goroutine with a channel of the
// given buffer size.
func NewRequestLogger(bufferSize int) *RequestLogger {
	l := &RequestLogger{ch: make(chan Entry, bufferSize)}
	go l.drain()
	return l
}

// Log enqueues e without blocking; if the buffer is full the entry is
// dropped, matching spec §5's explicit non-goal of "persistent request
// logging in the hot path".
func (l *RequestLogger) Log(e Entry) {
	select {
	case l.ch <- e:
	default:
	}
}

// Close stops accepting new entries once the caller is done draining
// in-flight ones; it does not wait for the background goroutine.
func (l *RequestLogger) Close() {
	close(l.ch)
}

func (l *RequestLogger) drain() {
	for e := range l.ch {
		log.Printf("request id=%s method=%s path=%s status=%d duration=%s ip=%s route=%s",
			e.RequestID, e.Method, e.Path, e.StatusCode, e.Duration, e.ClientIP, e.RouteID)
	}
}
