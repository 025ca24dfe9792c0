// Package audit writes the append-only audit trail of spec §3/§5:
// admin mutations, auth events, and auto-block decisions. Writes are
// synchronous — unlike the hot-path request logger in internal/logging
// — because audit entries are the record of record for security review
// and must not be dropped under load (spec §5: "fire-and-forget ...
// not for audit").
package audit

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/relaygate/gateway/internal/db"
	"github.com/relaygate/gateway/internal/repository"
)

// Logger appends structured audit entries, masking sensitive metadata
// fields before they are persisted.
type Logger struct {
	repo repository.AuditRepository
}

func NewLogger(repo repository.AuditRepository) *Logger {
	return &Logger{repo: repo}
}

// Entry is the caller-facing shape; Metadata/Changes are marshaled to
// the db.AuditLog's json.RawMessage columns.
type Entry struct {
	EventType    string
	ActorUserID  string
	ActorIP      string
	ResourceType string
	ResourceID   string
	Changes      map[string]interface{}
	Metadata     map[string]interface{}
}

// Log masks sensitive fields, marshals the entry, and writes it
// synchronously. Marshal or repository errors are logged and
// swallowed — an audit-write failure must not fail the request that
// triggered it.
func (l *Logger) Log(ctx context.Context, e Entry) {
	maskSensitive(e.Metadata)
	maskSensitive(e.Changes)

	changes, err := marshalOrNil(e.Changes)
	if err != nil {
		log.Printf("audit: marshal changes: %v", err)
		return
	}
	metadata, err := marshalOrNil(e.Metadata)
	if err != nil {
		log.Printf("audit: marshal metadata: %v", err)
		return
	}

	entry := &db.AuditLog{
		Timestamp:    time.Now(),
		EventType:    e.EventType,
		ActorUserID:  e.ActorUserID,
		ActorIP:      e.ActorIP,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Changes:      changes,
		Metadata:     metadata,
	}
	if err := l.repo.Append(ctx, entry); err != nil {
		log.Printf("audit: append failed: %v", err)
	}
}

func marshalOrNil(m map[string]interface{}) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

var sensitiveKeys = []string{"api_key", "password", "token", "secret"}

func maskSensitive(m map[string]interface{}) {
	for k := range m {
		lowerK := strings.ToLower(k)
		for _, s := range sensitiveKeys {
			if strings.Contains(lowerK, s) {
				m[k] = "***REDACTED***"
				break
			}
		}
	}
}
