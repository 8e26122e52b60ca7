package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stemrelay/core/logx"
)

// Event types recorded by the relay.
const (
	EventStemRelayed = "StemRelayed"
	EventPromoted    = "Promoted"
	EventMalformed   = "MalformedDropped"
	EventPeerBanned  = "PeerBanned"
	EventAuthorized  = "Authorization"
)

// AuditEvent represents a relay decision worth keeping.
type AuditEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	EntityID  string            `json:"entity_id"` // tx hash or peer id
	Peer      string            `json:"peer,omitempty"`
	Result    string            `json:"result"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent stamps a fresh event with an id and the current time.
func NewEvent(eventType, entityID string) AuditEvent {
	return AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		EntityID:  entityID,
		Result:    "success",
	}
}

// AuditLogger is the interface for logging audit events.
type AuditLogger interface {
	LogEvent(event AuditEvent)
}

// LogAuditLogger writes events to the structured log.
type LogAuditLogger struct {
	log zerolog.Logger
}

func NewLogAuditLogger() *LogAuditLogger {
	return &LogAuditLogger{log: logx.New("audit")}
}

func (l *LogAuditLogger) LogEvent(e AuditEvent) {
	ev := l.log.Debug()
	if e.Result != "success" {
		ev = l.log.Warn()
	}
	ev.Str("id", e.ID).Str("type", e.EventType).Str("entity", e.EntityID).
		Str("peer", e.Peer).Str("result", e.Result).Str("reason", e.Reason).
		Fields(fieldsOf(e.Metadata)).Msg("audit")
}

func fieldsOf(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MemoryAuditLogger keeps the last N events for the API.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
	max    int
}

func NewMemoryAuditLogger(max int) *MemoryAuditLogger {
	return &MemoryAuditLogger{max: max}
}

func (m *MemoryAuditLogger) LogEvent(e AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if m.max > 0 && len(m.events) > m.max {
		m.events = m.events[len(m.events)-m.max:]
	}
}

// Recent returns up to n newest events, oldest first.
func (m *MemoryAuditLogger) Recent(n int) []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.events) {
		n = len(m.events)
	}
	out := make([]AuditEvent, n)
	copy(out, m.events[len(m.events)-n:])
	return out
}

// Count returns how many retained events have the given type.
func (m *MemoryAuditLogger) Count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := 0
	for _, e := range m.events {
		if e.EventType == eventType {
			c++
		}
	}
	return c
}

// Fanout sends every event to all loggers.
type Fanout []AuditLogger

func (f Fanout) LogEvent(e AuditEvent) {
	for _, l := range f {
		l.LogEvent(e)
	}
}
