// Package analytics records what happened to keys: verifications, rate
// limit decisions and administrative actions. Events are emitted off the
// request path and delivered to a Sink.
package analytics

// EventType names a kind of event. It also selects the Redis stream an
// event lands on.
type EventType string

// Event types.
const (
	TypeVerification EventType = "key_verification"
	TypeRatelimit    EventType = "ratelimit"
	TypeAudit        EventType = "audit"
)

// Event is implemented by the event structs of this package.
type Event interface {
	Type() EventType
	header() *Header
}

// Header carries the fields every event has. The Emitter fills them when
// they are empty.
type Header struct {
	ID   string `json:"id"`
	Time int64  `json:"time"`
}

func (h *Header) header() *Header { return h }

// VerificationEvent is recorded for every verification that identified a key.
type VerificationEvent struct {
	Header
	RequestID    string `json:"requestId,omitempty"`
	WorkspaceID  string `json:"workspaceId"`
	ApiID        string `json:"apiId"`
	KeyID        string `json:"keyId"`
	OwnerID      string `json:"ownerId,omitempty"`
	DeniedReason string `json:"deniedReason,omitempty"`
	IP           string `json:"ipAddress,omitempty"`
	UserAgent    string `json:"userAgent,omitempty"`
	Region       string `json:"region,omitempty"`
}

// Type implements Event.
func (*VerificationEvent) Type() EventType { return TypeVerification }

// RatelimitEvent is recorded for every standalone rate limit decision.
type RatelimitEvent struct {
	Header
	RequestID  string `json:"requestId,omitempty"`
	Namespace  string `json:"namespace"`
	Identifier string `json:"identifier"`
	Passed     bool   `json:"passed"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	Reset      int64  `json:"reset"`
	Async      bool   `json:"async"`
}

// Type implements Event.
func (*RatelimitEvent) Type() EventType { return TypeRatelimit }

// AuditEvent is recorded for administrative actions.
type AuditEvent struct {
	Header
	RequestID   string `json:"requestId,omitempty"`
	Actor       string `json:"actor"`
	Action      string `json:"action"`
	Resource    string `json:"resource"`
	Description string `json:"description,omitempty"`
}

// Type implements Event.
func (*AuditEvent) Type() EventType { return TypeAudit }
