// Package envelope defines the A2A message envelope: the signed wire
// contract every agent-to-agent message travels in. It owns the typed
// payload variants, structural validation, and the canonical byte form
// all signing and hashing flows must use.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// A2AVersion is the wire protocol version this build speaks.
const A2AVersion = "1.0"

// TimestampLayout renders RFC 3339 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// AgentType classifies the addressable endpoint kind.
type AgentType string

const (
	AgentTypeAgent   AgentType = "agent"
	AgentTypeTopic   AgentType = "topic"
	AgentTypeService AgentType = "service"
)

// Valid reports whether t is a recognized endpoint kind.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeAgent, AgentTypeTopic, AgentTypeService:
		return true
	}
	return false
}

// AgentID addresses a message participant.
type AgentID struct {
	ID   string    `json:"id"`
	Type AgentType `json:"type"`
}

// Agent builds an agent-typed AgentID.
func Agent(id string) AgentID { return AgentID{ID: id, Type: AgentTypeAgent} }

// Service builds a service-typed AgentID.
func Service(id string) AgentID { return AgentID{ID: id, Type: AgentTypeService} }

// TopicRef builds a topic-typed AgentID for fan-out addressing.
func TopicRef(id string) AgentID { return AgentID{ID: id, Type: AgentTypeTopic} }

func (a AgentID) String() string { return string(a.Type) + ":" + a.ID }

// IsZero reports whether the AgentID is unset.
func (a AgentID) IsZero() bool { return a.ID == "" && a.Type == "" }

// MessageType discriminates the payload variant of an envelope.
type MessageType string

const (
	TypeTaskInvoke     MessageType = "TaskInvoke"
	TypeTaskResult     MessageType = "TaskResult"
	TypeDecisionNotice MessageType = "DecisionNotice"
	TypeMemoryEvent    MessageType = "MemoryEvent"
	TypeContextRequest MessageType = "ContextRequest"
	TypeContextResult  MessageType = "ContextResult"
	TypeHeartbeat      MessageType = "Heartbeat"
	TypeError          MessageType = "Error"
)

// KnownTypes lists every recognized message type in declaration order.
func KnownTypes() []MessageType {
	return []MessageType{
		TypeTaskInvoke, TypeTaskResult, TypeDecisionNotice, TypeMemoryEvent,
		TypeContextRequest, TypeContextResult, TypeHeartbeat, TypeError,
	}
}

// Known reports whether t is a recognized message type.
func (t MessageType) Known() bool {
	switch t {
	case TypeTaskInvoke, TypeTaskResult, TypeDecisionNotice, TypeMemoryEvent,
		TypeContextRequest, TypeContextResult, TypeHeartbeat, TypeError:
		return true
	}
	return false
}

// Meta carries the routing and integrity header of an envelope.
type Meta struct {
	A2AVersion     string      `json:"a2a_version"`
	MessageID      string      `json:"message_id"`
	TraceID        string      `json:"trace_id"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	TS             string      `json:"ts"`
	From           AgentID     `json:"from"`
	To             []AgentID   `json:"to"`
	Tenant         string      `json:"tenant"`
	Project        string      `json:"project"`
	Type           MessageType `json:"type"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	Signature      string      `json:"signature,omitempty"`
}

// Timestamp parses the ts field. The parser accepts any RFC 3339 form
// and normalizes to UTC; emission always uses TimestampLayout.
func (m Meta) Timestamp() (time.Time, error) {
	return ParseTimestamp(m.TS)
}

// Envelope is the unit of exchange between agents.
type Envelope struct {
	Meta    Meta            `json:"meta"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessageID returns a fresh 128-bit random identifier as 32 hex chars.
func NewMessageID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("envelope: message id entropy unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// NewTraceID returns a fresh trace identifier. Traces share the
// message-id format so they sort and log uniformly.
func NewTraceID() string { return NewMessageID() }

// FormatTimestamp renders t in the wire timestamp layout.
func FormatTimestamp(t time.Time) string { return t.UTC().Format(TimestampLayout) }

// ParseTimestamp parses a wire timestamp, tolerating sub-millisecond
// precision and zone offsets, and normalizes to UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("parse timestamp: empty")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// Option adjusts a freshly built envelope.
type Option func(*Envelope)

// WithTraceID pins the trace identifier instead of generating one.
func WithTraceID(id string) Option {
	return func(e *Envelope) { e.Meta.TraceID = id }
}

// WithCorrelationID links this envelope to the request it answers.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.Meta.CorrelationID = id }
}

// WithTimestamp pins ts; the default is the wall clock at build time.
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) { e.Meta.TS = FormatTimestamp(t) }
}

// WithMessageID pins the message identifier. Tests only; production
// envelopes must keep the random default.
func WithMessageID(id string) Option {
	return func(e *Envelope) { e.Meta.MessageID = id }
}

// New assembles an envelope with generated identifiers and the payload
// marshaled in place. It does not sign and does not validate; run the
// Validator before publishing.
func New(typ MessageType, from AgentID, to []AgentID, tenant, project string, payload any, opts ...Option) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal %s payload: %w", typ, err)
	}
	env := &Envelope{
		Meta: Meta{
			A2AVersion: A2AVersion,
			MessageID:  NewMessageID(),
			TraceID:    NewTraceID(),
			TS:         FormatTimestamp(time.Now()),
			From:       from,
			To:         to,
			Tenant:     tenant,
			Project:    project,
			Type:       typ,
		},
		Payload: body,
	}
	for _, opt := range opts {
		opt(env)
	}
	return env, nil
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s: empty payload", e.Meta.MessageID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("envelope %s: decode %s payload: %w", e.Meta.MessageID, e.Meta.Type, err)
	}
	return nil
}

// Clone returns a deep copy. Middleware mutates copies, never the
// delivered original.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Meta.To = append([]AgentID(nil), e.Meta.To...)
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	return &out
}

// Reply assembles a response envelope addressed back to the sender,
// correlated to the original message and sharing its trace.
func (e *Envelope) Reply(typ MessageType, from AgentID, payload any) (*Envelope, error) {
	return New(typ, from, []AgentID{e.Meta.From}, e.Meta.Tenant, e.Meta.Project, payload,
		WithTraceID(e.Meta.TraceID),
		WithCorrelationID(e.Meta.MessageID),
	)
}
