// Package decision grades specialist task results and decides whether
// each attempt is accepted, retried on a different specialist, or
// escalated to a human operator. Every decision persists as a grading
// event keyed by the result's idempotency key, so redelivered results
// can never grade twice.
package decision

import (
	"context"
	"time"
)

// Decision is the grading outcome for one specialist attempt.
type Decision string

const (
	Accept   Decision = "ACCEPT"
	Retry    Decision = "RETRY"
	Escalate Decision = "ESCALATE"
)

// GradingEvent is the persisted record of one graded attempt.
type GradingEvent struct {
	MessageID      string    `json:"message_id"`
	TraceID        string    `json:"trace_id"`
	Tenant         string    `json:"tenant"`
	Project        string    `json:"project"`
	IdempotencyKey string    `json:"idempotency_key"`
	SpecialistID   string    `json:"specialist_id"`
	Capability     string    `json:"capability,omitempty"`
	AttemptNo      int       `json:"attempt_no"`
	Decision       Decision  `json:"decision"`
	RawScore       float64   `json:"raw_score"`
	Calibrated     float64   `json:"calibrated"`
	Reasons        []string  `json:"reasons,omitempty"`
	RetryTarget    string    `json:"retry_target,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists grading events. At most one event may exist per
// idempotency key; Insert absorbs duplicates and hands back the
// event that won.
type Store interface {
	Init(ctx context.Context) error

	// Insert writes ev unless its idempotency key is already graded.
	// It returns the stored event and whether this call wrote it.
	Insert(ctx context.Context, ev GradingEvent) (*GradingEvent, bool, error)

	GetByIdempotencyKey(ctx context.Context, key string) (*GradingEvent, error)
	ListByTrace(ctx context.Context, traceID string) ([]GradingEvent, error)

	Close() error
}
