// Package fault defines the stable error taxonomy shared by every
// component of the message fabric. Errors carry a kind (the subsystem
// that raised them) and a stable machine-readable code so that DLQ
// reasons, decision notices, and metrics labels stay consistent across
// releases.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies the subsystem an error originates from.
type Kind string

const (
	KindValidation Kind = "validation"
	KindSecurity   Kind = "security"
	KindReplay     Kind = "replay"
	KindPolicy     Kind = "policy"
	KindTransport  Kind = "transport"
	KindRegistry   Kind = "registry"
	KindCheckpoint Kind = "checkpoint"
	KindDecision   Kind = "decision"
)

// Stable codes. These appear on the wire (DLQ reason headers, Error
// payloads) and in metrics labels; never rename them.
const (
	// Validation
	CodeInvalidEnvelope = "invalid_envelope"
	CodeUnknownType     = "unknown_type"
	CodeInvalidClaims   = "invalid_claims"

	// Security
	CodeInvalidSignature         = "invalid_signature"
	CodeExpired                  = "expired"
	CodeNotBefore                = "not_before"
	CodeInvalidIssuer            = "invalid_issuer"
	CodeInvalidAudience          = "invalid_audience"
	CodeMalformed                = "malformed"
	CodeInsufficientCapabilities = "insufficient_capabilities"
	CodeResourceNotScoped        = "resource_not_scoped"

	// Replay protection
	CodeTimestampStale        = "timestamp_stale"
	CodeTimestampFuture       = "timestamp_future"
	CodeTimestampMissing      = "timestamp_missing"
	CodeReplaySignatureFailed = "replay_signature_failed"

	// Policy. allow_with_caveat is not a failure; it is surfaced so
	// callers can attach the constraint record.
	CodePolicyDeny   = "deny"
	CodePolicyCaveat = "allow_with_caveat"

	// Transport
	CodeNotConnected    = "not_connected"
	CodePublishFailed   = "publish_failed"
	CodeSubscribeFailed = "subscribe_failed"
	CodeTimeout         = "timeout"
	CodeBackpressure    = "backpressure"
	CodeNotImplemented  = "not_implemented"

	// Registry
	CodeAgentNotFound     = "agent_not_found"
	CodeLeaseExpired      = "lease_expired"
	CodeDuplicateTopicSub = "duplicate_topic_sub"

	// Checkpoint
	CodeRunNotFound          = "run_not_found"
	CodeStepNotFound         = "step_not_found"
	CodeIdempotencyViolation = "idempotency_violation"
	CodeStepHashMismatch     = "step_hash_mismatch"
	CodeBlobMissing          = "blob_missing"

	// Decision
	CodeNoRetryTarget    = "no_retry_target"
	CodeQScoreOutOfRange = "qscore_out_of_range"
	CodeEventNotFound    = "event_not_found"
)

// retryable lists the codes that denote transient conditions. Everything
// else is permanent and must not be retried blindly.
var retryable = map[string]bool{
	CodeTimeout:         true,
	CodeNotConnected:    true,
	CodePublishFailed:   true,
	CodeSubscribeFailed: true,
	CodeBackpressure:    true,
}

// Error is a classified error with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

// New builds a classified error.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s/%s: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by kind and code, ignoring the message.
// A target with an empty code matches any code of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// CodeOf extracts the stable code from err, or "" when err carries none.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// KindOf extracts the kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool { return CodeOf(err) == code }

// Retryable reports whether err denotes a transient condition.
func Retryable(err error) bool { return retryable[CodeOf(err)] }
