package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/testfabric/cmo/pkg/fault"
)

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
	Hash   string            `json:"hash,omitempty"` // Canonical hash if valid
}

// Err folds an invalid result into a classified error. Valid results
// return nil.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return fault.New(fault.KindValidation, fault.CodeInvalidEnvelope, "%s", strings.Join(msgs, "; "))
}

var (
	// tenant and project share the strict routing charset.
	scopePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	// endpoint identifiers are lowercase alnum with hyphens/underscores.
	agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	// message ids are 128-bit random values as 32 hex chars.
	messageIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// Validator checks envelopes for structural correctness and payload
// conformance. Validation is fail-closed: any issue fails the envelope.
type Validator struct {
	schemas map[MessageType]*jsonschema.Schema
	clock   func() time.Time
}

// NewValidator creates a validator with the built-in payload schemas.
func NewValidator() *Validator {
	return &Validator{
		schemas: payloadSchemas,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate performs comprehensive validation of an A2A envelope.
func (v *Validator) Validate(e *Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}
	if e == nil {
		v.addError(result, "envelope", "REQUIRED", "envelope is nil")
		return result
	}
	m := &e.Meta

	if m.A2AVersion != A2AVersion {
		v.addError(result, "meta.a2a_version", "UNSUPPORTED_VERSION",
			fmt.Sprintf("unsupported a2a_version %q, expected %q", m.A2AVersion, A2AVersion))
	}

	v.requireNonEmpty(result, "meta.message_id", m.MessageID)
	if m.MessageID != "" && !messageIDPattern.MatchString(m.MessageID) {
		v.addError(result, "meta.message_id", "INVALID_FORMAT",
			fmt.Sprintf("message_id %q is not 32 lowercase hex chars", m.MessageID))
	}
	v.requireNonEmpty(result, "meta.trace_id", m.TraceID)

	v.requireNonEmpty(result, "meta.ts", m.TS)
	if m.TS != "" {
		if _, err := ParseTimestamp(m.TS); err != nil {
			v.addError(result, "meta.ts", "INVALID_FORMAT",
				fmt.Sprintf("ts %q is not RFC 3339", m.TS))
		}
	}

	v.validateAgentID(result, "meta.from", m.From)
	if len(m.To) == 0 {
		v.addError(result, "meta.to", "REQUIRED", "at least one recipient is required")
	}
	for i, to := range m.To {
		v.validateAgentID(result, fmt.Sprintf("meta.to[%d]", i), to)
	}

	v.validateScope(result, "meta.tenant", m.Tenant)
	v.validateScope(result, "meta.project", m.Project)

	if m.Type == "" {
		v.addError(result, "meta.type", "REQUIRED", "type is required")
	} else if !m.Type.Known() {
		v.addError(result, "meta.type", "UNKNOWN_TYPE",
			fmt.Sprintf("unknown message type %q", m.Type))
	}

	if m.Signature != "" && !isLowerHex(m.Signature) {
		v.addError(result, "meta.signature", "INVALID_FORMAT", "signature must be lowercase hex")
	}

	v.validatePayload(result, e)

	if result.Valid {
		if hash, err := CanonicalHash(e); err == nil {
			result.Hash = hash
		}
	}
	return result
}

func (v *Validator) validatePayload(result *ValidationResult, e *Envelope) {
	schema, ok := v.schemas[e.Meta.Type]
	if !ok {
		return // unknown type already reported
	}
	if len(e.Payload) == 0 {
		v.addError(result, "payload", "REQUIRED",
			fmt.Sprintf("%s requires a payload", e.Meta.Type))
		return
	}
	var doc any
	if err := json.Unmarshal(e.Payload, &doc); err != nil {
		v.addError(result, "payload", "INVALID_FORMAT", "payload is not valid JSON")
		return
	}
	if err := schema.Validate(doc); err != nil {
		v.addError(result, "payload", "SCHEMA_MISMATCH",
			fmt.Sprintf("%s payload: %v", e.Meta.Type, err))
	}
}

func (v *Validator) validateAgentID(result *ValidationResult, field string, a AgentID) {
	if a.ID == "" {
		v.addError(result, field+".id", "REQUIRED", "id is required")
	} else if !agentIDPattern.MatchString(a.ID) {
		v.addError(result, field+".id", "INVALID_FORMAT",
			fmt.Sprintf("id %q must be lowercase alnum with hyphens/underscores", a.ID))
	}
	if !a.Type.Valid() {
		v.addError(result, field+".type", "INVALID_VALUE",
			fmt.Sprintf("invalid agent type %q", a.Type))
	}
}

func (v *Validator) validateScope(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "REQUIRED", strings.TrimPrefix(field, "meta.")+" is required")
		return
	}
	if !scopePattern.MatchString(value) {
		v.addError(result, field, "INVALID_FORMAT",
			fmt.Sprintf("%q must match [a-z0-9_-]+", value))
	}
}

func (v *Validator) requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "REQUIRED", strings.TrimPrefix(field, "meta.")+" is required")
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{Field: field, Code: code, Message: message})
}

func isLowerHex(s string) bool {
	if len(s) == 0 || len(s)%2 != 0 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
