package envelope

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := New(TypeTaskResult, Agent("specialist-a"), []AgentID{Service("cmo")},
		"wesign", "contracts",
		TaskResultPayload{
			Summary:     []string{"clause 4 flagged", "term sheet consistent"},
			Affordances: []Affordance{{Action: "open_doc", Target: "doc-7"}},
			Slicing:     SlicingInfo{PolicyDegraded: false},
			Metadata:    ResultMetadata{SchemaValid: true},
			LatencyMS:   350,
			RetryDepth:  0,
		},
		WithTimestamp(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	)
	require.NoError(t, err)
	return env
}

func fieldCodes(r *ValidationResult) map[string]string {
	out := make(map[string]string, len(r.Errors))
	for _, e := range r.Errors {
		out[e.Field] = e.Code
	}
	return out
}

func TestValidate_ValidEnvelope(t *testing.T) {
	v := NewValidator()
	result := v.Validate(validEnvelope(t))

	require.True(t, result.Valid, "unexpected errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.True(t, strings.HasPrefix(result.Hash, HashPrefix))
	assert.NoError(t, result.Err())
}

func TestValidate_MetaFailures(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Envelope)
		field    string
		code     string
	}{
		{"wrong version", func(e *Envelope) { e.Meta.A2AVersion = "2.0" }, "meta.a2a_version", "UNSUPPORTED_VERSION"},
		{"missing message id", func(e *Envelope) { e.Meta.MessageID = "" }, "meta.message_id", "REQUIRED"},
		{"short message id", func(e *Envelope) { e.Meta.MessageID = "abc123" }, "meta.message_id", "INVALID_FORMAT"},
		{"uppercase message id", func(e *Envelope) { e.Meta.MessageID = strings.ToUpper(e.Meta.MessageID) }, "meta.message_id", "INVALID_FORMAT"},
		{"missing trace", func(e *Envelope) { e.Meta.TraceID = "" }, "meta.trace_id", "REQUIRED"},
		{"missing ts", func(e *Envelope) { e.Meta.TS = "" }, "meta.ts", "REQUIRED"},
		{"garbage ts", func(e *Envelope) { e.Meta.TS = "yesterday" }, "meta.ts", "INVALID_FORMAT"},
		{"empty recipients", func(e *Envelope) { e.Meta.To = nil }, "meta.to", "REQUIRED"},
		{"bad recipient id", func(e *Envelope) { e.Meta.To = []AgentID{Agent("Bad.Agent")} }, "meta.to[0].id", "INVALID_FORMAT"},
		{"bad recipient type", func(e *Envelope) { e.Meta.To = []AgentID{{ID: "ok", Type: "robot"}} }, "meta.to[0].type", "INVALID_VALUE"},
		{"missing from id", func(e *Envelope) { e.Meta.From.ID = "" }, "meta.from.id", "REQUIRED"},
		{"missing tenant", func(e *Envelope) { e.Meta.Tenant = "" }, "meta.tenant", "REQUIRED"},
		{"uppercase tenant", func(e *Envelope) { e.Meta.Tenant = "WeSign" }, "meta.tenant", "INVALID_FORMAT"},
		{"spaced project", func(e *Envelope) { e.Meta.Project = "my project" }, "meta.project", "INVALID_FORMAT"},
		{"missing type", func(e *Envelope) { e.Meta.Type = "" }, "meta.type", "REQUIRED"},
		{"unknown type", func(e *Envelope) { e.Meta.Type = "TaskPing" }, "meta.type", "UNKNOWN_TYPE"},
		{"non-hex signature", func(e *Envelope) { e.Meta.Signature = "not-hex!" }, "meta.signature", "INVALID_FORMAT"},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope(t)
			tt.mutate(env)
			result := v.Validate(env)

			require.False(t, result.Valid)
			codes := fieldCodes(result)
			assert.Equal(t, tt.code, codes[tt.field], "errors: %v", result.Errors)
			assert.Error(t, result.Err())
			assert.Empty(t, result.Hash)
		})
	}
}

func TestValidate_PayloadSchemas(t *testing.T) {
	v := NewValidator()

	t.Run("missing payload", func(t *testing.T) {
		env := validEnvelope(t)
		env.Payload = nil
		result := v.Validate(env)
		require.False(t, result.Valid)
		assert.Equal(t, "REQUIRED", fieldCodes(result)["payload"])
	})

	t.Run("payload not JSON", func(t *testing.T) {
		env := validEnvelope(t)
		env.Payload = json.RawMessage(`{"broken`)
		result := v.Validate(env)
		require.False(t, result.Valid)
		assert.Equal(t, "INVALID_FORMAT", fieldCodes(result)["payload"])
	})

	t.Run("task result missing slicing", func(t *testing.T) {
		env := validEnvelope(t)
		env.Payload = json.RawMessage(`{"metadata":{"schema_valid":true},"latency_ms":10,"retry_depth":0}`)
		result := v.Validate(env)
		require.False(t, result.Valid)
		assert.Equal(t, "SCHEMA_MISMATCH", fieldCodes(result)["payload"])
	})

	t.Run("task invoke requires task", func(t *testing.T) {
		env := validEnvelope(t)
		env.Meta.Type = TypeTaskInvoke
		env.Payload = json.RawMessage(`{"summary_hint":"short"}`)
		result := v.Validate(env)
		require.False(t, result.Valid)
		assert.Equal(t, "SCHEMA_MISMATCH", fieldCodes(result)["payload"])
	})

	t.Run("decision enum enforced", func(t *testing.T) {
		env := validEnvelope(t)
		env.Meta.Type = TypeDecisionNotice
		env.Payload = json.RawMessage(`{"decision":"MAYBE","qscore":0.5}`)
		result := v.Validate(env)
		require.False(t, result.Valid)
		assert.Equal(t, "SCHEMA_MISMATCH", fieldCodes(result)["payload"])
	})

	t.Run("qscore bounds enforced", func(t *testing.T) {
		env := validEnvelope(t)
		env.Meta.Type = TypeDecisionNotice
		env.Payload = json.RawMessage(`{"decision":"ACCEPT","qscore":1.5}`)
		result := v.Validate(env)
		require.False(t, result.Valid)
	})

	t.Run("extra payload fields tolerated", func(t *testing.T) {
		env := validEnvelope(t)
		env.Payload = json.RawMessage(`{"slicing":{"policy_degraded":false},"metadata":{"schema_valid":true},"latency_ms":10,"retry_depth":0,"future_field":"ok"}`)
		result := v.Validate(env)
		assert.True(t, result.Valid, "errors: %v", result.Errors)
	})

	t.Run("every known type has a schema", func(t *testing.T) {
		for _, typ := range KnownTypes() {
			assert.Contains(t, payloadSchemas, typ, "no payload schema for %s", typ)
		}
	})
}

func TestValidate_NilEnvelope(t *testing.T) {
	result := NewValidator().Validate(nil)
	require.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "envelope", result.Errors[0].Field)
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "meta.tenant", Code: "INVALID_FORMAT", Message: `"WeSign" must match [a-z0-9_-]+`}
	assert.Equal(t, `meta.tenant: "WeSign" must match [a-z0-9_-]+ (INVALID_FORMAT)`, e.Error())
}
