package security

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/testfabric/cmo/pkg/envelope"
)

// IdempotencyKey derives the deterministic duplicate-detection key:
// SHA-256 over "trace_id:message_id:ts:from_id". It is a pure function
// of its four components; equal keys imply equal components.
func IdempotencyKey(traceID, messageID, ts, fromID string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{traceID, messageID, ts, fromID}, ":")))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKeyFor derives the key from envelope meta.
func IdempotencyKeyFor(m envelope.Meta) string {
	return IdempotencyKey(m.TraceID, m.MessageID, m.TS, m.From.ID)
}

// StampIdempotencyKey fills meta.idempotency_key when absent and
// returns the key in either case.
func StampIdempotencyKey(env *envelope.Envelope) string {
	if env.Meta.IdempotencyKey == "" {
		env.Meta.IdempotencyKey = IdempotencyKeyFor(env.Meta)
	}
	return env.Meta.IdempotencyKey
}
