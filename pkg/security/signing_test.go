package security

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring([]byte("master-secret-for-testing-32-b!!"))
	require.NoError(t, err)
	return kr
}

func signedEnvelope(t *testing.T, signer *Signer, ts time.Time) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.TypeTaskResult,
		envelope.Agent("specialist-a"), []envelope.AgentID{envelope.Service("cmo")},
		"wesign", "contracts",
		envelope.TaskResultPayload{
			Summary:    []string{"done"},
			Slicing:    envelope.SlicingInfo{},
			Metadata:   envelope.ResultMetadata{SchemaValid: true},
			LatencyMS:  350,
			RetryDepth: 0,
		},
		envelope.WithTimestamp(ts),
	)
	require.NoError(t, err)
	require.NoError(t, signer.Sign(env))
	return env
}

func TestSignAndVerify(t *testing.T) {
	signer := NewSigner(testKeyring(t))
	env := signedEnvelope(t, signer, time.Now())

	require.NotEmpty(t, env.Meta.Signature)
	assert.Equal(t, strings.ToLower(env.Meta.Signature), env.Meta.Signature, "signature must be lowercase hex")
	assert.Len(t, env.Meta.Signature, 64)

	assert.NoError(t, signer.Verify(env))
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := NewSigner(testKeyring(t))

	t.Run("payload bit flip", func(t *testing.T) {
		env := signedEnvelope(t, signer, time.Now())
		env.Payload[len(env.Payload)/2] ^= 0x01
		err := signer.Verify(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
	})

	t.Run("meta mutation", func(t *testing.T) {
		env := signedEnvelope(t, signer, time.Now())
		env.Meta.Project = "other"
		err := signer.Verify(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
	})

	t.Run("missing signature", func(t *testing.T) {
		env := signedEnvelope(t, signer, time.Now())
		env.Meta.Signature = ""
		err := signer.Verify(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
	})

	t.Run("signature from another tenant key", func(t *testing.T) {
		env := signedEnvelope(t, signer, time.Now())
		foreign := env.Clone()
		foreign.Meta.Tenant = "acme"
		require.NoError(t, signer.Sign(foreign))
		env.Meta.Signature = foreign.Meta.Signature
		err := signer.Verify(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeInvalidSignature, fault.CodeOf(err))
	})
}

func TestKeyringDerivation(t *testing.T) {
	kr := testKeyring(t)

	k1, err := kr.KeyFor("wesign")
	require.NoError(t, err)
	k2, err := kr.KeyFor("wesign")
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "derivation must be deterministic")
	assert.Len(t, k1, tenantKeyBytes)

	k3, err := kr.KeyFor("acme")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "tenants must get distinct keys")

	// Same master secret in a fresh keyring derives the same key.
	kr2, err := NewKeyring([]byte("master-secret-for-testing-32-b!!"))
	require.NoError(t, err)
	k4, err := kr2.KeyFor("wesign")
	require.NoError(t, err)
	assert.Equal(t, k1, k4)

	_, err = kr.KeyFor("")
	assert.Error(t, err)

	_, err = NewKeyring([]byte("short"))
	assert.Error(t, err)
}

func TestReplayGuard(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signer := NewSigner(testKeyring(t))
	guard := NewReplayGuard(ReplayConfig{}, signer).WithClock(fixedClock(now))

	t.Run("fresh envelope passes", func(t *testing.T) {
		env := signedEnvelope(t, signer, now.Add(-10*time.Second))
		assert.NoError(t, guard.Check(env))
	})

	t.Run("stale envelope rejected", func(t *testing.T) {
		env := signedEnvelope(t, signer, now.Add(-10*time.Minute))
		err := guard.Check(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeTimestampStale, fault.CodeOf(err))
	})

	t.Run("boundary of freshness window passes", func(t *testing.T) {
		env := signedEnvelope(t, signer, now.Add(-DefaultFreshnessWindow))
		assert.NoError(t, guard.Check(env))
	})

	t.Run("31s in the future rejected", func(t *testing.T) {
		env := signedEnvelope(t, signer, now.Add(31*time.Second))
		err := guard.Check(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeTimestampFuture, fault.CodeOf(err))
	})

	t.Run("30s in the future tolerated", func(t *testing.T) {
		env := signedEnvelope(t, signer, now.Add(30*time.Second))
		assert.NoError(t, guard.Check(env))
	})

	t.Run("missing timestamp rejected", func(t *testing.T) {
		env := signedEnvelope(t, signer, now)
		env.Meta.TS = ""
		err := guard.Check(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeTimestampMissing, fault.CodeOf(err))
	})

	t.Run("malformed timestamp rejected", func(t *testing.T) {
		env := signedEnvelope(t, signer, now)
		env.Meta.TS = "last tuesday"
		err := guard.Check(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeTimestampMissing, fault.CodeOf(err))
	})

	t.Run("signature folded into check", func(t *testing.T) {
		strict := NewReplayGuard(ReplayConfig{VerifySignature: true}, signer).WithClock(fixedClock(now))
		env := signedEnvelope(t, signer, now)
		assert.NoError(t, strict.Check(env))

		env.Payload[1] ^= 0x01
		err := strict.Check(env)
		require.Error(t, err)
		assert.Equal(t, fault.CodeReplaySignatureFailed, fault.CodeOf(err))
		assert.Equal(t, fault.KindReplay, fault.KindOf(err))
	})
}

func TestIdempotencyKey(t *testing.T) {
	k1 := IdempotencyKey("trace-1", "msg-1", "2026-03-01T12:00:00.000Z", "planner")
	k2 := IdempotencyKey("trace-1", "msg-1", "2026-03-01T12:00:00.000Z", "planner")
	assert.Equal(t, k1, k2, "key must be a pure function of its components")
	assert.Len(t, k1, 64)

	perturbed := []string{
		IdempotencyKey("trace-2", "msg-1", "2026-03-01T12:00:00.000Z", "planner"),
		IdempotencyKey("trace-1", "msg-2", "2026-03-01T12:00:00.000Z", "planner"),
		IdempotencyKey("trace-1", "msg-1", "2026-03-01T12:00:00.001Z", "planner"),
		IdempotencyKey("trace-1", "msg-1", "2026-03-01T12:00:00.000Z", "grader"),
	}
	for i, p := range perturbed {
		assert.NotEqual(t, k1, p, "component %d did not affect the key", i)
	}
}

func TestStampIdempotencyKey(t *testing.T) {
	env, err := envelope.New(envelope.TypeTaskResult,
		envelope.Agent("specialist-a"), []envelope.AgentID{envelope.Service("cmo")},
		"wesign", "contracts",
		envelope.TaskResultPayload{Metadata: envelope.ResultMetadata{SchemaValid: true}},
	)
	require.NoError(t, err)

	key := StampIdempotencyKey(env)
	assert.Equal(t, key, env.Meta.IdempotencyKey)
	assert.Equal(t, IdempotencyKeyFor(env.Meta), key)

	// Stamping again must not change an existing key.
	env.Meta.TraceID = "different"
	assert.Equal(t, key, StampIdempotencyKey(env))
}
