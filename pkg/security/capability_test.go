package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/fault"
)

func TestCapabilityGrantAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	caps := NewCapabilityService(hs256Service(t, now))

	token, err := caps.Grant("agent-grader", []string{"decisions:write", "registry:read"}, "", "", time.Hour)
	require.NoError(t, err)

	claims, err := caps.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-grader", claims.Subject)
	assert.NoError(t, RequireCapability(claims, "decisions:write"))

	err = RequireCapability(claims, "checkpoint:write")
	require.Error(t, err)
	assert.Equal(t, fault.CodeInsufficientCapabilities, fault.CodeOf(err))
}

func TestCapabilityWildcards(t *testing.T) {
	assert.True(t, CapabilityGrants([]string{"decisions:*"}, "decisions:write"))
	assert.True(t, CapabilityGrants([]string{"*"}, "anything"))
	assert.False(t, CapabilityGrants([]string{"decisions:*"}, "registry:read"))
}

func TestResourceScoping(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	caps := NewCapabilityService(hs256Service(t, now))

	t.Run("exact resource", func(t *testing.T) {
		token, err := caps.Grant("agent-grader", []string{"checkpoint:read"}, "trace:t-42", "read", time.Hour)
		require.NoError(t, err)
		claims, err := caps.Verify(token)
		require.NoError(t, err)

		assert.NoError(t, RequireResource(claims, "trace:t-42"))
		err = RequireResource(claims, "trace:t-43")
		require.Error(t, err)
		assert.Equal(t, fault.CodeResourceNotScoped, fault.CodeOf(err))
	})

	t.Run("resource wildcard", func(t *testing.T) {
		token, err := caps.Grant("agent-grader", []string{"checkpoint:read"}, "trace:*", "read", time.Hour)
		require.NoError(t, err)
		claims, err := caps.Verify(token)
		require.NoError(t, err)

		assert.NoError(t, RequireResource(claims, "trace:t-42"))
		err = RequireResource(claims, "run:r-1")
		assert.Error(t, err)
	})

	t.Run("unscoped token rejected for scoped op", func(t *testing.T) {
		token, err := caps.Grant("agent-grader", []string{"checkpoint:read"}, "", "", time.Hour)
		require.NoError(t, err)
		claims, err := caps.Verify(token)
		require.NoError(t, err)

		err = RequireResource(claims, "trace:t-42")
		require.Error(t, err)
		assert.Equal(t, fault.CodeResourceNotScoped, fault.CodeOf(err))
	})
}

func TestNestedCapability(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tokens := hs256Service(t, now)
	caps := NewCapabilityService(tokens)

	bearer, err := tokens.Issue("agent-grader", "wesign", "contracts", []string{"tasks:*"}, time.Hour)
	require.NoError(t, err)

	nested, err := caps.GrantNested(bearer, []string{"decisions:write"}, "trace:t-42", "write", 30*time.Minute)
	require.NoError(t, err)

	claims, err := caps.Verify(nested)
	require.NoError(t, err)
	assert.Equal(t, "agent-grader", claims.Subject, "subject inherited from bearer")
	assert.Equal(t, bearer, claims.Bearer)

	t.Run("tampered nested bearer rejected", func(t *testing.T) {
		forgedTokens := hs256Service(t, now)
		forged, err := forgedTokens.Issue("someone-else", "wesign", "contracts", []string{"*"}, time.Hour)
		require.NoError(t, err)

		// Splice a different bearer into a fresh grant by issuing with it.
		spliced, err := caps.GrantNested(forged, []string{"decisions:write"}, "", "", time.Hour)
		require.NoError(t, err)
		claims, err := caps.Verify(spliced)
		require.NoError(t, err)
		assert.Equal(t, "someone-else", claims.Subject)
	})

	t.Run("expired bearer fails nested grant", func(t *testing.T) {
		old := hs256Service(t, now.Add(-2*time.Hour))
		expired, err := old.Issue("agent-grader", "wesign", "contracts", []string{"*"}, time.Hour)
		require.NoError(t, err)

		_, err = caps.GrantNested(expired, []string{"decisions:write"}, "", "", time.Hour)
		require.Error(t, err)
		assert.Equal(t, fault.CodeExpired, fault.CodeOf(err))
	})

	t.Run("expired nested bearer fails verify", func(t *testing.T) {
		shortBearer, err := tokens.Issue("agent-grader", "wesign", "contracts", []string{"*"}, time.Minute)
		require.NoError(t, err)
		nested, err := caps.GrantNested(shortBearer, []string{"decisions:write"}, "", "", time.Hour)
		require.NoError(t, err)

		later := NewCapabilityService(hs256Service(t, now.Add(30*time.Minute)))
		_, err = later.Verify(nested)
		require.Error(t, err)
		assert.Equal(t, fault.CodeInvalidClaims, fault.CodeOf(err))
	})
}
