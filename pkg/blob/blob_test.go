package blob

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testfabric/cmo/pkg/fault"
)

// storeContract runs the behavior every Store implementation must show.
func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	data := []byte("the quick brown fox")
	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))

	t.Run("get returns stored bytes", func(t *testing.T) {
		got, err := store.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("put is idempotent", func(t *testing.T) {
		again, err := store.Put(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, ref, again)
	})

	t.Run("exists", func(t *testing.T) {
		ok, err := store.Exists(ctx, ref)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Exists(ctx, "sha256:"+strings.Repeat("0", 64))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing ref is a classified fault", func(t *testing.T) {
		_, err := store.Get(ctx, "sha256:"+strings.Repeat("0", 64))
		require.Error(t, err)
		assert.Equal(t, fault.CodeBlobMissing, fault.CodeOf(err))
	})

	t.Run("malformed refs rejected", func(t *testing.T) {
		_, err := store.Get(ctx, "not-a-ref")
		assert.Error(t, err)
		_, err = store.Get(ctx, "sha256:zz")
		assert.Error(t, err)
	})

	t.Run("delete then get fails", func(t *testing.T) {
		victim, err := store.Put(ctx, []byte("short lived"))
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, victim))
		_, err = store.Get(ctx, victim)
		require.Error(t, err)

		// Deleting again is not an error.
		assert.NoError(t, store.Delete(ctx, victim))
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	storeContract(t, store)
}

func TestMemoryStoreCopiesBytes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	data := []byte("mutable input")
	ref, err := store.Put(ctx, data)
	require.NoError(t, err)
	data[0] = 'X'

	got, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, byte('m'), got[0], "store must not alias caller bytes")

	got[1] = 'Y'
	again, err := store.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, byte('u'), again[1], "get must not alias stored bytes")
}

func TestExternalizer(t *testing.T) {
	ctx := context.Background()
	ext := NewExternalizer(NewMemoryStore(), 16)

	t.Run("small stays inline", func(t *testing.T) {
		inline, ref, err := ext.Externalize(ctx, []byte("tiny"))
		require.NoError(t, err)
		assert.Equal(t, []byte("tiny"), inline)
		assert.Empty(t, ref)

		got, err := ext.Resolve(ctx, inline, ref)
		require.NoError(t, err)
		assert.Equal(t, []byte("tiny"), got)
	})

	t.Run("large moves to the store", func(t *testing.T) {
		big := bytes.Repeat([]byte("x"), 17)
		inline, ref, err := ext.Externalize(ctx, big)
		require.NoError(t, err)
		assert.Nil(t, inline)
		require.NotEmpty(t, ref)

		got, err := ext.Resolve(ctx, nil, ref)
		require.NoError(t, err)
		assert.Equal(t, big, got)
	})

	t.Run("boundary size stays inline", func(t *testing.T) {
		exact := bytes.Repeat([]byte("x"), 16)
		inline, ref, err := ext.Externalize(ctx, exact)
		require.NoError(t, err)
		assert.Equal(t, exact, inline)
		assert.Empty(t, ref)
	})

	t.Run("default cap", func(t *testing.T) {
		assert.Equal(t, DefaultMaxInlineBytes, NewExternalizer(NewMemoryStore(), 0).MaxInline())
	})
}

func TestOpenFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("empty defaults to memory", func(t *testing.T) {
		s, err := Open(ctx, "")
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("mem scheme", func(t *testing.T) {
		s, err := Open(ctx, "mem://")
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("file scheme", func(t *testing.T) {
		s, err := Open(ctx, "file://"+t.TempDir())
		require.NoError(t, err)
		assert.IsType(t, &FileStore{}, s)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := Open(ctx, "ftp://nope")
		assert.Error(t, err)
	})
}
