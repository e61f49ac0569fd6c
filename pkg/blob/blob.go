// Package blob is the content-addressed object store behind payload
// externalization: envelopes and activity records above the inline cap
// hold a sha256: reference instead of the bytes.
package blob

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
)

// DefaultMaxInlineBytes is the payload size above which bytes move to
// the blob store and only the reference stays inline.
const DefaultMaxInlineBytes = 1 << 20

// Store is content-addressed: Put derives the key from the bytes, so
// duplicate content is stored once and references never dangle after a
// successful Put.
type Store interface {
	// Put persists data and returns its sha256: reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by reference.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether the reference resolves.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes the blob; deleting a missing blob is not an error.
	Delete(ctx context.Context, ref string) error
}

// ParseRef validates a sha256: reference and returns the raw hex digest.
func ParseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, envelope.HashPrefix) {
		return "", fault.New(fault.KindCheckpoint, fault.CodeBlobMissing,
			"blob ref %q is not a sha256: reference", ref)
	}
	raw := ref[len(envelope.HashPrefix):]
	if len(raw) != 64 {
		return "", fault.New(fault.KindCheckpoint, fault.CodeBlobMissing,
			"blob ref %q has wrong digest length", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fault.Wrap(err, fault.KindCheckpoint, fault.CodeBlobMissing,
			"blob ref %q is not hex", ref)
	}
	return raw, nil
}

func missing(ref string) error {
	return fault.New(fault.KindCheckpoint, fault.CodeBlobMissing, "blob %s not found", ref)
}

// MemoryStore keeps blobs in a map. Tests and single-process setups.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	ref := envelope.HashBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		s.blobs[ref] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	if _, err := ParseRef(ref); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, missing(ref)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	if _, err := ParseRef(ref); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[ref]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, ref string) error {
	if _, err := ParseRef(ref); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, ref)
	return nil
}
