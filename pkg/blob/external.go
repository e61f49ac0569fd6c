package blob

import (
	"context"
	"fmt"
)

// Externalizer moves oversized byte values into the store, leaving a
// reference behind. Transport payloads and checkpoint activity
// responses share this mechanism.
type Externalizer struct {
	store     Store
	maxInline int
}

// NewExternalizer wraps a store; maxInline <= 0 selects the default cap.
func NewExternalizer(store Store, maxInline int) *Externalizer {
	if maxInline <= 0 {
		maxInline = DefaultMaxInlineBytes
	}
	return &Externalizer{store: store, maxInline: maxInline}
}

// MaxInline reports the configured inline cap in bytes.
func (e *Externalizer) MaxInline() int { return e.maxInline }

// Externalize returns (data, "") for small values and (nil, ref) once
// the value exceeds the inline cap and was stored.
func (e *Externalizer) Externalize(ctx context.Context, data []byte) ([]byte, string, error) {
	if len(data) <= e.maxInline {
		return data, "", nil
	}
	ref, err := e.store.Put(ctx, data)
	if err != nil {
		return nil, "", fmt.Errorf("externalize %d bytes: %w", len(data), err)
	}
	return nil, ref, nil
}

// Resolve returns inline data as-is or fetches the referenced blob.
func (e *Externalizer) Resolve(ctx context.Context, inline []byte, ref string) ([]byte, error) {
	if ref == "" {
		return inline, nil
	}
	return e.store.Get(ctx, ref)
}
