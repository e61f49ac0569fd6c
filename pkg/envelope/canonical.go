package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix marks SHA-256 digests on the wire and in stores.
const HashPrefix = "sha256:"

// Canonicalize renders the envelope as RFC 8785 (JCS) canonical JSON
// with meta.signature removed. Every signing and hashing flow must use
// these bytes; there is exactly one canonical form per envelope.
func Canonicalize(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("canonicalize: nil envelope")
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal envelope: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("canonicalize: reparse envelope: %w", err)
	}
	if meta, ok := doc["meta"].(map[string]any); ok {
		delete(meta, "signature")
	}
	stripped, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: remarshal envelope: %w", err)
	}
	out, err := jcs.Transform(stripped)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the sha256: digest of the canonical form.
func CanonicalHash(e *Envelope) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// CanonicalJSON renders any JSON-marshalable value in RFC 8785 form.
// Checkpoint request and state hashing reuse this so replay comparison
// is insensitive to map iteration order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical json: jcs transform: %w", err)
	}
	return out, nil
}

// HashValue returns the sha256: digest of v's canonical JSON form.
func HashValue(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the sha256: digest of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}
