// Package security is the crypto kit of the fabric: envelope HMAC
// signing, replay protection, deterministic idempotency keys, bearer
// JWTs, and nested capability tokens.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/testfabric/cmo/pkg/envelope"
	"github.com/testfabric/cmo/pkg/fault"
)

// Signer signs and verifies envelopes with HMAC-SHA256 over the
// canonical form (meta.signature excluded). Keys are tenant-scoped.
type Signer struct {
	keyring *Keyring
}

// NewSigner creates a signer over the keyring.
func NewSigner(keyring *Keyring) *Signer {
	return &Signer{keyring: keyring}
}

// Sign computes the envelope signature and sets meta.signature as
// lowercase hex. Any previous signature is replaced.
func (s *Signer) Sign(env *envelope.Envelope) error {
	sig, err := s.compute(env)
	if err != nil {
		return err
	}
	env.Meta.Signature = sig
	return nil
}

// Verify recomputes the signature and compares in constant time.
func (s *Signer) Verify(env *envelope.Envelope) error {
	if env.Meta.Signature == "" {
		return fault.New(fault.KindSecurity, fault.CodeInvalidSignature,
			"envelope %s has no signature", env.Meta.MessageID)
	}
	got, err := hex.DecodeString(env.Meta.Signature)
	if err != nil {
		return fault.New(fault.KindSecurity, fault.CodeInvalidSignature,
			"envelope %s signature is not hex", env.Meta.MessageID)
	}
	wantHex, err := s.compute(env)
	if err != nil {
		return err
	}
	want, _ := hex.DecodeString(wantHex)
	if !hmac.Equal(got, want) {
		return fault.New(fault.KindSecurity, fault.CodeInvalidSignature,
			"envelope %s signature mismatch", env.Meta.MessageID)
	}
	return nil
}

func (s *Signer) compute(env *envelope.Envelope) (string, error) {
	key, err := s.keyring.KeyFor(env.Meta.Tenant)
	if err != nil {
		return "", fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidSignature,
			"no signing key for tenant %q", env.Meta.Tenant)
	}
	canonical, err := envelope.Canonicalize(env)
	if err != nil {
		return "", fault.Wrap(err, fault.KindSecurity, fault.CodeMalformed,
			"envelope %s does not canonicalize", env.Meta.MessageID)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
