package security

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/testfabric/cmo/pkg/fault"
)

// CapabilityClaims are carried by a capability token: a JWS granting a
// set of capabilities, optionally scoped to one resource and operation.
// Bearer is the nested JWS of the identity that requested the grant.
type CapabilityClaims struct {
	jwt.RegisteredClaims
	Capabilities []string `json:"capabilities"`
	Resource     string   `json:"resource,omitempty"`
	Operation    string   `json:"operation,omitempty"`
	Bearer       string   `json:"jws,omitempty"`
}

// Validate enforces the required grant claims.
func (c *CapabilityClaims) Validate() error {
	if c.Subject == "" {
		return errors.New("sub is required")
	}
	if len(c.Capabilities) == 0 {
		return errors.New("capabilities are required")
	}
	return nil
}

// CapabilityService issues and verifies capability tokens. It reuses
// the TokenService key material, so capabilities and bearer tokens are
// rooted in the same trust anchor.
type CapabilityService struct {
	tokens *TokenService
}

// NewCapabilityService wraps a configured TokenService.
func NewCapabilityService(tokens *TokenService) *CapabilityService {
	return &CapabilityService{tokens: tokens}
}

// Grant issues a capability token for the subject.
func (s *CapabilityService) Grant(sub string, capabilities []string, resource, operation string, ttl time.Duration) (string, error) {
	now := s.tokens.clock().UTC()
	claims := &CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub,
			Issuer:    s.tokens.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Capabilities: capabilities,
		Resource:     resource,
		Operation:    operation,
	}
	return s.tokens.sign(claims)
}

// GrantNested issues a capability token that nests the bearer JWS it
// was derived from. Verification of the outer token also verifies the
// nested one, and the subjects must agree.
func (s *CapabilityService) GrantNested(bearerToken string, capabilities []string, resource, operation string, ttl time.Duration) (string, error) {
	bearer, err := s.tokens.Verify(bearerToken)
	if err != nil {
		return "", err
	}
	now := s.tokens.clock().UTC()
	claims := &CapabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   bearer.Subject,
			Issuer:    s.tokens.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Capabilities: capabilities,
		Resource:     resource,
		Operation:    operation,
		Bearer:       bearerToken,
	}
	return s.tokens.sign(claims)
}

// Verify parses and validates a capability token. A nested bearer, when
// present, is verified too and must name the same subject.
func (s *CapabilityService) Verify(tokenString string) (*CapabilityClaims, error) {
	claims := &CapabilityClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, s.tokens.keyFunc, s.tokens.parserOptions()...)
	if err != nil {
		return nil, mapTokenError(err)
	}
	if !token.Valid {
		return nil, fault.New(fault.KindSecurity, fault.CodeInvalidSignature, "capability token did not validate")
	}
	if claims.Bearer != "" {
		inner, err := s.tokens.Verify(claims.Bearer)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidClaims,
				"nested bearer token rejected")
		}
		if inner.Subject != claims.Subject {
			return nil, fault.New(fault.KindSecurity, fault.CodeInvalidClaims,
				"capability subject %q does not match nested bearer subject %q", claims.Subject, inner.Subject)
		}
	}
	return claims, nil
}

// CapabilityGrants applies the same wildcard rules as scopes.
func CapabilityGrants(held []string, required string) bool {
	return ScopeGrants(held, required)
}

// RequireCapability verifies the token grants the required capability.
func RequireCapability(claims *CapabilityClaims, required string) error {
	if !CapabilityGrants(claims.Capabilities, required) {
		return fault.New(fault.KindSecurity, fault.CodeInsufficientCapabilities,
			"subject %q lacks capability %q", claims.Subject, required)
	}
	return nil
}

// RequireResource verifies a resource-scoped token covers the resource.
// Tokens without a resource claim are not resource-scoped and are
// rejected for operations that demand scoping. A held "trace:*" covers
// any resource under that prefix.
func RequireResource(claims *CapabilityClaims, resource string) error {
	if claims.Resource == "" {
		return fault.New(fault.KindSecurity, fault.CodeResourceNotScoped,
			"subject %q presented an unscoped token for resource %q", claims.Subject, resource)
	}
	if claims.Resource == resource {
		return nil
	}
	if strings.HasSuffix(claims.Resource, ":*") {
		prefix := claims.Resource[:len(claims.Resource)-1]
		if strings.HasPrefix(resource, prefix) {
			return nil
		}
	}
	return fault.New(fault.KindSecurity, fault.CodeResourceNotScoped,
		"token scoped to %q does not cover resource %q", claims.Resource, resource)
}
