package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/testfabric/cmo/pkg/fault"
)

// Algorithm selects the JWT signing scheme.
type Algorithm string

const (
	AlgHS256 Algorithm = "HS256"
	AlgRS256 Algorithm = "RS256"
)

// Claims are the bearer claims agents present to the fabric.
type Claims struct {
	jwt.RegisteredClaims
	Tenant  string   `json:"tenant"`
	Project string   `json:"project"`
	Scopes  []string `json:"scopes"`
}

// Validate enforces the required custom claims. The jwt parser calls
// this after signature and time checks.
func (c *Claims) Validate() error {
	if c.Subject == "" {
		return errors.New("sub is required")
	}
	if c.Tenant == "" {
		return errors.New("tenant is required")
	}
	if c.Project == "" {
		return errors.New("project is required")
	}
	if len(c.Scopes) == 0 {
		return errors.New("scopes are required")
	}
	return nil
}

// TokenConfig configures a TokenService.
type TokenConfig struct {
	Algorithm Algorithm
	// HMACSecret is required for HS256.
	HMACSecret []byte
	// RSAPrivateKey is required to issue RS256 tokens; verification
	// only needs the public key.
	RSAPrivateKey *rsa.PrivateKey
	RSAPublicKey  *rsa.PublicKey
	// Issuer and Audience are enforced on verify when set.
	Issuer   string
	Audience string
	// Leeway relaxes time checks; the default is zero tolerance.
	Leeway time.Duration
}

// TokenService issues and verifies bearer JWTs for HS256 or RS256.
type TokenService struct {
	cfg   TokenConfig
	clock func() time.Time
}

// NewTokenService validates the key material against the algorithm.
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	switch cfg.Algorithm {
	case AlgHS256:
		if len(cfg.HMACSecret) < minMasterKeyBytes {
			return nil, fmt.Errorf("token service: HS256 secret must be at least %d bytes", minMasterKeyBytes)
		}
	case AlgRS256:
		if cfg.RSAPublicKey == nil && cfg.RSAPrivateKey == nil {
			return nil, fmt.Errorf("token service: RS256 requires a public or private key")
		}
		if cfg.RSAPublicKey == nil {
			cfg.RSAPublicKey = &cfg.RSAPrivateKey.PublicKey
		}
	default:
		return nil, fmt.Errorf("token service: unsupported algorithm %q", cfg.Algorithm)
	}
	return &TokenService{cfg: cfg, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *TokenService) WithClock(clock func() time.Time) *TokenService {
	s.clock = clock
	return s
}

// Issue signs a bearer token for the subject.
func (s *TokenService) Issue(sub, tenant, project string, scopes []string, ttl time.Duration) (string, error) {
	now := s.clock().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sub,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Tenant:  tenant,
		Project: project,
		Scopes:  scopes,
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	return s.sign(claims)
}

// Verify parses and validates a bearer token, mapping every failure to
// a stable security code.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, s.keyFunc, s.parserOptions()...)
	if err != nil {
		return nil, mapTokenError(err)
	}
	if !token.Valid {
		return nil, fault.New(fault.KindSecurity, fault.CodeInvalidSignature, "token did not validate")
	}
	return claims, nil
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	switch s.cfg.Algorithm {
	case AlgHS256:
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.HMACSecret)
	case AlgRS256:
		if s.cfg.RSAPrivateKey == nil {
			return "", fmt.Errorf("token service: issuing RS256 tokens requires the private key")
		}
		return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.cfg.RSAPrivateKey)
	}
	return "", fmt.Errorf("token service: unsupported algorithm %q", s.cfg.Algorithm)
}

func (s *TokenService) keyFunc(token *jwt.Token) (any, error) {
	switch s.cfg.Algorithm {
	case AlgHS256:
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.cfg.HMACSecret, nil
	case AlgRS256:
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.cfg.RSAPublicKey, nil
	}
	return nil, fmt.Errorf("unsupported algorithm %q", s.cfg.Algorithm)
}

func (s *TokenService) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{string(s.cfg.Algorithm)}),
		jwt.WithTimeFunc(func() time.Time { return s.clock().UTC() }),
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}
	return opts
}

// mapTokenError folds jwt/v5 sentinel errors into the stable taxonomy.
func mapTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fault.Wrap(err, fault.KindSecurity, fault.CodeMalformed, "token malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidSignature, "token signature invalid")
	case errors.Is(err, jwt.ErrTokenExpired):
		return fault.Wrap(err, fault.KindSecurity, fault.CodeExpired, "token expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return fault.Wrap(err, fault.KindSecurity, fault.CodeNotBefore, "token not valid yet")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidIssuer, "token issuer invalid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidAudience, "token audience invalid")
	case errors.Is(err, jwt.ErrTokenInvalidClaims), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidClaims, "token claims invalid")
	default:
		return fault.Wrap(err, fault.KindSecurity, fault.CodeInvalidSignature, "token rejected")
	}
}

// ScopeGrants reports whether the held scopes satisfy the required
// scope. Exact match, "admin" and "*" grant everything, and a held
// "prefix:*" or "prefix/*" grants any scope under that prefix.
func ScopeGrants(held []string, required string) bool {
	for _, h := range held {
		if h == required || h == "*" || h == "admin" {
			return true
		}
		if strings.HasSuffix(h, ":*") || strings.HasSuffix(h, "/*") {
			prefix := h[:len(h)-1]
			if strings.HasPrefix(required, prefix) {
				return true
			}
		}
	}
	return false
}

// RequireScopes verifies every required scope is granted.
func RequireScopes(claims *Claims, required ...string) error {
	var missing []string
	for _, r := range required {
		if !ScopeGrants(claims.Scopes, r) {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return fault.New(fault.KindSecurity, fault.CodeInsufficientCapabilities,
			"subject %q missing scopes: %s", claims.Subject, strings.Join(missing, ", "))
	}
	return nil
}
