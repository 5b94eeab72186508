// Package jwtauth verifies JWT access tokens against an issuer's discovered
// metadata and published keys.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/oauth2-bearer-go/internal/discovery"
	"github.com/ggoodman/oauth2-bearer-go/internal/jwks"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the access token failed validation (e.g.,
// signature, issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated. Every *TokenError matches it.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Reasons reported in TokenError.Reason.
const (
	ReasonMalformed      = "malformed"
	ReasonUnsupportedAlg = "unsupported algorithm"
	ReasonKeyResolution  = "key resolution failed"
	ReasonBadSignature   = "bad signature"
	ReasonIssuer         = "unexpected issuer"
	ReasonAudience       = "audience mismatch"
	ReasonExpired        = "token expired"
	ReasonIssuedAt       = "token used before issued"
	ReasonNotYetValid    = "token not yet valid"
	ReasonMissingExp     = "missing exp claim"
	ReasonInvalidClaims  = "invalid claims"
)

// TokenError describes why a token was rejected. Reason is safe to show to
// clients; Err carries detail for logs.
type TokenError struct {
	Reason string
	Err    error
}

func (e *TokenError) Error() string {
	if e.Err == nil {
		return "jwtauth: " + e.Reason
	}
	return "jwtauth: " + e.Reason + ": " + e.Err.Error()
}

func (e *TokenError) Unwrap() error { return e.Err }

func (e *TokenError) Is(target error) bool { return target == ErrUnauthorized }

func reject(reason string, err error) error { return &TokenError{Reason: reason, Err: err} }

// Config controls validation behavior for access tokens.
type Config struct {
	// IssuerBaseURL is where discovery starts and the exact iss value
	// accepted.
	IssuerBaseURL string
	// AllowedAudiences must share at least one entry with the token's aud.
	AllowedAudiences []string
	// ClockTolerance is the leeway applied to exp, iat and nbf.
	ClockTolerance time.Duration
	// Secret returns the shared secret for HMAC tokens. Nil, or an empty
	// result, disables HMAC.
	Secret func() []byte
	// AllowedAlgs, when set, further restricts the algorithms advertised by
	// the issuer.
	AllowedAlgs []string
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Verifier checks access tokens for one issuer configuration.
type Verifier struct {
	cfg   Config
	disco *discovery.Cache
	keys  *jwks.Resolver
}

// NewVerifier returns a Verifier that discovers through disco and resolves
// keys through keys.
func NewVerifier(cfg Config, disco *discovery.Cache, keys *jwks.Resolver) (*Verifier, error) {
	if cfg.IssuerBaseURL == "" {
		return nil, errors.New("jwtauth: issuer base URL is required")
	}
	if len(cfg.AllowedAudiences) == 0 {
		return nil, errors.New("jwtauth: at least one allowed audience is required")
	}
	if cfg.ClockTolerance < 0 {
		return nil, errors.New("jwtauth: clock tolerance must not be negative")
	}
	if disco == nil || keys == nil {
		return nil, errors.New("jwtauth: discovery cache and key resolver are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.AllowedAudiences = slices.Clone(cfg.AllowedAudiences)
	cfg.AllowedAlgs = slices.Clone(cfg.AllowedAlgs)
	return &Verifier{cfg: cfg, disco: disco, keys: keys}, nil
}

// Verify checks raw and returns its claims. Every failure is a *TokenError.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	p := jwt.NewParser(jwt.WithJSONNumber())
	unverified, parts, err := p.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			return nil, reject(ReasonUnsupportedAlg, err)
		}
		return nil, reject(ReasonMalformed, err)
	}
	if _, err := p.DecodeSegment(parts[2]); err != nil {
		return nil, reject(ReasonMalformed, err)
	}

	alg := unverified.Method.Alg()
	if alg == jwt.SigningMethodNone.Alg() || !v.algAllowed(alg) {
		return nil, reject(ReasonUnsupportedAlg, fmt.Errorf("alg %s", alg))
	}

	var (
		meta   *discovery.Metadata
		secret []byte
		issuer = v.cfg.IssuerBaseURL
	)
	if isHMAC(alg) {
		secret = v.secret()
		if len(secret) == 0 {
			return nil, reject(ReasonUnsupportedAlg, fmt.Errorf("alg %s without a client secret", alg))
		}
		if m, ok := v.disco.Cached(v.cfg.IssuerBaseURL); ok {
			issuer = m.Issuer
		}
	} else {
		meta, err = v.disco.Discover(ctx, v.cfg.IssuerBaseURL)
		if err != nil {
			return nil, reject(ReasonKeyResolution, err)
		}
		if !slices.Contains(meta.SigningAlgs, alg) {
			return nil, reject(ReasonUnsupportedAlg, fmt.Errorf("alg %s not advertised by issuer", alg))
		}
		issuer = meta.Issuer
	}

	var keyErr error
	keyFor := func(t *jwt.Token) (any, error) {
		if secret != nil {
			return secret, nil
		}
		key, err := v.keys.ResolveKey(ctx, meta, t)
		keyErr = err
		return key, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithJSONNumber(),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(v.cfg.ClockTolerance),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.cfg.Now),
	).ParseWithClaims(raw, claims, keyFor)
	switch {
	case err == nil:
	case keyErr != nil:
		return nil, reject(ReasonKeyResolution, keyErr)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, reject(ReasonBadSignature, err)
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return nil, reject(claimReason(err, claims), err)
	default:
		return nil, reject(ReasonMalformed, err)
	}

	aud, err := claims.GetAudience()
	if err != nil || !audIntersects(aud, v.cfg.AllowedAudiences) {
		return nil, reject(ReasonAudience, err)
	}

	out, err := NewClaims(claims)
	if err != nil {
		return nil, reject(ReasonInvalidClaims, err)
	}
	return out, nil
}

func (v *Verifier) algAllowed(alg string) bool {
	return len(v.cfg.AllowedAlgs) == 0 || slices.Contains(v.cfg.AllowedAlgs, alg)
}

func (v *Verifier) secret() []byte {
	if v.cfg.Secret == nil {
		return nil
	}
	return v.cfg.Secret()
}

func isHMAC(alg string) bool { return strings.HasPrefix(alg, "HS") }

// claimReason picks the most specific reason for a claims validation error.
// The validator reports every failing claim at once; exp, iat and nbf are
// reported ahead of iss.
func claimReason(err error, claims jwt.MapClaims) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ReasonExpired
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return ReasonIssuedAt
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return ReasonNotYetValid
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing) && claims["exp"] == nil:
		return ReasonMissingExp
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ReasonIssuer
	default:
		return ReasonInvalidClaims
	}
}

func audIntersects(aud jwt.ClaimStrings, allowed []string) bool {
	for _, a := range aud {
		if slices.Contains(allowed, a) {
			return true
		}
	}
	return false
}
