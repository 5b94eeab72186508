package auth

import (
	"context"

	"github.com/ggoodman/oauth2-bearer-go/internal/jwtauth"
)

// Claims is the verified claim set of an access token.
type Claims = jwtauth.Claims

// NewClaims builds Claims from a decoded token payload. It is meant for
// Strategy implementations that verify tokens themselves.
func NewClaims(raw map[string]any) (*Claims, error) {
	return jwtauth.NewClaims(raw)
}

// Strategy verifies a bearer token and returns its claims. Failures should
// be *Error values; anything else is reported as an invalid token.
type Strategy interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, token string) (*Claims, error)

func (f StrategyFunc) Verify(ctx context.Context, token string) (*Claims, error) {
	return f(ctx, token)
}

// TokenGetter extracts the bearer token from a request.
type TokenGetter interface {
	GetToken(r *Request) (string, error)
}

// TokenGetterFunc adapts a function to TokenGetter.
type TokenGetterFunc func(r *Request) (string, error)

func (f TokenGetterFunc) GetToken(r *Request) (string, error) { return f(r) }

// AuthContext is attached to the context of an authenticated request.
type AuthContext struct {
	// Token is the bearer token exactly as presented.
	Token  string
	Claims *Claims
}

type authContextKey struct{}

// WithAuthContext returns a copy of ctx carrying ac.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// FromContext returns the AuthContext attached by the authentication
// middleware, if any.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return ac, ok && ac != nil
}
