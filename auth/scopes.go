package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"unicode"
)

// ScopeRequirement guards a route with a set of scopes that must all be
// granted to the caller. Build it once, at route registration.
type ScopeRequirement struct {
	scopes []string
	errs   ErrorFactory
	log    *slog.Logger
}

// RequireScopes returns a requirement for all of scopes. It panics if a scope
// is empty or contains whitespace, since that is a programming error.
// Duplicates are dropped; order is kept.
func RequireScopes(scopes ...string) *ScopeRequirement {
	return newScopeRequirement(ErrorFactory{}, slog.New(slog.DiscardHandler), scopes)
}

func newScopeRequirement(errs ErrorFactory, log *slog.Logger, scopes []string) *ScopeRequirement {
	uniq := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" || strings.ContainsFunc(s, unicode.IsSpace) {
			panic(fmt.Sprintf("auth: invalid scope %q", s))
		}
		if !slices.Contains(uniq, s) {
			uniq = append(uniq, s)
		}
	}
	return &ScopeRequirement{scopes: uniq, errs: errs, log: log}
}

// Scopes returns the required scopes.
func (s *ScopeRequirement) Scopes() []string {
	return append([]string(nil), s.scopes...)
}

// Authorize checks ac against the requirement. It returns a
// MissingAuthContext error for a nil ac and an InsufficientScope error when
// any required scope is not granted.
func (s *ScopeRequirement) Authorize(ac *AuthContext) error {
	if ac == nil || ac.Claims == nil {
		return MissingAuthContext()
	}
	granted, _ := ac.Claims.Scopes()
	var missing []string
	for _, want := range s.scopes {
		if !slices.Contains(granted, want) {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return InsufficientScope(s.scopes, missing)
	}
	return nil
}

// Middleware runs next only when the AuthContext on the request satisfies
// the requirement.
func (s *ScopeRequirement) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, _ := FromContext(r.Context())
		if err := s.Authorize(ac); err != nil {
			ctx := r.Context()
			if asError(err).Kind == KindMissingAuthContext {
				s.log.ErrorContext(ctx, "auth.scope.no_context", slog.String("path", r.URL.Path))
			} else {
				s.log.InfoContext(ctx, "auth.scope.fail", slog.String("err", err.Error()))
			}
			s.errs.Write(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
