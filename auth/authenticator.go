package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/oauth2-bearer-go/internal/discovery"
	"github.com/ggoodman/oauth2-bearer-go/internal/fetch"
	"github.com/ggoodman/oauth2-bearer-go/internal/jwks"
	"github.com/ggoodman/oauth2-bearer-go/internal/jwtauth"
	"github.com/ggoodman/oauth2-bearer-go/internal/logctx"
	"github.com/ggoodman/oauth2-bearer-go/internal/secretfile"
	"github.com/ggoodman/oauth2-bearer-go/internal/wellknown"
	"github.com/ggoodman/oauth2-bearer-go/storage"
	"github.com/google/uuid"
)

// Authenticator authenticates requests for one issuer configuration. It owns
// its discovery cache, key sets and HTTP client; create it once and share it
// between handlers.
type Authenticator struct {
	issuer    string
	audiences []string
	getter    TokenGetter
	strategy  Strategy
	errs      ErrorFactory
	log       *slog.Logger

	disco            *discovery.Cache
	keys             *jwks.Resolver
	store            storage.Storage
	advertisedScopes func([]string) []string
}

// New returns an Authenticator that accepts JWT access tokens issued by
// issuerBaseURL for any of allowedAudiences. The issuer's discovery document
// is fetched lazily, on the first request that needs it.
//
// ctx bounds background work such as watching a client secret file.
func New(ctx context.Context, issuerBaseURL string, allowedAudiences []string, opts ...Option) (*Authenticator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(issuerBaseURL, allowedAudiences); err != nil {
		return nil, err
	}

	log := cfg.log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = logctx.Wrap(log)

	a := &Authenticator{
		issuer:           issuerBaseURL,
		audiences:        append([]string(nil), allowedAudiences...),
		getter:           cfg.tokenGetter,
		strategy:         cfg.strategy,
		errs:             ErrorFactory{Realm: cfg.realm},
		log:              log,
		advertisedScopes: cfg.advertisedScopes,
	}
	if a.getter == nil {
		a.getter = TokenGetterFunc(GetToken)
	}
	if a.strategy != nil {
		return a, nil
	}

	client := fetch.NewClient(cfg.httpClient, cfg.userAgent, cfg.httpTimeout)
	discoOpts := []discovery.Option{discovery.WithLogger(log)}
	keyOpts := []jwks.Option{jwks.WithLogger(log)}
	if cfg.store != nil {
		discoOpts = append(discoOpts, discovery.WithStore(cfg.store, cfg.storeTTL))
		keyOpts = append(keyOpts, jwks.WithStore(cfg.store, cfg.storeTTL))
	}
	if cfg.refreshEvery > 0 {
		keyOpts = append(keyOpts, jwks.WithRefreshRateLimit(cfg.refreshEvery, cfg.refreshBurst))
	}
	a.disco = discovery.NewCache(client, discoOpts...)
	a.keys = jwks.NewResolver(client, keyOpts...)
	a.store = cfg.store

	var secret func() []byte
	switch {
	case cfg.clientSecretFile != "":
		s, err := secretfile.Watch(ctx, cfg.clientSecretFile, log)
		if err != nil {
			return nil, invalid("client secret file: %v", err)
		}
		secret = s.Value
	case len(cfg.clientSecret) > 0:
		b := cfg.clientSecret
		secret = func() []byte { return b }
	}

	v, err := jwtauth.NewVerifier(jwtauth.Config{
		IssuerBaseURL:    issuerBaseURL,
		AllowedAudiences: a.audiences,
		ClockTolerance:   cfg.clockTolerance,
		Secret:           secret,
		AllowedAlgs:      cfg.allowedAlgs,
	}, a.disco, a.keys)
	if err != nil {
		return nil, invalid("%v", err)
	}
	a.strategy = jwtStrategy{v}
	return a, nil
}

// jwtStrategy reports verification failures as InvalidToken errors.
type jwtStrategy struct{ v *jwtauth.Verifier }

func (s jwtStrategy) Verify(ctx context.Context, token string) (*Claims, error) {
	c, err := s.v.Verify(ctx, token)
	if err != nil {
		var te *jwtauth.TokenError
		if errors.As(err, &te) {
			return nil, InvalidToken(te.Reason, err)
		}
		return nil, InvalidToken("invalid token", err)
	}
	return c, nil
}

// Authenticate extracts and verifies the token of r. Every error it returns
// is an *Error.
func (a *Authenticator) Authenticate(ctx context.Context, r *Request) (*AuthContext, error) {
	tok, err := getToken(a.getter, r)
	if err != nil {
		return nil, err
	}
	claims, err := a.strategy.Verify(ctx, tok)
	if err != nil {
		return nil, asError(err)
	}
	if claims == nil {
		return nil, InvalidToken("invalid token", nil)
	}
	return &AuthContext{Token: tok, Claims: claims}, nil
}

// Middleware authenticates every request before calling next. Failures are
// answered by the ErrorFactory; on success the AuthContext is available to
// next through FromContext.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  reqID,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})

		req, err := RequestFromHTTP(r)
		if err == nil {
			var ac *AuthContext
			ac, err = a.Authenticate(ctx, req)
			if err == nil {
				ctx = WithAuthContext(ctx, ac)
				ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Subject: ac.Claims.Subject, Issuer: ac.Claims.Issuer})
				a.log.DebugContext(ctx, "auth.check.ok", slog.Duration("took", time.Since(start)))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		ae := asError(err)
		a.log.InfoContext(ctx, "auth.check.fail",
			slog.String("kind", ae.Kind.String()),
			slog.String("reason", ae.Description),
			slog.String("err", err.Error()),
		)
		a.errs.Write(w, ae)
	})
}

// RequireScopes is like the package level RequireScopes but answers with
// this Authenticator's realm and logs to its logger.
func (a *Authenticator) RequireScopes(scopes ...string) *ScopeRequirement {
	return newScopeRequirement(a.errs, a.log, scopes)
}

// ErrorFactory returns the factory used to render failures.
func (a *Authenticator) ErrorFactory() ErrorFactory { return a.errs }

// Warm fetches the issuer's discovery document ahead of the first request.
// It is a no-op when a custom Strategy is in use.
func (a *Authenticator) Warm(ctx context.Context) error {
	if a.disco == nil {
		return nil
	}
	_, err := a.disco.Discover(ctx, a.issuer)
	return err
}

// Evict forgets the issuer's discovery document and key set, in process and
// in the shared document store, so that the next request fetches both again.
// It is a no-op when a custom Strategy is in use.
func (a *Authenticator) Evict(ctx context.Context) error {
	if a.disco == nil {
		return nil
	}
	issuers := []string{a.issuer}
	if meta, ok := a.disco.Cached(a.issuer); ok {
		a.keys.Evict(meta.JWKSURI)
		// Key sets are stored under the issuer named by the document.
		if meta.Issuer != a.issuer {
			issuers = append(issuers, meta.Issuer)
		}
	}
	a.disco.Evict(a.issuer)
	a.log.InfoContext(ctx, "auth.evict", slog.String("issuer", a.issuer))
	if a.store == nil {
		return nil
	}

	var errs []error
	for _, iss := range issuers {
		if err := a.store.Delete(ctx, iss); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MetadataHandler serves the RFC 9728 protected resource metadata for
// resource, usually mounted at /.well-known/oauth-protected-resource.
func (a *Authenticator) MetadataHandler(resource string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		doc := wellknown.ProtectedResourceMetadata{
			Resource:               resource,
			BearerMethodsSupported: []string{"header", "body", "query"},
		}
		if a.issuer != "" {
			doc.AuthorizationServers = []string{a.issuer}
		}
		if a.disco != nil {
			meta, err := a.disco.Discover(r.Context(), a.issuer)
			if err != nil {
				a.log.WarnContext(r.Context(), "auth.metadata.fail", slog.String("err", err.Error()))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "issuer metadata unavailable"})
				return
			}
			doc.JwksURI = meta.JWKSURI
			doc.ScopesSupported = append([]string(nil), meta.ScopesSupported...)
		}
		if a.advertisedScopes != nil {
			doc.ScopesSupported = a.advertisedScopes(doc.ScopesSupported)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(doc)
	})
}
