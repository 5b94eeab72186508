// Package jwks resolves token verification keys from an issuer's JSON Web Key
// Set, refreshing the set when a token names a key it has not seen.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/ggoodman/oauth2-bearer-go/internal/cache"
	"github.com/ggoodman/oauth2-bearer-go/internal/discovery"
	"github.com/ggoodman/oauth2-bearer-go/internal/fetch"
	"github.com/ggoodman/oauth2-bearer-go/storage"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

var (
	// ErrKeyNotFound is returned when no key in the set matches the token,
	// even after a refresh.
	ErrKeyNotFound = errors.New("jwks: key not found")
	// ErrAmbiguousKey is returned for a token without kid when the set holds
	// more than one key usable with its algorithm.
	ErrAmbiguousKey = errors.New("jwks: token has no kid and several keys match")
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for fetch and refresh events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithStore adds a shared document store consulted before the network on
// first use of a key set. Forced refreshes always go to the network and
// write the result back.
func WithStore(s storage.Storage, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.store = s
		r.storeTTL = ttl
	}
}

// WithRefreshRateLimit bounds forced refreshes per key set to one every
// interval with the given burst. Without it refreshes are limited only by
// single-flight and the memory of missing kids.
func WithRefreshRateLimit(every time.Duration, burst int) Option {
	return func(r *Resolver) {
		r.limit = rate.Every(every)
		r.burst = burst
	}
}

// Resolver hands out verification keys for tokens. Key sets are cached by
// jwks_uri and shared across requests.
type Resolver struct {
	client   *http.Client
	sets     *cache.Cache[*keySet]
	store    storage.Storage
	storeTTL time.Duration
	log      *slog.Logger

	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewResolver returns a Resolver that fetches with client.
func NewResolver(client *http.Client, opts ...Option) *Resolver {
	r := &Resolver{
		client:   client,
		sets:     cache.New[*keySet](),
		log:      slog.New(slog.DiscardHandler),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// keySet is one parsed JWKS document. misses records kids that were absent
// after this document was fetched so that repeated tokens naming them do not
// trigger further refreshes until the document changes.
type keySet struct {
	kf     keyfunc.Keyfunc
	digest [sha256.Size]byte

	mu     sync.Mutex
	misses map[string]struct{}
}

func (s *keySet) missed(kid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.misses[kid]
	return ok
}

func (s *keySet) remember(kid string) {
	s.mu.Lock()
	s.misses[kid] = struct{}{}
	s.mu.Unlock()
}

// ResolveKey returns the key that verifies token, using the key set
// advertised by meta. It is shaped to be called from a jwt.Keyfunc.
func (r *Resolver) ResolveKey(ctx context.Context, meta *discovery.Metadata, token *jwt.Token) (any, error) {
	uri := meta.JWKSURI
	set, err := r.sets.Get(ctx, uri, func(ctx context.Context) (*keySet, error) {
		if s, ok := r.fromStore(ctx, meta.Issuer); ok {
			return s, nil
		}
		return r.fetch(ctx, meta.Issuer, uri, nil)
	})
	if err != nil {
		return nil, err
	}
	return r.resolve(ctx, meta, set, token)
}

// resolve looks token's key up in set, refreshing the key set at most once
// for a kid it does not hold.
func (r *Resolver) resolve(ctx context.Context, meta *discovery.Metadata, set *keySet, token *jwt.Token) (any, error) {
	uri := meta.JWKSURI
	key, err := set.lookup(ctx, token)
	if err == nil || !errors.Is(err, ErrKeyNotFound) {
		return key, err
	}

	kid := tokenKID(token)
	if set.missed(kid) {
		return nil, err
	}
	// Another caller may have refreshed the set since it was loaded above.
	if cur, ok := r.sets.Peek(uri); ok && cur != set {
		if key, cerr := cur.lookup(ctx, token); cerr == nil || !errors.Is(cerr, ErrKeyNotFound) {
			return key, cerr
		}
		if cur.missed(kid) {
			return nil, err
		}
	}
	if !r.allowRefresh(uri) {
		r.log.WarnContext(ctx, "jwks.refresh.limited", slog.String("jwks_uri", uri), slog.String("kid", kid))
		return nil, err
	}

	r.log.InfoContext(ctx, "jwks.refresh", slog.String("jwks_uri", uri), slog.String("kid", kid))
	fresh, ferr := r.sets.Refresh(ctx, uri, func(ctx context.Context) (*keySet, error) {
		prev, _ := r.sets.Peek(uri)
		return r.fetch(ctx, meta.Issuer, uri, prev)
	})
	if ferr != nil {
		return nil, ferr
	}

	key, err = fresh.lookup(ctx, token)
	if errors.Is(err, ErrKeyNotFound) {
		fresh.remember(kid)
	}
	return key, err
}

// Evict drops the in-process key set for jwksURI. The next token fetches it
// again.
func (r *Resolver) Evict(jwksURI string) {
	r.sets.Evict(jwksURI)
}

// Cached reports whether the key set at jwksURI is already loaded.
func (r *Resolver) Cached(jwksURI string) bool {
	_, ok := r.sets.Peek(jwksURI)
	return ok
}

func (r *Resolver) allowRefresh(uri string) bool {
	if r.limit == 0 {
		return true
	}
	r.mu.Lock()
	l, ok := r.limiters[uri]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[uri] = l
	}
	r.mu.Unlock()
	return l.Allow()
}

// fetch downloads and parses the key set. When the document is byte-for-byte
// unchanged from prev, prev is returned as is.
func (r *Resolver) fetch(ctx context.Context, issuer, uri string, prev *keySet) (*keySet, error) {
	start := time.Now()
	raw, err := fetch.GetJSON(ctx, r.client, uri)
	if err != nil {
		r.log.WarnContext(ctx, "jwks.fetch.fail", slog.String("jwks_uri", uri), slog.String("err", err.Error()))
		return nil, fmt.Errorf("jwks: %w", err)
	}
	if prev != nil && sha256.Sum256(raw) == prev.digest {
		r.log.DebugContext(ctx, "jwks.fetch.unchanged", slog.String("jwks_uri", uri))
		return prev, nil
	}
	s, err := parse(raw)
	if err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "jwks.fetch.ok", slog.String("jwks_uri", uri), slog.Duration("took", time.Since(start)))
	r.toStore(ctx, issuer, raw)
	return s, nil
}

func parse(raw []byte) (*keySet, error) {
	kf, err := keyfunc.NewJWKSetJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("jwks: parse key set: %w", err)
	}
	return &keySet{kf: kf, digest: sha256.Sum256(raw), misses: make(map[string]struct{})}, nil
}

func (r *Resolver) fromStore(ctx context.Context, issuer string) (*keySet, bool) {
	if r.store == nil {
		return nil, false
	}
	doc, err := r.store.Get(ctx, issuer, storage.KindJWKS)
	if err != nil {
		r.log.WarnContext(ctx, "jwks.store.get.fail", slog.String("issuer", issuer), slog.String("err", err.Error()))
		return nil, false
	}
	if doc == nil {
		return nil, false
	}
	s, err := parse(doc.Data)
	if err != nil {
		return nil, false
	}
	r.log.DebugContext(ctx, "jwks.store.hit", slog.String("issuer", issuer))
	return s, true
}

func (r *Resolver) toStore(ctx context.Context, issuer string, raw []byte) {
	if r.store == nil {
		return
	}
	if err := r.store.Set(ctx, issuer, storage.KindJWKS, raw, r.storeTTL); err != nil {
		r.log.WarnContext(ctx, "jwks.store.set.fail", slog.String("issuer", issuer), slog.String("err", err.Error()))
	}
}

func (s *keySet) lookup(ctx context.Context, token *jwt.Token) (any, error) {
	kid := tokenKID(token)
	if kid == "" {
		return s.lookupWithoutKID(ctx, token.Method.Alg())
	}
	key, err := s.kf.KeyfuncCtx(ctx)(token)
	if err != nil {
		if errors.Is(err, jwkset.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return key, nil
}

// lookupWithoutKID picks the only key usable with alg.
func (s *keySet) lookupWithoutKID(ctx context.Context, alg string) (any, error) {
	all, err := s.kf.Storage().KeyReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	var found []any
	for _, jwk := range all {
		if compatible(alg, jwk) {
			found = append(found, jwk.Key())
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: no key for alg %s", ErrKeyNotFound, alg)
	case 1:
		return found[0], nil
	default:
		return nil, ErrAmbiguousKey
	}
}

func compatible(alg string, jwk jwkset.JWK) bool {
	m := jwk.Marshal()
	if m.USE != "" && m.USE != jwkset.UseSig {
		return false
	}
	if m.ALG != "" {
		return string(m.ALG) == alg
	}
	switch jwk.Key().(type) {
	case *rsa.PublicKey:
		return strings.HasPrefix(alg, "RS") || strings.HasPrefix(alg, "PS")
	case *ecdsa.PublicKey:
		return strings.HasPrefix(alg, "ES")
	case ed25519.PublicKey:
		return alg == "EdDSA"
	}
	return false
}

func tokenKID(token *jwt.Token) string {
	kid, _ := token.Header["kid"].(string)
	return kid
}
