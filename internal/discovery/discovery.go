// Package discovery resolves and memoizes OpenID Connect discovery documents
// per issuer base URL.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/oauth2-bearer-go/internal/cache"
	"github.com/ggoodman/oauth2-bearer-go/storage"
)

// ErrIncomplete is returned when a discovery document lacks a field that
// token verification depends on.
var ErrIncomplete = errors.New("discovery: incomplete metadata")

// ErrIssuerMismatch is returned when the document's issuer does not name the
// base URL it was fetched from.
var ErrIssuerMismatch = errors.New("discovery: issuer mismatch")

// Metadata is the subset of an issuer's discovery document used to verify
// access tokens. Values are shared between requests and must not be mutated.
type Metadata struct {
	Issuer          string   `json:"issuer"`
	JWKSURI         string   `json:"jwks_uri"`
	SigningAlgs     []string `json:"id_token_signing_alg_values_supported,omitempty"`
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for fetch events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithStore adds a shared document store consulted on in-process misses.
// Documents written to it expire after ttl (zero means no expiry).
func WithStore(s storage.Storage, ttl time.Duration) Option {
	return func(c *Cache) {
		c.store = s
		c.storeTTL = ttl
	}
}

// Cache memoizes discovery documents by issuer base URL. Successful lookups
// are kept until Evict; failed lookups are never kept.
type Cache struct {
	client   *http.Client
	entries  *cache.Cache[*Metadata]
	store    storage.Storage
	storeTTL time.Duration
	log      *slog.Logger
}

// NewCache returns a Cache that fetches with client. The client carries the
// request timeout and User-Agent.
func NewCache(client *http.Client, opts ...Option) *Cache {
	c := &Cache{
		client:  client,
		entries: cache.New[*Metadata](),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover returns the metadata for issuerBaseURL, fetching
// {issuerBaseURL}/.well-known/openid-configuration on first use. Concurrent
// first calls for the same issuer share one fetch.
func (c *Cache) Discover(ctx context.Context, issuerBaseURL string) (*Metadata, error) {
	return c.entries.Get(ctx, issuerBaseURL, func(ctx context.Context) (*Metadata, error) {
		return c.fetch(ctx, issuerBaseURL)
	})
}

// Cached returns the metadata for issuerBaseURL if it has already been
// discovered.
func (c *Cache) Cached(issuerBaseURL string) (*Metadata, bool) {
	return c.entries.Peek(issuerBaseURL)
}

// Evict forgets the in-process metadata for issuerBaseURL. The shared store
// is left alone; callers clearing an issuer delete its documents there.
func (c *Cache) Evict(issuerBaseURL string) {
	c.entries.Evict(issuerBaseURL)
}

func (c *Cache) fetch(ctx context.Context, issuerBaseURL string) (*Metadata, error) {
	if m, ok := c.fromStore(ctx, issuerBaseURL); ok {
		return m, nil
	}

	start := time.Now()
	// The issuer check is done by sameIssuer below, which tolerates a
	// trailing slash on either side.
	octx := oidc.InsecureIssuerURLContext(oidc.ClientContext(ctx, c.client), issuerBaseURL)
	provider, err := oidc.NewProvider(octx, issuerBaseURL)
	if err != nil {
		c.log.WarnContext(ctx, "discovery.fetch.fail", slog.String("issuer", issuerBaseURL), slog.String("err", err.Error()))
		return nil, fmt.Errorf("discovery: %s: %w", issuerBaseURL, err)
	}

	var m Metadata
	if err := provider.Claims(&m); err != nil {
		return nil, fmt.Errorf("discovery: decode metadata: %w", err)
	}
	if !sameIssuer(m.Issuer, issuerBaseURL) {
		c.log.WarnContext(ctx, "discovery.fetch.fail", slog.String("issuer", issuerBaseURL), slog.String("got", m.Issuer))
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrIssuerMismatch, issuerBaseURL, m.Issuer)
	}
	if m.JWKSURI == "" {
		return nil, fmt.Errorf("%w: %s: missing jwks_uri", ErrIncomplete, issuerBaseURL)
	}
	if len(m.SigningAlgs) == 0 {
		// OpenID Connect Discovery makes RS256 mandatory to support.
		m.SigningAlgs = []string{"RS256"}
	}
	c.log.InfoContext(ctx, "discovery.fetch.ok", slog.String("issuer", issuerBaseURL), slog.Duration("took", time.Since(start)))

	c.toStore(ctx, issuerBaseURL, &m)
	return &m, nil
}

func (c *Cache) fromStore(ctx context.Context, issuerBaseURL string) (*Metadata, bool) {
	if c.store == nil {
		return nil, false
	}
	doc, err := c.store.Get(ctx, issuerBaseURL, storage.KindDiscovery)
	if err != nil {
		c.log.WarnContext(ctx, "discovery.store.get.fail", slog.String("issuer", issuerBaseURL), slog.String("err", err.Error()))
		return nil, false
	}
	if doc == nil {
		return nil, false
	}
	var m Metadata
	if err := json.Unmarshal(doc.Data, &m); err != nil || m.JWKSURI == "" || !sameIssuer(m.Issuer, issuerBaseURL) {
		return nil, false
	}
	c.log.DebugContext(ctx, "discovery.store.hit", slog.String("issuer", issuerBaseURL))
	return &m, true
}

func (c *Cache) toStore(ctx context.Context, issuerBaseURL string, m *Metadata) {
	if c.store == nil {
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, issuerBaseURL, storage.KindDiscovery, b, c.storeTTL); err != nil {
		c.log.WarnContext(ctx, "discovery.store.set.fail", slog.String("issuer", issuerBaseURL), slog.String("err", err.Error()))
	}
}

// sameIssuer compares issuer identifiers ignoring one trailing slash.
func sameIssuer(a, b string) bool {
	return a != "" && strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}
