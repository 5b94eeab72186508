package jwks

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ggoodman/oauth2-bearer-go/auth/authtest"
	"github.com/ggoodman/oauth2-bearer-go/internal/discovery"
	"github.com/ggoodman/oauth2-bearer-go/storage/memory"
	"github.com/golang-jwt/jwt/v5"
)

func metaFor(iss *authtest.Issuer) *discovery.Metadata {
	return &discovery.Metadata{Issuer: iss.URL, JWKSURI: iss.JWKSURI(), SigningAlgs: []string{"RS256", "ES256"}}
}

func parseUnverified(t *testing.T, raw string) *jwt.Token {
	t.Helper()
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	return tok
}

func TestResolveKey_ByKID(t *testing.T) {
	iss := authtest.NewIssuer(t)
	r := NewResolver(http.DefaultClient)

	tok := parseUnverified(t, iss.Sign(t, "test-key", iss.Claims("api")))
	key, err := r.ResolveKey(context.Background(), metaFor(iss), tok)
	if err != nil {
		t.Fatalf("ResolveKey: %v", err)
	}
	if _, ok := key.(*rsa.PublicKey); !ok {
		t.Fatalf("key type = %T, want *rsa.PublicKey", key)
	}

	if _, err := r.ResolveKey(context.Background(), metaFor(iss), tok); err != nil {
		t.Fatalf("ResolveKey (cached): %v", err)
	}
	if got := iss.JWKSHits(); got != 1 {
		t.Fatalf("jwks hits = %d, want 1", got)
	}
	if !r.Cached(iss.JWKSURI()) {
		t.Fatal("key set not cached")
	}
}

func TestResolveKey_UnknownKIDRefreshesOnce(t *testing.T) {
	iss := authtest.NewIssuer(t)
	iss.AddUnpublishedRSAKey(t, "rogue")
	r := NewResolver(http.DefaultClient)
	ctx := context.Background()

	if _, err := r.ResolveKey(ctx, metaFor(iss), parseUnverified(t, iss.Sign(t, "test-key", iss.Claims("api")))); err != nil {
		t.Fatalf("warm up: %v", err)
	}

	rogue := parseUnverified(t, iss.Sign(t, "rogue", iss.Claims("api")))
	_, err := r.ResolveKey(ctx, metaFor(iss), rogue)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	if got := iss.JWKSHits(); got != 2 {
		t.Fatalf("jwks hits after first miss = %d, want 2", got)
	}

	_, err = r.ResolveKey(ctx, metaFor(iss), rogue)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	if got := iss.JWKSHits(); got != 2 {
		t.Fatalf("jwks hits after repeated miss = %d, want 2", got)
	}
}

func TestResolveKey_PicksUpRotatedKey(t *testing.T) {
	iss := authtest.NewIssuer(t)
	iss.AddUnpublishedRSAKey(t, "next")
	r := NewResolver(http.DefaultClient)
	ctx := context.Background()

	if _, err := r.ResolveKey(ctx, metaFor(iss), parseUnverified(t, iss.Sign(t, "test-key", iss.Claims("api")))); err != nil {
		t.Fatalf("warm up: %v", err)
	}

	iss.Publish("next")
	key, err := r.ResolveKey(ctx, metaFor(iss), parseUnverified(t, iss.Sign(t, "next", iss.Claims("api"))))
	if err != nil {
		t.Fatalf("ResolveKey after rotation: %v", err)
	}
	if key == nil {
		t.Fatal("nil key")
	}
	if got := iss.JWKSHits(); got != 2 {
		t.Fatalf("jwks hits = %d, want 2", got)
	}
}

func TestResolveKey_StaleSetSeesConcurrentRefresh(t *testing.T) {
	iss := authtest.NewIssuer(t)
	iss.AddUnpublishedRSAKey(t, "next")
	iss.AddUnpublishedRSAKey(t, "rogue")
	r := NewResolver(http.DefaultClient)
	ctx := context.Background()
	meta := metaFor(iss)

	if _, err := r.ResolveKey(ctx, meta, parseUnverified(t, iss.Sign(t, "test-key", iss.Claims("api")))); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	stale, _ := r.sets.Peek(meta.JWKSURI)

	// A second caller refreshes past the stale set and records the miss.
	iss.Publish("next")
	rogue := parseUnverified(t, iss.Sign(t, "rogue", iss.Claims("api")))
	if _, err := r.ResolveKey(ctx, meta, rogue); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	if got := iss.JWKSHits(); got != 2 {
		t.Fatalf("jwks hits = %d, want 2", got)
	}

	// A caller still holding the pre-refresh set must not refresh again.
	if _, err := r.resolve(ctx, meta, stale, rogue); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("stale rogue: err = %v, want ErrKeyNotFound", err)
	}
	if _, err := r.resolve(ctx, meta, stale, parseUnverified(t, iss.Sign(t, "next", iss.Claims("api")))); err != nil {
		t.Fatalf("stale next: %v", err)
	}
	if got := iss.JWKSHits(); got != 2 {
		t.Fatalf("jwks hits after stale lookups = %d, want 2", got)
	}
}

func TestResolver_Evict(t *testing.T) {
	iss := authtest.NewIssuer(t)
	r := NewResolver(http.DefaultClient)
	ctx := context.Background()
	tok := parseUnverified(t, iss.Sign(t, "test-key", iss.Claims("api")))

	if _, err := r.ResolveKey(ctx, metaFor(iss), tok); err != nil {
		t.Fatalf("ResolveKey: %v", err)
	}
	r.Evict(iss.JWKSURI())
	if r.Cached(iss.JWKSURI()) {
		t.Fatal("key set survived Evict")
	}
	if _, err := r.ResolveKey(ctx, metaFor(iss), tok); err != nil {
		t.Fatalf("ResolveKey after Evict: %v", err)
	}
	if got := iss.JWKSHits(); got != 2 {
		t.Fatalf("jwks hits = %d, want 2", got)
	}
}

func TestResolveKey_RefreshRateLimit(t *testing.T) {
	iss := authtest.NewIssuer(t)
	iss.AddUnpublishedRSAKey(t, "a")
	iss.AddUnpublishedRSAKey(t, "b")
	r := NewResolver(http.DefaultClient, WithRefreshRateLimit(time.Hour, 1))
	ctx := context.Background()

	if _, err := r.ResolveKey(ctx, metaFor(iss), parseUnverified(t, iss.Sign(t, "a", iss.Claims("api")))); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	// Initial fetch plus one refresh.
	if got := iss.JWKSHits(); got != 2 {
		t.Fatalf("jwks hits = %d, want 2", got)
	}

	if _, err := r.ResolveKey(ctx, metaFor(iss), parseUnverified(t, iss.Sign(t, "b", iss.Claims("api")))); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	if got := iss.JWKSHits(); got != 2 {
		t.Fatalf("jwks hits = %d, want 2 (refresh should be limited)", got)
	}
}

func TestResolveKey_WithoutKID(t *testing.T) {
	iss := authtest.NewIssuer(t)
	r := NewResolver(http.DefaultClient)

	tok := parseUnverified(t, iss.SignWithoutKID(t, "test-key", iss.Claims("api")))
	key, err := r.ResolveKey(context.Background(), metaFor(iss), tok)
	if err != nil {
		t.Fatalf("ResolveKey: %v", err)
	}
	if _, ok := key.(*rsa.PublicKey); !ok {
		t.Fatalf("key type = %T", key)
	}
}

func TestResolveKey_WithoutKIDAmbiguous(t *testing.T) {
	iss := authtest.NewIssuer(t)
	iss.AddRSAKey(t, "second")
	r := NewResolver(http.DefaultClient)

	tok := parseUnverified(t, iss.SignWithoutKID(t, "test-key", iss.Claims("api")))
	if _, err := r.ResolveKey(context.Background(), metaFor(iss), tok); !errors.Is(err, ErrAmbiguousKey) {
		t.Fatalf("err = %v, want ErrAmbiguousKey", err)
	}
}

func TestResolveKey_ES256(t *testing.T) {
	iss := authtest.NewIssuer(t)
	iss.AddECKey(t, "ec")
	r := NewResolver(http.DefaultClient)

	tok := parseUnverified(t, iss.Sign(t, "ec", iss.Claims("api")))
	if _, err := r.ResolveKey(context.Background(), metaFor(iss), tok); err != nil {
		t.Fatalf("ResolveKey: %v", err)
	}
}

func TestResolveKey_StoreSharedAcrossResolvers(t *testing.T) {
	iss := authtest.NewIssuer(t)
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	tok := parseUnverified(t, iss.Sign(t, "test-key", iss.Claims("api")))

	if _, err := NewResolver(http.DefaultClient, WithStore(store, time.Minute)).ResolveKey(ctx, metaFor(iss), tok); err != nil {
		t.Fatalf("ResolveKey: %v", err)
	}
	if _, err := NewResolver(http.DefaultClient, WithStore(store, time.Minute)).ResolveKey(ctx, metaFor(iss), tok); err != nil {
		t.Fatalf("ResolveKey from store: %v", err)
	}
	if got := iss.JWKSHits(); got != 1 {
		t.Fatalf("jwks hits = %d, want 1", got)
	}
}

func TestResolveKey_FetchFailureNotCached(t *testing.T) {
	iss := authtest.NewIssuer(t)
	r := NewResolver(http.DefaultClient)
	meta := metaFor(iss)
	meta.JWKSURI = iss.URL + "/missing"

	tok := parseUnverified(t, iss.Sign(t, "test-key", iss.Claims("api")))
	if _, err := r.ResolveKey(context.Background(), meta, tok); err == nil {
		t.Fatal("expected fetch failure")
	}
	if r.Cached(meta.JWKSURI) {
		t.Fatal("failed fetch must not be cached")
	}
}
