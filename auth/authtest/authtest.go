// Package authtest provides an in-process OpenID Connect issuer for tests.
//
// The Issuer serves a discovery document and a JSON Web Key Set from an
// httptest.Server, signs tokens with the keys it publishes, and counts the
// requests it receives so tests can assert on caching behavior.
package authtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	discoveryPath = "/.well-known/openid-configuration"
	jwksPath      = "/keys"
)

type signingKey struct {
	kid    string
	alg    string
	method jwt.SigningMethod
	priv   any
	pub    any
}

// Issuer is a mock authorization server.
type Issuer struct {
	URL string

	srv *httptest.Server

	mu     sync.Mutex
	keys   []signingKey
	hidden []signingKey
	algs   []string
	scopes []string
	status int
	gate   chan struct{}

	discoveryHits atomic.Int32
	jwksHits      atomic.Int32
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithSigningAlgs sets id_token_signing_alg_values_supported. An empty list
// omits the field from the document.
func WithSigningAlgs(algs ...string) IssuerOption {
	return func(i *Issuer) { i.algs = append([]string(nil), algs...) }
}

// WithScopesSupported sets scopes_supported.
func WithScopesSupported(scopes ...string) IssuerOption {
	return func(i *Issuer) { i.scopes = append([]string(nil), scopes...) }
}

// NewIssuer starts an Issuer holding one RS256 key with kid "test-key". The
// server is closed when the test ends.
func NewIssuer(tb testing.TB, opts ...IssuerOption) *Issuer {
	tb.Helper()
	i := &Issuer{algs: []string{"RS256", "ES256"}, status: http.StatusOK}
	for _, opt := range opts {
		opt(i)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+discoveryPath, i.handleDiscovery)
	mux.HandleFunc("GET "+jwksPath, i.handleJWKS)
	i.srv = httptest.NewServer(mux)
	i.URL = i.srv.URL
	tb.Cleanup(i.srv.Close)

	i.AddRSAKey(tb, "test-key")
	return i
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	i.discoveryHits.Add(1)
	i.wait(r)

	i.mu.Lock()
	status := i.status
	meta := map[string]any{
		"issuer":                   i.URL,
		"jwks_uri":                 i.URL + jwksPath,
		"authorization_endpoint":   i.URL + "/authorize",
		"token_endpoint":           i.URL + "/oauth/token",
		"response_types_supported": []string{"code"},
	}
	if len(i.algs) > 0 {
		meta["id_token_signing_alg_values_supported"] = i.algs
	}
	if len(i.scopes) > 0 {
		meta["scopes_supported"] = i.scopes
	}
	i.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	i.jwksHits.Add(1)
	i.wait(r)

	i.mu.Lock()
	set := jose.JSONWebKeySet{}
	for _, k := range i.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: k.pub, KeyID: k.kid, Algorithm: k.alg, Use: "sig"})
	}
	i.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// wait blocks while the issuer is held.
func (i *Issuer) wait(r *http.Request) {
	i.mu.Lock()
	gate := i.gate
	i.mu.Unlock()
	if gate == nil {
		return
	}
	select {
	case <-gate:
	case <-r.Context().Done():
	}
}

// Hold makes the issuer stall every response until the returned release
// function is called.
func (i *Issuer) Hold() (release func()) {
	gate := make(chan struct{})
	i.mu.Lock()
	i.gate = gate
	i.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			i.gate = nil
			i.mu.Unlock()
			close(gate)
		})
	}
}

// SetDiscoveryStatus makes the discovery endpoint answer with status.
func (i *Issuer) SetDiscoveryStatus(status int) {
	i.mu.Lock()
	i.status = status
	i.mu.Unlock()
}

// DiscoveryHits reports how many discovery requests were served.
func (i *Issuer) DiscoveryHits() int { return int(i.discoveryHits.Load()) }

// JWKSHits reports how many key set requests were served.
func (i *Issuer) JWKSHits() int { return int(i.jwksHits.Load()) }

// JWKSURI is the key set endpoint advertised by the discovery document.
func (i *Issuer) JWKSURI() string { return i.URL + jwksPath }

// AddRSAKey generates and publishes an RS256 key.
func (i *Issuer) AddRSAKey(tb testing.TB, kid string) {
	tb.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("gen rsa key: %v", err)
	}
	i.addKey(signingKey{kid: kid, alg: "RS256", method: jwt.SigningMethodRS256, priv: pk, pub: &pk.PublicKey})
}

// AddECKey generates and publishes an ES256 key.
func (i *Issuer) AddECKey(tb testing.TB, kid string) {
	tb.Helper()
	pk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("gen ec key: %v", err)
	}
	i.addKey(signingKey{kid: kid, alg: "ES256", method: jwt.SigningMethodES256, priv: pk, pub: &pk.PublicKey})
}

func (i *Issuer) addKey(k signingKey) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.keys = append(i.keys, k)
}

// AddUnpublishedRSAKey generates a key the issuer can sign with but does not
// list in its key set.
func (i *Issuer) AddUnpublishedRSAKey(tb testing.TB, kid string) {
	tb.Helper()
	i.AddRSAKey(tb, kid)
	i.mu.Lock()
	defer i.mu.Unlock()
	k := i.keys[len(i.keys)-1]
	i.keys = i.keys[:len(i.keys)-1]
	i.hidden = append(i.hidden, k)
}

// Publish moves a key added with AddUnpublishedRSAKey into the key set.
func (i *Issuer) Publish(kid string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for n, k := range i.hidden {
		if k.kid == kid {
			i.keys = append(i.keys, k)
			i.hidden = append(i.hidden[:n], i.hidden[n+1:]...)
			return
		}
	}
}

// Claims returns a claim set accepted by default verifier settings: the
// issuer's URL as iss, aud, a one hour exp and iat of now.
func (i *Issuer) Claims(aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": i.URL,
		"sub": "user-123",
		"aud": aud,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
}

// Sign signs claims with the key identified by kid, published or not.
func (i *Issuer) Sign(tb testing.TB, kid string, claims jwt.MapClaims) string {
	tb.Helper()
	k, ok := i.lookup(kid)
	if !ok {
		tb.Fatalf("authtest: unknown kid %q", kid)
	}
	tok := jwt.NewWithClaims(k.method, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(k.priv)
	if err != nil {
		tb.Fatalf("sign: %v", err)
	}
	return s
}

// SignWithoutKID signs claims with kid's key but leaves kid out of the header.
func (i *Issuer) SignWithoutKID(tb testing.TB, kid string, claims jwt.MapClaims) string {
	tb.Helper()
	k, ok := i.lookup(kid)
	if !ok {
		tb.Fatalf("authtest: unknown kid %q", kid)
	}
	s, err := jwt.NewWithClaims(k.method, claims).SignedString(k.priv)
	if err != nil {
		tb.Fatalf("sign: %v", err)
	}
	return s
}

// SignHMAC signs claims with HS256 and secret.
func SignHMAC(tb testing.TB, secret []byte, claims jwt.MapClaims) string {
	tb.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		tb.Fatalf("sign: %v", err)
	}
	return s
}

func (i *Issuer) lookup(kid string) (signingKey, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, k := range i.keys {
		if k.kid == kid {
			return k, true
		}
	}
	for _, k := range i.hidden {
		if k.kid == kid {
			return k, true
		}
	}
	return signingKey{}, false
}
