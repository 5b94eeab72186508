package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/ggoodman/oauth2-bearer-go/internal/fetch"
	"github.com/ggoodman/oauth2-bearer-go/storage"
	"github.com/joeshaw/envdecode"
)

// ErrInvalidConfig is returned by New and NewFromEnv when the configuration
// cannot work. It is never returned while handling a request.
var ErrInvalidConfig = errors.New("auth: invalid configuration")

// DefaultClockTolerance is the leeway applied to exp, iat and nbf.
const DefaultClockTolerance = 5 * time.Second

// Option configures an Authenticator.
type Option func(*config)

type config struct {
	clockTolerance   time.Duration
	clientSecret     []byte
	clientSecretFile string
	allowedAlgs      []string
	tokenGetter      TokenGetter
	strategy         Strategy
	httpClient       *http.Client
	httpTimeout      time.Duration
	userAgent        string
	log              *slog.Logger
	realm            string
	store            storage.Storage
	storeTTL         time.Duration
	refreshEvery     time.Duration
	refreshBurst     int
	advertisedScopes func(discovered []string) []string
}

func defaultConfig() *config {
	return &config{
		clockTolerance: DefaultClockTolerance,
		httpTimeout:    fetch.DefaultTimeout,
		userAgent:      fetch.DefaultUserAgent,
		realm:          DefaultRealm,
	}
}

// WithClockTolerance sets the leeway for time based claims.
func WithClockTolerance(d time.Duration) Option {
	return func(c *config) { c.clockTolerance = d }
}

// WithClientSecret enables HS256, HS384 and HS512 tokens signed with secret.
// Such tokens are verified without contacting the issuer.
func WithClientSecret(secret []byte) Option {
	return func(c *config) { c.clientSecret = append([]byte(nil), secret...) }
}

// WithClientSecretFile is like WithClientSecret but reads the secret from
// path and re-reads it whenever the file changes, for as long as the context
// given to New is live.
func WithClientSecretFile(path string) Option {
	return func(c *config) { c.clientSecretFile = path }
}

// WithAllowedAlgs restricts the JWS algorithms accepted on top of those the
// issuer advertises. "none" is never accepted.
func WithAllowedAlgs(algs ...string) Option {
	return func(c *config) { c.allowedAlgs = append([]string(nil), algs...) }
}

// WithTokenGetter replaces the default token extraction.
func WithTokenGetter(g TokenGetter) Option {
	return func(c *config) { c.tokenGetter = g }
}

// WithStrategy replaces token verification. Discovery and key options are
// then unused.
func WithStrategy(s Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// WithHTTPClient sets the client used for discovery and key set requests.
// It is copied; its Transport is wrapped to set the User-Agent.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithHTTPTimeout bounds each discovery or key set request. Defaults to 4s.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *config) { c.httpTimeout = d }
}

// WithUserAgent sets the User-Agent of outbound requests.
func WithUserAgent(ua string) Option {
	return func(c *config) { c.userAgent = ua }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithRealm sets the realm of WWW-Authenticate challenges. Defaults to "api".
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = realm }
}

// WithDocumentStore shares discovery documents and key sets through s, with
// entries expiring after ttl (zero keeps them until overwritten). The store
// is consulted only when the in-process cache misses.
func WithDocumentStore(s storage.Storage, ttl time.Duration) Option {
	return func(c *config) {
		c.store = s
		c.storeTTL = ttl
	}
}

// WithRefreshRateLimit bounds forced key set refreshes caused by unknown key
// ids to one per interval, with the given burst.
func WithRefreshRateLimit(every time.Duration, burst int) Option {
	return func(c *config) {
		c.refreshEvery = every
		c.refreshBurst = burst
	}
}

// WithAdvertisedScopes transforms the issuer's scopes_supported before they
// are published by MetadataHandler.
func WithAdvertisedScopes(fn func(discovered []string) []string) Option {
	return func(c *config) { c.advertisedScopes = fn }
}

// StaticScopes advertises scopes regardless of what the issuer publishes.
func StaticScopes(scopes ...string) func([]string) []string {
	fixed := append([]string{}, scopes...)
	return func([]string) []string { return append([]string{}, fixed...) }
}

// FilterScopes advertises the discovered scopes for which keep is true.
func FilterScopes(keep func(string) bool) func([]string) []string {
	return func(discovered []string) []string {
		out := []string{}
		for _, s := range discovered {
			if keep(s) {
				out = append(out, s)
			}
		}
		return out
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c *config) validate(issuerBaseURL string, audiences []string) error {
	if c.strategy == nil {
		if issuerBaseURL == "" {
			return invalid("issuer base URL is required")
		}
		u, err := url.Parse(issuerBaseURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return invalid("issuer base URL %q must be an absolute http(s) URL", issuerBaseURL)
		}
		if len(audiences) == 0 {
			return invalid("at least one allowed audience is required")
		}
		if slices.Contains(audiences, "") {
			return invalid("allowed audiences must not be empty strings")
		}
	}
	if c.clockTolerance < 0 {
		return invalid("clock tolerance must not be negative")
	}
	if c.httpTimeout <= 0 {
		return invalid("http timeout must be positive")
	}
	for _, alg := range c.allowedAlgs {
		if strings.EqualFold(alg, "none") {
			return invalid(`algorithm "none" cannot be allowed`)
		}
	}
	if len(c.clientSecret) > 0 && c.clientSecretFile != "" {
		return invalid("client secret and client secret file are mutually exclusive")
	}
	if c.refreshEvery < 0 || (c.refreshEvery > 0 && c.refreshBurst < 1) {
		return invalid("refresh rate limit needs a positive interval and burst")
	}
	return nil
}

// EnvConfig is the environment read by NewFromEnv.
type EnvConfig struct {
	IssuerBaseURL    string `env:"ISSUER_BASE_URL"`
	AllowedAudiences string `env:"ALLOWED_AUDIENCES"`
	ClockTolerance   int    `env:"CLOCK_TOLERANCE,default=5"`
	ClientSecret     string `env:"CLIENT_SECRET"`
	ClientSecretFile string `env:"CLIENT_SECRET_FILE"`
	Realm            string `env:"AUTH_REALM,default=api"`
}

// Audiences splits the comma separated ALLOWED_AUDIENCES value.
func (e EnvConfig) Audiences() []string {
	var out []string
	for _, a := range strings.Split(e.AllowedAudiences, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Options converts the environment into options. Explicit options passed to
// NewFromEnv after these take precedence.
func (e EnvConfig) Options() []Option {
	opts := []Option{
		WithClockTolerance(time.Duration(e.ClockTolerance) * time.Second),
		WithRealm(e.Realm),
	}
	if e.ClientSecret != "" {
		opts = append(opts, WithClientSecret([]byte(e.ClientSecret)))
	}
	if e.ClientSecretFile != "" {
		opts = append(opts, WithClientSecretFile(e.ClientSecretFile))
	}
	return opts
}

// NewFromEnv builds an Authenticator from ISSUER_BASE_URL, ALLOWED_AUDIENCES
// (comma separated), CLOCK_TOLERANCE (seconds, default 5), CLIENT_SECRET,
// CLIENT_SECRET_FILE and AUTH_REALM.
func NewFromEnv(ctx context.Context, opts ...Option) (*Authenticator, error) {
	var env EnvConfig
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return New(ctx, env.IssuerBaseURL, env.Audiences(), append(env.Options(), opts...)...)
}
