// Package fetch holds the outbound HTTP plumbing shared by discovery and JWKS
// retrieval: a client that identifies itself and bounds every request, and a
// small JSON GET helper.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds every outbound request unless overridden.
const DefaultTimeout = 4 * time.Second

// Version is reported in DefaultUserAgent.
const Version = "0.1.0"

// DefaultUserAgent identifies this library on outbound requests.
const DefaultUserAgent = "oauth2-bearer-go/" + Version + " (+https://github.com/ggoodman/oauth2-bearer-go)"

// maxDocumentSize caps discovery and JWKS bodies.
const maxDocumentSize = 1 << 20

// ErrUnexpectedStatus is returned for any non-200 response.
var ErrUnexpectedStatus = errors.New("fetch: unexpected status")

// NewClient returns a client derived from base (http.DefaultClient if nil)
// that sets userAgent on every request and gives up after timeout. The base
// client is not modified.
func NewClient(base *http.Client, userAgent string, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	c := *base
	c.Timeout = timeout
	c.Transport = &userAgentTransport{base: rt, userAgent: userAgent}
	return &c
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent == "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(r)
}

// GetJSON fetches url and returns the raw body after checking that it is a
// 200 response holding syntactically valid JSON.
func GetJSON(ctx context.Context, client *http.Client, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("fetch: read %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s returned %d", ErrUnexpectedStatus, url, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fetch: GET %s: response is not valid JSON", url)
	}
	return json.RawMessage(body), nil
}
