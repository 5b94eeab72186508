package jwtauth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified payload of an access token. The registered claims
// are exposed as typed fields; everything else is reachable through Get, Map
// and Decode. Numbers are kept as json.Number so that large integers survive
// unchanged.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time

	raw map[string]any
}

// NewClaims builds Claims from a decoded payload. Registered claims of the
// wrong type are reported as errors. It is exported for Strategy
// implementations that verify tokens some other way.
func NewClaims(raw map[string]any) (*Claims, error) {
	mc := jwt.MapClaims(raw)
	c := &Claims{raw: raw}

	var err error
	if c.Issuer, err = mc.GetIssuer(); err != nil {
		return nil, err
	}
	if c.Subject, err = mc.GetSubject(); err != nil {
		return nil, err
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return nil, err
	}
	c.Audience = []string(aud)

	for _, f := range []struct {
		get func() (*jwt.NumericDate, error)
		dst *time.Time
	}{
		{mc.GetExpirationTime, &c.ExpiresAt},
		{mc.GetIssuedAt, &c.IssuedAt},
		{mc.GetNotBefore, &c.NotBefore},
	} {
		d, err := f.get()
		if err != nil {
			return nil, err
		}
		if d != nil {
			*f.dst = d.Time
		}
	}
	return c, nil
}

// Get returns a copy of the named claim.
func (c *Claims) Get(name string) (any, bool) {
	v, ok := c.raw[name]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Map returns a copy of the full claim set.
func (c *Claims) Map() map[string]any {
	return deepCopy(c.raw).(map[string]any)
}

// Decode unmarshals the claim set into ref.
func (c *Claims) Decode(ref any) error {
	b, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Scopes returns the granted scopes. The scope claim is normally a
// space-delimited string; a JSON array of strings is accepted too.
func (c *Claims) Scopes() ([]string, error) {
	switch v := c.raw["scope"].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.Fields(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("jwtauth: scope claim holds %T", e)
			}
			out = append(out, strings.Fields(s)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("jwtauth: scope claim holds %T", v)
	}
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = deepCopy(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = deepCopy(e)
		}
		return s
	default:
		return v
	}
}
