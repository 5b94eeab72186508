package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ggoodman/oauth2-bearer-go/auth/authtest"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVerify(t *testing.T) {
	iss := authtest.NewIssuer(t)
	tok := iss.Sign(t, "test-key", iss.Claims("https://api.example.com"))

	out, err := run(t, "", "verify", "--issuer", iss.URL, "--audience", "https://api.example.com", tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(out), &claims); err != nil {
		t.Fatalf("output %q: %v", out, err)
	}
	if claims["sub"] != "user-123" {
		t.Fatalf("claims = %v", claims)
	}
}

func TestVerify_Stdin(t *testing.T) {
	iss := authtest.NewIssuer(t)
	tok := iss.Sign(t, "test-key", iss.Claims("https://api.example.com"))

	if _, err := run(t, tok+"\n", "verify", "--issuer", iss.URL, "--audience", "https://api.example.com"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerify_Rejected(t *testing.T) {
	iss := authtest.NewIssuer(t)
	tok := iss.Sign(t, "test-key", iss.Claims("https://other.example.com"))

	_, err := run(t, "", "verify", "--issuer", iss.URL, "--audience", "https://api.example.com", tok)
	if err == nil || !strings.Contains(err.Error(), "audience mismatch") {
		t.Fatalf("err = %v", err)
	}
}

func TestVerify_RequiresIssuer(t *testing.T) {
	t.Setenv("ISSUER_BASE_URL", "")
	if _, err := run(t, "", "verify", "x.y.z"); err == nil {
		t.Fatal("expected error without --issuer")
	}
}

func TestDiscover(t *testing.T) {
	iss := authtest.NewIssuer(t)
	out, err := run(t, "", "discover", "--issuer", iss.URL)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !strings.Contains(out, iss.JWKSURI()) {
		t.Fatalf("output lacks jwks_uri: %s", out)
	}
}

func TestJWKS(t *testing.T) {
	iss := authtest.NewIssuer(t)
	iss.AddECKey(t, "ec-key")

	out, err := run(t, "", "jwks", "--issuer", iss.URL)
	if err != nil {
		t.Fatalf("jwks: %v", err)
	}
	var keys []keySummary
	if err := json.Unmarshal([]byte(out), &keys); err != nil {
		t.Fatalf("output %q: %v", out, err)
	}
	byKID := map[string]keySummary{}
	for _, k := range keys {
		byKID[k.KeyID] = k
	}
	if byKID["test-key"].KeyType != "RSA" || byKID["ec-key"].KeyType != "EC" {
		t.Fatalf("keys = %+v", keys)
	}
	if byKID["ec-key"].Size != "P-256" {
		t.Fatalf("ec size = %q", byKID["ec-key"].Size)
	}
}
