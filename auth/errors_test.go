package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorFactory_Failure(t *testing.T) {
	f := ErrorFactory{}
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		challenge string
	}{
		{
			name:      "invalid request",
			err:       InvalidRequest("bearer token is missing"),
			status:    http.StatusBadRequest,
			code:      "invalid_request",
			challenge: `Bearer realm="api", error="invalid_request", error_description="bearer token is missing"`,
		},
		{
			name:      "invalid token",
			err:       InvalidToken("token expired", errors.New("exp")),
			status:    http.StatusUnauthorized,
			code:      "invalid_token",
			challenge: `Bearer realm="api", error="invalid_token", error_description="token expired"`,
		},
		{
			name:      "missing auth context",
			err:       MissingAuthContext(),
			status:    http.StatusUnauthorized,
			code:      "invalid_token",
			challenge: `Bearer realm="api", error="invalid_token", error_description="request has not been authenticated"`,
		},
		{
			name:      "insufficient scope",
			err:       InsufficientScope([]string{"read:products", "write:products"}, []string{"write:products"}),
			status:    http.StatusForbidden,
			code:      "insufficient_scope",
			challenge: `Bearer realm="api", error="insufficient_scope", error_description="missing required scope: write:products", scope="read:products write:products"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.Failure(tt.err)
			if got.StatusCode != tt.status || got.Code != tt.code {
				t.Fatalf("got %d %s, want %d %s", got.StatusCode, got.Code, tt.status, tt.code)
			}
			if h := got.Headers.Get("WWW-Authenticate"); h != tt.challenge {
				t.Fatalf("challenge:\n got %s\nwant %s", h, tt.challenge)
			}
		})
	}
}

func TestErrorFactory_UnknownErrorIsServerError(t *testing.T) {
	got := ErrorFactory{}.Failure(errors.New("boom"))
	if got.StatusCode != http.StatusInternalServerError || got.Code != "server_error" {
		t.Fatalf("got %d %s", got.StatusCode, got.Code)
	}
	if got.Headers.Get("WWW-Authenticate") != "" {
		t.Fatal("server errors must not carry a challenge")
	}
}

func TestErrorFactory_WrappedError(t *testing.T) {
	err := errors.Join(errors.New("context"), InvalidRequest("x"))
	if got := (ErrorFactory{}).Failure(err); got.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", got.StatusCode)
	}
}

func TestErrorFactory_EscapesChallenge(t *testing.T) {
	f := ErrorFactory{Realm: `my "api"`}
	got := f.Failure(InvalidToken(`bad \ "quoted"`, nil)).Headers.Get("WWW-Authenticate")
	want := `Bearer realm="my \"api\"", error="invalid_token", error_description="bad \\ \"quoted\""`
	if got != want {
		t.Fatalf("challenge:\n got %s\nwant %s", got, want)
	}
}

func TestErrorFactory_Write(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrorFactory{Realm: "products"}.Write(rec, InvalidToken("bad signature", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	if h := rec.Header().Get("WWW-Authenticate"); h != `Bearer realm="products", error="invalid_token", error_description="bad signature"` {
		t.Fatalf("challenge = %s", h)
	}
	var body Failure
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.StatusCode != 401 || body.Code != "invalid_token" || body.Message != "bad signature" {
		t.Fatalf("body = %+v", body)
	}
}

func TestError_Is(t *testing.T) {
	for _, err := range []error{InvalidRequest("x"), InvalidToken("x", nil), MissingAuthContext()} {
		if !errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInsufficientScope) {
			t.Errorf("%v: wrong sentinel match", err)
		}
	}
	scope := InsufficientScope([]string{"a"}, []string{"a"})
	if !errors.Is(scope, ErrInsufficientScope) || errors.Is(scope, ErrUnauthorized) {
		t.Errorf("%v: wrong sentinel match", scope)
	}

	cause := errors.New("cause")
	if !errors.Is(InvalidToken("x", cause), cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestErrorFactory_UndeclaredKindFailsClosed(t *testing.T) {
	for _, err := range []error{&Error{Description: "revoked"}, &Error{Kind: Kind(42)}} {
		got := ErrorFactory{}.Failure(err)
		if got.StatusCode != http.StatusUnauthorized || got.Code != "invalid_token" {
			t.Fatalf("%v: got %d %s", err, got.StatusCode, got.Code)
		}
		if got.Headers.Get("WWW-Authenticate") == "" {
			t.Fatalf("%v: missing challenge", err)
		}
	}
}

func TestAsError_UndeclaredKind(t *testing.T) {
	orig := &Error{Description: "revoked"}
	got := asError(orig)
	if got.Kind != KindInvalidToken || got.Description != "revoked" {
		t.Fatalf("asError = %+v", got)
	}
	if orig.Kind != 0 {
		t.Fatal("asError modified its argument")
	}
	if got := asErrorOf(&Error{}, KindInvalidRequest, "unable to read bearer token"); got.Kind != KindInvalidRequest || got.Description != "unable to read bearer token" {
		t.Fatalf("asErrorOf = %+v", got)
	}
}
