package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultRealm is the realm advertised in challenges unless WithRealm is used.
const DefaultRealm = "api"

// Failure is the wire form of an authentication or authorization failure.
type Failure struct {
	StatusCode int         `json:"statusCode"`
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Headers    http.Header `json:"-"`
}

// ErrorFactory maps errors to RFC 6750 responses.
type ErrorFactory struct {
	Realm string
}

// Failure maps err to a response. *Error values (found with errors.As) get
// a Bearer challenge, and an *Error of an undeclared Kind is answered as
// invalid_token. Anything else is reported as a 500 server_error without a
// challenge.
func (f ErrorFactory) Failure(err error) Failure {
	var ae *Error
	if !errors.As(err, &ae) {
		return Failure{
			StatusCode: http.StatusInternalServerError,
			Code:       "server_error",
			Message:    "internal server error",
			Headers:    http.Header{},
		}
	}

	var status int
	var code string
	switch ae.Kind {
	case KindInvalidRequest:
		status, code = http.StatusBadRequest, "invalid_request"
	case KindInvalidToken, KindMissingAuthContext:
		status, code = http.StatusUnauthorized, "invalid_token"
	case KindInsufficientScope:
		status, code = http.StatusForbidden, "insufficient_scope"
	default:
		ae = asError(ae)
		status, code = http.StatusUnauthorized, "invalid_token"
	}

	params := map[string]string{
		"error":             code,
		"error_description": ae.Description,
	}
	if ae.Kind == KindInsufficientScope {
		params["scope"] = strings.Join(ae.Scopes, " ")
	}
	h := http.Header{}
	h.Set("WWW-Authenticate", buildBearerChallenge(f.realm(), params))
	return Failure{StatusCode: status, Code: code, Message: ae.Description, Headers: h}
}

// Write sends the response for err: headers, status and a JSON body.
func (f ErrorFactory) Write(w http.ResponseWriter, err error) {
	fail := f.Failure(err)
	for k, vs := range fail.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(fail.StatusCode)
	_ = json.NewEncoder(w).Encode(fail)
}

func (f ErrorFactory) realm() string {
	if f.Realm == "" {
		return DefaultRealm
	}
	return f.Realm
}

// buildBearerChallenge renders a WWW-Authenticate value with the parameters
// in a fixed order: realm, error, error_description, scope.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
