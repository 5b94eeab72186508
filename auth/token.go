package auth

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
)

// maxFormBytes caps how much of a form body RequestFromHTTP reads.
const maxFormBytes = 1 << 20

var formMediaType = contenttype.NewMediaType("application/x-www-form-urlencoded")

// Request is the part of an HTTP request that token extraction looks at.
type Request struct {
	Method string
	Header http.Header
	Query  url.Values
	// Form holds the url-encoded body. Nil when the body is not a form or
	// the method does not allow one.
	Form url.Values
}

// RequestFromHTTP builds a Request from r. For methods other than GET, HEAD
// and DELETE with an application/x-www-form-urlencoded body, the body is read
// and parsed, then replaced so that later handlers can read it again.
func RequestFromHTTP(r *http.Request) (*Request, error) {
	req := &Request{Method: r.Method, Header: r.Header, Query: r.URL.Query()}
	if queryMethod(r.Method) || r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(formMediaType) {
		return req, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormBytes+1))
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Description: "unable to read request body", Err: err}
	}
	if len(body) > maxFormBytes {
		return nil, InvalidRequest("request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Description: "malformed form body", Err: err}
	}
	req.Form = form
	return req, nil
}

// queryMethod reports whether method carries the token in the query string
// rather than a form body.
func queryMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}

const bearerPrefix = "Bearer "

// GetToken returns the single bearer token presented by r. The token may be
// sent in the Authorization header, in the access_token query parameter of a
// GET, HEAD or DELETE request, or in the access_token field of a form body
// for any other method. Presenting none, or more than one, is an
// InvalidRequest error.
func GetToken(r *Request) (string, error) {
	var candidates []string
	for _, h := range r.Header.Values("Authorization") {
		if tok, ok := strings.CutPrefix(h, bearerPrefix); ok && tok != "" {
			candidates = append(candidates, tok)
		}
	}
	if queryMethod(r.Method) {
		candidates = appendNonEmpty(candidates, r.Query["access_token"])
	} else {
		candidates = appendNonEmpty(candidates, r.Form["access_token"])
	}

	switch len(candidates) {
	case 0:
		return "", InvalidRequest("bearer token is missing")
	case 1:
		return candidates[0], nil
	default:
		return "", InvalidRequest("more than one method used for authentication")
	}
}

func appendNonEmpty(dst, vals []string) []string {
	for _, v := range vals {
		if v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

// getToken runs g, making sure failures come back as *Error.
func getToken(g TokenGetter, r *Request) (string, error) {
	tok, err := g.GetToken(r)
	if err != nil {
		return "", asErrorOf(err, KindInvalidRequest, "unable to read bearer token")
	}
	if tok == "" {
		return "", InvalidRequest("bearer token is missing")
	}
	return tok, nil
}
