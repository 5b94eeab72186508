// Package auth protects HTTP APIs with OAuth 2.0 bearer tokens issued by an
// OpenID Connect authorization server.
//
// An Authenticator extracts exactly one bearer token from each request,
// verifies it as a JWT against the issuer's discovery document and JSON Web
// Key Set, and attaches the verified claims to the request context. Scope
// requirements are then enforced per route. Failures are answered following
// RFC 6750 with a WWW-Authenticate challenge.
//
// Example:
//
//	authn, err := auth.New(ctx, "https://issuer.example", []string{"https://api.example"})
//	if err != nil { log.Fatal(err) }
//
//	mux := http.NewServeMux()
//	mux.Handle("GET /products", authn.RequireScopes("read:products").Middleware(productsHandler))
//	http.ListenAndServe(":8080", authn.Middleware(mux))
//
//	// Inside a handler:
//	ac, _ := auth.FromContext(r.Context())
//	userID := ac.Claims.Subject
//
// # Token presentation
//
// The token may be sent in the Authorization header using the Bearer scheme,
// as the access_token query parameter of a GET, HEAD or DELETE request, or as
// the access_token field of an application/x-www-form-urlencoded body for
// other methods. A request presenting no token, or more than one, is rejected
// with 400 invalid_request.
//
// # Verification
//
// The issuer's discovery document is fetched on first use from
// {issuer}/.well-known/openid-configuration and kept for the life of the
// Authenticator; concurrent first requests share one fetch and failures are
// retried on the next request. Key sets are handled the same way. A token
// naming an unknown key id causes at most one refresh of the key set.
//
// Accepted algorithms are those the issuer advertises, optionally narrowed
// with WithAllowedAlgs. HMAC tokens are accepted only when a client secret is
// configured and are verified without any network access. The aud claim must
// share at least one value with the allowed audiences. exp is required; exp,
// iat and nbf are checked with WithClockTolerance leeway (5s by default).
//
// # Errors
//
// Every failure is an *Error with a Kind. ErrorFactory maps kinds to
// responses:
//
//	KindInvalidRequest      400 invalid_request
//	KindInvalidToken        401 invalid_token
//	KindMissingAuthContext  401 invalid_token
//	KindInsufficientScope   403 insufficient_scope
//
// errors.Is(err, ErrUnauthorized) and errors.Is(err, ErrInsufficientScope)
// can be used to tell the two families apart.
package auth
