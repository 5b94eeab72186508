package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized matches every *Error that should be answered with a
// credentials challenge: missing or ambiguous tokens, invalid tokens and a
// missing AuthContext.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope matches *Error values of KindInsufficientScope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Kind classifies an authentication or authorization failure.
type Kind int

const (
	// KindInvalidRequest: the token was absent or presented more than once.
	KindInvalidRequest Kind = iota + 1
	// KindInvalidToken: signature, claims or key resolution failed.
	KindInvalidToken
	// KindMissingAuthContext: a scope guard ran before authentication. This
	// is a wiring bug in the host, not a client fault.
	KindMissingAuthContext
	// KindInsufficientScope: authenticated, but a required scope is missing.
	KindInsufficientScope
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindInvalidToken:
		return "invalid_token"
	case KindMissingAuthContext:
		return "missing_auth_context"
	case KindInsufficientScope:
		return "insufficient_scope"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the failure value produced by every stage of authentication and
// authorization. ErrorFactory turns it into an HTTP response.
type Error struct {
	Kind Kind
	// Description is sent to the client as error_description.
	Description string
	// Scopes lists the scopes the route requires. Set for
	// KindInsufficientScope only.
	Scopes []string
	// Err is the underlying cause, kept for logs.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("auth: ")
	b.WriteString(e.Kind.String())
	if e.Description != "" {
		b.WriteString(": ")
		b.WriteString(e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Kind != KindInsufficientScope
	case ErrInsufficientScope:
		return e.Kind == KindInsufficientScope
	}
	return false
}

// InvalidRequest reports a problem with how the token was presented.
func InvalidRequest(description string) *Error {
	return &Error{Kind: KindInvalidRequest, Description: description}
}

// InvalidToken reports a token that failed verification.
func InvalidToken(description string, cause error) *Error {
	return &Error{Kind: KindInvalidToken, Description: description, Err: cause}
}

// MissingAuthContext reports a scope check on a request that was never
// authenticated.
func MissingAuthContext() *Error {
	return &Error{Kind: KindMissingAuthContext, Description: "request has not been authenticated"}
}

// InsufficientScope reports that the token lacks some of required. missing
// names the absent subset and is only used in the description.
func InsufficientScope(required, missing []string) *Error {
	return &Error{
		Kind:        KindInsufficientScope,
		Description: "missing required scope: " + strings.Join(missing, " "),
		Scopes:      append([]string(nil), required...),
	}
}

// known reports whether k is one of the declared kinds.
func (k Kind) known() bool {
	return k >= KindInvalidRequest && k <= KindInsufficientScope
}

// asError converts any error into an *Error. Values that are not already an
// *Error, or carry an undeclared Kind, are treated as token failures.
func asError(err error) *Error {
	return asErrorOf(err, KindInvalidToken, "invalid token")
}

// asErrorOf is asError with the kind and description used for foreign
// errors. An *Error with an undeclared Kind is copied with kind instead.
func asErrorOf(err error, kind Kind, description string) *Error {
	var ae *Error
	if !errors.As(err, &ae) {
		return &Error{Kind: kind, Description: description, Err: err}
	}
	if ae.Kind.known() {
		return ae
	}
	out := *ae
	out.Kind = kind
	if out.Description == "" {
		out.Description = description
	}
	return &out
}
