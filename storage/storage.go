// Package storage defines the document store used as an optional second
// cache level for issuer discovery documents and JSON Web Key Sets.
//
// An Authenticator always keeps decoded documents in process. A Storage lets
// several processes share the raw documents so that a fleet warming up after
// a deploy does not stampede the authorization server.
package storage

import (
	"context"
	"time"
)

// Kind names one of the documents an issuer publishes.
type Kind string

const (
	KindDiscovery Kind = "openid-configuration"
	KindJWKS      Kind = "jwks"
)

// Storage holds raw issuer documents, grouped by issuer base URL.
type Storage interface {
	// Get returns the document of kind published by issuer. A missing or
	// expired document is (nil, nil); errors are backend failures only.
	Get(ctx context.Context, issuer string, kind Kind) (*Document, error)

	// Set stores data as the document of kind for issuer. A positive ttl
	// bounds how long it is served.
	Set(ctx context.Context, issuer string, kind Kind, data []byte, ttl time.Duration) error

	// Delete removes every document stored for issuer.
	Delete(ctx context.Context, issuer string) error

	// Close releases resources held by the backend.
	Close() error
}

// Document is a stored copy of an issuer document.
type Document struct {
	Data     []byte
	StoredAt time.Time
	// ExpiresAt is zero for documents stored without a ttl.
	ExpiresAt time.Time
}

// Expired reports whether d must no longer be served at now.
func (d *Document) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// NewDocument stamps a copy of data, expiring after ttl when ttl > 0.
func NewDocument(data []byte, ttl time.Duration, now time.Time) *Document {
	d := &Document{Data: append([]byte(nil), data...), StoredAt: now}
	if ttl > 0 {
		d.ExpiresAt = now.Add(ttl)
	}
	return d
}
