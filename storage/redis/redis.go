// Package redis shares issuer documents between processes through Redis.
//
// Each issuer owns one hash, keyed by its base URL, with one field per
// storage.Kind. Evicting an issuer is a single DEL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/oauth2-bearer-go/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is prepended to every issuer hash key.
const DefaultKeyPrefix = "oauth2-bearer:"

type Config struct {
	Client *redis.Client
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
}

type Storage struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

type record struct {
	Data      json.RawMessage `json:"data"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis: client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Storage{client: cfg.Client, prefix: prefix, now: time.Now}, nil
}

func (s *Storage) hashKey(issuer string) string {
	return s.prefix + "issuer:" + issuer
}

func (s *Storage) Get(ctx context.Context, issuer string, kind storage.Kind) (*storage.Document, error) {
	key := s.hashKey(issuer)
	raw, err := s.client.HGet(ctx, key, string(kind)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s %s: %w", key, kind, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redis: decode %s %s: %w", key, kind, err)
	}
	doc := &storage.Document{Data: rec.Data, StoredAt: rec.StoredAt, ExpiresAt: rec.ExpiresAt}
	if doc.Expired(s.now()) {
		s.client.HDel(ctx, key, string(kind))
		return nil, nil
	}
	return doc, nil
}

// Set writes the document and, for a positive ttl, moves the expiry of the
// issuer's whole hash to ttl from now. Documents of one issuer are written
// with the same ttl, so the hash lives as long as its freshest field.
func (s *Storage) Set(ctx context.Context, issuer string, kind storage.Kind, data []byte, ttl time.Duration) error {
	if !json.Valid(data) {
		return fmt.Errorf("redis: %s document for %s is not JSON", kind, issuer)
	}
	doc := storage.NewDocument(data, ttl, s.now())
	raw, err := json.Marshal(record{Data: doc.Data, StoredAt: doc.StoredAt, ExpiresAt: doc.ExpiresAt})
	if err != nil {
		return fmt.Errorf("redis: encode %s: %w", kind, err)
	}

	key := s.hashKey(issuer)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, string(kind), raw)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set %s %s: %w", key, kind, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, issuer string) error {
	key := s.hashKey(issuer)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Storage) Close() error {
	return s.client.Close()
}

var _ storage.Storage = (*Storage)(nil)
