// Package memory keeps issuer documents in a bounded in-process LRU, for
// sharing one document cache between several Authenticators in a process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/oauth2-bearer-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

type docKey struct {
	issuer string
	kind   storage.Kind
}

// Storage is a storage.Storage holding at most a fixed number of documents.
type Storage struct {
	mu   sync.Mutex
	docs *lru.Cache[docKey, *storage.Document]
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a store holding at most maxDocs documents. Each issuer
// contributes up to one document per storage.Kind.
func New(maxDocs int) (*Storage, error) {
	docs, err := lru.New[docKey, *storage.Document](maxDocs)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	s := &Storage{docs: docs, now: time.Now, stop: make(chan struct{})}
	go s.sweep(5 * time.Minute)
	return s, nil
}

func (s *Storage) Get(_ context.Context, issuer string, kind storage.Kind) (*storage.Document, error) {
	k := docKey{issuer, kind}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs.Get(k)
	if !ok {
		return nil, nil
	}
	if doc.Expired(s.now()) {
		s.docs.Remove(k)
		return nil, nil
	}
	return doc, nil
}

func (s *Storage) Set(_ context.Context, issuer string, kind storage.Kind, data []byte, ttl time.Duration) error {
	doc := storage.NewDocument(data, ttl, s.now())
	s.mu.Lock()
	s.docs.Add(docKey{issuer, kind}, doc)
	s.mu.Unlock()
	return nil
}

func (s *Storage) Delete(_ context.Context, issuer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.docs.Keys() {
		if k.issuer == issuer {
			s.docs.Remove(k)
		}
	}
	return nil
}

// Close stops the expiry sweeper and drops every document.
func (s *Storage) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.docs.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Storage) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := s.now()
		for _, k := range s.docs.Keys() {
			if doc, ok := s.docs.Peek(k); ok && doc.Expired(now) {
				s.docs.Remove(k)
			}
		}
		s.mu.Unlock()
	}
}

var _ storage.Storage = (*Storage)(nil)
