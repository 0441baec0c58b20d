package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/voxjournal/purchases/internal/ledger"
)

// CreditRecord is a cached crediting outcome for a purchase token. It lets
// duplicate purchase-update events short-circuit without a ledger round
// trip. The backend's own idempotency on purchase token remains the
// authority; this cache is purely an optimization.
type CreditRecord struct {
	ProductID  string
	Result     ledger.CreditResult
	CreditedAt time.Time
}

// Store caches credit records keyed by purchase token.
type Store interface {
	// Get retrieves a cached credit record for the token.
	Get(ctx context.Context, purchaseToken string) (*CreditRecord, bool)

	// Set stores a credit record with a TTL.
	Set(ctx context.Context, purchaseToken string, record *CreditRecord, ttl time.Duration) error

	// Delete removes a cached record.
	Delete(ctx context.Context, purchaseToken string) error
}

// MemoryStore is an in-memory Store with LRU eviction and TTL expiry.
type MemoryStore struct {
	mu          sync.Mutex
	cache       map[string]*cacheEntry
	expires     map[string]time.Time
	lru         *list.List
	maxSize     int
	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

type cacheEntry struct {
	token   string
	record  *CreditRecord
	element *list.Element
}

// NewMemoryStore creates an in-memory store holding up to 10,000 tokens.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates an in-memory store with a custom max size.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	s := &MemoryStore{
		cache:       make(map[string]*cacheEntry),
		expires:     make(map[string]time.Time),
		lru:         list.New(),
		maxSize:     maxSize,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Get retrieves a cached credit record for the token.
func (s *MemoryStore) Get(ctx context.Context, purchaseToken string) (*CreditRecord, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expires[purchaseToken]
	if !exists || now.After(expiry) {
		return nil, false
	}

	entry, found := s.cache[purchaseToken]
	if !found {
		return nil, false
	}

	s.lru.MoveToFront(entry.element)
	return entry.record, true
}

// Set stores a credit record for the token with a TTL.
func (s *MemoryStore) Set(ctx context.Context, purchaseToken string, record *CreditRecord, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.cache[purchaseToken]; exists {
		entry.record = record
		s.expires[purchaseToken] = now.Add(ttl)
		s.lru.MoveToFront(entry.element)
		return nil
	}

	// Evict before adding so the map never exceeds maxSize.
	if len(s.cache) >= s.maxSize {
		s.evictLRU()
	}

	entry := &cacheEntry{token: purchaseToken, record: record}
	entry.element = s.lru.PushFront(entry)
	s.cache[purchaseToken] = entry
	s.expires[purchaseToken] = now.Add(ttl)

	return nil
}

// evictLRU removes the least recently used entry. Caller must hold the lock.
func (s *MemoryStore) evictLRU() {
	element := s.lru.Back()
	if element == nil {
		return
	}
	entry := element.Value.(*cacheEntry)
	s.lru.Remove(element)
	delete(s.cache, entry.token)
	delete(s.expires, entry.token)
}

// Delete removes a cached record.
func (s *MemoryStore) Delete(ctx context.Context, purchaseToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.cache[purchaseToken]; exists {
		s.lru.Remove(entry.element)
		delete(s.cache, purchaseToken)
		delete(s.expires, purchaseToken)
	}
	return nil
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			var expired []string
			for token, expiry := range s.expires {
				if now.After(expiry) {
					expired = append(expired, token)
				}
			}
			for _, token := range expired {
				if entry, exists := s.cache[token]; exists {
					s.lru.Remove(entry.element)
					delete(s.cache, token)
					delete(s.expires, token)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Stop shuts down the cleanup goroutine.
func (s *MemoryStore) Stop() {
	close(s.stopCleanup)
	<-s.cleanupDone
}
