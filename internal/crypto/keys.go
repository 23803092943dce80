package crypto

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// KeyProvider supplies per-conversation symmetric key material.
type KeyProvider interface {
	ConversationKey(ctx context.Context, conversationID int) ([]byte, error)
}

// StaticKeyProvider derives conversation keys from a master secret with
// HKDF-SHA256. It is used when no external key service is configured.
type StaticKeyProvider struct {
	master []byte
}

// NewStaticKeyProvider validates the master secret.
func NewStaticKeyProvider(master []byte) (*StaticKeyProvider, error) {
	if len(master) < KeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", KeySize, len(master))
	}
	return &StaticKeyProvider{master: append([]byte(nil), master...)}, nil
}

// ConversationKey derives the key bound to conversationID.
func (p *StaticKeyProvider) ConversationKey(_ context.Context, conversationID int) ([]byte, error) {
	reader := hkdf.New(sha256.New, p.master, nil, []byte(fmt.Sprintf("dm-conversation:%d", conversationID)))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// CachingKeyProvider memoizes keys from a slower provider for ttl.
type CachingKeyProvider struct {
	next KeyProvider
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	cache map[int]cachedKey
}

type cachedKey struct {
	key     []byte
	fetched time.Time
}

// NewCachingKeyProvider wraps next.
func NewCachingKeyProvider(next KeyProvider, ttl time.Duration) *CachingKeyProvider {
	return &CachingKeyProvider{next: next, ttl: ttl, now: time.Now, cache: map[int]cachedKey{}}
}

// ConversationKey returns a cached key or fetches a fresh one.
func (p *CachingKeyProvider) ConversationKey(ctx context.Context, conversationID int) ([]byte, error) {
	p.mu.Lock()
	entry, ok := p.cache[conversationID]
	p.mu.Unlock()
	if ok && p.now().Sub(entry.fetched) < p.ttl {
		return entry.key, nil
	}

	key, err := p.next.ConversationKey(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, errors.New("key service returned a key of the wrong size")
	}

	p.mu.Lock()
	p.cache[conversationID] = cachedKey{key: key, fetched: p.now()}
	p.mu.Unlock()
	return key, nil
}
