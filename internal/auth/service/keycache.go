package service

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aussiebroadwan/authcore/internal/auth/domain"
	"github.com/aussiebroadwan/authcore/internal/auth/store"
	"github.com/aussiebroadwan/authcore/pkg/jwtx"
	"golang.org/x/sync/singleflight"
)

// DefaultKeyCacheTTL bounds how long a loaded key is served before the
// keystore is consulted again.
const DefaultKeyCacheTTL = time.Hour

type cachedKey struct {
	signer   jwtx.Signer
	pub      crypto.PublicKey
	loadedAt time.Time
}

// KeyCache holds signers and public keys loaded from the keystore. An entry
// is served for at most TTL after it was loaded. Keys that classify Retired
// are never served and are evicted on access and by Prune.
//
// The mutex only guards the map; keystore reads happen outside it and
// concurrent misses for the same kid share one read.
type KeyCache struct {
	keys  store.KeyPairs
	ttl   time.Duration
	grace int

	mu      sync.Mutex
	entries map[string]cachedKey
	group   singleflight.Group
}

func NewKeyCache(keys store.KeyPairs, ttl time.Duration, grace int) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	return &KeyCache{
		keys:    keys,
		ttl:     ttl,
		grace:   grace,
		entries: make(map[string]cachedKey),
	}
}

// Signer returns the signer for kid, which must be the Active key at now.
func (c *KeyCache) Signer(ctx context.Context, kid string, now time.Time) (jwtx.Signer, error) {
	state, _ := domain.Classify(kid, now, c.grace)
	if state != domain.KeyActive {
		return nil, fmt.Errorf("%w: %q is %s", jwtx.ErrUnknownKID, kid, state)
	}

	e, err := c.load(ctx, kid, now)
	if err != nil {
		return nil, err
	}
	return e.signer, nil
}

// PublicKey returns the verification key for kid if it is Active or
// Retiring at now. It satisfies the jwtx.KeyResolver contract: kids it will
// not vouch for come back as jwtx.ErrUnknownKID.
func (c *KeyCache) PublicKey(ctx context.Context, kid string, now time.Time) (crypto.PublicKey, error) {
	state, err := domain.Classify(kid, now, c.grace)
	if err != nil || !state.Verifiable() {
		c.evict(kid)
		return nil, fmt.Errorf("%w: %q is %s", jwtx.ErrUnknownKID, kid, state)
	}

	e, err := c.load(ctx, kid, now)
	if err != nil {
		return nil, err
	}
	return e.pub, nil
}

// Prune drops entries that are Retired at now and returns how many went.
func (c *KeyCache) Prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for kid := range c.entries {
		if state, _ := domain.Classify(kid, now, c.grace); !state.Verifiable() {
			delete(c.entries, kid)
			n++
		}
	}
	return n
}

// Len reports the number of cached entries.
func (c *KeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *KeyCache) load(ctx context.Context, kid string, now time.Time) (cachedKey, error) {
	c.mu.Lock()
	e, ok := c.entries[kid]
	c.mu.Unlock()

	if ok && !now.Before(e.loadedAt) && now.Sub(e.loadedAt) < c.ttl {
		return e, nil
	}

	// The load is shared, so one caller's cancellation must not fail the
	// others waiting on it.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(kid, func() (any, error) {
		kp, err := c.keys.Get(shared, kid)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q not in keystore", jwtx.ErrUnknownKID, kid)
		}
		if err != nil {
			return nil, storageFailure("load key "+kid, err)
		}

		signer, err := jwtx.NewSigner(kid, kp.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", kid, err)
		}

		loaded := cachedKey{signer: signer, pub: kp.PrivateKey.Public(), loadedAt: now}
		c.mu.Lock()
		c.entries[kid] = loaded
		c.mu.Unlock()
		return loaded, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return cachedKey{}, res.Err
		}
		return res.Val.(cachedKey), nil
	case <-ctx.Done():
		return cachedKey{}, ctx.Err()
	}
}

func (c *KeyCache) evict(kid string) {
	c.mu.Lock()
	delete(c.entries, kid)
	c.mu.Unlock()
}
