package authsdk

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aussiebroadwan/authcore/pkg/jwtx"
)

// RemoteKeys is a jwtx.KeyResolver backed by the service's JWKS endpoint.
type RemoteKeys struct {
	client *SDKClient

	// TTL is how long a fetched set is trusted. MinRefresh limits refetches
	// triggered by unknown kids.
	TTL        time.Duration
	MinRefresh time.Duration
	Now        func() time.Time

	mu        sync.Mutex
	set       jwtx.JWKS
	fetchedAt time.Time
	expiresAt time.Time
}

var _ jwtx.KeyResolver = (*RemoteKeys)(nil)

// NewRemoteKeys creates a resolver that caches the key set for ttl.
func NewRemoteKeys(client *SDKClient, ttl time.Duration) *RemoteKeys {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RemoteKeys{
		client:     client,
		TTL:        ttl,
		MinRefresh: 30 * time.Second,
		Now:        time.Now,
	}
}

// ResolveKey returns the public key for kid, refreshing the cached set when
// it is stale or does not know kid.
func (k *RemoteKeys) ResolveKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.Now()
	stale := !now.Before(k.expiresAt)
	unknown := !k.has(kid) && now.Sub(k.fetchedAt) >= k.MinRefresh

	if k.fetchedAt.IsZero() || stale || unknown {
		if err := k.refresh(ctx, now); err != nil {
			return nil, err
		}
	}

	return k.set.Resolver().ResolveKey(ctx, kid)
}

// refresh is called with mu held. The set is kept for TTL, or for the
// server's max-age when that is shorter.
func (k *RemoteKeys) refresh(ctx context.Context, now time.Time) error {
	set, serverAge, err := k.client.fetchJWKS(ctx)
	if err != nil {
		return fmt.Errorf("authsdk: fetch jwks: %w", err)
	}

	ttl := k.TTL
	if serverAge > 0 && serverAge < ttl {
		ttl = serverAge
	}

	k.set = set
	k.fetchedAt = now
	k.expiresAt = now.Add(ttl)
	return nil
}

// GetJWKS retrieves the JSON Web Key Set for token verification.
func (c *SDKClient) GetJWKS(ctx context.Context) (*JWKSResponse, error) {
	set, _, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	resp := JWKSResponse(set)
	return &resp, nil
}

func (c *SDKClient) fetchJWKS(ctx context.Context) (jwtx.JWKS, time.Duration, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/.well-known/jwks.json")
	if err != nil {
		return jwtx.JWKS{}, 0, err
	}
	age := maxAge(resp.Header)

	var set jwtx.JWKS
	if err := decodeJSON(resp, &set, http.StatusOK); err != nil {
		return jwtx.JWKS{}, 0, err
	}
	return set, age, nil
}

func (k *RemoteKeys) has(kid string) bool {
	for _, j := range k.set.Keys {
		if j.Kid == kid {
			return true
		}
	}
	return false
}
