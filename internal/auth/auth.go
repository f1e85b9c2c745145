// Package auth extracts and verifies API keys from incoming requests,
// caching verified keys briefly so repeat traffic from the same key
// doesn't hit SQLite on every request.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter/v2"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

const (
	cacheTTL    = 30 * time.Second
	cacheMaxLen = 10_000
)

// ErrMissingKey means no recognizable API key was present on the request.
var ErrMissingKey = errors.New("auth: missing api key")

// Authenticator verifies API keys against the store, with a short-lived
// cache in front of it.
type Authenticator struct {
	store       *store.Store
	cache       *otter.Cache[string, *store.KeyInfo]
	keyIDToHash sync.Map // uuid.UUID -> hash, for cache invalidation by key id
}

// New builds an Authenticator backed by st.
func New(st *store.Store) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, *store.KeyInfo]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *store.KeyInfo](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("auth: create cache: %w", err)
	}
	return &Authenticator{store: st, cache: c}, nil
}

// Extract pulls a raw API key out of either the Authorization bearer
// header or x-api-key, requiring the XJP prefix to consider it present.
func Extract(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		raw := strings.TrimPrefix(auth, "Bearer ")
		if strings.HasPrefix(raw, store.KeyPrefix[:3]) {
			return raw, true
		}
	}
	if raw := r.Header.Get("x-api-key"); strings.HasPrefix(raw, store.KeyPrefix[:3]) {
		return raw, true
	}
	return "", false
}

// Authenticate extracts and verifies the request's API key, returning its
// KeyInfo. TouchKey is fired off in a detached goroutine so a slow write
// never adds latency to the caller.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*store.KeyInfo, error) {
	raw, ok := Extract(r)
	if !ok {
		return nil, ErrMissingKey
	}

	hash := store.HashKey(raw)

	if info, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkLiveness(info); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return info, nil
	}

	info, err := a.store.VerifyKey(ctx, raw)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(store.HashKey(raw)), []byte(hash)) != 1 {
		return nil, store.ErrKeyNotFound
	}

	a.cache.Set(hash, info)
	a.keyIDToHash.Store(info.ID, hash)

	go func() {
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.store.TouchKey(touchCtx, info.ID)
	}()

	return info, nil
}

// InvalidateByKeyID evicts a cached key by its ID. Store writes such as
// DeactivateKey do not call it, so a key changed in the store keeps being
// served from the cache until its entry expires (cacheTTL) or is evicted here.
func (a *Authenticator) InvalidateByKeyID(id uuid.UUID) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(id); ok {
		a.cache.Invalidate(hash.(string))
	}
}

func checkLiveness(info *store.KeyInfo) error {
	if !info.IsActive {
		return store.ErrKeyInactive
	}
	if info.ExpiresAt != nil && info.ExpiresAt.Before(time.Now()) {
		return store.ErrKeyExpired
	}
	return nil
}
