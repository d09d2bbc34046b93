package identity

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/cloudx-io/openmarket/clock"
	"github.com/cloudx-io/openmarket/core"
)

const defaultCacheSize = 10000

type cachedMatch struct {
	match     Match
	timestamp time.Time
}

// CachedProvider memoizes similarity lookups for a bounded time.
type CachedProvider struct {
	next   SimilarityProvider
	cache  *lru.Cache
	expiry time.Duration
	clock  clock.Clock
}

func NewCachedProvider(next SimilarityProvider, size int, expiry time.Duration, c clock.Clock) (*CachedProvider, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create similarity cache: %w", err)
	}
	if c == nil {
		c = clock.NewSystem()
	}
	return &CachedProvider{next: next, cache: cache, expiry: expiry, clock: c}, nil
}

// pairKey is order independent: similarity is symmetric.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (p *CachedProvider) Similarity(ctx context.Context, accountA, accountB string) (Match, error) {
	key := pairKey(accountA, accountB)
	if cached, ok := p.cache.Get(key); ok {
		if c, ok := cached.(cachedMatch); ok && p.clock.Now().Sub(c.timestamp) < p.expiry {
			m := c.match
			m.AccountA, m.AccountB = accountA, accountB
			return m, nil
		}
	}

	m, err := p.next.Similarity(ctx, accountA, accountB)
	if err != nil {
		return Match{}, err
	}
	p.cache.Add(key, cachedMatch{match: m, timestamp: p.clock.Now()})
	return m, nil
}

// Invalidate drops every cached pair.
func (p *CachedProvider) Invalidate() {
	p.cache.Purge()
}

// Register forwards to the wrapped provider when it records profiles and
// drops the cache once the new signals are stored.
func (p *CachedProvider) Register(ctx context.Context, profile Profile) error {
	r, ok := p.next.(Registrar)
	if !ok {
		return fmt.Errorf("%w: similarity provider does not accept profiles", core.ErrInvalidRequest)
	}
	if err := r.Register(ctx, profile); err != nil {
		return err
	}
	p.Invalidate()
	return nil
}
