package stealth

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// ProxyPool hands out proxies round-robin, skipping proxies that were
// recently involved in a block. Safe for concurrent use.
type ProxyPool struct {
	proxies  []*url.URL
	cooldown time.Duration
	now      func() time.Time

	mu      sync.Mutex
	next    int
	benched map[string]time.Time // proxy -> usable again at
}

// NewProxyPool parses raw proxy URLs. An empty list yields a pool that
// always returns nil (direct connections).
func NewProxyPool(raw []string, cooldown time.Duration) (*ProxyPool, error) {
	p := &ProxyPool{
		cooldown: cooldown,
		now:      time.Now,
		benched:  make(map[string]time.Time),
	}
	for _, r := range raw {
		u, err := url.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", r, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q: scheme and host required", r)
		}
		p.proxies = append(p.proxies, u)
	}
	return p, nil
}

// Len returns the number of configured proxies.
func (p *ProxyPool) Len() int {
	return len(p.proxies)
}

// Pick returns the next proxy that is not benched. When every proxy is
// benched the one that recovers first is returned. Returns nil for an
// empty pool.
func (p *ProxyPool) Pick() *url.URL {
	if len(p.proxies) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var fallback *url.URL
	var fallbackAt time.Time
	for i := 0; i < len(p.proxies); i++ {
		u := p.proxies[(p.next+i)%len(p.proxies)]
		until, ok := p.benched[u.String()]
		if !ok || !now.Before(until) {
			delete(p.benched, u.String())
			p.next = (p.next + i + 1) % len(p.proxies)
			return u
		}
		if fallback == nil || until.Before(fallbackAt) {
			fallback, fallbackAt = u, until
		}
	}
	return fallback
}

// Bench takes a proxy out of rotation for the pool cooldown.
func (p *ProxyPool) Bench(u *url.URL) {
	if u == nil {
		return
	}
	p.mu.Lock()
	p.benched[u.String()] = p.now().Add(p.cooldown)
	p.mu.Unlock()
}
