package breaker

import "sync"

// Registry hands out one lazily-created breaker per account, all sharing
// the same configuration.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry with cfg applied to every breaker
// it creates.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for account, creating it closed on first use.
func (r *Registry) For(account string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[account]
	if !ok {
		b = New(account, r.cfg)
		r.breakers[account] = b
	}
	return b
}

// Reset resets the named breaker; it reports false when the account has
// never been seen.
func (r *Registry) Reset(account string) bool {
	r.mu.Lock()
	b, ok := r.breakers[account]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshot returns per-account metrics for every breaker created so far.
func (r *Registry) Snapshot() map[string]Metrics {
	r.mu.Lock()
	accounts := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		accounts = append(accounts, b)
	}
	r.mu.Unlock()

	out := make(map[string]Metrics, len(accounts))
	for _, b := range accounts {
		m := b.Metrics()
		out[m.Account] = m
	}
	return out
}
