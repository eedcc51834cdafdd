package sor

import (
	"context"
	"sync"
	"time"

	"github.com/liamcoop/claims/claim"
)

// DefaultPolicyCacheTTL is how long a looked-up policy is reused.
const DefaultPolicyCacheTTL = 5 * time.Minute

type cachedPolicy struct {
	policy    claim.Policy
	expiresAt time.Time
}

// CachedPolicyRegistry caches LookupPolicy results for a TTL. Suspending a
// policy drops its entry.
type CachedPolicyRegistry struct {
	next PolicyRegistry
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cachedPolicy
}

// NewCachedPolicyRegistry wraps next. A non-positive ttl uses DefaultPolicyCacheTTL.
func NewCachedPolicyRegistry(next PolicyRegistry, ttl time.Duration) *CachedPolicyRegistry {
	if ttl <= 0 {
		ttl = DefaultPolicyCacheTTL
	}
	return &CachedPolicyRegistry{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedPolicy),
	}
}

func (r *CachedPolicyRegistry) LookupPolicy(ctx context.Context, policyNumber string) (*claim.Policy, error) {
	now := r.now()

	r.mu.Lock()
	entry, ok := r.entries[policyNumber]
	if ok && now.Before(entry.expiresAt) {
		r.mu.Unlock()
		p := entry.policy
		return &p, nil
	}
	if ok {
		delete(r.entries, policyNumber)
	}
	r.mu.Unlock()

	p, err := r.next.LookupPolicy(ctx, policyNumber)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[policyNumber] = cachedPolicy{policy: *p, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	return p, nil
}

func (r *CachedPolicyRegistry) SuspendPolicy(ctx context.Context, policyNumber string, date time.Time, reason string) error {
	err := r.next.SuspendPolicy(ctx, policyNumber, date, reason)
	r.Invalidate(policyNumber)
	return err
}

func (r *CachedPolicyRegistry) CalculateDeathBenefit(ctx context.Context, policyNumber string, dateOfDeath time.Time) (*claim.Benefit, error) {
	return r.next.CalculateDeathBenefit(ctx, policyNumber, dateOfDeath)
}

// Invalidate drops the cached entry for policyNumber.
func (r *CachedPolicyRegistry) Invalidate(policyNumber string) {
	r.mu.Lock()
	delete(r.entries, policyNumber)
	r.mu.Unlock()
}

// Len is the number of cached entries, expired ones included.
func (r *CachedPolicyRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
