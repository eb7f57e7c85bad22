package relay

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/whoamikiddie/ztunnel/lib/breaker"
)

// Registry maps subdomain to Tunnel. Lookups take a read lease, inserts and
// removes take a write lease; callers must clone the returned handle and
// release the lock before any blocking operation (spec §5).
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	// stashed holds the circuit breaker of the most recently removed
	// tunnel for each subdomain, so a reconnecting agent can reclaim its
	// queued backlog instead of starting from a fresh breaker (SPEC_FULL
	// §9, Open Question 1).
	stashed map[string]*breaker.CircuitBreaker
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tunnels: make(map[string]*Tunnel),
		stashed: make(map[string]*breaker.CircuitBreaker),
	}
}

// Get resolves subdomain to its Tunnel, if any.
func (r *Registry) Get(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// InsertIfAbsent inserts t under subdomain only if the key is free,
// reporting whether the insert happened.
func (r *Registry) InsertIfAbsent(subdomain string, t *Tunnel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tunnels[subdomain]; exists {
		return false
	}
	r.tunnels[subdomain] = t
	return true
}

// Remove deletes subdomain from the registry, but only if it still maps to
// the exact tunnel given -- a tunnel that already lost the race to a
// reconnecting agent must not evict the newer registration. The departing
// tunnel's breaker is stashed so a prompt reconnect can reclaim its
// backlog.
func (r *Registry) Remove(subdomain string, t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tunnels[subdomain]; ok && cur == t {
		delete(r.tunnels, subdomain)
		r.stashed[subdomain] = t.Breaker
	}
}

// ActiveCount returns the number of tunnels currently registered.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

// PopStashedBreaker returns and clears the stashed breaker for subdomain,
// if any previous tunnel left one behind.
func (r *Registry) PopStashedBreaker(subdomain string) (*breaker.CircuitBreaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.stashed[subdomain]
	if ok {
		delete(r.stashed, subdomain)
	}
	return b, ok
}

const subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// generateSubdomain derives a short, lowercase alphanumeric token. Unlike
// the source's epoch-truncated generator (spec §9, Open Question 4), this
// draws from a UUID's random bits, giving a collision-resistant token.
func generateSubdomain() string {
	return shortToken(uuid.New(), 8)
}

// generateSuffix derives the short random suffix appended on a collision
// retry (spec §4.4 step 3).
func generateSuffix() string {
	return shortToken(uuid.New(), 6)
}

func shortToken(id uuid.UUID, length int) string {
	var sb strings.Builder
	sb.Grow(length)
	raw := id[:]
	for i := 0; i < length; i++ {
		sb.WriteByte(subdomainAlphabet[int(raw[i%len(raw)])%len(subdomainAlphabet)])
	}
	return sb.String()
}

// AllocateSubdomain implements the allocation algorithm of spec §4.4: an
// absent/empty requested subdomain gets a generated token; a requested
// subdomain is inserted as-is unless it collides, in which case a
// "-suffix" variant is retried until it succeeds. It returns the final
// subdomain and whether it differs from what was requested.
func (r *Registry) AllocateSubdomain(requested string, t *Tunnel) (subdomain string, reassigned bool) {
	if requested == "" {
		subdomain = generateSubdomain()
		for !r.InsertIfAbsent(subdomain, t) {
			subdomain = generateSubdomain()
		}
		return subdomain, false
	}

	if r.InsertIfAbsent(requested, t) {
		return requested, false
	}

	for {
		candidate := requested + "-" + generateSuffix()
		if r.InsertIfAbsent(candidate, t) {
			return candidate, true
		}
	}
}
