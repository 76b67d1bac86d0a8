// Package wallet authenticates users by Ethereum wallet signature and keeps
// the process-wide guard that stops duplicate or rapid repeat attempts.
package wallet

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultCooldown is the minimum gap between two authentication attempts.
const DefaultCooldown = 2000 * time.Millisecond

// maxUsedMessages bounds the signed messages remembered per address.
const maxUsedMessages = 32

// Status is the authentication state of one address.
type Status uint8

const (
	StatusUnauthenticated Status = iota
	StatusPending
	StatusAuthenticated
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Registry tracks per-address state and a single lastAuthTime shared by all
// addresses. The cooldown is global on purpose: it throttles calls to the
// wallet provider as a whole, not per address.
//
// Addresses are compared case-insensitively. A Registry is safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]Status
	used     map[string][]common.Hash
	lastAuth time.Time
	cooldown time.Duration
	now      func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithCooldown(d time.Duration) RegistryOption {
	return func(r *Registry) { r.cooldown = d }
}

func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:  make(map[string]Status),
		used:     make(map[string][]common.Hash),
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// CanAuthenticate reports whether address is neither pending nor
// authenticated and the cooldown since the last attempt for any address has
// elapsed.
func (r *Registry) CanAuthenticate(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canLocked(key(address))
}

func (r *Registry) canLocked(k string) bool {
	if st := r.entries[k]; st == StatusPending || st == StatusAuthenticated {
		return false
	}
	if !r.lastAuth.IsZero() && r.now().Sub(r.lastAuth) < r.cooldown {
		return false
	}
	return true
}

// MarkAsPending records that an attempt for address is starting and stamps
// the global cooldown. Call it before the network call.
func (r *Registry) MarkAsPending(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(address)] = StatusPending
	r.lastAuth = r.now()
}

// Begin is CanAuthenticate and MarkAsPending as one step. It returns false
// without changing anything when the attempt is not allowed.
func (r *Registry) Begin(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(address)
	if !r.canLocked(k) {
		return false
	}
	r.entries[k] = StatusPending
	r.lastAuth = r.now()
	return true
}

func (r *Registry) MarkAsAuthenticated(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key(address)] = StatusAuthenticated
}

// MarkAsFailed returns a pending address to unauthenticated so it can retry.
func (r *Registry) MarkAsFailed(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(address)
	if r.entries[k] == StatusPending {
		delete(r.entries, k)
	}
}

// RemoveWallet forgets address, e.g. on disconnect.
func (r *Registry) RemoveWallet(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(address)
	delete(r.entries, k)
	delete(r.used, k)
}

// UseMessage records that message was accepted for address. It returns
// false if the same message was already used, so a captured signature
// cannot be presented twice. Messages are compared by Keccak-256 digest;
// signatures are not, as they are malleable.
func (r *Registry) UseMessage(address, message string) bool {
	h := crypto.Keccak256Hash([]byte(message))
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(address)
	if slices.Contains(r.used[k], h) {
		return false
	}
	used := append(r.used[k], h)
	if len(used) > maxUsedMessages {
		used = used[len(used)-maxUsedMessages:]
	}
	r.used[k] = used
	return true
}

func (r *Registry) IsAuthenticated(address string) bool {
	return r.Status(address) == StatusAuthenticated
}

func (r *Registry) Status(address string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[key(address)]
}

// Reset drops all state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Status)
	r.used = make(map[string][]common.Hash)
	r.lastAuth = time.Time{}
}
