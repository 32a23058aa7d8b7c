package store

import (
	"strings"
	"sync"
)

// Capability is one of the bits a login grants.
type Capability string

const (
	CapRead  Capability = "read"
	CapWrite Capability = "write"
	CapClone Capability = "clone"
)

// reservedUsers must be rejected at credential lookup,
// except that "anonymous" and "nobody" logins are accepted without any
// secret/signature check and are granted the anonymous capability set.
var reservedUsers = map[string]bool{
	"developer": true,
	"reader":    true,
}

// anonymousUsers bypass the signature check entirely.
var anonymousUsers = map[string]bool{
	"anonymous": true,
	"nobody":    true,
}

// Capabilities is the auth collaborator the login path (xfer.Session)
// consults for a user's stored secret and granted capability set,
// grounded on the teacher's AccessController role cache
// (grant/revoke/has/list backed by a mutex-guarded map with a slow-path
// fallback to a backing ledger/store).
type Capabilities struct {
	mu    sync.Mutex
	cache map[string]map[Capability]struct{}
	// secrets holds each user's stored credential. A 40-char value is
	// treated as an already-hashed (SHA-1) secret; anything else is
	// cleartext and subject to the legacy-fallback derivation in
	// xfer's login check.
	secrets map[string]string

	anonymous map[Capability]struct{}
}

// NewCapabilities builds an empty capability registry. The anonymous
// grant starts empty; callers widen it with GrantAnonymous.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		cache:     make(map[string]map[Capability]struct{}),
		secrets:   make(map[string]string),
		anonymous: make(map[Capability]struct{}),
	}
}

func normalizeUser(user string) string { return strings.ToLower(user) }

// SetSecret records user's stored credential (cleartext or pre-hashed).
func (c *Capabilities) SetSecret(user, secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[normalizeUser(user)] = secret
}

// Grant adds cap to user's capability set.
func (c *Capabilities) Grant(user string, cap Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	user = normalizeUser(user)
	set, ok := c.cache[user]
	if !ok {
		set = make(map[Capability]struct{})
		c.cache[user] = set
	}
	set[cap] = struct{}{}
}

// Revoke removes cap from user's capability set.
func (c *Capabilities) Revoke(user string, cap Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.cache[normalizeUser(user)]; ok {
		delete(set, cap)
	}
}

// Has reports whether user currently holds cap.
func (c *Capabilities) Has(user string, cap Capability) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.cache[normalizeUser(user)]
	if !ok {
		return false
	}
	_, ok = set[cap]
	return ok
}

// List returns the capability set for user, in no defined order.
func (c *Capabilities) List(user string) []Capability {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.cache[normalizeUser(user)]
	out := make([]Capability, 0, len(set))
	for cap := range set {
		out = append(out, cap)
	}
	return out
}

// IsReserved reports whether user must be rejected outright at login,
// developer and reader are reserved names, never
// valid login identities in this protocol.
func IsReserved(user string) bool {
	return reservedUsers[normalizeUser(user)]
}

// IsAnonymous reports whether user logs in without any secret check.
func IsAnonymous(user string) bool {
	return anonymousUsers[normalizeUser(user)]
}

// Secret returns user's stored credential and whether one is on file.
func (c *Capabilities) Secret(user string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.secrets[normalizeUser(user)]
	return s, ok
}

// AnonymousCaps returns the capability set granted to anonymous/nobody
// logins without any credential check.
func (c *Capabilities) AnonymousCaps() map[Capability]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Capability]struct{}, len(c.anonymous))
	for k := range c.anonymous {
		out[k] = struct{}{}
	}
	return out
}

// GrantAnonymous widens the anonymous grant.
func (c *Capabilities) GrantAnonymous(cap Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anonymous[cap] = struct{}{}
}
