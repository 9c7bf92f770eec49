package authz

import (
	"sort"
	"strings"
	"time"
)

// SuperRoleKey names the role that bypasses override logic and holds every
// active catalog permission unconditionally.
const SuperRoleKey = "admin"

// Key identifies one authorizable operation in the form "resource.action".
// Keys are validated at construction so lookups never deal with malformed
// input.
type Key string

// ParseKey validates a raw permission key. Both segments must be non-empty
// lowercase identifiers separated by a single dot.
func ParseKey(raw string) (Key, error) {
	resource, action, ok := strings.Cut(raw, ".")
	if !ok {
		return "", &ValidationError{Field: "key", Reason: "expected resource.action, got " + quote(raw)}
	}
	if !validSegment(resource) || !validSegment(action) {
		return "", &ValidationError{Field: "key", Reason: "malformed segment in " + quote(raw)}
	}
	return Key(raw), nil
}

// MustKey is for statically known keys such as catalog seeds.
func MustKey(raw string) Key {
	key, err := ParseKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}

// Resource returns the segment before the dot.
func (k Key) Resource() string {
	resource, _, _ := strings.Cut(string(k), ".")
	return resource
}

// Action returns the segment after the dot.
func (k Key) Action() string {
	_, action, _ := strings.Cut(string(k), ".")
	return action
}

func (k Key) String() string { return string(k) }

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '_' {
			return false
		}
	}
	return true
}

func quote(raw string) string {
	if len(raw) > 64 {
		raw = raw[:64]
	}
	return "\"" + raw + "\""
}

// Category groups catalog entries for presentation.
type Category string

// Catalog categories.
const (
	CategoryOperations Category = "operations"
	CategoryBilling    Category = "billing"
	CategoryInventory  Category = "inventory"
	CategoryPeople     Category = "people"
	CategoryAdmin      Category = "admin"
)

// Role is a named bundle of permission keys assignable to users. System
// roles are seeded per tenant and cannot be deleted.
type Role struct {
	ID           int64
	Key          string
	Name         string
	Description  string
	IsSystemRole bool
	IsActive     bool
	Permissions  []Key
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsSuper reports whether the role is the designated super-role.
func (r Role) IsSuper() bool {
	return r.Key == SuperRoleKey
}

// Override is a per-user exception layered on top of role-derived
// permissions. Granted adds a permission the roles lack; a revocation
// removes one they include. Expired overrides are inert but retained.
type Override struct {
	ID           int64
	UserID       int64
	PermissionID int64
	Granted      bool
	Reason       string
	GrantedBy    int64
	ExpiresAt    *time.Time
	CreatedAt    time.Time
}

// ActiveAt reports whether the override still applies at the given instant.
func (o Override) ActiveAt(now time.Time) bool {
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

// Set is a resolved effective permission set.
type Set map[Key]struct{}

// NewSet builds a Set from keys.
func NewSet(keys ...Key) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s Set) Has(key Key) bool {
	_, ok := s[key]
	return ok
}

// Add inserts a key.
func (s Set) Add(key Key) {
	s[key] = struct{}{}
}

// Remove deletes a key.
func (s Set) Remove(key Key) {
	delete(s, key)
}

// Keys returns the members sorted for stable output.
func (s Set) Keys() []Key {
	keys := make([]Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Strings returns the members as sorted plain strings.
func (s Set) Strings() []string {
	keys := s.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

// AuthContext carries the identity and resolved permissions for one request.
// It is passed explicitly; there is no ambient authorization state.
type AuthContext struct {
	UserID     int64
	RoleKeys   []string
	Effective  Set
	ResolvedAt time.Time
}

// Can reports whether the context holds the permission. Accepts the coarse
// "resource" form, which implies "resource.view".
func (a AuthContext) Can(key string) bool {
	return Can(a.Effective, key)
}

// Decision is the diagnostic record returned by permission check APIs.
type Decision struct {
	UserID     int64     `json:"user_id"`
	Permission string    `json:"permission"`
	Allowed    bool      `json:"allowed"`
	CheckedAt  time.Time `json:"checked_at"`
	CacheHit   bool      `json:"cache_hit"`
}
