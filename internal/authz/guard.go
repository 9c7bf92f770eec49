package authz

import "strings"

// editActions are the actions whose presence makes a resource "editable"
// for coarse-grained checks.
var editActions = []string{"create", "update", "delete"}

// normalizeKey accepts both the fine-grained "resource.action" form and the
// legacy coarse "resource" form, which implies "resource.view". Malformed
// keys yield ok=false so callers deny rather than panic.
func normalizeKey(raw string) (Key, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, ".") {
		raw += ".view"
	}
	key, err := ParseKey(raw)
	if err != nil {
		return "", false
	}
	return key, true
}

// Can reports whether the effective set contains the permission. A bare
// resource name checks for "resource.view".
func Can(set Set, key string) bool {
	normalized, ok := normalizeKey(key)
	if !ok {
		return false
	}
	return set.Has(normalized)
}

// CanAny reports whether at least one of the permissions is present.
func CanAny(set Set, keys ...string) bool {
	for _, key := range keys {
		if Can(set, key) {
			return true
		}
	}
	return false
}

// CanAll reports whether every permission is present. An empty list is
// trivially satisfied.
func CanAll(set Set, keys ...string) bool {
	for _, key := range keys {
		if !Can(set, key) {
			return false
		}
	}
	return true
}

// CanEdit reports whether the set holds any mutating action on the resource.
func CanEdit(set Set, resource string) bool {
	for _, action := range editActions {
		if Can(set, resource+"."+action) {
			return true
		}
	}
	return false
}

// Require returns a *ForbiddenError carrying the missing key when the check
// fails. Intended for protected-operation entry points; the HTTP layer must
// keep the key out of client responses.
func Require(set Set, key string) error {
	normalized, ok := normalizeKey(key)
	if !ok {
		return &ValidationError{Field: "key", Reason: "malformed permission key"}
	}
	if !set.Has(normalized) {
		return &ForbiddenError{Key: normalized}
	}
	return nil
}
