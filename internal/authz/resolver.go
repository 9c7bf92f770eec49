package authz

import "time"

// Resolve computes the effective permission set for a user from their
// assigned roles and overrides. It is a pure function of its inputs: no
// storage access, no clock reads, safe to call concurrently.
//
// Combination policy, applied uniformly: role permissions form the baseline,
// active grants are added, active revocations are subtracted last, so a
// revocation wins whenever both decisions survive deduplication for the same
// key. Duplicate active overrides for one (user, permission) pair are reduced
// to the most recently created record, with the higher ID breaking exact
// timestamp ties.
//
// Data-quality issues never fail resolution: expired overrides, overrides
// referencing unknown or retired catalog entries, and inactive roles are all
// skipped.
func Resolve(roles []Role, overrides []Override, catalog *Catalog, now time.Time) Set {
	// Super-role short-circuit: the full active catalog, overrides ignored.
	for _, role := range roles {
		if role.IsActive && role.IsSuper() {
			return catalog.ActiveKeys()
		}
	}

	effective := make(Set)
	for _, role := range roles {
		if !role.IsActive {
			continue
		}
		for _, key := range role.Permissions {
			if perm, ok := catalog.ByKey(key); ok && perm.Active {
				effective.Add(key)
			}
		}
	}

	// One governing override per permission: latest CreatedAt, then higher ID.
	governing := make(map[int64]Override)
	for _, o := range overrides {
		if !o.ActiveAt(now) {
			continue
		}
		current, seen := governing[o.PermissionID]
		if !seen || o.CreatedAt.After(current.CreatedAt) ||
			(o.CreatedAt.Equal(current.CreatedAt) && o.ID > current.ID) {
			governing[o.PermissionID] = o
		}
	}

	var revoked []Key
	for permID, o := range governing {
		perm, ok := catalog.ByID(permID)
		if !ok || !perm.Active {
			// Orphaned override; ignore rather than fail.
			continue
		}
		if o.Granted {
			effective.Add(perm.Key)
		} else {
			revoked = append(revoked, perm.Key)
		}
	}
	for _, key := range revoked {
		effective.Remove(key)
	}
	return effective
}
