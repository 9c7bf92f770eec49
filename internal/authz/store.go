package authz

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/garageflow/garageflow/internal/platform/db"
)

// Postgres error codes checked when mapping constraint violations.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store provides PostgreSQL backed persistence for roles, role-permission
// links, user-role assignments, overrides, and the permission catalog.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// LoadCatalog reads every catalog entry, active or retired.
func (s *Store) LoadCatalog(ctx context.Context) (*Catalog, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, key, category, display_order, is_active FROM permissions ORDER BY display_order`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Permission
	for rows.Next() {
		var p Permission
		var rawKey, rawCategory string
		if err := rows.Scan(&p.ID, &rawKey, &rawCategory, &p.DisplayOrder, &p.Active); err != nil {
			return nil, err
		}
		key, err := ParseKey(rawKey)
		if err != nil {
			// A malformed row cannot be authorized against; skip it.
			continue
		}
		p.Key = key
		p.Category = Category(rawCategory)
		entries = append(entries, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewCatalog(entries), nil
}

// UserRoles returns the user's active roles with their permission keys.
func (s *Store) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.key, r.name, r.description, r.is_system, r.is_active, r.created_at, r.updated_at, p.key
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1 AND r.is_active
		ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// UserOverrides returns all overrides for the user, including expired ones.
// Expiry filtering belongs to the resolver.
func (s *Store) UserOverrides(ctx context.Context, userID int64) ([]Override, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, permission_id, is_granted, reason, granted_by, expires_at, created_at
		FROM permission_overrides
		WHERE user_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var overrides []Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionID, &o.Granted, &o.Reason, &o.GrantedBy, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return overrides, nil
}

// ListRoles returns all roles with their permission keys, system roles first.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.key, r.name, r.description, r.is_system, r.is_active, r.created_at, r.updated_at, p.key
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		ORDER BY r.is_system DESC, r.key, r.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRoles(rows)
}

// GetRole fetches one role with its permission keys.
func (s *Store) GetRole(ctx context.Context, id int64) (Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.key, r.name, r.description, r.is_system, r.is_active, r.created_at, r.updated_at, p.key
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		LEFT JOIN permissions p ON p.id = rp.permission_id
		WHERE r.id = $1`, id)
	if err != nil {
		return Role{}, err
	}
	defer rows.Close()
	roles, err := collectRoles(rows)
	if err != nil {
		return Role{}, err
	}
	if len(roles) == 0 {
		return Role{}, ErrNotFound
	}
	return roles[0], nil
}

// CreateRole inserts a custom role. Duplicate keys map to *ConflictError.
func (s *Store) CreateRole(ctx context.Context, key, name, description string) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `
		INSERT INTO roles (key, name, description, is_system, is_active)
		VALUES ($1, $2, $3, FALSE, TRUE)
		RETURNING id, key, name, description, is_system, is_active, created_at, updated_at`,
		key, name, description,
	).Scan(&role.ID, &role.Key, &role.Name, &role.Description, &role.IsSystemRole, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == pgUniqueViolation {
			return Role{}, &ConflictError{Detail: "role key already exists"}
		}
		return Role{}, err
	}
	return role, nil
}

// UpdateRole updates the mutable fields of a role.
func (s *Store) UpdateRole(ctx context.Context, id int64, name, description string, isActive bool) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = $3, is_active = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING id, key, name, description, is_system, is_active, created_at, updated_at`,
		id, name, description, isActive,
	).Scan(&role.ID, &role.Key, &role.Name, &role.Description, &role.IsSystemRole, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, ErrNotFound
		}
		return Role{}, err
	}
	return role, nil
}

// DeleteRole removes a role and cascades its permission links and user
// assignments. Returns the IDs of users who held the role so their cached
// effective sets can be invalidated.
func (s *Store) DeleteRole(ctx context.Context, id int64) ([]int64, error) {
	var affected []int64
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var userID int64
			if err := rows.Scan(&userID); err != nil {
				return err
			}
			affected = append(affected, userID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return affected, nil
}

// SetRolePermissions replaces the role's permission set with the supplied
// IDs, diffing against the current links so the caller can audit what
// actually changed.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (added, removed []int64, err error) {
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1`, roleID)
		if err != nil {
			return err
		}
		defer rows.Close()
		existing := make(map[int64]struct{})
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			existing[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		keep := make(map[int64]struct{}, len(permissionIDs))
		for _, id := range permissionIDs {
			keep[id] = struct{}{}
			if _, ok := existing[id]; ok {
				continue
			}
			if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, id); err != nil {
				if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == pgForeignKeyViolation {
					return ErrNotFound
				}
				return err
			}
			added = append(added, id)
		}
		for id := range existing {
			if _, ok := keep[id]; ok {
				continue
			}
			if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`, roleID, id); err != nil {
				return err
			}
			removed = append(removed, id)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return added, removed, nil
}

// UsersWithRole lists users currently assigned the role.
func (s *Store) UsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM user_roles WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// AssignRole links a user to a role. Re-assigning is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT (user_id, role_id) DO NOTHING`, userID, roleID)
	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == pgForeignKeyViolation {
		return ErrNotFound
	}
	return err
}

// RemoveRole unlinks a user from a role.
func (s *Store) RemoveRole(ctx context.Context, userID, roleID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertOverride records the current grant/revoke decision for a
// (user, permission) pair. A new decision supersedes the prior one rather
// than accumulating history; the audit trail lives in audit_logs.
func (s *Store) UpsertOverride(ctx context.Context, o Override) (Override, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO permission_overrides (user_id, permission_id, is_granted, reason, granted_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, permission_id) DO UPDATE
		SET is_granted = EXCLUDED.is_granted,
		    reason = EXCLUDED.reason,
		    granted_by = EXCLUDED.granted_by,
		    expires_at = EXCLUDED.expires_at,
		    created_at = NOW()
		RETURNING id, created_at`,
		o.UserID, o.PermissionID, o.Granted, o.Reason, o.GrantedBy, o.ExpiresAt,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == pgForeignKeyViolation {
			return Override{}, ErrNotFound
		}
		return Override{}, err
	}
	return o, nil
}

// DeleteOverride removes the override for a (user, permission) pair.
func (s *Store) DeleteOverride(ctx context.Context, userID, permissionID int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM permission_overrides WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredOverrides purges overrides whose expiry passed before the
// cutoff. Used by the retention sweep job; recent expiries are kept so admin
// screens can still show them.
func (s *Store) DeleteExpiredOverrides(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM permission_overrides WHERE expires_at IS NOT NULL AND expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectRoles(rows pgx.Rows) ([]Role, error) {
	var roles []Role
	index := make(map[int64]int)
	for rows.Next() {
		var (
			role    Role
			permKey *string
		)
		if err := rows.Scan(&role.ID, &role.Key, &role.Name, &role.Description, &role.IsSystemRole, &role.IsActive, &role.CreatedAt, &role.UpdatedAt, &permKey); err != nil {
			return nil, err
		}
		i, seen := index[role.ID]
		if !seen {
			roles = append(roles, role)
			i = len(roles) - 1
			index[role.ID] = i
		}
		if permKey != nil {
			if key, err := ParseKey(*permKey); err == nil {
				roles[i].Permissions = append(roles[i].Permissions, key)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}
