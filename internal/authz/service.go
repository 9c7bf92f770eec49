package authz

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/garageflow/garageflow/internal/shared"
)

// Port defines the persistence operations the service depends on. The pgx
// Store satisfies it; tests substitute memory fakes.
type Port interface {
	UserRoles(ctx context.Context, userID int64) ([]Role, error)
	UserOverrides(ctx context.Context, userID int64) ([]Override, error)

	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	CreateRole(ctx context.Context, key, name, description string) (Role, error)
	UpdateRole(ctx context.Context, id int64, name, description string, isActive bool) (Role, error)
	DeleteRole(ctx context.Context, id int64) ([]int64, error)
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (added, removed []int64, err error)
	UsersWithRole(ctx context.Context, roleID int64) ([]int64, error)
	AssignRole(ctx context.Context, userID, roleID int64) error
	RemoveRole(ctx context.Context, userID, roleID int64) error

	UpsertOverride(ctx context.Context, o Override) (Override, error)
	DeleteOverride(ctx context.Context, userID, permissionID int64) error
}

var _ Port = (*Store)(nil)

// AuditRecorder receives audit trail entries for administrative mutations.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsRecorder counts authorization outcomes and cache effectiveness.
type MetricsRecorder interface {
	RecordDecision(allowed bool)
	RecordCacheLookup(hit bool)
}

// ServiceConfig collects the service dependencies. Audit, Metrics, and Cache
// are optional.
type ServiceConfig struct {
	Store   Port
	Catalog *Catalog
	Cache   *EffectiveCache
	Audit   AuditRecorder
	Metrics MetricsRecorder
	Logger  *slog.Logger
}

// Service is the authorization facade: it resolves effective permission sets
// (through the cache when possible) and owns the administrative mutations on
// roles and overrides, invalidating affected cache entries before reporting
// success.
type Service struct {
	store   Port
	catalog *Catalog
	cache   *EffectiveCache
	audit   AuditRecorder
	metrics MetricsRecorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   cfg.Store,
		catalog: cfg.Catalog,
		cache:   cfg.Cache,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Catalog exposes the permission registry.
func (s *Service) Catalog() *Catalog { return s.catalog }

// EffectivePermissions returns the user's resolved permission set, consulting
// the cache first. Cache failures degrade to direct resolution; upstream
// fetch failures propagate so guards deny.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) (Set, error) {
	set, _, err := s.resolve(ctx, userID)
	return set, err
}

// AuthContextFor builds the explicit per-request authorization context.
func (s *Service) AuthContextFor(ctx context.Context, userID int64) (AuthContext, error) {
	if userID <= 0 {
		return AuthContext{}, &ValidationError{Field: "user_id", Reason: "must be positive"}
	}
	roles, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return AuthContext{}, err
	}
	set, _, err := s.resolve(ctx, userID)
	if err != nil {
		return AuthContext{}, err
	}
	roleKeys := make([]string, len(roles))
	for i, r := range roles {
		roleKeys[i] = r.Key
	}
	return AuthContext{UserID: userID, RoleKeys: roleKeys, Effective: set, ResolvedAt: s.now()}, nil
}

// Decision answers one permission question with diagnostics attached.
func (s *Service) Decision(ctx context.Context, userID int64, key string) (Decision, error) {
	set, cacheHit, err := s.resolve(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	allowed := Can(set, key)
	if s.metrics != nil {
		s.metrics.RecordDecision(allowed)
	}
	return Decision{
		UserID:     userID,
		Permission: key,
		Allowed:    allowed,
		CheckedAt:  s.now(),
		CacheHit:   cacheHit,
	}, nil
}

// OnRoleOrOverrideChanged drops the user's cached effective set. Every write
// path that touches the user's roles or overrides calls this before the
// write is considered complete.
func (s *Service) OnRoleOrOverrideChanged(ctx context.Context, userID int64) error {
	return s.cache.Invalidate(ctx, userID)
}

// OnSignOut clears the user's cache entry unconditionally.
func (s *Service) OnSignOut(ctx context.Context, userID int64) error {
	return s.cache.Invalidate(ctx, userID)
}

func (s *Service) resolve(ctx context.Context, userID int64) (Set, bool, error) {
	if userID <= 0 {
		return nil, false, &ValidationError{Field: "user_id", Reason: "must be positive"}
	}
	cached, hit, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("authz cache read failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	if s.metrics != nil {
		s.metrics.RecordCacheLookup(hit)
	}
	if hit {
		return cached, true, nil
	}

	roles, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	overrides, err := s.store.UserOverrides(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	set := Resolve(roles, overrides, s.catalog, s.now())
	if err := s.cache.Put(ctx, userID, set); err != nil {
		s.logger.Warn("authz cache write failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	return set, false, nil
}

// ListPermissions returns the active catalog entries in display order.
func (s *Service) ListPermissions(ctx context.Context) []Permission {
	return s.catalog.Active()
}

// ListRoles returns all roles with their permission sets.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// GetRole fetches one role.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.store.GetRole(ctx, id)
}

// CreateRole creates a custom role. The caller must already hold the role
// administration permission.
func (s *Service) CreateRole(ctx context.Context, actorID int64, key, name, description string) (Role, error) {
	if !validSegment(key) {
		return Role{}, &ValidationError{Field: "key", Reason: "must be a lowercase identifier"}
	}
	if name == "" {
		return Role{}, &ValidationError{Field: "name", Reason: "required"}
	}
	role, err := s.store.CreateRole(ctx, key, name, description)
	if err != nil {
		return Role{}, err
	}
	s.recordAudit(ctx, actorID, "role.create", "role", role.ID, map[string]any{"key": role.Key})
	return role, nil
}

// UpdateRole updates a role's name, description, and active flag.
func (s *Service) UpdateRole(ctx context.Context, actorID, id int64, name, description string, isActive bool) (Role, error) {
	if name == "" {
		return Role{}, &ValidationError{Field: "name", Reason: "required"}
	}
	role, err := s.store.UpdateRole(ctx, id, name, description, isActive)
	if err != nil {
		return Role{}, err
	}
	if err := s.invalidateRoleHolders(ctx, id); err != nil {
		return Role{}, err
	}
	s.recordAudit(ctx, actorID, "role.update", "role", role.ID, map[string]any{"active": role.IsActive})
	return role, nil
}

// DeleteRole removes a custom role, cascading its links. System roles are
// protected with *ConflictError.
func (s *Service) DeleteRole(ctx context.Context, actorID, id int64) error {
	role, err := s.store.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return &ConflictError{Detail: "system roles cannot be deleted"}
	}
	affected, err := s.store.DeleteRole(ctx, id)
	if err != nil {
		return err
	}
	for _, userID := range affected {
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			return err
		}
	}
	s.recordAudit(ctx, actorID, "role.delete", "role", id, map[string]any{"key": role.Key, "users_affected": len(affected)})
	return nil
}

// SetRolePermissions replaces the role's permission set. The supplied IDs
// become the complete set; unknown IDs are rejected.
func (s *Service) SetRolePermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) error {
	for _, id := range permissionIDs {
		if _, ok := s.catalog.ByID(id); !ok {
			return ErrNotFound
		}
	}
	added, removed, err := s.store.SetRolePermissions(ctx, roleID, permissionIDs)
	if err != nil {
		return err
	}
	if err := s.invalidateRoleHolders(ctx, roleID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role.set_permissions", "role", roleID, map[string]any{"added": len(added), "removed": len(removed)})
	return nil
}

// AssignRole links a user to a role and invalidates their cached set.
func (s *Service) AssignRole(ctx context.Context, actorID, userID, roleID int64) error {
	if err := s.store.AssignRole(ctx, userID, roleID); err != nil {
		return err
	}
	if err := s.OnRoleOrOverrideChanged(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role.assign", "user", userID, map[string]any{"role_id": roleID})
	return nil
}

// RemoveRole unlinks a user from a role and invalidates their cached set.
func (s *Service) RemoveRole(ctx context.Context, actorID, userID, roleID int64) error {
	if err := s.store.RemoveRole(ctx, userID, roleID); err != nil {
		return err
	}
	if err := s.OnRoleOrOverrideChanged(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "role.remove", "user", userID, map[string]any{"role_id": roleID})
	return nil
}

// GrantOverride records an additive per-user exception for the permission.
func (s *Service) GrantOverride(ctx context.Context, actorID, userID int64, key string, reason string, expiresAt *time.Time) (Override, error) {
	return s.putOverride(ctx, actorID, userID, key, true, reason, expiresAt)
}

// RevokeOverride records a subtractive per-user exception for the permission.
func (s *Service) RevokeOverride(ctx context.Context, actorID, userID int64, key string, reason string, expiresAt *time.Time) (Override, error) {
	return s.putOverride(ctx, actorID, userID, key, false, reason, expiresAt)
}

func (s *Service) putOverride(ctx context.Context, actorID, userID int64, key string, granted bool, reason string, expiresAt *time.Time) (Override, error) {
	if userID <= 0 {
		return Override{}, &ValidationError{Field: "user_id", Reason: "must be positive"}
	}
	parsed, err := ParseKey(key)
	if err != nil {
		return Override{}, err
	}
	perm, ok := s.catalog.ByKey(parsed)
	if !ok || !perm.Active {
		return Override{}, ErrNotFound
	}
	override, err := s.store.UpsertOverride(ctx, Override{
		UserID:       userID,
		PermissionID: perm.ID,
		Granted:      granted,
		Reason:       reason,
		GrantedBy:    actorID,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return Override{}, err
	}
	if err := s.OnRoleOrOverrideChanged(ctx, userID); err != nil {
		return Override{}, err
	}
	action := "override.revoke"
	if granted {
		action = "override.grant"
	}
	s.recordAudit(ctx, actorID, action, "user", userID, map[string]any{"permission": key, "reason": reason})
	return override, nil
}

// ClearOverride deletes the override for a (user, permission) pair.
func (s *Service) ClearOverride(ctx context.Context, actorID, userID int64, key string) error {
	parsed, err := ParseKey(key)
	if err != nil {
		return err
	}
	perm, ok := s.catalog.ByKey(parsed)
	if !ok {
		return ErrNotFound
	}
	if err := s.store.DeleteOverride(ctx, userID, perm.ID); err != nil {
		return err
	}
	if err := s.OnRoleOrOverrideChanged(ctx, userID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "override.clear", "user", userID, map[string]any{"permission": key})
	return nil
}

// UserOverrides lists all of a user's overrides, including expired ones, for
// the admin panel.
func (s *Service) UserOverrides(ctx context.Context, userID int64) ([]Override, error) {
	return s.store.UserOverrides(ctx, userID)
}

func (s *Service) invalidateRoleHolders(ctx context.Context, roleID int64) error {
	users, err := s.store.UsersWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := s.cache.Invalidate(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	entry := shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       s.now(),
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
