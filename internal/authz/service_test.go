package authz

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/garageflow/garageflow/internal/shared"
)

type memoryAuthzStore struct {
	roles      map[int64]Role
	userRoles  map[int64][]int64
	overrides  map[int64][]Override
	nextID     int64
	roleCalls  int
	storeClock time.Time
}

func newMemoryAuthzStore() *memoryAuthzStore {
	return &memoryAuthzStore{
		roles:      make(map[int64]Role),
		userRoles:  make(map[int64][]int64),
		overrides:  make(map[int64][]Override),
		nextID:     100,
		storeClock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memoryAuthzStore) addRole(role Role) Role {
	if role.ID == 0 {
		m.nextID++
		role.ID = m.nextID
	}
	m.roles[role.ID] = role
	return role
}

func (m *memoryAuthzStore) UserRoles(ctx context.Context, userID int64) ([]Role, error) {
	m.roleCalls++
	var out []Role
	for _, roleID := range m.userRoles[userID] {
		if role, ok := m.roles[roleID]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (m *memoryAuthzStore) UserOverrides(ctx context.Context, userID int64) ([]Override, error) {
	return append([]Override(nil), m.overrides[userID]...), nil
}

func (m *memoryAuthzStore) ListRoles(ctx context.Context) ([]Role, error) {
	out := make([]Role, 0, len(m.roles))
	for _, role := range m.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryAuthzStore) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *memoryAuthzStore) CreateRole(ctx context.Context, key, name, description string) (Role, error) {
	for _, role := range m.roles {
		if role.Key == key {
			return Role{}, &ConflictError{Detail: "role key already exists"}
		}
	}
	return m.addRole(Role{Key: key, Name: name, Description: description, IsActive: true}), nil
}

func (m *memoryAuthzStore) UpdateRole(ctx context.Context, id int64, name, description string, isActive bool) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	role.Name, role.Description, role.IsActive = name, description, isActive
	m.roles[id] = role
	return role, nil
}

func (m *memoryAuthzStore) DeleteRole(ctx context.Context, id int64) ([]int64, error) {
	if _, ok := m.roles[id]; !ok {
		return nil, ErrNotFound
	}
	var affected []int64
	for userID, roleIDs := range m.userRoles {
		kept := roleIDs[:0]
		for _, roleID := range roleIDs {
			if roleID == id {
				affected = append(affected, userID)
			} else {
				kept = append(kept, roleID)
			}
		}
		m.userRoles[userID] = kept
	}
	delete(m.roles, id)
	return affected, nil
}

func (m *memoryAuthzStore) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) ([]int64, []int64, error) {
	role, ok := m.roles[roleID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	catalog := DefaultCatalog()
	role.Permissions = nil
	for _, id := range permissionIDs {
		if perm, ok := catalog.ByID(id); ok {
			role.Permissions = append(role.Permissions, perm.Key)
		}
	}
	m.roles[roleID] = role
	return permissionIDs, nil, nil
}

func (m *memoryAuthzStore) UsersWithRole(ctx context.Context, roleID int64) ([]int64, error) {
	var out []int64
	for userID, roleIDs := range m.userRoles {
		for _, id := range roleIDs {
			if id == roleID {
				out = append(out, userID)
			}
		}
	}
	return out, nil
}

func (m *memoryAuthzStore) AssignRole(ctx context.Context, userID, roleID int64) error {
	if _, ok := m.roles[roleID]; !ok {
		return ErrNotFound
	}
	for _, id := range m.userRoles[userID] {
		if id == roleID {
			return nil
		}
	}
	m.userRoles[userID] = append(m.userRoles[userID], roleID)
	return nil
}

func (m *memoryAuthzStore) RemoveRole(ctx context.Context, userID, roleID int64) error {
	kept := m.userRoles[userID][:0]
	for _, id := range m.userRoles[userID] {
		if id != roleID {
			kept = append(kept, id)
		}
	}
	m.userRoles[userID] = kept
	return nil
}

func (m *memoryAuthzStore) UpsertOverride(ctx context.Context, o Override) (Override, error) {
	m.storeClock = m.storeClock.Add(time.Second)
	existing := m.overrides[o.UserID]
	for i, cur := range existing {
		if cur.PermissionID == o.PermissionID {
			o.ID = cur.ID
			o.CreatedAt = m.storeClock
			existing[i] = o
			return o, nil
		}
	}
	m.nextID++
	o.ID = m.nextID
	o.CreatedAt = m.storeClock
	m.overrides[o.UserID] = append(existing, o)
	return o, nil
}

func (m *memoryAuthzStore) DeleteOverride(ctx context.Context, userID, permissionID int64) error {
	kept := m.overrides[userID][:0]
	found := false
	for _, o := range m.overrides[userID] {
		if o.PermissionID == permissionID {
			found = true
		} else {
			kept = append(kept, o)
		}
	}
	if !found {
		return ErrNotFound
	}
	m.overrides[userID] = kept
	return nil
}

var _ Port = (*memoryAuthzStore)(nil)

type memoryAudit struct {
	entries []shared.AuditLog
}

func (m *memoryAudit) Record(ctx context.Context, log shared.AuditLog) error {
	m.entries = append(m.entries, log)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryAuthzStore, *memoryAudit) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := newMemoryAuthzStore()
	audit := &memoryAudit{}
	svc := NewService(ServiceConfig{
		Store:   store,
		Catalog: DefaultCatalog(),
		Cache:   NewEffectiveCache(client, time.Minute),
		Audit:   audit,
	})
	return svc, store, audit
}

func seedReceptionist(store *memoryAuthzStore, userID int64) Role {
	role := store.addRole(Role{
		Key:      "receptionist",
		Name:     "Receptionist",
		IsActive: true,
		Permissions: []Key{
			PermCustomersView,
			PermCustomersCreate,
			PermWorkOrdersView,
		},
	})
	store.userRoles[userID] = append(store.userRoles[userID], role.ID)
	return role
}

func TestServiceEffectivePermissionsUsesCache(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)
	ctx := context.Background()

	first, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.True(t, first.Has(PermCustomersView))
	require.Equal(t, 1, store.roleCalls)

	second, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, first.Strings(), second.Strings())
	require.Equal(t, 1, store.roleCalls, "second resolve should hit the cache")
}

func TestServiceRejectsNonPositiveUser(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.EffectivePermissions(context.Background(), 0)
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
}

func TestServiceGrantOverrideInvalidatesCache(t *testing.T) {
	svc, store, audit := newTestService(t)
	seedReceptionist(store, 7)
	ctx := context.Background()

	before, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.False(t, before.Has(PermWorkOrdersCreate))

	_, err = svc.GrantOverride(ctx, 1, 7, PermWorkOrdersCreate, "covering weekend shift", nil)
	require.NoError(t, err)

	after, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.True(t, after.Has(PermWorkOrdersCreate), "stale cache entry must not survive the grant")

	require.NotEmpty(t, audit.entries)
	require.Equal(t, "override.grant", audit.entries[len(audit.entries)-1].Action)
}

func TestServiceRevokeOverrideWinsOverRole(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)
	ctx := context.Background()

	_, err := svc.RevokeOverride(ctx, 1, 7, PermCustomersCreate, "incident follow-up", nil)
	require.NoError(t, err)

	set, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.False(t, set.Has(PermCustomersCreate))
	require.True(t, set.Has(PermCustomersView))
}

func TestServiceOverrideUnknownKeyRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GrantOverride(context.Background(), 1, 7, "spaceships.fly", "", nil)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GrantOverride(context.Background(), 1, 7, "not-a-key", "", nil)
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
}

func TestServiceClearOverride(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)
	ctx := context.Background()

	_, err := svc.GrantOverride(ctx, 1, 7, PermWorkOrdersCreate, "", nil)
	require.NoError(t, err)
	require.NoError(t, svc.ClearOverride(ctx, 1, 7, PermWorkOrdersCreate))

	set, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.False(t, set.Has(PermWorkOrdersCreate))
}

func TestServiceAssignAndRemoveRoleInvalidate(t *testing.T) {
	svc, store, _ := newTestService(t)
	role := seedReceptionist(store, 7)
	ctx := context.Background()

	set, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.True(t, set.Has(PermCustomersView))

	require.NoError(t, svc.RemoveRole(ctx, 1, 7, role.ID))

	set, err = svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, set)

	require.NoError(t, svc.AssignRole(ctx, 1, 7, role.ID))

	set, err = svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.True(t, set.Has(PermCustomersView))
}

func TestServiceSetRolePermissionsInvalidatesHolders(t *testing.T) {
	svc, store, _ := newTestService(t)
	role := seedReceptionist(store, 7)
	ctx := context.Background()

	_, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)

	catalog := DefaultCatalog()
	view, _ := catalog.ByKey(Key(PermInventoryView))
	require.NoError(t, svc.SetRolePermissions(ctx, 1, role.ID, []int64{view.ID}))

	set, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.True(t, set.Has(PermInventoryView))
	require.False(t, set.Has(PermCustomersView))
}

func TestServiceSetRolePermissionsUnknownID(t *testing.T) {
	svc, store, _ := newTestService(t)
	role := seedReceptionist(store, 7)

	err := svc.SetRolePermissions(context.Background(), 1, role.ID, []int64{9999})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestServiceDeleteSystemRoleBlocked(t *testing.T) {
	svc, store, _ := newTestService(t)
	role := store.addRole(Role{Key: SuperRoleKey, Name: "Admin", IsSystemRole: true, IsActive: true})

	err := svc.DeleteRole(context.Background(), 1, role.ID)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	_, getErr := store.GetRole(context.Background(), role.ID)
	require.NoError(t, getErr)
}

func TestServiceDeleteRoleInvalidatesHolders(t *testing.T) {
	svc, store, _ := newTestService(t)
	role := seedReceptionist(store, 7)
	ctx := context.Background()

	_, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRole(ctx, 1, role.ID))

	set, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestServiceCreateRoleValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRole(ctx, 1, "Bad Key", "Bad", "")
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)

	_, err = svc.CreateRole(ctx, 1, "mechanic", "", "")
	require.ErrorAs(t, err, &invalid)

	role, err := svc.CreateRole(ctx, 1, "mechanic", "Mechanic", "Runs the workshop floor")
	require.NoError(t, err)
	require.Equal(t, "mechanic", role.Key)

	_, err = svc.CreateRole(ctx, 1, "mechanic", "Mechanic", "")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestServiceOnSignOutClearsCache(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)
	ctx := context.Background()

	_, err := svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 1, store.roleCalls)

	require.NoError(t, svc.OnSignOut(ctx, 7))

	_, err = svc.EffectivePermissions(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, 2, store.roleCalls, "post-sign-out resolve must go to the store")
}

func TestServiceDecisionDiagnostics(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)
	ctx := context.Background()

	first, err := svc.Decision(ctx, 7, PermCustomersView)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.False(t, first.CacheHit)

	second, err := svc.Decision(ctx, 7, "payroll.approve")
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.True(t, second.CacheHit)
	require.Equal(t, int64(7), second.UserID)
	require.False(t, second.CheckedAt.IsZero())
}

func TestServiceAuthContext(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)

	authCtx, err := svc.AuthContextFor(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), authCtx.UserID)
	require.Equal(t, []string{"receptionist"}, authCtx.RoleKeys)
	require.True(t, authCtx.Can("customers"))
	require.False(t, authCtx.Can("payroll"))
}
