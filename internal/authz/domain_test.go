package authz

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	key, err := ParseKey("work_orders.assign")
	require.NoError(t, err)
	require.Equal(t, "work_orders", key.Resource())
	require.Equal(t, "assign", key.Action())

	for _, raw := range []string{
		"",
		"customers",
		"customers.",
		".view",
		"customers.view.extra",
		"Customers.view",
		"customers.vi ew",
		"customers-view",
	} {
		_, err := ParseKey(raw)
		require.Error(t, err, "expected %q to be rejected", raw)
	}
}

func TestOverrideActiveAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	require.True(t, Override{}.ActiveAt(now), "no expiry never expires")
	require.True(t, Override{ExpiresAt: &later}.ActiveAt(now))
	require.False(t, Override{ExpiresAt: &earlier}.ActiveAt(now))
	require.False(t, Override{ExpiresAt: &now}.ActiveAt(now), "expiry boundary is exclusive")
}

func TestPermissionLabel(t *testing.T) {
	p := Permission{Key: MustKey(PermWorkOrdersAssign)}
	require.Equal(t, "Work Orders / Assign", p.Label())

	p = Permission{Key: MustKey(PermInvoicesView)}
	require.Equal(t, "Invoices / View", p.Label())
}

func TestPermissionLabelConcurrent(t *testing.T) {
	// Labels render on every catalog listing, so concurrent requests hit
	// Label at the same time. Run under -race.
	active := DefaultCatalog().Active()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, p := range active {
				if p.Label() == "" {
					t.Error("empty label")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestDefaultCatalog(t *testing.T) {
	catalog := DefaultCatalog()

	require.Equal(t, len(catalogSeed), catalog.Len())
	require.Equal(t, catalog.Len(), len(catalog.ActiveKeys()))

	perm, ok := catalog.ByKey(Key(PermUsersManagePermissions))
	require.True(t, ok)
	require.Equal(t, CategoryAdmin, perm.Category)

	byID, ok := catalog.ByID(perm.ID)
	require.True(t, ok)
	require.Equal(t, perm.Key, byID.Key)

	active := catalog.Active()
	require.Len(t, active, catalog.Len())
	for i := 1; i < len(active); i++ {
		require.Less(t, active[i-1].DisplayOrder, active[i].DisplayOrder)
	}
}

func TestRoleIsSuper(t *testing.T) {
	require.True(t, Role{Key: SuperRoleKey}.IsSuper())
	require.False(t, Role{Key: "manager"}.IsSuper())
}
