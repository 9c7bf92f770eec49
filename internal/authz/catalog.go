package authz

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Shop permission keys. These mirror the seeded permissions table; handlers
// reference the constants rather than string literals.
const (
	PermCustomersView   = "customers.view"
	PermCustomersCreate = "customers.create"
	PermCustomersUpdate = "customers.update"
	PermCustomersDelete = "customers.delete"

	PermVehiclesView   = "vehicles.view"
	PermVehiclesCreate = "vehicles.create"
	PermVehiclesUpdate = "vehicles.update"
	PermVehiclesDelete = "vehicles.delete"

	PermWorkOrdersView   = "work_orders.view"
	PermWorkOrdersCreate = "work_orders.create"
	PermWorkOrdersUpdate = "work_orders.update"
	PermWorkOrdersDelete = "work_orders.delete"
	PermWorkOrdersAssign = "work_orders.assign"

	PermInvoicesView     = "invoices.view"
	PermInvoicesCreate   = "invoices.create"
	PermInvoicesUpdate   = "invoices.update"
	PermInvoicesDelete   = "invoices.delete"
	PermInvoicesFinalize = "invoices.finalize"

	PermInventoryView   = "inventory.view"
	PermInventoryCreate = "inventory.create"
	PermInventoryUpdate = "inventory.update"
	PermInventoryDelete = "inventory.delete"

	PermPayrollView    = "payroll.view"
	PermPayrollUpdate  = "payroll.update"
	PermPayrollApprove = "payroll.approve"

	PermUsersView              = "users.view"
	PermUsersCreate            = "users.create"
	PermUsersUpdate            = "users.update"
	PermUsersManagePermissions = "users.manage_permissions"

	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermReportsView = "reports.view"
)

// Permission is one catalog entry. Entries are deactivated when retired so
// historical overrides referencing them stay interpretable.
type Permission struct {
	ID           int64    `json:"id"`
	Key          Key      `json:"key"`
	Category     Category `json:"category"`
	DisplayOrder int      `json:"display_order"`
	Active       bool     `json:"active"`
}

// Resource returns the key's resource segment.
func (p Permission) Resource() string { return p.Key.Resource() }

// Action returns the key's action segment.
func (p Permission) Action() string { return p.Key.Action() }

// Label renders a human-readable name, e.g. "Work Orders / Assign".
// cases.Caser carries transform state and is not safe for shared use, so
// each call builds its own.
func (p Permission) Label() string {
	titler := cases.Title(language.English)
	resource := titler.String(strings.ReplaceAll(p.Resource(), "_", " "))
	action := titler.String(strings.ReplaceAll(p.Action(), "_", " "))
	return resource + " / " + action
}

// Catalog is the registry of recognized permission keys. It is immutable
// after construction; resolution and the guard consult it read-only.
type Catalog struct {
	byKey map[Key]Permission
	byID  map[int64]Permission
}

// NewCatalog indexes the given entries.
func NewCatalog(entries []Permission) *Catalog {
	c := &Catalog{
		byKey: make(map[Key]Permission, len(entries)),
		byID:  make(map[int64]Permission, len(entries)),
	}
	for _, p := range entries {
		c.byKey[p.Key] = p
		c.byID[p.ID] = p
	}
	return c
}

// ByKey looks up an entry by permission key.
func (c *Catalog) ByKey(key Key) (Permission, bool) {
	p, ok := c.byKey[key]
	return p, ok
}

// ByID looks up an entry by ID.
func (c *Catalog) ByID(id int64) (Permission, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// ActiveKeys returns the keys of all active entries. This is the set the
// super-role resolves to.
func (c *Catalog) ActiveKeys() Set {
	s := make(Set, len(c.byKey))
	for key, p := range c.byKey {
		if p.Active {
			s.Add(key)
		}
	}
	return s
}

// Active lists active entries ordered for display.
func (c *Catalog) Active() []Permission {
	entries := make([]Permission, 0, len(c.byKey))
	for _, p := range c.byKey {
		if p.Active {
			entries = append(entries, p)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DisplayOrder != entries[j].DisplayOrder {
			return entries[i].DisplayOrder < entries[j].DisplayOrder
		}
		return entries[i].Key < entries[j].Key
	})
	return entries
}

// Len reports the number of entries, active or not.
func (c *Catalog) Len() int { return len(c.byKey) }

type seedDef struct {
	key      string
	category Category
}

var catalogSeed = []seedDef{
	{PermCustomersView, CategoryOperations},
	{PermCustomersCreate, CategoryOperations},
	{PermCustomersUpdate, CategoryOperations},
	{PermCustomersDelete, CategoryOperations},
	{PermVehiclesView, CategoryOperations},
	{PermVehiclesCreate, CategoryOperations},
	{PermVehiclesUpdate, CategoryOperations},
	{PermVehiclesDelete, CategoryOperations},
	{PermWorkOrdersView, CategoryOperations},
	{PermWorkOrdersCreate, CategoryOperations},
	{PermWorkOrdersUpdate, CategoryOperations},
	{PermWorkOrdersDelete, CategoryOperations},
	{PermWorkOrdersAssign, CategoryOperations},
	{PermInvoicesView, CategoryBilling},
	{PermInvoicesCreate, CategoryBilling},
	{PermInvoicesUpdate, CategoryBilling},
	{PermInvoicesDelete, CategoryBilling},
	{PermInvoicesFinalize, CategoryBilling},
	{PermInventoryView, CategoryInventory},
	{PermInventoryCreate, CategoryInventory},
	{PermInventoryUpdate, CategoryInventory},
	{PermInventoryDelete, CategoryInventory},
	{PermPayrollView, CategoryPeople},
	{PermPayrollUpdate, CategoryPeople},
	{PermPayrollApprove, CategoryPeople},
	{PermUsersView, CategoryPeople},
	{PermUsersCreate, CategoryPeople},
	{PermUsersUpdate, CategoryPeople},
	{PermUsersManagePermissions, CategoryAdmin},
	{PermRolesView, CategoryAdmin},
	{PermRolesEdit, CategoryAdmin},
	{PermReportsView, CategoryAdmin},
}

// DefaultCatalog builds the seeded shop catalog. Production deployments load
// the catalog from the permissions table; the seed and the table are kept in
// step by the seeding script.
func DefaultCatalog() *Catalog {
	entries := make([]Permission, len(catalogSeed))
	for i, def := range catalogSeed {
		entries[i] = Permission{
			ID:           int64(i + 1),
			Key:          MustKey(def.key),
			Category:     def.category,
			DisplayOrder: (i + 1) * 10,
			Active:       true,
		}
	}
	return NewCatalog(entries)
}
