package authz

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/garageflow/garageflow/internal/shared"
	_ "github.com/garageflow/garageflow/testing"
)

func newAdminRouter(t *testing.T) (http.Handler, *memoryAuthzStore) {
	t.Helper()
	svc, store, _ := newTestService(t)
	handler := NewHandler(nil, svc, Middleware{Service: svc})

	// User 1 holds the super role so every admin route is reachable.
	admin := store.addRole(Role{Key: SuperRoleKey, Name: "Admin", IsSystemRole: true, IsActive: true})
	store.userRoles[1] = []int64{admin.ID}

	r := chi.NewRouter()
	r.Route("/roles", handler.MountRoles)
	r.Route("/permissions", handler.MountPermissions)
	r.Route("/users", handler.MountUserAccess)
	return r, store
}

func adminRequest(method, target string, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	sess := &shared.Session{}
	sess.SetUser("1")
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func TestHandlerRoleLifecycle(t *testing.T) {
	router, _ := newAdminRouter(t)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodPost, "/roles", `{"key":"mechanic","name":"Mechanic","description":"Workshop floor"}`))
	require.Equal(t, http.StatusCreated, res.Code)

	var created roleResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &created))
	require.Equal(t, "mechanic", created.Key)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodPut, "/roles/"+itoa64(created.ID)+"/permissions", `{"permission_ids":[1,2]}`))
	require.Equal(t, http.StatusNoContent, res.Code)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodGet, "/roles/"+itoa64(created.ID), ""))
	require.Equal(t, http.StatusOK, res.Code)
	var fetched roleResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &fetched))
	require.Len(t, fetched.Permissions, 2)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodDelete, "/roles/"+itoa64(created.ID), ""))
	require.Equal(t, http.StatusNoContent, res.Code)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodGet, "/roles/"+itoa64(created.ID), ""))
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestHandlerDeleteSystemRoleConflict(t *testing.T) {
	router, store := newAdminRouter(t)
	adminRoleID := store.userRoles[1][0]

	res := httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodDelete, "/roles/"+itoa64(adminRoleID), ""))
	require.Equal(t, http.StatusConflict, res.Code)
}

func TestHandlerListPermissions(t *testing.T) {
	router, _ := newAdminRouter(t)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodGet, "/permissions", ""))
	require.Equal(t, http.StatusOK, res.Code)

	var perms []permissionResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &perms))
	require.Len(t, perms, DefaultCatalog().Len())
	require.NotEmpty(t, perms[0].Label)
}

func TestHandlerOverrideFlow(t *testing.T) {
	router, store := newAdminRouter(t)
	seedReceptionist(store, 7)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodPut, "/users/7/overrides",
		`{"permission":"work_orders.create","granted":true,"reason":"weekend shift"}`))
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodGet, "/users/7/permissions", ""))
	require.Equal(t, http.StatusOK, res.Code)
	var eff struct {
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &eff))
	require.Contains(t, eff.Permissions, PermWorkOrdersCreate)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodGet, "/users/7/permissions/check?key=work_orders.create", ""))
	require.Equal(t, http.StatusOK, res.Code)
	var decision Decision
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &decision))
	require.True(t, decision.Allowed)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodGet, "/users/7/overrides", ""))
	require.Equal(t, http.StatusOK, res.Code)
	var overrides []overrideResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &overrides))
	require.Len(t, overrides, 1)
	require.Equal(t, PermWorkOrdersCreate, overrides[0].Permission)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodDelete, "/users/7/overrides/work_orders.create", ""))
	require.Equal(t, http.StatusNoContent, res.Code)

	res = httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodGet, "/users/7/overrides", ""))
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &overrides))
	require.Empty(t, overrides)
}

func TestHandlerOverrideUnknownPermission(t *testing.T) {
	router, _ := newAdminRouter(t)

	res := httptest.NewRecorder()
	router.ServeHTTP(res, adminRequest(http.MethodPut, "/users/7/overrides",
		`{"permission":"spaceships.fly","granted":true,"reason":"testing"}`))
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestHandlerLogsMalformedBody(t *testing.T) {
	svc, store, _ := newTestService(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	handler := NewHandler(logger, svc, Middleware{Service: svc})

	admin := store.addRole(Role{Key: SuperRoleKey, Name: "Admin", IsSystemRole: true, IsActive: true})
	store.userRoles[1] = []int64{admin.ID}

	r := chi.NewRouter()
	r.Route("/roles", handler.MountRoles)

	res := httptest.NewRecorder()
	r.ServeHTTP(res, adminRequest(http.MethodPost, "/roles", `{not json`))
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Contains(t, logs.String(), "malformed request body")
	require.Contains(t, logs.String(), "/roles")
}

func TestHandlerForbiddenWithoutPermission(t *testing.T) {
	svc, store, _ := newTestService(t)
	handler := NewHandler(nil, svc, Middleware{Service: svc})
	seedReceptionist(store, 7)

	r := chi.NewRouter()
	r.Route("/roles", handler.MountRoles)

	req := httptest.NewRequest(http.MethodGet, "/roles", nil)
	sess := &shared.Session{}
	sess.SetUser("7")
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)
	require.Equal(t, http.StatusForbidden, res.Code)
}

func itoa64(id int64) string {
	return strconv.FormatInt(id, 10)
}
