package authz

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garageflow/garageflow/internal/shared"
)

func requestWithUser(t *testing.T, userID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	sess := &shared.Session{}
	if userID != "" {
		sess.SetUser(userID)
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestMiddlewareAllowsPermittedUser(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)
	mw := Middleware{Service: svc}

	res := httptest.NewRecorder()
	mw.RequireAny(PermCustomersView)(okHandler()).ServeHTTP(res, requestWithUser(t, "7"))

	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ok", res.Body.String())
}

func TestMiddlewareDeniesWithGenericBody(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)
	mw := Middleware{Service: svc}

	res := httptest.NewRecorder()
	mw.RequireAll(PermRolesEdit)(okHandler()).ServeHTTP(res, requestWithUser(t, "7"))

	require.Equal(t, http.StatusForbidden, res.Code)
	body := res.Body.String()
	require.NotContains(t, body, PermRolesEdit, "denied response must not leak the required key")
	require.Equal(t, http.StatusText(http.StatusForbidden), strings.TrimSpace(body))
}

func TestMiddlewareDeniesAnonymous(t *testing.T) {
	svc, _, _ := newTestService(t)
	mw := Middleware{Service: svc}

	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	res := httptest.NewRecorder()
	mw.RequireAny(PermCustomersView)(okHandler()).ServeHTTP(res, req)

	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestMiddlewareDeniesMalformedUserID(t *testing.T) {
	svc, _, _ := newTestService(t)
	mw := Middleware{Service: svc}

	res := httptest.NewRecorder()
	mw.RequireAny(PermCustomersView)(okHandler()).ServeHTTP(res, requestWithUser(t, "abc"))

	require.Equal(t, http.StatusForbidden, res.Code)
}

func TestMiddlewareRequireAllNeedsEveryKey(t *testing.T) {
	svc, store, _ := newTestService(t)
	seedReceptionist(store, 7)
	mw := Middleware{Service: svc}

	res := httptest.NewRecorder()
	mw.RequireAll(PermCustomersView, PermWorkOrdersView)(okHandler()).ServeHTTP(res, requestWithUser(t, "7"))
	require.Equal(t, http.StatusOK, res.Code)

	res = httptest.NewRecorder()
	mw.RequireAll(PermCustomersView, PermPayrollView)(okHandler()).ServeHTTP(res, requestWithUser(t, "7"))
	require.Equal(t, http.StatusForbidden, res.Code)
}
