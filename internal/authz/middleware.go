package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/garageflow/garageflow/internal/shared"
)

// Middleware wires authorization checks into HTTP handlers. Denials return a
// bare 403: the missing permission key goes to the log only.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAny ensures the current user holds at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, CanAny)
}

// RequireAll ensures the current user holds every listed permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, CanAll)
}

func (m Middleware) require(perms []string, check func(Set, ...string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.CurrentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			effective, err := m.Service.EffectivePermissions(r.Context(), userID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("authz resolve", slog.Int64("user_id", userID), slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !check(effective, perms...) {
				if m.Logger != nil {
					m.Logger.Warn("authz denied",
						slog.Int64("user_id", userID),
						slog.String("required", strings.Join(perms, ",")),
						slog.String("path", r.URL.Path))
				}
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CurrentUserID extracts the authenticated user from the request session.
func (m Middleware) CurrentUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("authz parse user id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}
