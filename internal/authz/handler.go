package authz

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/garageflow/garageflow/internal/platform/httpx"
)

// Handler exposes the JSON administration API for roles, the permission
// catalog, and per-user overrides.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	mw        Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, mw Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, mw: mw, validator: validator.New()}
}

// decodeBody unmarshals a JSON request body, logging rejects so malformed
// admin calls are visible server-side.
func (h *Handler) decodeBody(r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		h.logger.Warn("malformed request body", slog.String("path", r.URL.Path), slog.Any("error", err))
		return err
	}
	return nil
}

// MountRoles registers role administration routes.
func (h *Handler) MountRoles(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(PermRolesView, PermRolesEdit))
		r.Get("/", h.listRoles)
		r.Get("/{id}", h.getRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll(PermRolesEdit))
		r.Post("/", h.createRole)
		r.Put("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Put("/{id}/permissions", h.setRolePermissions)
	})
}

// MountPermissions registers catalog listing routes.
func (h *Handler) MountPermissions(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(PermRolesView, PermUsersManagePermissions))
		r.Get("/", h.listPermissions)
	})
}

// MountUserAccess registers per-user override and effective-set routes under
// the users subtree.
func (h *Handler) MountUserAccess(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll(PermUsersManagePermissions))
		r.Get("/{id}/permissions", h.effectivePermissions)
		r.Get("/{id}/permissions/check", h.checkPermission)
		r.Get("/{id}/overrides", h.listOverrides)
		r.Put("/{id}/overrides", h.putOverride)
		r.Delete("/{id}/overrides/{key}", h.clearOverride)
	})
}

type roleResponse struct {
	ID           int64    `json:"id"`
	Key          string   `json:"key"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	IsSystemRole bool     `json:"is_system_role"`
	IsActive     bool     `json:"is_active"`
	Permissions  []string `json:"permissions"`
}

func toRoleResponse(role Role) roleResponse {
	perms := make([]string, len(role.Permissions))
	for i, p := range role.Permissions {
		perms[i] = string(p)
	}
	return roleResponse{
		ID:           role.ID,
		Key:          role.Key,
		Name:         role.Name,
		Description:  role.Description,
		IsSystemRole: role.IsSystemRole,
		IsActive:     role.IsActive,
		Permissions:  perms,
	}
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]roleResponse, len(roles))
	for i, role := range roles {
		out[i] = toRoleResponse(role)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

type createRoleRequest struct {
	Key         string `json:"key" validate:"required,min=2,max=64"`
	Name        string `json:"name" validate:"required,min=2,max=128"`
	Description string `json:"description" validate:"max=512"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := h.decodeBody(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, err)
		return
	}
	actorID, _ := h.mw.CurrentUserID(r)
	role, err := h.service.CreateRole(r.Context(), actorID, req.Key, req.Name, req.Description)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRoleResponse(role))
}

type updateRoleRequest struct {
	Name        string `json:"name" validate:"required,min=2,max=128"`
	Description string `json:"description" validate:"max=512"`
	IsActive    bool   `json:"is_active"`
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	var req updateRoleRequest
	if err := h.decodeBody(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, err)
		return
	}
	actorID, _ := h.mw.CurrentUserID(r)
	role, err := h.service.UpdateRole(r.Context(), actorID, id, req.Name, req.Description, req.IsActive)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleResponse(role))
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	actorID, _ := h.mw.CurrentUserID(r)
	if err := h.service.DeleteRole(r.Context(), actorID, id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRolePermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids" validate:"required"`
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	var req setRolePermissionsRequest
	if err := h.decodeBody(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	actorID, _ := h.mw.CurrentUserID(r)
	if err := h.service.SetRolePermissions(r.Context(), actorID, id, req.PermissionIDs); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionResponse struct {
	ID       int64  `json:"id"`
	Key      string `json:"key"`
	Label    string `json:"label"`
	Category string `json:"category"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms := h.service.ListPermissions(r.Context())
	out := make([]permissionResponse, len(perms))
	for i, p := range perms {
		out[i] = permissionResponse{
			ID:       p.ID,
			Key:      string(p.Key),
			Label:    p.Label(),
			Category: string(p.Category),
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	set, err := h.service.EffectivePermissions(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": set.Strings()})
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "key query parameter required")
		return
	}
	decision, err := h.service.Decision(r.Context(), userID, key)
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, decision)
}

type overrideResponse struct {
	Permission string     `json:"permission"`
	Granted    bool       `json:"granted"`
	Reason     string     `json:"reason"`
	GrantedBy  int64      `json:"granted_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Expired    bool       `json:"expired"`
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	overrides, err := h.service.UserOverrides(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	now := time.Now().UTC()
	out := make([]overrideResponse, 0, len(overrides))
	for _, o := range overrides {
		key := ""
		if perm, found := h.service.Catalog().ByID(o.PermissionID); found {
			key = string(perm.Key)
		}
		out = append(out, overrideResponse{
			Permission: key,
			Granted:    o.Granted,
			Reason:     o.Reason,
			GrantedBy:  o.GrantedBy,
			ExpiresAt:  o.ExpiresAt,
			CreatedAt:  o.CreatedAt,
			Expired:    !o.ActiveAt(now),
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type putOverrideRequest struct {
	Permission string     `json:"permission" validate:"required"`
	Granted    bool       `json:"granted"`
	Reason     string     `json:"reason" validate:"required,max=512"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (h *Handler) putOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	var req putOverrideRequest
	if err := h.decodeBody(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		respondError(w, err)
		return
	}
	actorID, _ := h.mw.CurrentUserID(r)
	var (
		override Override
		err      error
	)
	if req.Granted {
		override, err = h.service.GrantOverride(r.Context(), actorID, userID, req.Permission, req.Reason, req.ExpiresAt)
	} else {
		override, err = h.service.RevokeOverride(r.Context(), actorID, userID, req.Permission, req.Reason, req.ExpiresAt)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, overrideResponse{
		Permission: req.Permission,
		Granted:    override.Granted,
		Reason:     override.Reason,
		GrantedBy:  override.GrantedBy,
		ExpiresAt:  override.ExpiresAt,
		CreatedAt:  override.CreatedAt,
	})
}

func (h *Handler) clearOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	key := chi.URLParam(r, "key")
	actorID, _ := h.mw.CurrentUserID(r)
	if err := h.service.ClearOverride(r.Context(), actorID, userID, key); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
