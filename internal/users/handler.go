package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/garageflow/garageflow/internal/authz"
	"github.com/garageflow/garageflow/internal/platform/httpx"
	"github.com/garageflow/garageflow/internal/shared"
)

// Handler manages user administration endpoints. Role assignment goes
// through the authz service so cache invalidation and audit happen in one
// place.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	authz     *authz.Service
	mw        authz.Middleware
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, authzService *authz.Service, mw authz.Middleware) *Handler {
	return &Handler{logger: logger, service: service, authz: authzService, mw: mw, validator: validator.New()}
}

// MountRoutes registers user management routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAny(authz.PermUsersView))
		r.Get("/", h.listUsers)
		r.Get("/{id}", h.getUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll(authz.PermUsersCreate))
		r.Post("/", h.createUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll(authz.PermUsersUpdate))
		r.Put("/{id}/active", h.setActive)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.mw.RequireAll(authz.PermUsersManagePermissions))
		r.Post("/{id}/roles", h.assignRole)
		r.Delete("/{id}/roles/{roleID}", h.removeRole)
	})
}

type userResponse struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

func toUserResponse(u User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, Name: u.Name, IsActive: u.IsActive}
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	page, perPage := shared.PageParams(r)
	pagination := shared.NewPagination(page, perPage, 0)
	list, total, err := h.service.ListUsers(r.Context(), pagination.PerPage, pagination.Offset())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]userResponse, len(list))
	for i, u := range list {
		out[i] = toUserResponse(u)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"users":      out,
		"pagination": shared.NewPagination(page, perPage, total),
	})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	user, err := h.service.GetUser(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,min=2,max=128"`
	Password string `json:"password" validate:"required,min=8"`
	RoleID   int64  `json:"role_id" validate:"required,gt=0"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	user, err := h.service.CreateUser(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
			return
		}
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := h.mw.CurrentUserID(r)
	if err := h.authz.AssignRole(r.Context(), actorID, user.ID, req.RoleID); err != nil {
		h.logger.Error("assign initial role", slog.Int64("user_id", user.ID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toUserResponse(user))
}

type setActiveRequest struct {
	IsActive bool `json:"is_active"`
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	var req setActiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.service.SetActive(r.Context(), id, req.IsActive); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	var req assignRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, _ := h.mw.CurrentUserID(r)
	if err := h.authz.AssignRole(r.Context(), actorID, id, req.RoleID); err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) removeRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	roleID, ok := pathID(r, "roleID")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	actorID, _ := h.mw.CurrentUserID(r)
	if err := h.authz.RemoveRole(r.Context(), actorID, id, roleID); err != nil {
		if errors.Is(err, authz.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return
		}
		httpx.RespondError(w, err)
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
