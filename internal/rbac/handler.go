package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
	"github.com/odyssey-erp/bookshelf/internal/view"
)

// Handler exposes group administration and the principal dashboard.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	templates *view.Engine
	rbac      Middleware
	validator *validator.Validate
	audit     AuditRecorder
}

// AuditRecorder stores who changed which authorization relation.
type AuditRecorder interface {
	Record(ctx context.Context, actorID int64, action, entity, entityID, detail string) error
}

// WithAudit makes every successful administrative mutation emit an audit event.
func (h *Handler) WithAudit(recorder AuditRecorder) *Handler {
	h.audit = recorder
	return h
}

// record never fails the request; the mutation has already happened.
func (h *Handler) record(r *http.Request, action, entity, entityID, detail string) {
	if h.audit == nil {
		return
	}
	actor, _ := PrincipalFromContext(r.Context())
	if err := h.audit.Record(r.Context(), actor, action, entity, entityID, detail); err != nil {
		h.logger.Warn("rbac audit record", slog.String("action", action), slog.String("entity_id", entityID), slog.Any("error", err))
	}
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		templates: templates,
		rbac:      rbac,
		validator: validator.New(),
	}
}

var (
	permGroupView   = Permission{Resource: ResourceGroup, Action: ActionView}
	permGroupCreate = Permission{Resource: ResourceGroup, Action: ActionCreate}
	permGroupEdit   = Permission{Resource: ResourceGroup, Action: ActionEdit}
	permGroupDelete = Permission{Resource: ResourceGroup, Action: ActionDelete}
)

// MountRoutes registers the administration API.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.rbac.RequirePrincipal)
	r.Get("/me", h.me)

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(permGroupView))
		r.Get("/groups", h.listGroups)
		r.Get("/groups/{name}", h.getGroup)
		r.Get("/principals", h.listPrincipals)
		r.Get("/principals/{id}", h.getPrincipal)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(permGroupCreate))
		r.Post("/groups", h.ensureGroup)
		r.Post("/principals", h.registerPrincipal)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(permGroupEdit))
		r.Put("/groups/{name}/permissions", h.setPermissions)
		r.Put("/groups/{name}/permissions/{codename}", h.grantPermission)
		r.Delete("/groups/{name}/permissions/{codename}", h.revokePermission)
		r.Put("/principals/{id}/groups/{name}", h.assignGroup)
		r.Delete("/principals/{id}/groups/{name}", h.removeGroup)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(permGroupDelete))
		r.Delete("/principals/{id}", h.deletePrincipal)
	})
}

// MountDashboard registers the HTML dashboard.
func (h *Handler) MountDashboard(r chi.Router) {
	r.With(h.rbac.RequirePrincipal).Get("/dashboard", h.dashboard)
}

type ensureGroupRequest struct {
	Name        string `json:"name" validate:"required,max=150"`
	Description string `json:"description" validate:"max=255"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type registerPrincipalRequest struct {
	Username string `json:"username" validate:"required,max=150"`
	Email    string `json:"email" validate:"omitempty,email"`
}

type meResponse struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	Groups      []string `json:"groups"`
	Permissions []string `json:"permissions"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	principalID, _ := PrincipalFromContext(r.Context())
	p, err := h.service.GetPrincipal(r.Context(), principalID)
	if err != nil {
		h.respondPrincipalError(w, err)
		return
	}
	perms, err := h.service.EffectivePermissions(r.Context(), principalID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	codes := make([]string, 0, len(perms))
	for _, perm := range perms {
		codes = append(codes, perm.Codename())
	}
	httpx.JSON(w, http.StatusOK, meResponse{ID: p.ID, Username: p.Username, Groups: p.GroupNames(), Permissions: codes})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListGroups(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, groups)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.service.GetGroup(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, group)
}

func (h *Handler) ensureGroup(w http.ResponseWriter, r *http.Request) {
	var req ensureGroupRequest
	if !h.decode(w, r, &req) {
		return
	}
	group, created, err := h.service.EnsureGroup(r.Context(), req.Name, req.Description)
	if err != nil {
		h.respondError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.record(r, "group.create", "group", group.Name, group.Description)
	}
	httpx.JSON(w, status, group)
}

func (h *Handler) setPermissions(w http.ResponseWriter, r *http.Request) {
	var req setPermissionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	perms := make([]Permission, 0, len(req.Permissions))
	for _, code := range req.Permissions {
		perm, err := ParsePermission(code)
		if err != nil {
			h.respondError(w, err)
			return
		}
		perms = append(perms, perm)
	}
	name := chi.URLParam(r, "name")
	if err := h.service.SetGroupPermissions(r.Context(), name, perms); err != nil {
		h.respondError(w, err)
		return
	}
	h.record(r, "group.set_permissions", "group", name, strings.Join(req.Permissions, ","))
	h.writeGroup(w, r, name)
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	perm, err := ParsePermission(chi.URLParam(r, "codename"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.service.GrantGroupPermission(r.Context(), name, perm.Resource, perm.Action); err != nil {
		h.respondError(w, err)
		return
	}
	h.record(r, "group.grant", "group", name, perm.Codename())
	h.writeGroup(w, r, name)
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	perm, err := ParsePermission(chi.URLParam(r, "codename"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	if err := h.service.RevokeGroupPermission(r.Context(), name, perm.Resource, perm.Action); err != nil {
		h.respondError(w, err)
		return
	}
	h.record(r, "group.revoke", "group", name, perm.Codename())
	h.writeGroup(w, r, name)
}

func (h *Handler) writeGroup(w http.ResponseWriter, r *http.Request, name string) {
	group, err := h.service.GetGroup(r.Context(), name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, group)
}

func (h *Handler) listPrincipals(w http.ResponseWriter, r *http.Request) {
	principals, err := h.service.ListPrincipals(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, principals)
}

func (h *Handler) getPrincipal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	p, err := h.service.GetPrincipal(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) registerPrincipal(w http.ResponseWriter, r *http.Request) {
	var req registerPrincipalRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.service.RegisterPrincipal(r.Context(), req.Username, req.Email)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.record(r, "principal.register", "principal", strconv.FormatInt(p.ID, 10), p.Username)
	httpx.JSON(w, http.StatusCreated, p)
}

func (h *Handler) deletePrincipal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePrincipal(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.record(r, "principal.delete", "principal", strconv.FormatInt(id, 10), "")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assignGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	group := chi.URLParam(r, "name")
	if err := h.service.AssignPrincipalToGroup(r.Context(), id, group); err != nil {
		h.respondError(w, err)
		return
	}
	h.record(r, "principal.assign", "principal", strconv.FormatInt(id, 10), group)
	h.writePrincipal(w, r, id)
}

func (h *Handler) removeGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.principalParam(w, r)
	if !ok {
		return
	}
	group := chi.URLParam(r, "name")
	if err := h.service.RemovePrincipalFromGroup(r.Context(), id, group); err != nil {
		h.respondError(w, err)
		return
	}
	h.record(r, "principal.remove", "principal", strconv.FormatInt(id, 10), group)
	h.writePrincipal(w, r, id)
}

func (h *Handler) writePrincipal(w http.ResponseWriter, r *http.Request, id int64) {
	p, err := h.service.GetPrincipal(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

type dashboardRow struct {
	Resource  ResourceType
	CanView   bool
	CanCreate bool
	CanEdit   bool
	CanDelete bool
}

type dashboardData struct {
	Principal Principal
	Groups    []string
	Rows      []dashboardRow
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	principalID, _ := PrincipalFromContext(r.Context())
	p, err := h.service.GetPrincipal(r.Context(), principalID)
	if err != nil {
		h.respondPrincipalError(w, err)
		return
	}
	data := dashboardData{Principal: p, Groups: p.GroupNames()}
	for _, resource := range ResourceTypes() {
		summary, err := h.service.PermissionSummary(r.Context(), principalID, resource)
		if err != nil {
			h.respondError(w, err)
			return
		}
		data.Rows = append(data.Rows, dashboardRow{
			Resource:  resource,
			CanView:   summary[ActionView],
			CanCreate: summary[ActionCreate],
			CanEdit:   summary[ActionEdit],
			CanDelete: summary[ActionDelete],
		})
	}
	viewData := view.TemplateData{
		Title:       "Dashboard",
		CurrentPath: r.URL.Path,
		Principal:   p.Username,
		Data:        data,
	}
	if err := h.templates.Render(w, "pages/dashboard.html", viewData); err != nil {
		h.logger.Error("render dashboard", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error()))
		return false
	}
	return true
}

func (h *Handler) principalParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: principal id must be a positive integer", ErrInvalidPrincipal))
		return 0, false
	}
	return id, true
}

// respondPrincipalError treats an asserted identity that no longer exists as
// unauthenticated.
func (h *Handler) respondPrincipalError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.RespondError(w, ErrNoPrincipal)
		return
	}
	h.respondError(w, err)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if status, _ := httpx.StatusFor(err); status == http.StatusInternalServerError {
		h.logger.Error("rbac handler", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
