package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
	"github.com/odyssey-erp/bookshelf/internal/rbac"
)

// Handler exposes the catalog JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountBookRoutes registers book routes on the provided router.
func (h *Handler) MountBookRoutes(r chi.Router) {
	r.Get("/", h.listBooks)
	r.Post("/", h.createBook)
	r.Get("/{id}", h.getBook)
	r.Put("/{id}", h.updateBook)
	r.Delete("/{id}", h.deleteBook)
}

// MountAuthorRoutes registers author routes on the provided router.
func (h *Handler) MountAuthorRoutes(r chi.Router) {
	r.Get("/", h.listAuthors)
	r.Post("/", h.createAuthor)
	r.Get("/{id}", h.getAuthor)
	r.Put("/{id}", h.updateAuthor)
	r.Delete("/{id}", h.deleteAuthor)
}

func (h *Handler) listBooks(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.principal(w, r)
	if !ok {
		return
	}
	filters, err := parseBookFilters(r)
	if err != nil {
		h.rejectInput(w, r, principalID, rbac.ResourceBook, rbac.ActionView, err)
		return
	}
	books, err := h.service.ListBooks(r.Context(), principalID, filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, books)
}

func (h *Handler) getBook(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(ctx context.Context, principalID int64, id uuid.UUID) {
		book, err := h.service.GetBook(ctx, principalID, id)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, book)
	})
}

func (h *Handler) createBook(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.principal(w, r)
	if !ok {
		return
	}
	var in BookInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		h.rejectInput(w, r, principalID, rbac.ResourceBook, rbac.ActionCreate, err)
		return
	}
	book, err := h.service.CreateBook(r.Context(), principalID, in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, book)
}

func (h *Handler) updateBook(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(ctx context.Context, principalID int64, id uuid.UUID) {
		var in BookInput
		if err := httpx.DecodeJSON(w, r, &in); err != nil {
			h.rejectInput(w, r, principalID, rbac.ResourceBook, rbac.ActionEdit, err)
			return
		}
		book, err := h.service.UpdateBook(ctx, principalID, id, in)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, book)
	})
}

func (h *Handler) deleteBook(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(ctx context.Context, principalID int64, id uuid.UUID) {
		if err := h.service.DeleteBook(ctx, principalID, id); err != nil {
			h.respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *Handler) listAuthors(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.principal(w, r)
	if !ok {
		return
	}
	authors, err := h.service.ListAuthors(r.Context(), principalID, AuthorFilters{Search: r.URL.Query().Get("search")})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, authors)
}

func (h *Handler) getAuthor(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(ctx context.Context, principalID int64, id uuid.UUID) {
		author, err := h.service.GetAuthor(ctx, principalID, id)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, author)
	})
}

func (h *Handler) createAuthor(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.principal(w, r)
	if !ok {
		return
	}
	var in AuthorInput
	if err := httpx.DecodeJSON(w, r, &in); err != nil {
		h.rejectInput(w, r, principalID, rbac.ResourceAuthor, rbac.ActionCreate, err)
		return
	}
	author, err := h.service.CreateAuthor(r.Context(), principalID, in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, author)
}

func (h *Handler) updateAuthor(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(ctx context.Context, principalID int64, id uuid.UUID) {
		var in AuthorInput
		if err := httpx.DecodeJSON(w, r, &in); err != nil {
			h.rejectInput(w, r, principalID, rbac.ResourceAuthor, rbac.ActionEdit, err)
			return
		}
		author, err := h.service.UpdateAuthor(ctx, principalID, id, in)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, author)
	})
}

func (h *Handler) deleteAuthor(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, func(ctx context.Context, principalID int64, id uuid.UUID) {
		if err := h.service.DeleteAuthor(ctx, principalID, id); err != nil {
			h.respondError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, rbac.ErrNoPrincipal)
	}
	return id, ok
}

// withID resolves the principal and the {id} path parameter. A malformed id
// is reported as not found so it reveals nothing beyond what a lookup would.
func (h *Handler) withID(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, principalID int64, id uuid.UUID)) {
	principalID, ok := h.principal(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		id = uuid.Nil
	}
	fn(r.Context(), principalID, id)
}

func parseBookFilters(r *http.Request) (BookFilters, error) {
	q := r.URL.Query()
	filters := BookFilters{Search: q.Get("search"), Ordering: q.Get("ordering")}
	if raw := q.Get("author"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return BookFilters{}, fmt.Errorf("%w: author must be a uuid", ErrValidation)
		}
		filters.AuthorID = id
	}
	if raw := q.Get("publication_year"); raw != "" {
		year, err := strconv.Atoi(raw)
		if err != nil {
			return BookFilters{}, fmt.Errorf("%w: publication_year must be a number", ErrValidation)
		}
		filters.PublicationYear = year
	}
	return filters, nil
}

// rejectInput reports malformed input, unless the caller may not perform the
// operation at all, in which case the denial is reported instead.
func (h *Handler) rejectInput(w http.ResponseWriter, r *http.Request, principalID int64, resource rbac.ResourceType, action rbac.Action, err error) {
	if authErr := h.service.Authorize(r.Context(), principalID, resource, action); authErr != nil {
		h.respondError(w, r, authErr)
		return
	}
	h.respondError(w, r, err)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := httpx.StatusFor(err); status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "catalog handler", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
