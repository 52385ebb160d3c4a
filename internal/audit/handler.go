package audit

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
)

const maxRange = 90 * 24 * time.Hour

// Handler serves the audit timeline.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds an audit handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the timeline routes. Callers mount them behind an
// authorization guard.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.timeline)
	r.Get("/export.csv", h.export)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) export(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	data, err := h.service.ExportCSV(r.Context(), filters)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	_, _ = w.Write(data)
}

func parseFilters(q url.Values) (TimelineFilters, error) {
	var (
		f   TimelineFilters
		err error
	)
	if f.From, err = parseTime(q.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to"), true); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Sub(f.From) > maxRange {
		return f, fmt.Errorf("%w: range must not exceed 90 days", ErrValidation)
	}
	if f.ActorID, err = parseInt(q.Get("actor"), "actor"); err != nil {
		return f, err
	}
	page, err := parseInt(q.Get("page"), "page")
	if err != nil {
		return f, err
	}
	size, err := parseInt(q.Get("page_size"), "page_size")
	if err != nil {
		return f, err
	}
	f.Page, f.PageSize = int(page), int(size)
	f.Entity = strings.TrimSpace(q.Get("entity"))
	f.Action = strings.TrimSpace(q.Get("action"))
	return f, nil
}

// parseTime accepts RFC3339 or a plain date. A plain upper bound covers the
// whole day.
func parseTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q", ErrValidation, raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func parseInt(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrValidation, name)
	}
	return v, nil
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if status, _ := httpx.StatusFor(err); status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "audit handler", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
