package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
	exportLimit     = 10000
	// maxOffset keeps OFFSET and LIMIT inside a Postgres int4.
	maxOffset = math.MaxInt32 - maxPageSize - 1
)

// ErrValidation marks malformed events or filters.
var ErrValidation = fmt.Errorf("audit: %w", httpx.ErrValidation)

// Repository persists and queries audit events.
type Repository interface {
	Insert(ctx context.Context, event Event) (Event, error)
	Window(ctx context.Context, window Window) ([]Event, error)
}

// Service records and reads the audit timeline.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates an audit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Record appends one event stamped with the current time.
func (s *Service) Record(ctx context.Context, actorID int64, action, entity, entityID, detail string) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	action, entity = strings.TrimSpace(action), strings.TrimSpace(entity)
	if action == "" || entity == "" {
		return fmt.Errorf("%w: action and entity are required", ErrValidation)
	}
	_, err := s.repo.Insert(ctx, Event{
		At:       s.now().UTC(),
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Detail:   detail,
	})
	return err
}

// Timeline returns one page of events, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, errors.New("audit: repository not configured")
	}
	if err := checkRange(filters); err != nil {
		return Result{}, err
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	if page-1 > maxOffset/pageSize {
		return Result{}, fmt.Errorf("%w: page %d is out of range", ErrValidation, page)
	}
	filters.Page, filters.PageSize = page, pageSize
	rows, err := s.repo.Window(ctx, Window{Filters: filters, Offset: (page - 1) * pageSize, Limit: pageSize + 1})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}

// ExportCSV renders every event matching filters as CSV.
func (s *Service) ExportCSV(ctx context.Context, filters TimelineFilters) ([]byte, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if err := checkRange(filters); err != nil {
		return nil, err
	}
	rows, err := s.repo.Window(ctx, Window{Filters: filters, Limit: exportLimit})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"at", "actor_id", "action", "entity", "entity_id", "detail"})
	for _, row := range rows {
		_ = w.Write([]string{
			row.At.UTC().Format(time.RFC3339),
			strconv.FormatInt(row.ActorID, 10),
			row.Action,
			row.Entity,
			row.EntityID,
			row.Detail,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func checkRange(f TimelineFilters) error {
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return fmt.Errorf("%w: to must not be before from", ErrValidation)
	}
	return nil
}

// matches reports whether e passes every non-zero filter.
func (f TimelineFilters) matches(e Event) bool {
	if !f.From.IsZero() && e.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.At.After(f.To) {
		return false
	}
	if f.ActorID != 0 && e.ActorID != f.ActorID {
		return false
	}
	if f.Entity != "" && !strings.EqualFold(e.Entity, f.Entity) {
		return false
	}
	if f.Action != "" && !strings.EqualFold(e.Action, f.Action) {
		return false
	}
	return true
}
