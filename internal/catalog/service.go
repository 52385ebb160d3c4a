package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/bookshelf/internal/rbac"
)

// RepositoryPort defines data access methods for the catalog.
type RepositoryPort interface {
	ListBooks(ctx context.Context, filters BookFilters) ([]Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (Book, error)
	InsertBook(ctx context.Context, book Book) (Book, error)
	UpdateBook(ctx context.Context, id uuid.UUID, in BookInput, now time.Time) (Book, error)
	DeleteBook(ctx context.Context, id uuid.UUID) error

	ListAuthors(ctx context.Context, filters AuthorFilters) ([]Author, error)
	GetAuthor(ctx context.Context, id uuid.UUID) (Author, error)
	InsertAuthor(ctx context.Context, author Author) (Author, error)
	UpdateAuthor(ctx context.Context, id uuid.UUID, in AuthorInput, now time.Time) (Author, error)
	DeleteAuthor(ctx context.Context, id uuid.UUID) error
}

// Authorizer decides whether a principal may act on a resource type.
type Authorizer interface {
	RequireAuthorization(ctx context.Context, principalID int64, resource rbac.ResourceType, action rbac.Action) error
}

// Service handles catalog business logic. Every operation checks the
// caller's permission before touching the repository.
type Service struct {
	repo     RepositoryPort
	authz    Authorizer
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, authz Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, authz: authz, logger: logger, now: time.Now}
	s.validate = newValidator(func() int { return s.now().Year() })
	return s
}

func newValidator(currentYear func() int) *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("notfuture", func(fl validator.FieldLevel) bool {
		return fl.Field().Int() <= int64(currentYear())
	})
	return v
}

func (s *Service) guard(ctx context.Context, principalID int64, resource rbac.ResourceType, action rbac.Action) error {
	return s.authz.RequireAuthorization(ctx, principalID, resource, action)
}

// Authorize runs the same check every operation starts with. Transport code
// uses it to report a denial ahead of malformed input.
func (s *Service) Authorize(ctx context.Context, principalID int64, resource rbac.ResourceType, action rbac.Action) error {
	return s.guard(ctx, principalID, resource, action)
}

// ListBooks returns books matching filters.
func (s *Service) ListBooks(ctx context.Context, principalID int64, filters BookFilters) ([]Book, error) {
	if err := s.guard(ctx, principalID, rbac.ResourceBook, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.repo.ListBooks(ctx, filters)
}

// GetBook fetches one book.
func (s *Service) GetBook(ctx context.Context, principalID int64, id uuid.UUID) (Book, error) {
	if err := s.guard(ctx, principalID, rbac.ResourceBook, rbac.ActionView); err != nil {
		return Book{}, err
	}
	return s.repo.GetBook(ctx, id)
}

// CreateBook validates and stores a new book.
func (s *Service) CreateBook(ctx context.Context, principalID int64, in BookInput) (Book, error) {
	if err := s.guard(ctx, principalID, rbac.ResourceBook, rbac.ActionCreate); err != nil {
		return Book{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := s.check(in); err != nil {
		return Book{}, err
	}
	now := s.now().UTC()
	book, err := s.repo.InsertBook(ctx, Book{
		ID:              uuid.New(),
		Title:           in.Title,
		PublicationYear: in.PublicationYear,
		AuthorID:        in.AuthorID,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return Book{}, err
	}
	s.logger.InfoContext(ctx, "book created", slog.String("id", book.ID.String()), slog.Int64("principal_id", principalID))
	return book, nil
}

// UpdateBook validates and overwrites a book.
func (s *Service) UpdateBook(ctx context.Context, principalID int64, id uuid.UUID, in BookInput) (Book, error) {
	if err := s.guard(ctx, principalID, rbac.ResourceBook, rbac.ActionEdit); err != nil {
		return Book{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if err := s.check(in); err != nil {
		return Book{}, err
	}
	return s.repo.UpdateBook(ctx, id, in, s.now().UTC())
}

// DeleteBook removes a book.
func (s *Service) DeleteBook(ctx context.Context, principalID int64, id uuid.UUID) error {
	if err := s.guard(ctx, principalID, rbac.ResourceBook, rbac.ActionDelete); err != nil {
		return err
	}
	if err := s.repo.DeleteBook(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "book deleted", slog.String("id", id.String()), slog.Int64("principal_id", principalID))
	return nil
}

// ListAuthors returns authors matching filters.
func (s *Service) ListAuthors(ctx context.Context, principalID int64, filters AuthorFilters) ([]Author, error) {
	if err := s.guard(ctx, principalID, rbac.ResourceAuthor, rbac.ActionView); err != nil {
		return nil, err
	}
	return s.repo.ListAuthors(ctx, filters)
}

// GetAuthor fetches an author with its books.
func (s *Service) GetAuthor(ctx context.Context, principalID int64, id uuid.UUID) (Author, error) {
	if err := s.guard(ctx, principalID, rbac.ResourceAuthor, rbac.ActionView); err != nil {
		return Author{}, err
	}
	return s.repo.GetAuthor(ctx, id)
}

// CreateAuthor validates and stores a new author.
func (s *Service) CreateAuthor(ctx context.Context, principalID int64, in AuthorInput) (Author, error) {
	if err := s.guard(ctx, principalID, rbac.ResourceAuthor, rbac.ActionCreate); err != nil {
		return Author{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := s.check(in); err != nil {
		return Author{}, err
	}
	now := s.now().UTC()
	return s.repo.InsertAuthor(ctx, Author{ID: uuid.New(), Name: in.Name, CreatedAt: now, UpdatedAt: now})
}

// UpdateAuthor validates and renames an author.
func (s *Service) UpdateAuthor(ctx context.Context, principalID int64, id uuid.UUID, in AuthorInput) (Author, error) {
	if err := s.guard(ctx, principalID, rbac.ResourceAuthor, rbac.ActionEdit); err != nil {
		return Author{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := s.check(in); err != nil {
		return Author{}, err
	}
	return s.repo.UpdateAuthor(ctx, id, in, s.now().UTC())
}

// DeleteAuthor removes an author together with its books.
func (s *Service) DeleteAuthor(ctx context.Context, principalID int64, id uuid.UUID) error {
	if err := s.guard(ctx, principalID, rbac.ResourceAuthor, rbac.ActionDelete); err != nil {
		return err
	}
	if err := s.repo.DeleteAuthor(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "author deleted", slog.String("id", id.String()), slog.Int64("principal_id", principalID))
	return nil
}

func (s *Service) check(in any) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fieldMessage(fe, s.now().Year()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError, year int) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be %s or later", fe.Field(), fe.Param())
	case "notfuture":
		return fmt.Sprintf("%s must not be after %d", fe.Field(), year)
	default:
		return fe.Field() + " is invalid"
	}
}
