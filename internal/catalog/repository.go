package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/bookshelf/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the catalog tables when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("catalog: ensure schema: %w", err)
	}
	return nil
}

const bookColumns = `b.id, b.title, b.publication_year, b.author_id, a.name, b.created_at, b.updated_at`

var bookOrderings = map[string]string{
	"":                         "b.publication_year, b.title, b.id",
	OrderTitle:                 "b.title, b.id",
	"-" + OrderTitle:           "b.title DESC, b.id",
	OrderPublicationYear:       "b.publication_year, b.id",
	"-" + OrderPublicationYear: "b.publication_year DESC, b.id",
}

// ListBooks returns books matching filters.
func (r *Repository) ListBooks(ctx context.Context, filters BookFilters) ([]Book, error) {
	order, ok := bookOrderings[filters.Ordering]
	if !ok {
		return nil, fmt.Errorf("%w: unknown ordering %q", ErrValidation, filters.Ordering)
	}
	var (
		where []string
		args  []any
	)
	if s := strings.TrimSpace(filters.Search); s != "" {
		args = append(args, "%"+s+"%")
		where = append(where, fmt.Sprintf("(b.title ILIKE $%d OR a.name ILIKE $%d)", len(args), len(args)))
	}
	if filters.AuthorID != uuid.Nil {
		args = append(args, filters.AuthorID)
		where = append(where, fmt.Sprintf("b.author_id = $%d", len(args)))
	}
	if filters.PublicationYear != 0 {
		args = append(args, filters.PublicationYear)
		where = append(where, fmt.Sprintf("b.publication_year = $%d", len(args)))
	}
	query := `SELECT ` + bookColumns + ` FROM catalog_books b JOIN catalog_authors a ON a.id = b.author_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY " + order

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanBook)
}

// GetBook fetches one book.
func (r *Repository) GetBook(ctx context.Context, id uuid.UUID) (Book, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+bookColumns+`
		FROM catalog_books b JOIN catalog_authors a ON a.id = b.author_id
		WHERE b.id = $1`, id)
	if err != nil {
		return Book{}, err
	}
	book, err := pgx.CollectExactlyOneRow(rows, scanBook)
	if errors.Is(err, pgx.ErrNoRows) {
		return Book{}, fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	return book, err
}

// InsertBook stores a new book. The author row is locked so it cannot be
// deleted underneath the insert.
func (r *Repository) InsertBook(ctx context.Context, book Book) (Book, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		name, err := lockAuthor(ctx, tx, book.AuthorID)
		if err != nil {
			return err
		}
		book.AuthorName = name
		_, err = tx.Exec(ctx, `
			INSERT INTO catalog_books (id, title, publication_year, author_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			book.ID, book.Title, book.PublicationYear, book.AuthorID, book.CreatedAt, book.UpdatedAt)
		return err
	})
	if err != nil {
		return Book{}, err
	}
	return book, nil
}

// UpdateBook overwrites the writable fields of an existing book.
func (r *Repository) UpdateBook(ctx context.Context, id uuid.UUID, in BookInput, now time.Time) (Book, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := lockAuthor(ctx, tx, in.AuthorID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE catalog_books
			SET title = $2, publication_year = $3, author_id = $4, updated_at = $5
			WHERE id = $1`, id, in.Title, in.PublicationYear, in.AuthorID, now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: book %s", ErrNotFound, id)
		}
		return nil
	})
	if err != nil {
		return Book{}, err
	}
	return r.GetBook(ctx, id)
}

// DeleteBook removes a book.
func (r *Repository) DeleteBook(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM catalog_books WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	return nil
}

// ListAuthors returns authors ordered by name.
func (r *Repository) ListAuthors(ctx context.Context, filters AuthorFilters) ([]Author, error) {
	query := `SELECT id, name, created_at, updated_at FROM catalog_authors`
	var args []any
	if s := strings.TrimSpace(filters.Search); s != "" {
		query += ` WHERE name ILIKE $1`
		args = append(args, "%"+s+"%")
	}
	rows, err := r.pool.Query(ctx, query+` ORDER BY name, id`, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAuthor)
}

// GetAuthor fetches an author with its books.
func (r *Repository) GetAuthor(ctx context.Context, id uuid.UUID) (Author, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, created_at, updated_at FROM catalog_authors WHERE id = $1`, id)
	if err != nil {
		return Author{}, err
	}
	author, err := pgx.CollectExactlyOneRow(rows, scanAuthor)
	if errors.Is(err, pgx.ErrNoRows) {
		return Author{}, fmt.Errorf("%w: author %s", ErrNotFound, id)
	}
	if err != nil {
		return Author{}, err
	}
	author.Books, err = r.ListBooks(ctx, BookFilters{AuthorID: id})
	if err != nil {
		return Author{}, err
	}
	return author, nil
}

// InsertAuthor stores a new author.
func (r *Repository) InsertAuthor(ctx context.Context, author Author) (Author, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO catalog_authors (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		author.ID, author.Name, author.CreatedAt, author.UpdatedAt)
	if err != nil {
		return Author{}, err
	}
	return author, nil
}

// UpdateAuthor renames an author.
func (r *Repository) UpdateAuthor(ctx context.Context, id uuid.UUID, in AuthorInput, now time.Time) (Author, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE catalog_authors SET name = $2, updated_at = $3 WHERE id = $1
		RETURNING id, name, created_at, updated_at`, id, in.Name, now)
	if err != nil {
		return Author{}, err
	}
	author, err := pgx.CollectExactlyOneRow(rows, scanAuthor)
	if errors.Is(err, pgx.ErrNoRows) {
		return Author{}, fmt.Errorf("%w: author %s", ErrNotFound, id)
	}
	return author, err
}

// DeleteAuthor removes an author; its books go with it.
func (r *Repository) DeleteAuthor(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM catalog_authors WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: author %s", ErrNotFound, id)
	}
	return nil
}

func lockAuthor(ctx context.Context, tx pgx.Tx, id uuid.UUID) (string, error) {
	var name string
	err := tx.QueryRow(ctx, `SELECT name FROM catalog_authors WHERE id = $1 FOR SHARE`, id).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: author %s does not exist", ErrValidation, id)
	}
	return name, err
}

func scanBook(row pgx.CollectableRow) (Book, error) {
	var b Book
	err := row.Scan(&b.ID, &b.Title, &b.PublicationYear, &b.AuthorID, &b.AuthorName, &b.CreatedAt, &b.UpdatedAt)
	return b, err
}

func scanAuthor(row pgx.CollectableRow) (Author, error) {
	var a Author
	err := row.Scan(&a.ID, &a.Name, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

var _ RepositoryPort = (*Repository)(nil)
