package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Author writes books.
type Author struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Books     []Book    `json:"books,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Book belongs to exactly one author. Deleting the author deletes its books.
type Book struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	PublicationYear int       `json:"publication_year"`
	AuthorID        uuid.UUID `json:"author_id"`
	AuthorName      string    `json:"author_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BookInput carries the writable book fields.
type BookInput struct {
	Title           string    `json:"title" validate:"required,max=200"`
	PublicationYear int       `json:"publication_year" validate:"gte=1000,notfuture"`
	AuthorID        uuid.UUID `json:"author_id" validate:"required"`
}

// AuthorInput carries the writable author fields.
type AuthorInput struct {
	Name string `json:"name" validate:"required,max=100"`
}

// Book orderings accepted by ListBooks. A leading "-" sorts descending.
const (
	OrderTitle           = "title"
	OrderPublicationYear = "publication_year"
)

// BookFilters narrows ListBooks.
type BookFilters struct {
	// Search matches title or author name, case-insensitively.
	Search          string
	AuthorID        uuid.UUID
	PublicationYear int
	// Ordering is one of the Order constants, optionally prefixed by "-".
	// Empty means publication year, then title.
	Ordering string
}

// AuthorFilters narrows ListAuthors.
type AuthorFilters struct {
	Search string
}
