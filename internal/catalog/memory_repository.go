package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps the catalog in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	authors map[uuid.UUID]Author
	books   map[uuid.UUID]Book
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		authors: make(map[uuid.UUID]Author),
		books:   make(map[uuid.UUID]Book),
	}
}

func (r *MemoryRepository) ListBooks(ctx context.Context, filters BookFilters) ([]Book, error) {
	less, err := bookLess(filters.Ordering)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	search := strings.ToLower(strings.TrimSpace(filters.Search))
	out := []Book{}
	for _, b := range r.books {
		b.AuthorName = r.authors[b.AuthorID].Name
		if filters.AuthorID != uuid.Nil && b.AuthorID != filters.AuthorID {
			continue
		}
		if filters.PublicationYear != 0 && b.PublicationYear != filters.PublicationYear {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(b.Title), search) &&
			!strings.Contains(strings.ToLower(b.AuthorName), search) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (r *MemoryRepository) GetBook(ctx context.Context, id uuid.UUID) (Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[id]
	if !ok {
		return Book{}, fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	b.AuthorName = r.authors[b.AuthorID].Name
	return b, nil
}

func (r *MemoryRepository) InsertBook(ctx context.Context, book Book) (Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	author, ok := r.authors[book.AuthorID]
	if !ok {
		return Book{}, fmt.Errorf("%w: author %s does not exist", ErrValidation, book.AuthorID)
	}
	r.books[book.ID] = book
	book.AuthorName = author.Name
	return book, nil
}

func (r *MemoryRepository) UpdateBook(ctx context.Context, id uuid.UUID, in BookInput, now time.Time) (Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	author, ok := r.authors[in.AuthorID]
	if !ok {
		return Book{}, fmt.Errorf("%w: author %s does not exist", ErrValidation, in.AuthorID)
	}
	b, ok := r.books[id]
	if !ok {
		return Book{}, fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	b.Title = in.Title
	b.PublicationYear = in.PublicationYear
	b.AuthorID = in.AuthorID
	b.UpdatedAt = now
	r.books[id] = b
	b.AuthorName = author.Name
	return b, nil
}

func (r *MemoryRepository) DeleteBook(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.books[id]; !ok {
		return fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	delete(r.books, id)
	return nil
}

func (r *MemoryRepository) ListAuthors(ctx context.Context, filters AuthorFilters) ([]Author, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	search := strings.ToLower(strings.TrimSpace(filters.Search))
	out := []Author{}
	for _, a := range r.authors {
		if search != "" && !strings.Contains(strings.ToLower(a.Name), search) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *MemoryRepository) GetAuthor(ctx context.Context, id uuid.UUID) (Author, error) {
	r.mu.RLock()
	a, ok := r.authors[id]
	r.mu.RUnlock()
	if !ok {
		return Author{}, fmt.Errorf("%w: author %s", ErrNotFound, id)
	}
	books, err := r.ListBooks(ctx, BookFilters{AuthorID: id})
	if err != nil {
		return Author{}, err
	}
	a.Books = books
	return a, nil
}

func (r *MemoryRepository) InsertAuthor(ctx context.Context, author Author) (Author, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authors[author.ID] = author
	return author, nil
}

func (r *MemoryRepository) UpdateAuthor(ctx context.Context, id uuid.UUID, in AuthorInput, now time.Time) (Author, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.authors[id]
	if !ok {
		return Author{}, fmt.Errorf("%w: author %s", ErrNotFound, id)
	}
	a.Name = in.Name
	a.UpdatedAt = now
	r.authors[id] = a
	return a, nil
}

func (r *MemoryRepository) DeleteAuthor(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.authors[id]; !ok {
		return fmt.Errorf("%w: author %s", ErrNotFound, id)
	}
	delete(r.authors, id)
	for bid, b := range r.books {
		if b.AuthorID == id {
			delete(r.books, bid)
		}
	}
	return nil
}

func bookLess(ordering string) (func(a, b Book) bool, error) {
	byID := func(a, b Book) bool { return a.ID.String() < b.ID.String() }
	switch ordering {
	case "":
		return func(a, b Book) bool {
			if a.PublicationYear != b.PublicationYear {
				return a.PublicationYear < b.PublicationYear
			}
			if a.Title != b.Title {
				return a.Title < b.Title
			}
			return byID(a, b)
		}, nil
	case OrderTitle, "-" + OrderTitle:
		desc := ordering[0] == '-'
		return func(a, b Book) bool {
			if a.Title != b.Title {
				return (a.Title < b.Title) != desc
			}
			return byID(a, b)
		}, nil
	case OrderPublicationYear, "-" + OrderPublicationYear:
		desc := ordering[0] == '-'
		return func(a, b Book) bool {
			if a.PublicationYear != b.PublicationYear {
				return (a.PublicationYear < b.PublicationYear) != desc
			}
			return byID(a, b)
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown ordering %q", ErrValidation, ordering)
	}
}

var _ RepositoryPort = (*MemoryRepository)(nil)
