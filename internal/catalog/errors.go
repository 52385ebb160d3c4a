package catalog

import (
	"fmt"

	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
)

var (
	// ErrNotFound indicates the book or author does not exist.
	ErrNotFound = fmt.Errorf("catalog: %w", httpx.ErrNotFound)
	// ErrValidation indicates rejected input.
	ErrValidation = fmt.Errorf("catalog: %w", httpx.ErrValidation)
)
