package rbac

import (
	"fmt"

	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
)

// Sentinels wrap the httpx classes so handlers can respond with
// httpx.RespondError directly.
var (
	// ErrNotFound indicates that a referenced group or principal does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	// ErrPermissionDenied indicates the principal lacks the required permission.
	ErrPermissionDenied = fmt.Errorf("rbac: permission denied: %w", httpx.ErrForbidden)
	// ErrInvalidPermission indicates an unknown resource type or action.
	ErrInvalidPermission = fmt.Errorf("rbac: invalid permission: %w", httpx.ErrValidation)
	// ErrInvalidGroup indicates a malformed group definition.
	ErrInvalidGroup = fmt.Errorf("rbac: invalid group: %w", httpx.ErrValidation)
	// ErrInvalidPrincipal indicates a malformed principal definition.
	ErrInvalidPrincipal = fmt.Errorf("rbac: invalid principal: %w", httpx.ErrValidation)
	// ErrPrincipalExists indicates a username collision on registration.
	ErrPrincipalExists = fmt.Errorf("rbac: principal already exists: %w", httpx.ErrDuplicate)
	// ErrNoPrincipal indicates the request carried no principal identity.
	ErrNoPrincipal = fmt.Errorf("rbac: no principal: %w", httpx.ErrUnauthorized)
)

// NotFoundError names the missing group or principal.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("rbac: %s %q not found", e.Kind, e.Key)
}

// Unwrap lets errors.Is match ErrNotFound and httpx.ErrNotFound.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func groupNotFound(name string) error {
	return &NotFoundError{Kind: "group", Key: name}
}

func principalNotFound(id int64) error {
	return &NotFoundError{Kind: "principal", Key: fmt.Sprint(id)}
}

// PermissionDeniedError carries the denied request for diagnostics.
type PermissionDeniedError struct {
	PrincipalID int64
	Resource    ResourceType
	Action      Action
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("rbac: principal %d may not %s %s", e.PrincipalID, e.Action, e.Resource)
}

func (e *PermissionDeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// Permission returns the permission that was missing.
func (e *PermissionDeniedError) Permission() Permission {
	return Permission{Resource: e.Resource, Action: e.Action}
}
