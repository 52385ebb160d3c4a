package rbac

import "context"

// Store persists the group and membership relations. Each method touches a
// single relation row (or reads), so implementations only need per-row
// atomicity. Missing groups or principals are reported as *NotFoundError.
type Store interface {
	// CreateGroup inserts the group unless one with the same key exists.
	// It returns the stored group and whether it was newly created.
	CreateGroup(ctx context.Context, name, description string) (Group, bool, error)
	GetGroup(ctx context.Context, name string) (Group, error)
	ListGroups(ctx context.Context) ([]Group, error)
	AddGroupPermission(ctx context.Context, group string, perm Permission) error
	RemoveGroupPermission(ctx context.Context, group string, perm Permission) error

	CreatePrincipal(ctx context.Context, username, email string, active bool) (Principal, error)
	GetPrincipal(ctx context.Context, id int64) (Principal, error)
	FindPrincipalByUsername(ctx context.Context, username string) (Principal, error)
	ListPrincipals(ctx context.Context) ([]Principal, error)
	DeletePrincipal(ctx context.Context, id int64) error

	AddMembership(ctx context.Context, principalID int64, group string) error
	RemoveMembership(ctx context.Context, principalID int64, group string) error

	// PrincipalGrants returns the principal's active flag and the union of the
	// permissions granted to its groups, possibly with duplicates.
	PrincipalGrants(ctx context.Context, principalID int64) (bool, []Permission, error)
}
