package rbac

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Action is a CRUD verb a permission can grant.
type Action string

const (
	ActionView   Action = "view"
	ActionCreate Action = "create"
	ActionEdit   Action = "edit"
	ActionDelete Action = "delete"
)

// Actions returns every supported action in canonical order.
func Actions() []Action {
	return []Action{ActionView, ActionCreate, ActionEdit, ActionDelete}
}

// ResourceType names a category of protected entity.
type ResourceType string

const (
	ResourceBook   ResourceType = "book"
	ResourceAuthor ResourceType = "author"
	// ResourceGroup guards administration of groups and memberships.
	ResourceGroup ResourceType = "group"
)

// ResourceTypes returns every resource type known to the core.
func ResourceTypes() []ResourceType {
	return []ResourceType{ResourceBook, ResourceAuthor, ResourceGroup}
}

// Permission is a (resource type, action) capability tag.
type Permission struct {
	Resource ResourceType `json:"resource"`
	Action   Action       `json:"action"`
}

// Codename renders the permission as "<resource>.<action>".
func (p Permission) Codename() string {
	return string(p.Resource) + "." + string(p.Action)
}

func (p Permission) String() string {
	return p.Codename()
}

// Validate ensures both halves of the permission are known.
func (p Permission) Validate() error {
	if !validResource(p.Resource) {
		return fmt.Errorf("%w: unknown resource type %q", ErrInvalidPermission, p.Resource)
	}
	if !validAction(p.Action) {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidPermission, p.Action)
	}
	return nil
}

// ParsePermission parses a codename such as "book.view".
func ParsePermission(codename string) (Permission, error) {
	resource, action, ok := strings.Cut(strings.ToLower(strings.TrimSpace(codename)), ".")
	if !ok {
		return Permission{}, fmt.Errorf("%w: malformed codename %q", ErrInvalidPermission, codename)
	}
	perm := Permission{Resource: ResourceType(resource), Action: Action(action)}
	if err := perm.Validate(); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// Group is a named bundle of permissions.
type Group struct {
	ID          int64        `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Grants reports whether the group carries perm.
func (g Group) Grants(perm Permission) bool {
	for _, p := range g.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Membership records a principal's participation in a group.
type Membership struct {
	Group    string    `json:"group"`
	JoinedAt time.Time `json:"joined_at"`
}

// Principal is an identity subject to authorization checks.
type Principal struct {
	ID        int64                 `json:"id"`
	Username  string                `json:"username"`
	Email     string                `json:"email"`
	IsActive  bool                  `json:"is_active"`
	Groups    map[string]Membership `json:"groups"`
	CreatedAt time.Time             `json:"created_at"`
}

// GroupNames returns the principal's group names sorted alphabetically.
func (p Principal) GroupNames() []string {
	names := make([]string, 0, len(p.Groups))
	for _, m := range p.Groups {
		names = append(names, m.Group)
	}
	sort.Strings(names)
	return names
}

// GroupKey folds a group name into its lookup key. Names differing only by
// case or surrounding whitespace refer to the same group.
func GroupKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// permissionSet is the flattened effective permission view of a principal.
type permissionSet map[Permission]struct{}

func newPermissionSet(perms []Permission) permissionSet {
	set := make(permissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s permissionSet) has(p Permission) bool {
	_, ok := s[p]
	return ok
}

func (s permissionSet) sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sortPermissions(out)
	return out
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool {
		return perms[i].Codename() < perms[j].Codename()
	})
}

func validResource(r ResourceType) bool {
	for _, known := range ResourceTypes() {
		if r == known {
			return true
		}
	}
	return false
}

func validAction(a Action) bool {
	for _, known := range Actions() {
		if a == known {
			return true
		}
	}
	return false
}
