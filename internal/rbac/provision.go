package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Canonical group names.
const (
	GroupViewers = "Viewers"
	GroupEditors = "Editors"
	GroupAdmins  = "Admins"
)

// GroupSpec declares a group and the exact permission set it should carry.
type GroupSpec struct {
	Name        string
	Description string
	Permissions []Permission
}

// PrincipalSpec declares a principal and the groups it should belong to.
type PrincipalSpec struct {
	Username string
	Email    string
	Groups   []string
}

// ProvisionReport summarises what Provision changed.
type ProvisionReport struct {
	GroupsCreated     int
	PrincipalsCreated int
	Memberships       int
}

// DefaultMatrix returns the canonical Viewers/Editors/Admins grants for the
// catalog resources. Admins also administer groups.
func DefaultMatrix() []GroupSpec {
	catalog := []ResourceType{ResourceBook, ResourceAuthor}
	grant := func(actions ...Action) []Permission {
		var perms []Permission
		for _, r := range catalog {
			for _, a := range actions {
				perms = append(perms, Permission{Resource: r, Action: a})
			}
		}
		return perms
	}
	admins := grant(Actions()...)
	for _, a := range Actions() {
		admins = append(admins, Permission{Resource: ResourceGroup, Action: a})
	}
	return []GroupSpec{
		{Name: GroupViewers, Description: "Read-only access to the catalog", Permissions: grant(ActionView)},
		{Name: GroupEditors, Description: "Create and edit catalog entries", Permissions: grant(ActionView, ActionCreate, ActionEdit)},
		{Name: GroupAdmins, Description: "Full catalog and group administration", Permissions: admins},
	}
}

// Provision applies the matrix and seeds principals. Running it repeatedly
// converges on the same state: each group ends up with exactly the declared
// permissions and each principal gains the declared memberships.
func Provision(ctx context.Context, svc *Service, matrix []GroupSpec, principals []PrincipalSpec) (ProvisionReport, error) {
	var report ProvisionReport
	for _, spec := range matrix {
		_, created, err := svc.EnsureGroup(ctx, spec.Name, spec.Description)
		if err != nil {
			return report, fmt.Errorf("ensure group %s: %w", spec.Name, err)
		}
		if created {
			report.GroupsCreated++
		}
		if err := svc.SetGroupPermissions(ctx, spec.Name, spec.Permissions); err != nil {
			return report, fmt.Errorf("set permissions %s: %w", spec.Name, err)
		}
		svc.logger.InfoContext(ctx, "rbac group provisioned",
			slog.String("group", spec.Name),
			slog.Int("permissions", len(spec.Permissions)),
			slog.Bool("created", created),
		)
	}
	for _, spec := range principals {
		p, err := svc.FindPrincipal(ctx, spec.Username)
		if errors.Is(err, ErrNotFound) {
			p, err = svc.RegisterPrincipal(ctx, spec.Username, spec.Email)
			if err == nil {
				report.PrincipalsCreated++
			}
		}
		if err != nil {
			return report, fmt.Errorf("principal %s: %w", spec.Username, err)
		}
		for _, group := range spec.Groups {
			if err := svc.AssignPrincipalToGroup(ctx, p.ID, group); err != nil {
				return report, fmt.Errorf("assign %s to %s: %w", spec.Username, group, err)
			}
			report.Memberships++
		}
	}
	return report, nil
}

// TestPrincipals mirrors the demo accounts: one per canonical group.
func TestPrincipals() []PrincipalSpec {
	return []PrincipalSpec{
		{Username: "viewer_user", Email: "viewer@example.com", Groups: []string{GroupViewers}},
		{Username: "editor_user", Email: "editor@example.com", Groups: []string{GroupEditors}},
		{Username: "admin_user", Email: "admin@example.com", Groups: []string{GroupAdmins}},
	}
}
