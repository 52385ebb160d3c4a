package rbac

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProvisionFile is the YAML form of a provisioning run:
//
//	groups:
//	  - name: Viewers
//	    description: Read-only access
//	    permissions: [book.view, author.view]
//	principals:
//	  - username: viewer_user
//	    email: viewer@example.com
//	    groups: [Viewers]
type ProvisionFile struct {
	Groups     []groupDoc     `yaml:"groups"`
	Principals []principalDoc `yaml:"principals"`
}

type groupDoc struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type principalDoc struct {
	Username string   `yaml:"username"`
	Email    string   `yaml:"email"`
	Groups   []string `yaml:"groups"`
}

// LoadProvisionFile decodes and validates a provisioning document. Every
// codename must parse and every referenced group must be declared in the
// same document.
func LoadProvisionFile(r io.Reader) ([]GroupSpec, []PrincipalSpec, error) {
	var doc ProvisionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: provision file: %v", ErrInvalidGroup, err)
	}

	declared := make(map[string]struct{}, len(doc.Groups))
	groups := make([]GroupSpec, 0, len(doc.Groups))
	for i, g := range doc.Groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return nil, nil, fmt.Errorf("%w: groups[%d] has no name", ErrInvalidGroup, i)
		}
		if _, dup := declared[GroupKey(name)]; dup {
			return nil, nil, fmt.Errorf("%w: group %s declared twice", ErrInvalidGroup, name)
		}
		declared[GroupKey(name)] = struct{}{}
		perms := make([]Permission, 0, len(g.Permissions))
		for _, code := range g.Permissions {
			perm, err := ParsePermission(code)
			if err != nil {
				return nil, nil, fmt.Errorf("group %s: %w", name, err)
			}
			perms = append(perms, perm)
		}
		groups = append(groups, GroupSpec{Name: name, Description: g.Description, Permissions: perms})
	}

	principals := make([]PrincipalSpec, 0, len(doc.Principals))
	for i, p := range doc.Principals {
		username := strings.TrimSpace(p.Username)
		if username == "" {
			return nil, nil, fmt.Errorf("%w: principals[%d] has no username", ErrInvalidPrincipal, i)
		}
		for _, g := range p.Groups {
			if _, ok := declared[GroupKey(g)]; !ok {
				return nil, nil, fmt.Errorf("%w: principal %s references undeclared group %s", ErrInvalidGroup, username, g)
			}
		}
		principals = append(principals, PrincipalSpec{Username: username, Email: p.Email, Groups: p.Groups})
	}
	return groups, principals, nil
}
