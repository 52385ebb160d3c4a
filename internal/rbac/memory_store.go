package rbac

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps the relations in process memory. It is used by tests and
// by the development server when STORE_DRIVER=memory.
type MemoryStore struct {
	mu          sync.RWMutex
	groups      map[string]*memoryGroup
	principals  map[int64]*Principal
	nextGroupID int64
	nextUserID  int64
	now         func() time.Time
}

type memoryGroup struct {
	group Group
	perms permissionSet
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:     make(map[string]*memoryGroup),
		principals: make(map[int64]*Principal),
		now:        time.Now,
	}
}

func (s *MemoryStore) CreateGroup(ctx context.Context, name, description string) (Group, bool, error) {
	key := GroupKey(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.groups[key]; ok {
		return existing.snapshot(), false, nil
	}
	s.nextGroupID++
	g := &memoryGroup{
		group: Group{
			ID:          s.nextGroupID,
			Name:        strings.TrimSpace(name),
			Description: strings.TrimSpace(description),
			CreatedAt:   s.now().UTC(),
		},
		perms: make(permissionSet),
	}
	s.groups[key] = g
	return g.snapshot(), true, nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, name string) (Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[GroupKey(name)]
	if !ok {
		return Group{}, groupNotFound(name)
	}
	return g.snapshot(), nil
}

func (s *MemoryStore) ListGroups(ctx context.Context) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g.snapshot())
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, nil
}

func (s *MemoryStore) AddGroupPermission(ctx context.Context, group string, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[GroupKey(group)]
	if !ok {
		return groupNotFound(group)
	}
	g.perms[perm] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveGroupPermission(ctx context.Context, group string, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[GroupKey(group)]
	if !ok {
		return groupNotFound(group)
	}
	delete(g.perms, perm)
	return nil
}

func (s *MemoryStore) CreatePrincipal(ctx context.Context, username, email string, active bool) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.principals {
		if p.Username == username {
			return Principal{}, ErrPrincipalExists
		}
	}
	s.nextUserID++
	p := &Principal{
		ID:        s.nextUserID,
		Username:  username,
		Email:     email,
		IsActive:  active,
		Groups:    make(map[string]Membership),
		CreatedAt: s.now().UTC(),
	}
	s.principals[p.ID] = p
	return copyPrincipal(p), nil
}

func (s *MemoryStore) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, principalNotFound(id)
	}
	return copyPrincipal(p), nil
}

func (s *MemoryStore) FindPrincipalByUsername(ctx context.Context, username string) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.principals {
		if p.Username == username {
			return copyPrincipal(p), nil
		}
	}
	return Principal{}, &NotFoundError{Kind: "principal", Key: username}
}

func (s *MemoryStore) ListPrincipals(ctx context.Context) ([]Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Principal, 0, len(s.principals))
	for _, p := range s.principals {
		out = append(out, copyPrincipal(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeletePrincipal(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[id]; !ok {
		return principalNotFound(id)
	}
	delete(s.principals, id)
	return nil
}

func (s *MemoryStore) AddMembership(ctx context.Context, principalID int64, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return principalNotFound(principalID)
	}
	key := GroupKey(group)
	g, ok := s.groups[key]
	if !ok {
		return groupNotFound(group)
	}
	if _, ok := p.Groups[key]; ok {
		return nil
	}
	p.Groups[key] = Membership{Group: g.group.Name, JoinedAt: s.now().UTC()}
	return nil
}

func (s *MemoryStore) RemoveMembership(ctx context.Context, principalID int64, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return principalNotFound(principalID)
	}
	key := GroupKey(group)
	if _, ok := s.groups[key]; !ok {
		return groupNotFound(group)
	}
	delete(p.Groups, key)
	return nil
}

func (s *MemoryStore) PrincipalGrants(ctx context.Context, principalID int64) (bool, []Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[principalID]
	if !ok {
		return false, nil, principalNotFound(principalID)
	}
	var perms []Permission
	for key := range p.Groups {
		g, ok := s.groups[key]
		if !ok {
			continue
		}
		for perm := range g.perms {
			perms = append(perms, perm)
		}
	}
	return p.IsActive, perms, nil
}

func (g *memoryGroup) snapshot() Group {
	out := g.group
	out.Permissions = g.perms.sorted()
	return out
}

func copyPrincipal(p *Principal) Principal {
	out := *p
	out.Groups = make(map[string]Membership, len(p.Groups))
	for k, v := range p.Groups {
		out.Groups[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
