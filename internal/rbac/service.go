package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Service answers authorization questions and administers groups,
// grants and memberships.
type Service struct {
	store   Store
	cache   PermissionCache
	logger  *slog.Logger
	metrics *Metrics
	fills   singleflight.Group
	// staleMarks counts invalidations that did not reach the cache. While
	// non-zero the cache is bypassed until a generation bump succeeds.
	staleMarks atomic.Int64
}

// NewService constructs a Service. cache, logger and metrics are optional.
func NewService(store Store, cache PermissionCache, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cache: cache, logger: logger, metrics: metrics}
}

// EnsureGroup creates the group if it does not exist yet.
func (s *Service) EnsureGroup(ctx context.Context, name, description string) (Group, bool, error) {
	if strings.TrimSpace(name) == "" {
		return Group{}, false, fmt.Errorf("%w: name required", ErrInvalidGroup)
	}
	return s.store.CreateGroup(ctx, name, description)
}

// GetGroup fetches a group with its permissions.
func (s *Service) GetGroup(ctx context.Context, name string) (Group, error) {
	return s.store.GetGroup(ctx, name)
}

// ListGroups returns all groups ordered by name.
func (s *Service) ListGroups(ctx context.Context) ([]Group, error) {
	return s.store.ListGroups(ctx)
}

// GrantGroupPermission adds (resource, action) to the group. Re-granting is a no-op.
func (s *Service) GrantGroupPermission(ctx context.Context, group string, resource ResourceType, action Action) error {
	perm := Permission{Resource: resource, Action: action}
	if err := perm.Validate(); err != nil {
		return err
	}
	if err := s.store.AddGroupPermission(ctx, group, perm); err != nil {
		return err
	}
	return s.invalidateAll(ctx)
}

// RevokeGroupPermission removes (resource, action) from the group. Revoking an
// absent permission is a no-op.
func (s *Service) RevokeGroupPermission(ctx context.Context, group string, resource ResourceType, action Action) error {
	perm := Permission{Resource: resource, Action: action}
	if err := perm.Validate(); err != nil {
		return err
	}
	if err := s.store.RemoveGroupPermission(ctx, group, perm); err != nil {
		return err
	}
	return s.invalidateAll(ctx)
}

// SetGroupPermissions replaces the group's permission set with perms.
func (s *Service) SetGroupPermissions(ctx context.Context, group string, perms []Permission) error {
	for _, p := range perms {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	current, err := s.store.GetGroup(ctx, group)
	if err != nil {
		return err
	}
	keep := newPermissionSet(perms)
	existing := newPermissionSet(current.Permissions)
	for p := range keep {
		if existing.has(p) {
			continue
		}
		if err := s.store.AddGroupPermission(ctx, group, p); err != nil {
			return err
		}
	}
	for p := range existing {
		if keep.has(p) {
			continue
		}
		if err := s.store.RemoveGroupPermission(ctx, group, p); err != nil {
			return err
		}
	}
	return s.invalidateAll(ctx)
}

// RegisterPrincipal creates a new principal with no memberships.
func (s *Service) RegisterPrincipal(ctx context.Context, username, email string) (Principal, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Principal{}, fmt.Errorf("%w: username required", ErrInvalidPrincipal)
	}
	return s.store.CreatePrincipal(ctx, username, strings.TrimSpace(email), true)
}

// GetPrincipal fetches a principal with its memberships.
func (s *Service) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	return s.store.GetPrincipal(ctx, id)
}

// FindPrincipal fetches a principal by username.
func (s *Service) FindPrincipal(ctx context.Context, username string) (Principal, error) {
	return s.store.FindPrincipalByUsername(ctx, strings.TrimSpace(username))
}

// ListPrincipals returns all principals ordered by id.
func (s *Service) ListPrincipals(ctx context.Context) ([]Principal, error) {
	return s.store.ListPrincipals(ctx)
}

// DeletePrincipal removes the principal together with its memberships.
func (s *Service) DeletePrincipal(ctx context.Context, id int64) error {
	if err := s.store.DeletePrincipal(ctx, id); err != nil {
		return err
	}
	return s.invalidatePrincipal(ctx, id)
}

// AssignPrincipalToGroup adds the group to the principal's memberships.
// Fails with *NotFoundError when the group or principal is undefined.
func (s *Service) AssignPrincipalToGroup(ctx context.Context, principalID int64, group string) error {
	if err := s.store.AddMembership(ctx, principalID, group); err != nil {
		return err
	}
	return s.invalidatePrincipal(ctx, principalID)
}

// RemovePrincipalFromGroup drops the membership if present.
func (s *Service) RemovePrincipalFromGroup(ctx context.Context, principalID int64, group string) error {
	if err := s.store.RemoveMembership(ctx, principalID, group); err != nil {
		return err
	}
	return s.invalidatePrincipal(ctx, principalID)
}

// IsAuthorized reports whether any group of the principal grants
// (resource, action). Unknown principals are never authorized; the error
// return only carries storage failures and malformed permissions.
func (s *Service) IsAuthorized(ctx context.Context, principalID int64, resource ResourceType, action Action) (bool, error) {
	perm := Permission{Resource: resource, Action: action}
	if err := perm.Validate(); err != nil {
		return false, err
	}
	set, err := s.permissions(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.observeDecision(perm, outcomeDeny)
			return false, nil
		}
		s.metrics.observeDecision(perm, outcomeError)
		return false, err
	}
	allowed := set.has(perm)
	if allowed {
		s.metrics.observeDecision(perm, outcomeAllow)
	} else {
		s.metrics.observeDecision(perm, outcomeDeny)
	}
	return allowed, nil
}

// RequireAuthorization returns a *PermissionDeniedError unless the principal
// may perform action on resource. Callers must invoke it before any state
// mutation and abort on a non-nil result.
func (s *Service) RequireAuthorization(ctx context.Context, principalID int64, resource ResourceType, action Action) error {
	allowed, err := s.IsAuthorized(ctx, principalID, resource, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logger.InfoContext(ctx, "rbac denied",
			slog.Int64("principal_id", principalID),
			slog.String("resource", string(resource)),
			slog.String("action", string(action)),
		)
		return &PermissionDeniedError{PrincipalID: principalID, Resource: resource, Action: action}
	}
	return nil
}

// EffectivePermissions returns the principal's sorted effective permissions.
func (s *Service) EffectivePermissions(ctx context.Context, principalID int64) ([]Permission, error) {
	set, err := s.permissions(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return set.sorted(), nil
}

// PermissionSummary maps every action to whether the principal holds it on
// resource. View layers receive this as data.
func (s *Service) PermissionSummary(ctx context.Context, principalID int64, resource ResourceType) (map[Action]bool, error) {
	set, err := s.permissions(ctx, principalID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	summary := make(map[Action]bool, len(Actions()))
	for _, a := range Actions() {
		summary[a] = set.has(Permission{Resource: resource, Action: a})
	}
	return summary, nil
}

// WarmPermissions fills the flattened view of every active principal and
// returns how many were processed. It is a no-op without a cache.
func (s *Service) WarmPermissions(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	principals, err := s.store.ListPrincipals(ctx)
	if err != nil {
		return 0, err
	}
	warmed := 0
	for _, p := range principals {
		if !p.IsActive {
			continue
		}
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		if _, err := s.permissions(ctx, p.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return warmed, err
		}
		warmed++
	}
	return warmed, nil
}

func (s *Service) permissions(ctx context.Context, principalID int64) (permissionSet, error) {
	if !s.cacheTrusted(ctx) {
		return s.loadPermissions(ctx, principalID)
	}
	lookup, err := s.cache.Lookup(ctx, principalID)
	if err != nil {
		s.logger.WarnContext(ctx, "rbac cache lookup", slog.Any("error", err))
		return s.loadPermissions(ctx, principalID)
	}
	s.metrics.observeCache(lookup.Hit)
	if lookup.Hit {
		return newPermissionSet(lookup.Permissions), nil
	}
	// Callers joining the flight share its result, so one caller's
	// cancellation must not fail the others.
	fillCtx := context.WithoutCancel(ctx)
	v, err, _ := s.fills.Do(lookup.Key, func() (any, error) {
		set, err := s.loadPermissions(fillCtx, principalID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Fill(fillCtx, lookup.Key, set.sorted()); err != nil {
			s.logger.WarnContext(fillCtx, "rbac cache fill", slog.Any("error", err))
		}
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(permissionSet), nil
}

func (s *Service) loadPermissions(ctx context.Context, principalID int64) (permissionSet, error) {
	active, perms, err := s.store.PrincipalGrants(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !active {
		return permissionSet{}, nil
	}
	return newPermissionSet(perms), nil
}

// cacheTrusted reports whether flattened views may be served. After a failed
// invalidation it first bumps the generation so every entry written before
// the failure becomes unreachable.
func (s *Service) cacheTrusted(ctx context.Context) bool {
	if s.cache == nil {
		return false
	}
	marks := s.staleMarks.Load()
	if marks == 0 {
		return true
	}
	if err := s.cache.InvalidateAll(ctx); err != nil {
		return false
	}
	if s.staleMarks.CompareAndSwap(marks, 0) {
		s.logger.InfoContext(ctx, "rbac cache trusted again")
	}
	return s.staleMarks.Load() == 0
}

// Invalidation runs after the store write has committed. A failure is not
// returned; it marks the cache stale instead.
func (s *Service) invalidateAll(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.markStale(ctx, err)
	}
	return nil
}

func (s *Service) invalidatePrincipal(ctx context.Context, principalID int64) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.InvalidatePrincipal(ctx, principalID); err != nil {
		s.markStale(ctx, err, slog.Int64("principal_id", principalID))
	}
	return nil
}

func (s *Service) markStale(ctx context.Context, err error, attrs ...any) {
	s.staleMarks.Add(1)
	s.logger.ErrorContext(ctx, "rbac cache invalidation failed, bypassing cache",
		append(attrs, slog.Any("error", err))...)
}
