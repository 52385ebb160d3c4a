package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
)

var (
	bookView   = Permission{Resource: ResourceBook, Action: ActionView}
	bookCreate = Permission{Resource: ResourceBook, Action: ActionCreate}
	bookEdit   = Permission{Resource: ResourceBook, Action: ActionEdit}
	bookDelete = Permission{Resource: ResourceBook, Action: ActionDelete}
)

// newTestService builds a Service over a MemoryStore. When withCache is set the
// flattened view is kept in a miniredis instance.
func newTestService(t *testing.T, withCache bool) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	var cache PermissionCache
	if withCache {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		cache = NewRedisPermissionCache(client, 0)
	}
	return NewService(store, cache, nil, nil), store
}

func eachMode(t *testing.T, fn func(t *testing.T, svc *Service)) {
	for _, tc := range []struct {
		name  string
		cache bool
	}{{"store", false}, {"cached", true}} {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := newTestService(t, tc.cache)
			fn(t, svc)
		})
	}
}

func mustPrincipal(t *testing.T, svc *Service, username string, groups ...string) Principal {
	t.Helper()
	ctx := context.Background()
	p, err := svc.RegisterPrincipal(ctx, username, username+"@example.com")
	require.NoError(t, err)
	for _, g := range groups {
		require.NoError(t, svc.AssignPrincipalToGroup(ctx, p.ID, g))
	}
	return p
}

func mustGroup(t *testing.T, svc *Service, name string, perms ...Permission) {
	t.Helper()
	ctx := context.Background()
	_, _, err := svc.EnsureGroup(ctx, name, "")
	require.NoError(t, err)
	for _, p := range perms {
		require.NoError(t, svc.GrantGroupPermission(ctx, name, p.Resource, p.Action))
	}
}

func TestViewerExample(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Viewer", bookView)
		u := mustPrincipal(t, svc, "u", "Viewer")

		ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionDelete)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestViewerAndEditorUnion(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Viewer", bookView)
		mustGroup(t, svc, "Editor", bookView, bookCreate, bookEdit)
		u := mustPrincipal(t, svc, "u", "Viewer", "Editor")

		perms, err := svc.EffectivePermissions(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, []Permission{bookCreate, bookEdit, bookView}, perms)

		ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionDelete)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAssignGrantsEveryGroupPermission(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		all := []Permission{bookView, bookCreate, bookEdit, bookDelete}
		mustGroup(t, svc, "Admins", all...)
		u := mustPrincipal(t, svc, "u")

		require.NoError(t, svc.AssignPrincipalToGroup(ctx, u.ID, "Admins"))
		for _, p := range all {
			ok, err := svc.IsAuthorized(ctx, u.ID, p.Resource, p.Action)
			require.NoError(t, err)
			assert.True(t, ok, p.Codename())
		}
	})
}

func TestGrantIsMonotonic(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Viewers", bookView)
		u := mustPrincipal(t, svc, "u", "Viewers")

		ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
		require.NoError(t, err)
		require.True(t, ok)

		for _, p := range []Permission{bookCreate, {Resource: ResourceAuthor, Action: ActionDelete}} {
			require.NoError(t, svc.GrantGroupPermission(ctx, "Viewers", p.Resource, p.Action))
			ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
			require.NoError(t, err)
			assert.True(t, ok)
		}
		ok, err = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionCreate)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestGrantIsIdempotent(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Editors")
		require.NoError(t, svc.GrantGroupPermission(ctx, "Editors", ResourceBook, ActionEdit))
		once, err := svc.GetGroup(ctx, "Editors")
		require.NoError(t, err)

		require.NoError(t, svc.GrantGroupPermission(ctx, "Editors", ResourceBook, ActionEdit))
		twice, err := svc.GetGroup(ctx, "Editors")
		require.NoError(t, err)
		assert.Equal(t, once.Permissions, twice.Permissions)
		assert.Len(t, twice.Permissions, 1)
	})
}

func TestUnassignedPrincipalDeniedEverything(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Admins", bookView, bookCreate, bookEdit, bookDelete)
		u := mustPrincipal(t, svc, "loner")

		for _, r := range ResourceTypes() {
			for _, a := range Actions() {
				ok, err := svc.IsAuthorized(ctx, u.ID, r, a)
				require.NoError(t, err)
				assert.False(t, ok, "%s.%s", r, a)
			}
		}
	})
}

func TestUnknownPrincipalIsDenied(t *testing.T) {
	svc, _ := newTestService(t, true)
	ok, err := svc.IsAuthorized(context.Background(), 404, ResourceBook, ActionView)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInactivePrincipalIsDenied(t *testing.T) {
	svc, store := newTestService(t, false)
	ctx := context.Background()
	mustGroup(t, svc, "Viewers", bookView)
	p, err := store.CreatePrincipal(ctx, "dormant", "", false)
	require.NoError(t, err)
	require.NoError(t, svc.AssignPrincipalToGroup(ctx, p.ID, "Viewers"))

	ok, err := svc.IsAuthorized(ctx, p.ID, ResourceBook, ActionView)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequireAuthorizationDenied(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()
	mustGroup(t, svc, "Viewers", bookView)
	u := mustPrincipal(t, svc, "u", "Viewers")

	require.NoError(t, svc.RequireAuthorization(ctx, u.ID, ResourceBook, ActionView))

	err := svc.RequireAuthorization(ctx, u.ID, ResourceBook, ActionDelete)
	var denied *PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, u.ID, denied.PrincipalID)
	assert.Equal(t, bookDelete, denied.Permission())
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.True(t, errors.Is(err, httpx.ErrForbidden))
}

func TestAssignUnknownGroupOrPrincipal(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()
	u := mustPrincipal(t, svc, "u")

	err := svc.AssignPrincipalToGroup(ctx, u.ID, "Ghosts")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "group", nf.Kind)
	assert.True(t, errors.Is(err, ErrNotFound))

	mustGroup(t, svc, "Viewers")
	err = svc.AssignPrincipalToGroup(ctx, 999, "Viewers")
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "principal", nf.Kind)
}

func TestGrantValidation(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	err := svc.GrantGroupPermission(ctx, "Nobody", ResourceBook, ActionView)
	assert.True(t, errors.Is(err, ErrNotFound))

	mustGroup(t, svc, "Viewers")
	err = svc.GrantGroupPermission(ctx, "Viewers", ResourceType("spaceship"), ActionView)
	assert.True(t, errors.Is(err, ErrInvalidPermission))
	err = svc.GrantGroupPermission(ctx, "Viewers", ResourceBook, Action("publish"))
	assert.True(t, errors.Is(err, ErrInvalidPermission))
	assert.True(t, errors.Is(err, httpx.ErrValidation))

	_, _, err = svc.EnsureGroup(ctx, "  ", "")
	assert.True(t, errors.Is(err, ErrInvalidGroup))
}

func TestGroupNamesAreCaseInsensitive(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()
	_, created, err := svc.EnsureGroup(ctx, "Editors", "")
	require.NoError(t, err)
	assert.True(t, created)

	g, created, err := svc.EnsureGroup(ctx, "EDITORS", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Editors", g.Name)

	require.NoError(t, svc.GrantGroupPermission(ctx, "editors", ResourceBook, ActionEdit))
	u := mustPrincipal(t, svc, "u", "eDiToRs")
	ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionEdit)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRevokeIsVisibleImmediately(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Editors", bookView, bookEdit)
		u := mustPrincipal(t, svc, "u", "Editors")

		ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionEdit)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, svc.RevokeGroupPermission(ctx, "Editors", ResourceBook, ActionEdit))
		ok, err = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionEdit)
		require.NoError(t, err)
		assert.False(t, ok)

		// revoking again is a no-op
		require.NoError(t, svc.RevokeGroupPermission(ctx, "Editors", ResourceBook, ActionEdit))
	})
}

func TestRemoveMembershipIsVisibleImmediately(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Viewers", bookView)
		u := mustPrincipal(t, svc, "u", "Viewers")

		ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, svc.RemovePrincipalFromGroup(ctx, u.ID, "Viewers"))
		ok, err = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSetGroupPermissionsReplacesSet(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Editors", bookView, bookDelete)
		u := mustPrincipal(t, svc, "u", "Editors")
		_, err := svc.EffectivePermissions(ctx, u.ID)
		require.NoError(t, err)

		require.NoError(t, svc.SetGroupPermissions(ctx, "Editors", []Permission{bookView, bookCreate, bookEdit}))
		perms, err := svc.EffectivePermissions(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, []Permission{bookCreate, bookEdit, bookView}, perms)

		err = svc.SetGroupPermissions(ctx, "Editors", []Permission{{Resource: "shelf", Action: ActionView}})
		assert.True(t, errors.Is(err, ErrInvalidPermission))
	})
}

func TestDeletePrincipalDropsMemberships(t *testing.T) {
	eachMode(t, func(t *testing.T, svc *Service) {
		ctx := context.Background()
		mustGroup(t, svc, "Viewers", bookView)
		u := mustPrincipal(t, svc, "u", "Viewers")
		_, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
		require.NoError(t, err)

		require.NoError(t, svc.DeletePrincipal(ctx, u.ID))
		ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = svc.GetPrincipal(ctx, u.ID)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.True(t, errors.Is(svc.DeletePrincipal(ctx, u.ID), ErrNotFound))
	})
}

func TestRegisterPrincipalRejectsDuplicates(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()
	mustPrincipal(t, svc, "dup")
	_, err := svc.RegisterPrincipal(ctx, "dup", "")
	assert.True(t, errors.Is(err, ErrPrincipalExists))
	_, err = svc.RegisterPrincipal(ctx, " ", "")
	assert.True(t, errors.Is(err, ErrInvalidPrincipal))
}

func TestPermissionSummary(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()
	mustGroup(t, svc, "Editors", bookView, bookCreate, bookEdit)
	u := mustPrincipal(t, svc, "u", "Editors")

	summary, err := svc.PermissionSummary(ctx, u.ID, ResourceBook)
	require.NoError(t, err)
	assert.Equal(t, map[Action]bool{
		ActionView: true, ActionCreate: true, ActionEdit: true, ActionDelete: false,
	}, summary)

	summary, err = svc.PermissionSummary(ctx, 12345, ResourceBook)
	require.NoError(t, err)
	assert.False(t, summary[ActionView])
}

func TestWarmPermissions(t *testing.T) {
	svc, store := newTestService(t, true)
	ctx := context.Background()
	mustGroup(t, svc, "Viewers", bookView)
	mustPrincipal(t, svc, "a", "Viewers")
	mustPrincipal(t, svc, "b")
	_, err := store.CreatePrincipal(ctx, "inactive", "", false)
	require.NoError(t, err)

	n, err := svc.WarmPermissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	uncached, _ := newTestService(t, false)
	n, err = uncached.WarmPermissions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConcurrentChecks(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()
	mustGroup(t, svc, "Viewers", bookView)
	u := mustPrincipal(t, svc, "u", "Viewers")

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
			if err == nil && !ok {
				err = errors.New("expected allow")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s failingStore) PrincipalGrants(ctx context.Context, id int64) (bool, []Permission, error) {
	return false, nil, s.err
}

func TestDecisionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	store := NewMemoryStore()
	svc := NewService(store, nil, nil, metrics)
	ctx := context.Background()
	mustGroup(t, svc, "Viewers", bookView)
	u := mustPrincipal(t, svc, "u", "Viewers")

	_, _ = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
	_, _ = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionDelete)
	_, _ = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionDelete)

	assert.Equal(t, 1.0, counterValue(t, metrics.decisions.WithLabelValues("book", "view", outcomeAllow)))
	assert.Equal(t, 2.0, counterValue(t, metrics.decisions.WithLabelValues("book", "delete", outcomeDeny)))

	again, err := NewMetrics(reg)
	require.NoError(t, err)
	assert.Same(t, metrics.decisions, again.decisions)

	broken := NewService(failingStore{MemoryStore: store, err: errors.New("db down")}, nil, nil, metrics)
	_, err = broken.IsAuthorized(ctx, u.ID, ResourceBook, ActionView)
	require.Error(t, err)
	assert.Equal(t, 1.0, counterValue(t, metrics.decisions.WithLabelValues("book", "view", outcomeError)))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// flakyCache fails invalidations while broken is set.
type flakyCache struct {
	*RedisPermissionCache
	broken atomic.Bool
}

var errCacheDown = errors.New("redis blip")

func (c *flakyCache) InvalidatePrincipal(ctx context.Context, id int64) error {
	if c.broken.Load() {
		return errCacheDown
	}
	return c.RedisPermissionCache.InvalidatePrincipal(ctx, id)
}

func (c *flakyCache) InvalidateAll(ctx context.Context) error {
	if c.broken.Load() {
		return errCacheDown
	}
	return c.RedisPermissionCache.InvalidateAll(ctx)
}

func newFlakyService(t *testing.T) (*Service, *flakyCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := &flakyCache{RedisPermissionCache: NewRedisPermissionCache(client, time.Hour)}
	return NewService(NewMemoryStore(), cache, nil, nil), cache
}

func TestFailedInvalidationNeverServesRevokedMembership(t *testing.T) {
	svc, cache := newFlakyService(t)
	ctx := context.Background()
	mustGroup(t, svc, "Admins", bookView, bookDelete)
	u := mustPrincipal(t, svc, "u", "Admins")

	ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionDelete)
	require.NoError(t, err)
	require.True(t, ok, "flattened view is now cached")

	cache.broken.Store(true)
	require.NoError(t, svc.RemovePrincipalFromGroup(ctx, u.ID, "Admins"), "the store change is durable")

	ok, err = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionDelete)
	require.NoError(t, err)
	assert.False(t, ok)

	cache.broken.Store(false)
	ok, err = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionDelete)
	require.NoError(t, err)
	assert.False(t, ok, "recovery must not resurrect the old entry")
	assert.Zero(t, svc.staleMarks.Load())
}

func TestFailedInvalidationNeverServesRevokedGrant(t *testing.T) {
	svc, cache := newFlakyService(t)
	ctx := context.Background()
	mustGroup(t, svc, "Editors", bookView, bookEdit)
	u := mustPrincipal(t, svc, "u", "Editors")

	ok, err := svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionEdit)
	require.NoError(t, err)
	require.True(t, ok)

	cache.broken.Store(true)
	require.NoError(t, svc.RevokeGroupPermission(ctx, "Editors", ResourceBook, ActionEdit))
	for i := 0; i < 2; i++ {
		ok, err = svc.IsAuthorized(ctx, u.ID, ResourceBook, ActionEdit)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	cache.broken.Store(false)
	perms, err := svc.EffectivePermissions(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []Permission{bookView}, perms)
}

// gatedStore blocks PrincipalGrants until released and honours the context it
// is handed afterwards.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedStore) PrincipalGrants(ctx context.Context, id int64) (bool, []Permission, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	return s.MemoryStore.PrincipalGrants(ctx, id)
}

func TestCancelledCallerDoesNotFailSharedFill(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := &gatedStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(store, NewRedisPermissionCache(client, time.Minute), nil, nil)
	mustGroup(t, svc, "Viewers", bookView)
	u := mustPrincipal(t, svc, "u", "Viewers")

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.IsAuthorized(first, u.ID, ResourceBook, ActionView)
		firstDone <- err
	}()
	<-store.entered
	cancel()

	type outcome struct {
		ok  bool
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		ok, err := svc.IsAuthorized(context.Background(), u.ID, ResourceBook, ActionView)
		second <- outcome{ok, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.release)

	got := <-second
	require.NoError(t, got.err)
	assert.True(t, got.ok)
	assert.NoError(t, <-firstDone)
}
