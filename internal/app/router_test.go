package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bookshelf/internal/audit"
	"github.com/odyssey-erp/bookshelf/internal/catalog"
	"github.com/odyssey-erp/bookshelf/internal/observability"
	"github.com/odyssey-erp/bookshelf/internal/rbac"
	"github.com/odyssey-erp/bookshelf/internal/view"
	"github.com/odyssey-erp/bookshelf/jobs"
)

type routerFixture struct {
	handler http.Handler
	ids     map[string]int64
}

func newRouterFixture(t *testing.T, cfg *Config) routerFixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stores, err := OpenStores(ctx, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(stores.Close)

	metrics := observability.NewMetrics()
	rbacMetrics, err := rbac.NewMetrics(metrics.Registerer())
	require.NoError(t, err)
	authz := rbac.NewService(stores.RBAC, stores.PermissionCache, logger, rbacMetrics)
	_, err = rbac.Provision(ctx, authz, rbac.DefaultMatrix(), rbac.TestPrincipals())
	require.NoError(t, err)

	principals, err := authz.ListPrincipals(ctx)
	require.NoError(t, err)
	ids := make(map[string]int64, len(principals))
	for _, p := range principals {
		ids[p.Username] = p.ID
	}

	templates, err := view.NewEngine()
	require.NoError(t, err)
	mw := rbac.Middleware{Service: authz, Logger: logger, Header: cfg.PrincipalHeader}
	auditService := audit.NewService(stores.Audit)
	router := NewRouter(RouterParams{
		Logger:         logger,
		Config:         cfg,
		Metrics:        metrics,
		RBACMiddleware: mw,
		RBACHandler:    rbac.NewHandler(logger, authz, templates, mw).WithAudit(auditService),
		CatalogHandler: catalog.NewHandler(logger, catalog.NewService(stores.Catalog, authz, logger)),
		AuditHandler:   audit.NewHandler(logger, auditService),
		JobHandler:     jobs.NewHandler(nil, nil, nil, logger),
	})
	return routerFixture{handler: router, ids: ids}
}

func testConfig() *Config {
	return &Config{
		StoreDriver:        StoreDriverMemory,
		PrincipalHeader:    "X-Principal-ID",
		RateLimitPerMinute: 1000,
		LogLevel:           "info",
	}
}

func (f routerFixture) do(t *testing.T, method, path string, principal int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if principal != 0 {
		req.Header.Set("X-Principal-ID", fmt.Sprint(principal))
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthAndSecurityHeaders(t *testing.T) {
	f := newRouterFixture(t, testConfig())

	rr := f.do(t, http.MethodGet, "/healthz", 0, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rr.Header().Get("Content-Security-Policy"))

	rr = f.do(t, http.MethodGet, "/jobs/health", 0, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/nowhere", 0, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestRouterAuthorizationFlow(t *testing.T) {
	f := newRouterFixture(t, testConfig())
	viewer, editor, admin := f.ids["viewer_user"], f.ids["editor_user"], f.ids["admin_user"]

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/books/", 0, "").Code)

	req := httptest.NewRequest(http.MethodGet, "/books/", nil)
	req.Header.Set("X-Principal-ID", "abc")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/books/", viewer, "").Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/authors/", viewer, `{"name":"N. K. Jemisin"}`).Code)

	rr = f.do(t, http.MethodPost, "/authors/", editor, `{"name":"N. K. Jemisin"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var author catalog.Author
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &author))

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodDelete, "/authors/"+author.ID.String(), editor, "").Code)

	// Granting Editors author.delete takes effect on the next request.
	rr = f.do(t, http.MethodPut, "/rbac/groups/Editors/permissions/author.delete", admin, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodDelete, "/authors/"+author.ID.String(), editor, "").Code)

	rr = f.do(t, http.MethodGet, "/audit/?action=group.grant", admin, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var timeline audit.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &timeline))
	require.Len(t, timeline.Rows, 1)
	assert.Equal(t, admin, timeline.Rows[0].ActorID)
	assert.Equal(t, "author.delete", timeline.Rows[0].Detail)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/audit/", viewer, "").Code)

	rr = f.do(t, http.MethodGet, "/rbac/me", viewer, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "book.view")

	rr = f.do(t, http.MethodGet, "/dashboard", viewer, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
}

func TestRouterMetricsEndpoint(t *testing.T) {
	f := newRouterFixture(t, testConfig())
	f.do(t, http.MethodGet, "/books/", f.ids["viewer_user"], "")
	f.do(t, http.MethodPost, "/books/", f.ids["viewer_user"], `{}`)

	rr := f.do(t, http.MethodGet, "/metrics", 0, "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `bookshelf_http_requests_total{code="200",method="GET",route="/books/"}`)
	assert.Contains(t, body, `bookshelf_authz_decisions_total{action="create",outcome="deny",resource="book"} 1`)
}

func TestRouterRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 2
	f := newRouterFixture(t, cfg)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", 0, "").Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", 0, "").Code)
	rr := f.do(t, http.MethodGet, "/healthz", 0, "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestRouterCustomPrincipalHeader(t *testing.T) {
	cfg := testConfig()
	cfg.PrincipalHeader = "X-Forwarded-User-Id"
	f := newRouterFixture(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/books/", nil)
	req.Header.Set("X-Forwarded-User-Id", fmt.Sprint(f.ids["viewer_user"]))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/books/", f.ids["viewer_user"], "").Code)
}
