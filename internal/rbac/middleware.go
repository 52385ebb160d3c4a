package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/bookshelf/internal/platform/httpx"
)

// DefaultPrincipalHeader carries the principal id asserted by the upstream
// identity proxy.
const DefaultPrincipalHeader = "X-Principal-ID"

type principalContextKey struct{}

// ContextWithPrincipal stores the principal id in ctx.
func ContextWithPrincipal(ctx context.Context, principalID int64) context.Context {
	return context.WithValue(ctx, principalContextKey{}, principalID)
}

// PrincipalFromContext extracts the principal id from ctx.
func PrincipalFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(principalContextKey{}).(int64)
	return id, ok
}

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
	Header  string
}

// ResolvePrincipal reads the principal id header into the request context.
// Requests without the header continue anonymously; a malformed value is
// rejected with 401.
func (m Middleware) ResolvePrincipal(next http.Handler) http.Handler {
	header := m.Header
	if header == "" {
		header = DefaultPrincipalHeader
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(header))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			m.logger().Warn("rbac parse principal id", slog.String("value", raw))
			httpx.RespondError(w, ErrNoPrincipal)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), id)))
	})
}

// RequirePrincipal rejects anonymous requests with 401.
func (m Middleware) RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			httpx.RespondError(w, ErrNoPrincipal)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the current principal holds at least one of perms.
func (m Middleware) RequireAny(perms ...Permission) func(http.Handler) http.Handler {
	return m.require(perms, false)
}

// RequireAll ensures the current principal holds every one of perms.
func (m Middleware) RequireAll(perms ...Permission) func(http.Handler) http.Handler {
	return m.require(perms, true)
}

func (m Middleware) require(perms []Permission, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principalID, ok := PrincipalFromContext(r.Context())
			if !ok {
				httpx.RespondError(w, ErrNoPrincipal)
				return
			}
			var denied error
			for _, perm := range perms {
				err := m.Service.RequireAuthorization(r.Context(), principalID, perm.Resource, perm.Action)
				switch {
				case err == nil && !all:
					next.ServeHTTP(w, r)
					return
				case err == nil:
					continue
				case isDenied(err):
					denied = err
					if all {
						httpx.RespondError(w, denied)
						return
					}
				default:
					m.logger().Error("rbac require", slog.Any("error", err))
					httpx.RespondError(w, err)
					return
				}
			}
			if !all {
				httpx.RespondError(w, denied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func isDenied(err error) bool {
	var denied *PermissionDeniedError
	return errors.As(err, &denied)
}
