package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PGStore implements Store on PostgreSQL. Every write is a single statement
// so relation rows are inserted or removed atomically.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore backed by the provided pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the RBAC tables when missing.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("rbac: ensure schema: %w", err)
	}
	return nil
}

func (s *PGStore) CreateGroup(ctx context.Context, name, description string) (Group, bool, error) {
	var g Group
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_groups (name_key, name, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (name_key) DO NOTHING
		RETURNING id, name, description, created_at`,
		GroupKey(name), strings.TrimSpace(name), strings.TrimSpace(description),
	).Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if err == nil {
		return g, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Group{}, false, err
	}
	existing, err := s.GetGroup(ctx, name)
	if err != nil {
		return Group{}, false, err
	}
	return existing, false, nil
}

func (s *PGStore) GetGroup(ctx context.Context, name string) (Group, error) {
	var g Group
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, created_at
		FROM rbac_groups WHERE name_key = $1`, GroupKey(name),
	).Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, groupNotFound(name)
		}
		return Group{}, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT permission FROM rbac_group_permissions
		WHERE group_id = $1 ORDER BY permission`, g.ID)
	if err != nil {
		return Group{}, err
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Group{}, err
	}
	g.Permissions, err = parseCodenames(codes)
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

func (s *PGStore) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.id, g.name, g.description, g.created_at, gp.permission
		FROM rbac_groups g
		LEFT JOIN rbac_group_permissions gp ON gp.group_id = g.id
		ORDER BY g.name, gp.permission`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	index := make(map[int64]int)
	for rows.Next() {
		var (
			g    Group
			code pgtype.Text
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt, &code); err != nil {
			return nil, err
		}
		i, ok := index[g.ID]
		if !ok {
			groups = append(groups, g)
			i = len(groups) - 1
			index[g.ID] = i
		}
		if code.Valid {
			perm, err := ParsePermission(code.String)
			if err != nil {
				return nil, err
			}
			groups[i].Permissions = append(groups[i].Permissions, perm)
		}
	}
	return groups, rows.Err()
}

func (s *PGStore) AddGroupPermission(ctx context.Context, group string, perm Permission) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		WITH g AS (SELECT id FROM rbac_groups WHERE name_key = $1),
		ins AS (
			INSERT INTO rbac_group_permissions (group_id, permission)
			SELECT id, $2 FROM g
			ON CONFLICT DO NOTHING
		)
		SELECT EXISTS (SELECT 1 FROM g)`, GroupKey(group), perm.Codename(),
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return groupNotFound(group)
	}
	return nil
}

func (s *PGStore) RemoveGroupPermission(ctx context.Context, group string, perm Permission) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		WITH g AS (SELECT id FROM rbac_groups WHERE name_key = $1),
		del AS (
			DELETE FROM rbac_group_permissions
			WHERE group_id IN (SELECT id FROM g) AND permission = $2
		)
		SELECT EXISTS (SELECT 1 FROM g)`, GroupKey(group), perm.Codename(),
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return groupNotFound(group)
	}
	return nil
}

func (s *PGStore) CreatePrincipal(ctx context.Context, username, email string, active bool) (Principal, error) {
	p := Principal{Groups: map[string]Membership{}}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_principals (username, email, is_active)
		VALUES ($1, $2, $3)
		RETURNING id, username, email, is_active, created_at`, username, email, active,
	).Scan(&p.ID, &p.Username, &p.Email, &p.IsActive, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Principal{}, ErrPrincipalExists
		}
		return Principal{}, err
	}
	return p, nil
}

func (s *PGStore) GetPrincipal(ctx context.Context, id int64) (Principal, error) {
	return s.loadPrincipal(ctx, `WHERE p.id = $1`, id, principalNotFound(id))
}

func (s *PGStore) FindPrincipalByUsername(ctx context.Context, username string) (Principal, error) {
	return s.loadPrincipal(ctx, `WHERE p.username = $1`, username, &NotFoundError{Kind: "principal", Key: username})
}

func (s *PGStore) loadPrincipal(ctx context.Context, where string, arg any, notFound error) (Principal, error) {
	principals, err := s.queryPrincipals(ctx, where, arg)
	if err != nil {
		return Principal{}, err
	}
	if len(principals) == 0 {
		return Principal{}, notFound
	}
	return principals[0], nil
}

func (s *PGStore) ListPrincipals(ctx context.Context) ([]Principal, error) {
	return s.queryPrincipals(ctx, "")
}

func (s *PGStore) queryPrincipals(ctx context.Context, where string, args ...any) ([]Principal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.username, p.email, p.is_active, p.created_at, g.name_key, g.name, pg.joined_at
		FROM rbac_principals p
		LEFT JOIN rbac_principal_groups pg ON pg.principal_id = p.id
		LEFT JOIN rbac_groups g ON g.id = pg.group_id
		`+where+`
		ORDER BY p.id, g.name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Principal
	index := make(map[int64]int)
	for rows.Next() {
		var (
			p        Principal
			groupKey pgtype.Text
			group    pgtype.Text
			joinedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&p.ID, &p.Username, &p.Email, &p.IsActive, &p.CreatedAt, &groupKey, &group, &joinedAt); err != nil {
			return nil, err
		}
		i, ok := index[p.ID]
		if !ok {
			p.Groups = make(map[string]Membership)
			out = append(out, p)
			i = len(out) - 1
			index[p.ID] = i
		}
		if groupKey.Valid {
			out[i].Groups[groupKey.String] = Membership{Group: group.String, JoinedAt: joinedAt.Time}
		}
	}
	return out, rows.Err()
}

func (s *PGStore) DeletePrincipal(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rbac_principals WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return principalNotFound(id)
	}
	return nil
}

func (s *PGStore) AddMembership(ctx context.Context, principalID int64, group string) error {
	var principalExists, groupExists bool
	err := s.pool.QueryRow(ctx, `
		WITH p AS (SELECT id FROM rbac_principals WHERE id = $1),
		g AS (SELECT id FROM rbac_groups WHERE name_key = $2),
		ins AS (
			INSERT INTO rbac_principal_groups (principal_id, group_id)
			SELECT p.id, g.id FROM p, g
			ON CONFLICT DO NOTHING
		)
		SELECT EXISTS (SELECT 1 FROM p), EXISTS (SELECT 1 FROM g)`, principalID, GroupKey(group),
	).Scan(&principalExists, &groupExists)
	if err != nil {
		return err
	}
	return membershipError(principalID, group, principalExists, groupExists)
}

func (s *PGStore) RemoveMembership(ctx context.Context, principalID int64, group string) error {
	var principalExists, groupExists bool
	err := s.pool.QueryRow(ctx, `
		WITH p AS (SELECT id FROM rbac_principals WHERE id = $1),
		g AS (SELECT id FROM rbac_groups WHERE name_key = $2),
		del AS (
			DELETE FROM rbac_principal_groups
			WHERE principal_id IN (SELECT id FROM p) AND group_id IN (SELECT id FROM g)
		)
		SELECT EXISTS (SELECT 1 FROM p), EXISTS (SELECT 1 FROM g)`, principalID, GroupKey(group),
	).Scan(&principalExists, &groupExists)
	if err != nil {
		return err
	}
	return membershipError(principalID, group, principalExists, groupExists)
}

func (s *PGStore) PrincipalGrants(ctx context.Context, principalID int64) (bool, []Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.is_active, gp.permission
		FROM rbac_principals p
		LEFT JOIN rbac_principal_groups pg ON pg.principal_id = p.id
		LEFT JOIN rbac_group_permissions gp ON gp.group_id = pg.group_id
		WHERE p.id = $1`, principalID)
	if err != nil {
		return false, nil, err
	}
	defer rows.Close()

	var (
		found  bool
		active bool
		perms  []Permission
	)
	for rows.Next() {
		var code pgtype.Text
		if err := rows.Scan(&active, &code); err != nil {
			return false, nil, err
		}
		found = true
		if !code.Valid {
			continue
		}
		perm, err := ParsePermission(code.String)
		if err != nil {
			return false, nil, err
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return false, nil, err
	}
	if !found {
		return false, nil, principalNotFound(principalID)
	}
	return active, perms, nil
}

func membershipError(principalID int64, group string, principalExists, groupExists bool) error {
	switch {
	case !principalExists:
		return principalNotFound(principalID)
	case !groupExists:
		return groupNotFound(group)
	default:
		return nil
	}
}

func parseCodenames(codes []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(codes))
	for _, code := range codes {
		perm, err := ParsePermission(code)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, nil
}

var _ Store = (*PGStore)(nil)
