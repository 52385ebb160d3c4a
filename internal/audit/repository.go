package audit

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PGRepository stores audit events in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a PGRepository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// EnsureSchema creates the audit table when missing.
func (r *PGRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("audit: ensure schema: %w", err)
	}
	return nil
}

func (r *PGRepository) Insert(ctx context.Context, event Event) (Event, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO audit_events (at, actor_id, action, entity, entity_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		event.At, event.ActorID, event.Action, event.Entity, event.EntityID, event.Detail,
	).Scan(&event.ID)
	if err != nil {
		return Event{}, fmt.Errorf("audit: insert: %w", err)
	}
	return event, nil
}

const windowQuery = `SELECT id, at, actor_id, action, entity, entity_id, detail
	FROM audit_events
	WHERE ($1::timestamptz IS NULL OR at >= $1)
	  AND ($2::timestamptz IS NULL OR at <= $2)
	  AND ($3::bigint IS NULL OR actor_id = $3)
	  AND ($4::text IS NULL OR lower(entity) = lower($4))
	  AND ($5::text IS NULL OR lower(action) = lower($5))
	ORDER BY at DESC, id DESC
	OFFSET $6 LIMIT $7`

func (r *PGRepository) Window(ctx context.Context, window Window) ([]Event, error) {
	if window.Offset < 0 || window.Offset > math.MaxInt32 || window.Limit < 0 || window.Limit > math.MaxInt32 {
		return nil, fmt.Errorf("%w: window out of range", ErrValidation)
	}
	f := window.Filters
	rows, err := r.pool.Query(ctx, windowQuery,
		toPgTime(f.From),
		toPgTime(f.To),
		optionalInt8(f.ActorID),
		optionalText(f.Entity),
		optionalText(f.Action),
		int32(window.Offset),
		int32(window.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: window: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var (
			e  Event
			at pgtype.Timestamptz
		)
		if err := row.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.Entity, &e.EntityID, &e.Detail); err != nil {
			return Event{}, err
		}
		if at.Valid {
			e.At = at.Time.UTC()
		}
		return e, nil
	})
}

func toPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}

func optionalInt8(value int64) pgtype.Int8 {
	if value == 0 {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: value, Valid: true}
}

var _ Repository = (*PGRepository)(nil)
