package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivd/middleware/internal/platform/db"
)

// openSampleConstraint is the partial unique index guarding one open review per sample.
const openSampleConstraint = "reviews_open_sample_uniq"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

const reviewCols = `id, tenant_id, sample_id, result_ids, state, reviewer_id, queue_reason,
	decision, decision_reason, decided_by, created_at, claimed_at, decided_at, updated_at, version`

func scanReview(row pgx.Row) (*Review, error) {
	var r Review
	err := row.Scan(&r.ID, &r.TenantID, &r.SampleID, &r.ResultIDs, &r.State, &r.ReviewerID, &r.QueueReason,
		&r.Decision, &r.DecisionReason, &r.DecidedBy, &r.CreatedAt, &r.ClaimedAt, &r.DecidedAt, &r.UpdatedAt, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReviewNotFound
	}
	return &r, err
}

func (s *storePG) Create(ctx context.Context, r *Review) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.Version = 1
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO reviews (id, tenant_id, sample_id, result_ids, state, queue_reason, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		r.ID, r.TenantID, r.SampleID, r.ResultIDs, r.State, r.QueueReason, r.Version,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if db.IsUniqueViolation(err, openSampleConstraint) {
		return fmt.Errorf("sample %s: %w", r.SampleID, ErrReviewAlreadyExists)
	}
	return err
}

func (s *storePG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Review, error) {
	r, err := scanReview(s.conn(ctx).QueryRow(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadDecisions(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *storePG) GetOpenBySample(ctx context.Context, tenantID string, sampleID uuid.UUID) (*Review, error) {
	return scanReview(s.conn(ctx).QueryRow(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE tenant_id = $1 AND sample_id = $2 AND state <> 'DECIDED'`,
		tenantID, sampleID))
}

func (s *storePG) Update(ctx context.Context, r *Review) error {
	return db.WithTx(ctx, s.pool, func(ctx context.Context) error {
		tag, err := s.conn(ctx).Exec(ctx, `
			UPDATE reviews SET result_ids = $3, state = $4, reviewer_id = $5, queue_reason = $6,
				decision = $7, decision_reason = $8, decided_by = $9, claimed_at = $10, decided_at = $11,
				updated_at = $12, version = version + 1
			WHERE tenant_id = $1 AND id = $2 AND version = $13 AND state <> 'DECIDED'`,
			r.TenantID, r.ID, r.ResultIDs, r.State, r.ReviewerID, r.QueueReason,
			r.Decision, r.DecisionReason, r.DecidedBy, r.ClaimedAt, r.DecidedAt,
			r.UpdatedAt, r.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.updateMiss(ctx, r)
		}

		if r.State == StateDecided {
			for _, d := range r.Decisions {
				if _, err := s.conn(ctx).Exec(ctx, `
					INSERT INTO review_decisions (id, tenant_id, review_id, result_id, decision, comment, decided_at)
					VALUES ($1,$2,$3,$4,$5,$6,$7)`,
					d.ID, d.TenantID, d.ReviewID, d.ResultID, d.Decision, d.Comment, d.DecidedAt); err != nil {
					return fmt.Errorf("insert decision for result %s: %w", d.ResultID, err)
				}
			}
		}
		r.Version++
		return nil
	})
}

// updateMiss explains why an optimistic update touched no row.
func (s *storePG) updateMiss(ctx context.Context, r *Review) error {
	current, err := scanReview(s.conn(ctx).QueryRow(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE tenant_id = $1 AND id = $2`, r.TenantID, r.ID))
	if err != nil {
		return err
	}
	if current.State == StateDecided {
		return ErrReviewCannotBeModified
	}
	return fmt.Errorf("review %s at version %d: %w", r.ID, r.Version, ErrVersionConflict)
}

func (s *storePG) ListOpen(ctx context.Context, tenantID string, limit, offset int) ([]*Review, int, error) {
	return s.List(ctx, tenantID, ListFilter{OpenOnly: true}, limit, offset)
}

func (s *storePG) List(ctx context.Context, tenantID string, f ListFilter, limit, offset int) ([]*Review, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2

	if f.State != "" {
		where += fmt.Sprintf(` AND state = $%d`, idx)
		args = append(args, f.State)
		idx++
	}
	if f.OpenOnly {
		where += ` AND state <> 'DECIDED'`
	}
	if f.ReviewerID != "" {
		where += fmt.Sprintf(` AND reviewer_id = $%d`, idx)
		args = append(args, f.ReviewerID)
		idx++
	}
	if f.SampleID != nil {
		where += fmt.Sprintf(` AND sample_id = $%d`, idx)
		args = append(args, *f.SampleID)
		idx++
	}

	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM reviews`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + reviewCols + ` FROM reviews` + where +
		fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	items, err := s.query(ctx, query, args...)
	return items, total, err
}

func (s *storePG) ListByResult(ctx context.Context, tenantID string, resultID uuid.UUID) ([]*Review, error) {
	items, err := s.query(ctx,
		`SELECT `+reviewCols+` FROM reviews WHERE tenant_id = $1 AND $2 = ANY(result_ids) ORDER BY created_at, id`,
		tenantID, resultID)
	if err != nil {
		return nil, err
	}
	for _, r := range items {
		if err := s.loadDecisions(ctx, r); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *storePG) query(ctx context.Context, sql string, args ...interface{}) ([]*Review, error) {
	rows, err := s.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *storePG) loadDecisions(ctx context.Context, r *Review) error {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, tenant_id, review_id, result_id, decision, comment, decided_at
		FROM review_decisions WHERE tenant_id = $1 AND review_id = $2 ORDER BY decided_at, id`,
		r.TenantID, r.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	r.Decisions = nil
	for rows.Next() {
		var d ResultDecision
		if err := rows.Scan(&d.ID, &d.TenantID, &d.ReviewID, &d.ResultID, &d.Decision, &d.Comment, &d.DecidedAt); err != nil {
			return err
		}
		r.Decisions = append(r.Decisions, d)
	}
	return rows.Err()
}
