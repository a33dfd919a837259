package lis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivd/middleware/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// =========== Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultStore {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const resultCols = `id, tenant_id, sample_id, test_code, test_name, value, unit,
	reference_range_low, reference_range_high, lis_flags,
	verification_status, verification_method, verification_reason, verified_at,
	created_at, updated_at`

func scanResult(row pgx.Row) (*Result, error) {
	var res Result
	err := row.Scan(&res.ID, &res.TenantID, &res.SampleID, &res.TestCode, &res.TestName, &res.Value, &res.Unit,
		&res.ReferenceRangeLow, &res.ReferenceRangeHigh, &res.LISFlags,
		&res.VerificationStatus, &res.VerificationMethod, &res.VerificationReason, &res.VerifiedAt,
		&res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResultNotFound
	}
	return &res, err
}

func (r *resultRepoPG) Create(ctx context.Context, res *Result) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	if res.VerificationStatus == "" {
		res.VerificationStatus = ResultPending
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO results (id, tenant_id, sample_id, test_code, test_name, value, unit,
			reference_range_low, reference_range_high, lis_flags, verification_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		res.ID, res.TenantID, res.SampleID, res.TestCode, res.TestName, res.Value, res.Unit,
		res.ReferenceRangeLow, res.ReferenceRangeHigh, res.LISFlags, res.VerificationStatus,
	).Scan(&res.CreatedAt, &res.UpdatedAt)
}

func (r *resultRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Result, error) {
	return scanResult(r.conn(ctx).QueryRow(ctx,
		`SELECT `+resultCols+` FROM results WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *resultRepoPG) ListBySample(ctx context.Context, tenantID string, sampleID uuid.UUID) ([]*Result, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+resultCols+` FROM results WHERE tenant_id = $1 AND sample_id = $2 ORDER BY created_at, id`,
		tenantID, sampleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, res)
	}
	return items, rows.Err()
}

func (r *resultRepoPG) ListByStatus(ctx context.Context, tenantID string, status ResultStatus, limit, offset int) ([]*Result, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM results WHERE tenant_id = $1 AND verification_status = $2`,
		tenantID, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+resultCols+` FROM results WHERE tenant_id = $1 AND verification_status = $2
		ORDER BY created_at, id LIMIT $3 OFFSET $4`,
		tenantID, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, res)
	}
	return items, total, rows.Err()
}

func (r *resultRepoPG) UpdateVerification(ctx context.Context, tenantID string, id uuid.UUID, u StatusUpdate) (*Result, error) {
	var method, reason *string
	if u.Method != "" {
		method = &u.Method
	}
	if u.Reason != "" {
		reason = &u.Reason
	}
	var verifiedAt *time.Time
	if u.Status == ResultVerified || u.Status == ResultRejected {
		at := u.At
		verifiedAt = &at
	}

	res, err := scanResult(r.conn(ctx).QueryRow(ctx, `
		UPDATE results SET verification_status = $3, verification_method = $4,
			verification_reason = $5, verified_at = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
			AND verification_status NOT IN ('verified', 'rejected')
		RETURNING `+resultCols,
		tenantID, id, u.Status, method, reason, verifiedAt))
	if !errors.Is(err, ErrResultNotFound) {
		return res, err
	}

	// Nothing updated: either the row is missing or it is already final.
	if _, getErr := r.GetByID(ctx, tenantID, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("result %s: %w", id, ErrResultImmutable)
}

func (r *resultRepoPG) PriorForPatient(ctx context.Context, tenantID, patientID, testCode string, excludeID uuid.UUID, since, before time.Time) (*Result, error) {
	res, err := scanResult(r.conn(ctx).QueryRow(ctx, `
		SELECT r.id, r.tenant_id, r.sample_id, r.test_code, r.test_name, r.value, r.unit,
			r.reference_range_low, r.reference_range_high, r.lis_flags,
			r.verification_status, r.verification_method, r.verification_reason, r.verified_at,
			r.created_at, r.updated_at
		FROM results r
		JOIN samples s ON s.id = r.sample_id AND s.tenant_id = r.tenant_id
		WHERE r.tenant_id = $1 AND s.patient_id = $2 AND r.test_code = $3
			AND r.id <> $4 AND r.created_at >= $5 AND r.created_at < $6
		ORDER BY r.created_at DESC
		LIMIT 1`,
		tenantID, patientID, testCode, excludeID, since, before))
	if errors.Is(err, ErrResultNotFound) {
		return nil, nil
	}
	return res, err
}

// =========== Sample Repository ===========

type sampleRepoPG struct{ pool *pgxpool.Pool }

func NewSampleRepoPG(pool *pgxpool.Pool) SampleStore {
	return &sampleRepoPG{pool: pool}
}

func (r *sampleRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const sampleCols = `id, tenant_id, external_lis_id, patient_id, specimen_type, collection_date,
	status, created_at, updated_at`

func scanSample(row pgx.Row) (*Sample, error) {
	var s Sample
	err := row.Scan(&s.ID, &s.TenantID, &s.ExternalLISID, &s.PatientID, &s.SpecimenType, &s.CollectionDate,
		&s.Status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSampleNotFound
	}
	return &s, err
}

func (r *sampleRepoPG) Create(ctx context.Context, s *Sample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Status == "" {
		s.Status = SamplePending
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO samples (id, tenant_id, external_lis_id, patient_id, specimen_type, collection_date, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		s.ID, s.TenantID, s.ExternalLISID, s.PatientID, s.SpecimenType, s.CollectionDate, s.Status,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *sampleRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Sample, error) {
	return scanSample(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sampleCols+` FROM samples WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *sampleRepoPG) UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, status SampleStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE samples SET status = $3, updated_at = NOW() WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSampleNotFound
	}
	return nil
}
