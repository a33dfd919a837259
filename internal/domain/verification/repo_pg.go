package verification

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

const (
	settingsUniqueConstraint = "auto_verification_settings_test_uniq"
	ruleUniqueConstraint     = "verification_rules_type_uniq"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type ruleStorePG struct{ pool *pgxpool.Pool }

func NewRuleStorePG(pool *pgxpool.Pool) RuleStore {
	return &ruleStorePG{pool: pool}
}

func (s *ruleStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// =========== Settings ===========

const settingsCols = `id, tenant_id, test_code, test_name, enabled, created_at, updated_at`

func scanSettings(row pgx.Row) (*AutoVerificationSettings, error) {
	var st AutoVerificationSettings
	err := row.Scan(&st.ID, &st.TenantID, &st.TestCode, &st.TestName, &st.Enabled, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	return &st, err
}

func (s *ruleStorePG) CreateSettings(ctx context.Context, st *AutoVerificationSettings) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO auto_verification_settings (id, tenant_id, test_code, test_name, enabled)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`,
		st.ID, st.TenantID, st.TestCode, st.TestName, st.Enabled,
	).Scan(&st.CreatedAt, &st.UpdatedAt)
	if db.IsUniqueViolation(err, settingsUniqueConstraint) {
		return fmt.Errorf("%s/%s: %w", st.TenantID, st.TestCode, ErrSettingsAlreadyExist)
	}
	return err
}

func (s *ruleStorePG) GetSettings(ctx context.Context, tenantID, testCode string) (*AutoVerificationSettings, error) {
	return scanSettings(s.conn(ctx).QueryRow(ctx,
		`SELECT `+settingsCols+` FROM auto_verification_settings WHERE tenant_id = $1 AND test_code = $2`,
		tenantID, testCode))
}

func (s *ruleStorePG) ListSettings(ctx context.Context, tenantID string, limit, offset int) ([]*AutoVerificationSettings, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM auto_verification_settings WHERE tenant_id = $1`, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+settingsCols+` FROM auto_verification_settings WHERE tenant_id = $1
		ORDER BY test_code LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*AutoVerificationSettings
	for rows.Next() {
		st, err := scanSettings(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, st)
	}
	return items, total, rows.Err()
}

func (s *ruleStorePG) UpdateSettings(ctx context.Context, st *AutoVerificationSettings) error {
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE auto_verification_settings SET test_name = $3, enabled = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND test_code = $2
		RETURNING id, created_at, updated_at`,
		st.TenantID, st.TestCode, st.TestName, st.Enabled,
	).Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSettingsNotFound
	}
	return err
}

func (s *ruleStorePG) DeleteSettings(ctx context.Context, tenantID, testCode string) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`DELETE FROM auto_verification_settings WHERE tenant_id = $1 AND test_code = $2`, tenantID, testCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSettingsNotFound
	}
	return nil
}

// =========== Rules ===========

const ruleCols = `id, tenant_id, test_code, rule_type, priority, enabled, params, description, created_at, updated_at`

func scanRule(row pgx.Row) (*VerificationRule, error) {
	var r VerificationRule
	err := row.Scan(&r.ID, &r.TenantID, &r.TestCode, &r.RuleType, &r.Priority, &r.Enabled,
		&r.Params, &r.Description, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return &r, err
}

func (s *ruleStorePG) CreateRule(ctx context.Context, r *VerificationRule) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO verification_rules (id, tenant_id, test_code, rule_type, priority, enabled, params, description)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		r.ID, r.TenantID, r.TestCode, r.RuleType, r.Priority, r.Enabled, r.Params, r.Description,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if db.IsUniqueViolation(err, ruleUniqueConstraint) {
		return fmt.Errorf("%s/%s %s: %w", r.TenantID, r.TestCode, r.RuleType, ErrRuleAlreadyExists)
	}
	return err
}

func (s *ruleStorePG) GetRule(ctx context.Context, tenantID string, id uuid.UUID) (*VerificationRule, error) {
	return scanRule(s.conn(ctx).QueryRow(ctx,
		`SELECT `+ruleCols+` FROM verification_rules WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *ruleStorePG) ListRules(ctx context.Context, tenantID, testCode string) ([]*VerificationRule, error) {
	rows, err := s.conn(ctx).Query(ctx,
		`SELECT `+ruleCols+` FROM verification_rules WHERE tenant_id = $1 AND test_code = $2
		ORDER BY priority, seq`, tenantID, testCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VerificationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *ruleStorePG) UpdateRule(ctx context.Context, r *VerificationRule) error {
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE verification_rules SET priority = $3, enabled = $4, params = $5, description = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING test_code, rule_type, created_at, updated_at`,
		r.TenantID, r.ID, r.Priority, r.Enabled, r.Params, r.Description,
	).Scan(&r.TestCode, &r.RuleType, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrRuleNotFound
	}
	return err
}

func (s *ruleStorePG) DeleteRule(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`DELETE FROM verification_rules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}
