package lis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrResultNotFound  = errors.New("result not found")
	ErrSampleNotFound  = errors.New("sample not found")
	ErrResultImmutable = errors.New("result is verified or rejected and cannot change")
)

// ResultStore is the tenant-scoped port onto the LIS results table.
type ResultStore interface {
	Create(ctx context.Context, r *Result) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Result, error)
	ListBySample(ctx context.Context, tenantID string, sampleID uuid.UUID) ([]*Result, error)
	ListByStatus(ctx context.Context, tenantID string, status ResultStatus, limit, offset int) ([]*Result, int, error)
	// UpdateVerification changes the verification fields of a result. It
	// returns ErrResultImmutable when the stored result is already final.
	UpdateVerification(ctx context.Context, tenantID string, id uuid.UUID, u StatusUpdate) (*Result, error)
	// PriorForPatient returns the most recent result of testCode for the
	// patient, excluding excludeID, created in [since, before). It returns
	// (nil, nil) when there is none.
	PriorForPatient(ctx context.Context, tenantID, patientID, testCode string, excludeID uuid.UUID, since, before time.Time) (*Result, error)
}

// SampleStore is the tenant-scoped port onto the LIS samples table.
type SampleStore interface {
	Create(ctx context.Context, s *Sample) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Sample, error)
	UpdateStatus(ctx context.Context, tenantID string, id uuid.UUID, status SampleStatus) error
}
