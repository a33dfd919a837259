package lis

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResultStatus is the verification status of a result.
type ResultStatus string

const (
	ResultPending     ResultStatus = "pending"
	ResultVerified    ResultStatus = "verified"
	ResultNeedsReview ResultStatus = "needs_review"
	ResultRejected    ResultStatus = "rejected"
)

// Verification methods recorded on a result once it leaves pending.
const (
	MethodAuto   = "auto"
	MethodManual = "manual"
)

// SampleStatus is the roll-up status of a sample.
type SampleStatus string

const (
	SamplePending     SampleStatus = "pending"
	SampleVerified    SampleStatus = "verified"
	SampleNeedsReview SampleStatus = "needs_review"
	SampleRejected    SampleStatus = "rejected"
)

// Result maps to the results table: the analytical outcome of one test on a sample.
type Result struct {
	ID                 uuid.UUID    `db:"id" json:"id"`
	TenantID           string       `db:"tenant_id" json:"tenant_id"`
	SampleID           uuid.UUID    `db:"sample_id" json:"sample_id"`
	TestCode           string       `db:"test_code" json:"test_code"`
	TestName           string       `db:"test_name" json:"test_name"`
	Value              *string      `db:"value" json:"value,omitempty"`
	Unit               *string      `db:"unit" json:"unit,omitempty"`
	ReferenceRangeLow  *float64     `db:"reference_range_low" json:"reference_range_low,omitempty"`
	ReferenceRangeHigh *float64     `db:"reference_range_high" json:"reference_range_high,omitempty"`
	LISFlags           *string      `db:"lis_flags" json:"lis_flags,omitempty"`
	VerificationStatus ResultStatus `db:"verification_status" json:"verification_status"`
	VerificationMethod *string      `db:"verification_method" json:"verification_method,omitempty"`
	VerificationReason *string      `db:"verification_reason" json:"verification_reason,omitempty"`
	VerifiedAt         *time.Time   `db:"verified_at" json:"verified_at,omitempty"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updated_at"`
}

// IsFinal reports whether the result has reached an immutable status.
func (r *Result) IsFinal() bool {
	return r.VerificationStatus == ResultVerified || r.VerificationStatus == ResultRejected
}

// NumericValue parses the value as a float. Text values, NaN and infinities
// report ok=false.
func (r *Result) NumericValue() (float64, bool) {
	if r.Value == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*r.Value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Flags splits the LIS flag string on commas, semicolons and spaces and
// upper-cases each entry.
func (r *Result) Flags() []string {
	if r.LISFlags == nil {
		return nil
	}
	return ParseFlags(*r.LISFlags)
}

// ParseFlags normalises a raw instrument flag string such as "h; c".
func ParseFlags(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToUpper(f))
	}
	return out
}

// Sample maps to the samples table.
type Sample struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	TenantID       string       `db:"tenant_id" json:"tenant_id"`
	ExternalLISID  string       `db:"external_lis_id" json:"external_lis_id"`
	PatientID      string       `db:"patient_id" json:"patient_id"`
	SpecimenType   string       `db:"specimen_type" json:"specimen_type"`
	CollectionDate time.Time    `db:"collection_date" json:"collection_date"`
	Status         SampleStatus `db:"status" json:"status"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// StatusUpdate carries a verification status change for a single result.
type StatusUpdate struct {
	Status ResultStatus
	Method string
	Reason string
	At     time.Time
}

// RollUp derives a sample status from its results. Any rejected result rejects
// the sample, any result awaiting review holds it in needs_review, and the
// sample is verified only when every result is.
func RollUp(results []*Result) SampleStatus {
	if len(results) == 0 {
		return SamplePending
	}
	verified := 0
	needsReview := false
	for _, r := range results {
		switch r.VerificationStatus {
		case ResultRejected:
			return SampleRejected
		case ResultNeedsReview:
			needsReview = true
		case ResultVerified:
			verified++
		}
	}
	if needsReview {
		return SampleNeedsReview
	}
	if verified == len(results) {
		return SampleVerified
	}
	return SamplePending
}
