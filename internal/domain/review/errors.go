package review

import (
	"errors"
	"fmt"
)

var (
	ErrReviewNotFound        = errors.New("review not found")
	ErrReviewStateTransition = errors.New("invalid review state transition")
	// ErrReviewCannotBeModified also matches ErrReviewStateTransition.
	ErrReviewCannotBeModified = fmt.Errorf("review is decided and cannot be modified: %w", ErrReviewStateTransition)
	ErrInvalidReviewDecision  = errors.New("invalid review decision")
	ErrReviewAlreadyExists    = errors.New("an open review already exists for this sample")
	ErrVersionConflict        = errors.New("review was modified concurrently")
	ErrInvalidInput           = errors.New("invalid input")
)
