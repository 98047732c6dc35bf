package workflow

import (
	"errors"
	"fmt"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
)

var (
	ErrNotFound       = errors.New("workflow: not found")
	ErrAlreadyExists  = errors.New("workflow: already initialized")
	ErrStageMismatch  = errors.New("workflow: stage mismatch")
	ErrUnknownStage   = errors.New("workflow: unknown stage")
	ErrStageLocked    = errors.New("workflow: completed stage cannot change")
	ErrErrorIndex     = errors.New("workflow: error index out of range")
	ErrErrorResolved  = errors.New("workflow: error already resolved")
	ErrInvalidRole    = errors.New("workflow: invalid signer role")
	ErrInvalidRating  = errors.New("workflow: rating must be between 1 and 5")
)

// StageMismatchError reports an operation attempted while the workflow sits
// at a different stage. It matches ErrStageMismatch under errors.Is.
type StageMismatchError struct {
	AssignmentID string
	Expected     domain.WorkflowStage
	Actual       domain.WorkflowStage
}

func (e *StageMismatchError) Error() string {
	return fmt.Sprintf("workflow: %s is at %s, expected %s", e.AssignmentID, e.Actual, e.Expected)
}

func (e *StageMismatchError) Is(target error) bool {
	return target == ErrStageMismatch
}
