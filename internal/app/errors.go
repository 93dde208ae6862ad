package app

import (
	"errors"
	"fmt"
)

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("structural conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
	ErrInvariant  = errors.New("invariant violation")
)

// ErrCompletedStageTaken and related errors refine ErrConflict and ErrForbidden.
var (
	ErrCompletedStageTaken = fmt.Errorf("%w: displacement group already maps a code to the Completed stage", ErrConflict)
	ErrWorkflowInUse       = fmt.Errorf("%w: workflow is bound to a folder", ErrConflict)
	ErrStageInUse          = fmt.Errorf("%w: stage is referenced", ErrConflict)
	ErrFolderCycle         = fmt.Errorf("%w: binding would create a folder cycle", ErrConflict)
	ErrTaskCycle           = fmt.Errorf("%w: placement would create a task cycle", ErrConflict)
	ErrTransitionMissing   = fmt.Errorf("%w: no transition between states", ErrConflict)
	ErrTransitionDenied    = fmt.Errorf("%w: caller is not allowed to traverse transition", ErrForbidden)
	ErrNoCaller            = fmt.Errorf("%w: caller identity is required", ErrForbidden)
)
