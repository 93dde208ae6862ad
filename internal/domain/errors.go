package domain

import "errors"

var (
	ErrInvalidID             = errors.New("invalid id")
	ErrInvalidTitle          = errors.New("invalid title")
	ErrInvalidCode           = errors.New("invalid code")
	ErrInvalidColor          = errors.New("invalid color")
	ErrInvalidIndex          = errors.New("invalid index")
	ErrInvalidImportance     = errors.New("invalid importance")
	ErrInvalidDateRange      = errors.New("invalid date range")
	ErrInvalidStageReference = errors.New("state must reference exactly one of system stage or displacement code")
	ErrInvalidConstraintRef  = errors.New("swimlane constraint references unknown state")
	ErrSelfTransition        = errors.New("transition cannot target its own state")
	ErrDuplicateStateRef     = errors.New("duplicate state reference")
	ErrEmptyWorkflow         = errors.New("workflow requires at least one state")
	ErrInvalidAccessLevel    = errors.New("invalid access level")
	ErrInvalidEntityType     = errors.New("invalid entity type")
	ErrInvalidAction         = errors.New("invalid action")
	ErrInvalidRelation       = errors.New("invalid relation")
	ErrInvalidFieldKey       = errors.New("invalid custom field key")
	ErrInvalidDependency     = errors.New("invalid task dependency")
)
