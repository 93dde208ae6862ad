package domain

import "strings"

// AccessLevel is the level granted by an ACL entry.
type AccessLevel string

const (
	AccessFull     AccessLevel = "FULL"
	AccessEditor   AccessLevel = "EDITOR"
	AccessReadOnly AccessLevel = "READONLY"
)

// ReadableLevels lists every level that grants visibility.
var ReadableLevels = []AccessLevel{AccessFull, AccessEditor, AccessReadOnly}

// ParseAccessLevel normalizes a level name.
func ParseAccessLevel(raw string) (AccessLevel, error) {
	switch level := AccessLevel(strings.ToUpper(strings.TrimSpace(raw))); level {
	case AccessFull, AccessEditor, AccessReadOnly:
		return level, nil
	default:
		return "", ErrInvalidAccessLevel
	}
}

// EntityType names the kind of resource an ACL entry or permission targets.
type EntityType string

const (
	EntityFolder   EntityType = "folder"
	EntityTask     EntityType = "task"
	EntityWorkflow EntityType = "workflow"
	EntityStage    EntityType = "stage"
)

// ParseEntityType normalizes an entity type name.
func ParseEntityType(raw string) (EntityType, error) {
	switch et := EntityType(strings.ToLower(strings.TrimSpace(raw))); et {
	case EntityFolder, EntityTask, EntityWorkflow, EntityStage:
		return et, nil
	default:
		return "", ErrInvalidEntityType
	}
}

// Action names a permission checked through the authorization port.
type Action string

const (
	ActionPurge          Action = "purge"
	ActionManageStages   Action = "manage_stages"
	ActionManageWorkflow Action = "manage_workflow"
)

// ParseAction normalizes an action name.
func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionPurge, ActionManageStages, ActionManageWorkflow:
		return a, nil
	default:
		return "", ErrInvalidAction
	}
}

// EntityType returns the entity type an action is usually granted on. The
// stage registry is global, so manage_stages is checked on the stage type
// with the AnyEntity id.
func (a Action) EntityType() EntityType {
	switch a {
	case ActionManageStages:
		return EntityStage
	case ActionManageWorkflow:
		return EntityWorkflow
	default:
		return EntityTask
	}
}

// AnyEntity is the entity id wildcard of a permission grant.
const AnyEntity = "*"

// ACLEntry grants a user a level on one entity and, by inheritance, its descendants.
type ACLEntry struct {
	UserID     string
	EntityType EntityType
	EntityID   string
	Level      AccessLevel
}

// NewACLEntry constructs a new value for this package.
func NewACLEntry(userID string, entityType EntityType, entityID string, level AccessLevel) (ACLEntry, error) {
	userID = strings.TrimSpace(userID)
	entityID = strings.TrimSpace(entityID)
	if userID == "" || entityID == "" {
		return ACLEntry{}, ErrInvalidID
	}
	if _, err := ParseEntityType(string(entityType)); err != nil {
		return ACLEntry{}, err
	}
	if _, err := ParseAccessLevel(string(level)); err != nil {
		return ACLEntry{}, err
	}
	return ACLEntry{UserID: userID, EntityType: entityType, EntityID: entityID, Level: level}, nil
}
