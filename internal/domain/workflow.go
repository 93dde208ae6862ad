package domain

import (
	"crypto/rand"
	"strings"
	"time"
)

// StateCodeLength is the length of generated workflow state codes.
const StateCodeLength = 8

const stateCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Workflow represents a named, ordered state machine.
type Workflow struct {
	ID          string
	Title       string
	Color       string
	Description string
	Active      bool
	OwnerID     string
	States      []WorkflowState
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkflowInput holds the scalar fields of a workflow.
type WorkflowInput struct {
	ID          string
	Title       string
	Color       string
	Description string
	Active      bool
	OwnerID     string
}

// NewWorkflow constructs a new value for this package.
func NewWorkflow(in WorkflowInput, now time.Time) (Workflow, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Title = strings.TrimSpace(in.Title)
	if in.ID == "" {
		return Workflow{}, ErrInvalidID
	}
	if in.Title == "" {
		return Workflow{}, ErrInvalidTitle
	}
	return Workflow{
		ID:          in.ID,
		Title:       in.Title,
		Color:       strings.TrimSpace(in.Color),
		Description: strings.TrimSpace(in.Description),
		Active:      in.Active,
		OwnerID:     strings.TrimSpace(in.OwnerID),
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}, nil
}

// IsCommon reports whether the workflow is shared rather than owned by one user.
func (w Workflow) IsCommon() bool {
	return w.OwnerID == ""
}

// UpdateDetails updates the scalar workflow fields.
func (w *Workflow) UpdateDetails(title, color, description string, active bool, now time.Time) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrInvalidTitle
	}
	w.Title = title
	w.Color = strings.TrimSpace(color)
	w.Description = strings.TrimSpace(description)
	w.Active = active
	w.UpdatedAt = now.UTC()
	return nil
}

// WorkflowState is one node of a workflow graph.
type WorkflowState struct {
	ID                 string
	WorkflowID         string
	Title              string
	Color              string
	Code               string
	Index              int
	Completed          bool
	SystemStageID      string
	DisplacementCodeID string
}

// StateInput describes one state of a create or replace request.
// Ref is a request-local handle used by SwimlaneConstraint entries and
// update mappings; a nil SwimlaneConstraint means the state declares none.
type StateInput struct {
	Ref                string   `json:"ref,omitempty"`
	Title              string   `json:"title"`
	Color              string   `json:"color,omitempty"`
	Completed          bool     `json:"completed,omitempty"`
	SystemStageID      string   `json:"systemStageId,omitempty"`
	DisplacementCodeID string   `json:"displacementCodeId,omitempty"`
	SwimlaneConstraint []string `json:"swimlaneConstraint"`
	UserConstraint     []string `json:"userConstraint,omitempty"`
}

// NewWorkflowState constructs a new value for this package.
func NewWorkflowState(id, workflowID, code string, index int, in StateInput) (WorkflowState, error) {
	id = strings.TrimSpace(id)
	workflowID = strings.TrimSpace(workflowID)
	code = strings.TrimSpace(code)
	title := strings.TrimSpace(in.Title)
	if id == "" || workflowID == "" {
		return WorkflowState{}, ErrInvalidID
	}
	if title == "" {
		return WorkflowState{}, ErrInvalidTitle
	}
	if len(code) != StateCodeLength {
		return WorkflowState{}, ErrInvalidCode
	}
	if index < 0 {
		return WorkflowState{}, ErrInvalidIndex
	}
	stageID := strings.TrimSpace(in.SystemStageID)
	displacementID := strings.TrimSpace(in.DisplacementCodeID)
	if (stageID == "") == (displacementID == "") {
		return WorkflowState{}, ErrInvalidStageReference
	}
	return WorkflowState{
		ID:                 id,
		WorkflowID:         workflowID,
		Title:              title,
		Color:              strings.TrimSpace(in.Color),
		Code:               code,
		Index:              index,
		Completed:          in.Completed,
		SystemStageID:      stageID,
		DisplacementCodeID: displacementID,
	}, nil
}

// Transition is a directed edge between two states of one workflow.
type Transition struct {
	ID          string
	FromStateID string
	ToStateID   string
}

// NewTransition constructs a new value for this package.
func NewTransition(id, fromStateID, toStateID string) (Transition, error) {
	id = strings.TrimSpace(id)
	fromStateID = strings.TrimSpace(fromStateID)
	toStateID = strings.TrimSpace(toStateID)
	if id == "" || fromStateID == "" || toStateID == "" {
		return Transition{}, ErrInvalidID
	}
	if fromStateID == toStateID {
		return Transition{}, ErrSelfTransition
	}
	return Transition{ID: id, FromStateID: fromStateID, ToStateID: toStateID}, nil
}

// Constraint restricts a transition to an allowlist of users.
type Constraint struct {
	ID           string
	TransitionID string
	UserIDs      []string
}

// NewConstraint constructs a new value for this package.
func NewConstraint(id, transitionID string, userIDs []string) (Constraint, error) {
	id = strings.TrimSpace(id)
	transitionID = strings.TrimSpace(transitionID)
	if id == "" || transitionID == "" {
		return Constraint{}, ErrInvalidID
	}
	return Constraint{ID: id, TransitionID: transitionID, UserIDs: normalizeIDs(userIDs)}, nil
}

// Allows reports whether userID may traverse the constrained transition.
// An empty allowlist admits everyone.
func (c Constraint) Allows(userID string) bool {
	if len(c.UserIDs) == 0 {
		return true
	}
	for _, id := range c.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// StateMapping re-points task relations from an old state to a new one.
// SourceCode is the persisted code of an existing state; DestinationCode is
// the Ref of a state in the replacement list.
type StateMapping struct {
	SourceCode      string `json:"sourceCode"`
	DestinationCode string `json:"destinationCode"`
}

// GenerateStateCode returns a random alphanumeric state code.
func GenerateStateCode() (string, error) {
	buf := make([]byte, StateCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = stateCodeAlphabet[int(b)%len(stateCodeAlphabet)]
	}
	return string(buf), nil
}

// normalizeIDs trims, drops empties and deduplicates ids preserving order.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// TransitionDetail is a transition joined with its endpoint codes and allowlist.
type TransitionDetail struct {
	Transition
	WorkflowID string
	FromCode   string
	ToCode     string
	UserIDs    []string
}
