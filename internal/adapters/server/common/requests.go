package common

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/filter"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks struct tags and wraps failures in app.ErrValidation.
func Validate(v any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", app.ErrValidation, err)
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", app.ErrValidation, strings.Join(parts, "; "))
}

// StateRequest is one state of a workflow create or update body.
type StateRequest struct {
	Ref                string   `json:"ref" validate:"omitempty,max=64"`
	Title              string   `json:"title" validate:"required,max=200"`
	Color              string   `json:"color" validate:"omitempty,max=32"`
	Completed          bool     `json:"completed"`
	SystemStageID      string   `json:"systemStageId"`
	DisplacementCodeID string   `json:"displacementCodeId"`
	SwimlaneConstraint []string `json:"swimlaneConstraint"`
	UserConstraint     []string `json:"userConstraint" validate:"dive,required"`
}

// CreateWorkflowRequest creates a workflow. Common workflows have no owner;
// personal ones belong to the caller.
type CreateWorkflowRequest struct {
	Title       string         `json:"title" validate:"required,max=200"`
	Color       string         `json:"color" validate:"omitempty,max=32"`
	Description string         `json:"description" validate:"max=4000"`
	Active      *bool          `json:"active"`
	Common      bool           `json:"common"`
	States      []StateRequest `json:"states" validate:"required,min=1,dive"`
}

// UpdateWorkflowRequest patches a workflow. States, when present, replace the
// whole state set and Mapping re-points tasks from removed codes.
type UpdateWorkflowRequest struct {
	Title       *string              `json:"title" validate:"omitempty,min=1,max=200"`
	Color       *string              `json:"color" validate:"omitempty,max=32"`
	Description *string              `json:"description" validate:"omitempty,max=4000"`
	Active      *bool                `json:"active"`
	States      []StateRequest       `json:"states" validate:"omitempty,dive"`
	Mapping     []domain.StateMapping `json:"mapping"`
}

// CloneWorkflowRequest names the owner of the personal workflow being copied.
// Empty means the caller.
type CloneWorkflowRequest struct {
	OwnerID string `json:"ownerId"`
}

type CreateStageRequest struct {
	Code string `json:"code" validate:"required,max=64"`
}

type CreateGroupRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

type CreateCodeRequest struct {
	Code          string `json:"code" validate:"required,max=64"`
	SystemStageID string `json:"systemStageId" validate:"required"`
}

type UpdateCodeRequest struct {
	Code          string `json:"code" validate:"required,max=64"`
	SystemStageID string `json:"systemStageId" validate:"required"`
}

// CreateFolderRequest creates a folder owned by the caller.
type CreateFolderRequest struct {
	Title      string     `json:"title" validate:"required,max=200"`
	WorkflowID string     `json:"workflowId"`
	StartDate  *time.Time `json:"startDate"`
	EndDate    *time.Time `json:"endDate"`
	Members    []string   `json:"members" validate:"dive,required"`
	ParentID   string     `json:"parentId"`
	Index      int        `json:"index" validate:"gte=0"`
}

type SetFolderWorkflowRequest struct {
	WorkflowID string `json:"workflowId"`
}

type BindFolderRequest struct {
	ChildID string `json:"childId" validate:"required"`
	Index   int    `json:"index" validate:"gte=0"`
}

// CreateTaskRequest creates a task owned by the caller, optionally placing it.
type CreateTaskRequest struct {
	Title        string     `json:"title" validate:"required,max=500"`
	Description  string     `json:"description" validate:"max=20000"`
	Importance   string     `json:"importance" validate:"omitempty,oneof=low normal high critical"`
	StartDate    *time.Time `json:"startDate"`
	DueDate      *time.Time `json:"dueDate"`
	Assignees    []string   `json:"assignees" validate:"dive,required"`
	Tags         []string   `json:"tags" validate:"dive,required"`
	ProminentTag string     `json:"prominentTag"`
	FolderID     string     `json:"folderId" validate:"required_with=StateID"`
	StateID      string     `json:"stateId" validate:"required_with=FolderID"`
	ParentTaskID string     `json:"parentTaskId"`
	Index        int        `json:"index" validate:"gte=0"`
}

type UpdateTaskRequest struct {
	Title       *string    `json:"title" validate:"omitempty,min=1,max=500"`
	Description *string    `json:"description" validate:"omitempty,max=20000"`
	Importance  *string    `json:"importance" validate:"omitempty,oneof=low normal high critical"`
	StartDate   *time.Time `json:"startDate"`
	DueDate     *time.Time `json:"dueDate"`
	ClearDates  bool       `json:"clearDates"`
}

type PlaceTaskRequest struct {
	StateID      string `json:"stateId" validate:"required"`
	ParentTaskID string `json:"parentTaskId"`
	Index        int    `json:"index" validate:"gte=0"`
}

type MoveTaskRequest struct {
	StateID string `json:"stateId" validate:"required"`
}

type DependencyRequest struct {
	SuccessorID string `json:"successorId" validate:"required"`
}

// FieldValueRequest stores a custom field value; Personal scopes it to the caller.
type FieldValueRequest struct {
	Value    string `json:"value" validate:"max=4000"`
	Personal bool   `json:"personal"`
}

func stateInputs(in []StateRequest) []domain.StateInput {
	if in == nil {
		return nil
	}
	out := make([]domain.StateInput, 0, len(in))
	for _, st := range in {
		out = append(out, domain.StateInput{
			Ref:                st.Ref,
			Title:              st.Title,
			Color:              st.Color,
			Completed:          st.Completed,
			SystemStageID:      st.SystemStageID,
			DisplacementCodeID: st.DisplacementCodeID,
			SwimlaneConstraint: st.SwimlaneConstraint,
			UserConstraint:     st.UserConstraint,
		})
	}
	return out
}

// Input converts the request for the caller.
func (r CreateWorkflowRequest) Input(callerID string) app.CreateWorkflowInput {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	owner := callerID
	if r.Common {
		owner = ""
	}
	return app.CreateWorkflowInput{
		Title:       r.Title,
		Color:       r.Color,
		Description: r.Description,
		Active:      active,
		OwnerID:     owner,
		States:      stateInputs(r.States),
	}
}

func (r UpdateWorkflowRequest) Input() app.UpdateWorkflowInput {
	return app.UpdateWorkflowInput{
		Title:       r.Title,
		Color:       r.Color,
		Description: r.Description,
		Active:      r.Active,
		States:      stateInputs(r.States),
		Mapping:     r.Mapping,
	}
}

func (r CreateFolderRequest) Input(callerID string) app.CreateFolderInput {
	return app.CreateFolderInput{
		Title:      r.Title,
		OwnerID:    callerID,
		WorkflowID: r.WorkflowID,
		StartDate:  r.StartDate,
		EndDate:    r.EndDate,
		Members:    r.Members,
		ParentID:   r.ParentID,
		Index:      r.Index,
	}
}

func (r CreateTaskRequest) Input(callerID string) app.CreateTaskInput {
	importance := domain.Importance(r.Importance)
	if importance == "" {
		importance = domain.ImportanceNormal
	}
	return app.CreateTaskInput{
		Title:        r.Title,
		Description:  r.Description,
		OwnerID:      callerID,
		Importance:   importance,
		StartDate:    r.StartDate,
		DueDate:      r.DueDate,
		Assignees:    r.Assignees,
		Tags:         r.Tags,
		ProminentTag: r.ProminentTag,
		FolderID:     r.FolderID,
		StateID:      r.StateID,
		ParentTaskID: r.ParentTaskID,
		Index:        r.Index,
	}
}

func (r UpdateTaskRequest) Input() app.UpdateTaskInput {
	in := app.UpdateTaskInput{
		Title:       r.Title,
		Description: r.Description,
		StartDate:   r.StartDate,
		DueDate:     r.DueDate,
		ClearDates:  r.ClearDates,
	}
	if r.Importance != nil {
		importance := domain.Importance(*r.Importance)
		in.Importance = &importance
	}
	return in
}

// ParseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates.
func ParseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	ts, err := time.Parse(filter.DateLayout, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %q", app.ErrValidation, raw)
	}
	return &ts, nil
}
