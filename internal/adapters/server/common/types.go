// Package common provides transport-agnostic contracts shared by the HTTP and MCP adapters.
package common

import (
	"time"

	"github.com/hylla/trellis/internal/domain"
)

// Workflow is the wire shape of a workflow and its ordered states.
type Workflow struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Color       string    `json:"color,omitempty"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	OwnerID     string    `json:"ownerId,omitempty"`
	Common      bool      `json:"common"`
	States      []State   `json:"states"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// State is the wire shape of one workflow state.
type State struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Color              string `json:"color,omitempty"`
	Code               string `json:"code"`
	Index              int    `json:"index"`
	Completed          bool   `json:"completed"`
	SystemStageID      string `json:"systemStageId,omitempty"`
	DisplacementCodeID string `json:"displacementCodeId,omitempty"`
}

// Transition is one directed edge with the users allowed to traverse it.
type Transition struct {
	ID          string   `json:"id"`
	WorkflowID  string   `json:"workflowId"`
	FromStateID string   `json:"fromStateId"`
	ToStateID   string   `json:"toStateId"`
	FromCode    string   `json:"fromCode"`
	ToCode      string   `json:"toCode"`
	UserIDs     []string `json:"userIds"`
}

// Stage is a system stage.
type Stage struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

// DisplacementGroup is a named set of displacement codes.
type DisplacementGroup struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// DisplacementCode maps a group-local code onto a system stage.
type DisplacementCode struct {
	ID            string    `json:"id"`
	GroupID       string    `json:"groupId"`
	Code          string    `json:"code"`
	SystemStageID string    `json:"systemStageId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Folder is the wire shape of a folder.
type Folder struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	OwnerID    string     `json:"ownerId"`
	WorkflowID string     `json:"workflowId,omitempty"`
	StartDate  *time.Time `json:"startDate,omitempty"`
	EndDate    *time.Time `json:"endDate,omitempty"`
	Members    []string   `json:"members"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// Task is the wire shape of a task.
type Task struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	OwnerID      string            `json:"ownerId"`
	Importance   domain.Importance `json:"importance"`
	StartDate    *time.Time        `json:"startDate,omitempty"`
	DueDate      *time.Time        `json:"dueDate,omitempty"`
	Assignees    []string          `json:"assignees"`
	Tags         []string          `json:"tags"`
	ProminentTag string            `json:"prominentTag,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	ArchivedAt   *time.Time        `json:"archivedAt,omitempty"`
	DeletedAt    *time.Time        `json:"deletedAt,omitempty"`
}

// Placement is a task's position inside one folder.
type Placement struct {
	FolderID     string `json:"folderId"`
	TaskID       string `json:"taskId"`
	StateID      string `json:"stateId"`
	ParentTaskID string `json:"parentTaskId,omitempty"`
	Index        int    `json:"index"`
}

// Dependency is a predecessor/successor edge.
type Dependency struct {
	PredecessorID string `json:"predecessorId"`
	SuccessorID   string `json:"successorId"`
}

// FieldValue is one stored custom field value.
type FieldValue struct {
	TaskID   string `json:"taskId"`
	FieldKey string `json:"fieldKey"`
	Value    string `json:"value"`
	UserID   string `json:"userId,omitempty"`
}

// FromWorkflow converts a domain workflow.
func FromWorkflow(wf domain.Workflow) Workflow {
	out := Workflow{
		ID:          wf.ID,
		Title:       wf.Title,
		Color:       wf.Color,
		Description: wf.Description,
		Active:      wf.Active,
		OwnerID:     wf.OwnerID,
		Common:      wf.IsCommon(),
		States:      make([]State, 0, len(wf.States)),
		CreatedAt:   wf.CreatedAt,
		UpdatedAt:   wf.UpdatedAt,
	}
	for _, st := range wf.States {
		out.States = append(out.States, State{
			ID:                 st.ID,
			Title:              st.Title,
			Color:              st.Color,
			Code:               st.Code,
			Index:              st.Index,
			Completed:          st.Completed,
			SystemStageID:      st.SystemStageID,
			DisplacementCodeID: st.DisplacementCodeID,
		})
	}
	return out
}

// FromWorkflows converts a workflow list.
func FromWorkflows(in []domain.Workflow) []Workflow {
	out := make([]Workflow, 0, len(in))
	for _, wf := range in {
		out = append(out, FromWorkflow(wf))
	}
	return out
}

// FromTransitions converts transition details.
func FromTransitions(in []domain.TransitionDetail) []Transition {
	out := make([]Transition, 0, len(in))
	for _, tr := range in {
		users := tr.UserIDs
		if users == nil {
			users = []string{}
		}
		out = append(out, Transition{
			ID:          tr.ID,
			WorkflowID:  tr.WorkflowID,
			FromStateID: tr.FromStateID,
			ToStateID:   tr.ToStateID,
			FromCode:    tr.FromCode,
			ToCode:      tr.ToCode,
			UserIDs:     users,
		})
	}
	return out
}

// FromStages converts system stages.
func FromStages(in []domain.SystemStage) []Stage {
	out := make([]Stage, 0, len(in))
	for _, st := range in {
		out = append(out, FromStage(st))
	}
	return out
}

func FromStage(st domain.SystemStage) Stage {
	return Stage{ID: st.ID, Code: st.Code, CreatedAt: st.CreatedAt}
}

func FromGroup(g domain.DisplacementGroup) DisplacementGroup {
	return DisplacementGroup{ID: g.ID, Title: g.Title, CreatedAt: g.CreatedAt}
}

func FromGroups(in []domain.DisplacementGroup) []DisplacementGroup {
	out := make([]DisplacementGroup, 0, len(in))
	for _, g := range in {
		out = append(out, FromGroup(g))
	}
	return out
}

func FromCode(c domain.DisplacementCode) DisplacementCode {
	return DisplacementCode{
		ID:            c.ID,
		GroupID:       c.GroupID,
		Code:          c.Code,
		SystemStageID: c.SystemStageID,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func FromCodes(in []domain.DisplacementCode) []DisplacementCode {
	out := make([]DisplacementCode, 0, len(in))
	for _, c := range in {
		out = append(out, FromCode(c))
	}
	return out
}

// FromFolder converts a domain folder.
func FromFolder(f domain.Folder) Folder {
	members := f.Members
	if members == nil {
		members = []string{}
	}
	return Folder{
		ID:         f.ID,
		Title:      f.Title,
		OwnerID:    f.OwnerID,
		WorkflowID: f.WorkflowID,
		StartDate:  f.StartDate,
		EndDate:    f.EndDate,
		Members:    members,
		CreatedAt:  f.CreatedAt,
		UpdatedAt:  f.UpdatedAt,
		ArchivedAt: f.ArchivedAt,
		DeletedAt:  f.DeletedAt,
	}
}

// FromTask converts a domain task.
func FromTask(t domain.Task) Task {
	assignees, tags := t.Assignees, t.Tags
	if assignees == nil {
		assignees = []string{}
	}
	if tags == nil {
		tags = []string{}
	}
	return Task{
		ID:           t.ID,
		Title:        t.Title,
		Description:  t.Description,
		OwnerID:      t.OwnerID,
		Importance:   t.Importance,
		StartDate:    t.StartDate,
		DueDate:      t.DueDate,
		Assignees:    assignees,
		Tags:         tags,
		ProminentTag: t.ProminentTag,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		ArchivedAt:   t.ArchivedAt,
		DeletedAt:    t.DeletedAt,
	}
}

func FromPlacement(rel domain.TaskRelation) Placement {
	return Placement{
		FolderID:     rel.FolderID,
		TaskID:       rel.TaskID,
		StateID:      rel.StateID,
		ParentTaskID: rel.ParentTaskID,
		Index:        rel.Index,
	}
}

func FromDependency(d domain.TaskDependency) Dependency {
	return Dependency{PredecessorID: d.PredecessorID, SuccessorID: d.SuccessorID}
}

func FromFieldValue(v domain.CustomFieldValue) FieldValue {
	return FieldValue{TaskID: v.TaskID, FieldKey: v.FieldKey, Value: v.Value, UserID: v.UserID}
}
