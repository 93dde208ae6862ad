package app

import (
	"context"

	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/filter"
	"github.com/hylla/trellis/internal/hierarchy"
)

// Repository persists stages, workflows, folders and tasks. Multi-step
// mutations run inside one write transaction. BindFolder, CreateBoundFolder,
// PlaceTask and CreatePlacedTask check existence and cycles inside the same
// transaction that writes the link.
type Repository interface {
	CreateSystemStage(context.Context, domain.SystemStage) error
	ListSystemStages(context.Context) ([]domain.SystemStage, error)
	DeleteSystemStage(context.Context, string) error

	CreateDisplacementGroup(context.Context, domain.DisplacementGroup) error
	ListDisplacementGroups(context.Context) ([]domain.DisplacementGroup, error)
	CreateDisplacementCode(context.Context, domain.DisplacementCode) error
	UpdateDisplacementCode(context.Context, domain.DisplacementCode) error
	GetDisplacementCode(context.Context, string) (domain.DisplacementCode, error)
	ListDisplacementCodes(context.Context, string) ([]domain.DisplacementCode, error)
	DeleteDisplacementCode(context.Context, string) error

	CreateWorkflow(context.Context, WorkflowGraph) error
	UpdateWorkflow(context.Context, domain.Workflow) error
	ReplaceWorkflowStates(context.Context, StateReplacement) error
	GetWorkflow(context.Context, string) (domain.Workflow, error)
	ListWorkflows(context.Context, WorkflowListFilter) ([]domain.Workflow, error)
	ListTransitions(context.Context, []string) ([]domain.TransitionDetail, error)
	DeleteWorkflow(context.Context, string) error
	GetState(context.Context, string) (domain.WorkflowState, error)

	CreateFolder(context.Context, domain.Folder) error
	CreateBoundFolder(context.Context, domain.Folder, domain.FolderRelation) error
	UpdateFolder(context.Context, domain.Folder) error
	GetFolder(context.Context, string) (domain.Folder, error)
	PurgeFolder(context.Context, string) error
	BindFolder(context.Context, domain.FolderRelation) error
	UnbindFolder(context.Context, string, string) error

	CreateTask(context.Context, domain.Task) error
	CreatePlacedTask(context.Context, domain.Task, domain.TaskRelation) error
	UpdateTask(context.Context, domain.Task) error
	GetTask(context.Context, string) (domain.Task, error)
	PurgeTask(context.Context, string) error
	PlaceTask(context.Context, domain.TaskRelation) error
	GetTaskRelation(context.Context, string, string) (domain.TaskRelation, error)
	RemoveTaskPlacement(context.Context, string, string) error
	AddTaskDependency(context.Context, domain.TaskDependency) error
	SetCustomFieldValue(context.Context, domain.CustomFieldValue) error
}

// WorkflowGraph is a workflow with its states, transitions and constraints.
type WorkflowGraph struct {
	Workflow    domain.Workflow
	Transitions []domain.Transition
	Constraints []domain.Constraint
}

// StateRemap re-points task relations from one state id to another.
type StateRemap struct {
	FromStateID string
	ToStateID   string
}

// StateReplacement updates a workflow's scalar fields and swaps every state
// for a new set. The store drops constraints and transitions leaving the current states, inserts the
// new graph, applies Remaps, verifies no relation still points at a replaced
// state, then deletes the replaced states.
type StateReplacement struct {
	Workflow    domain.Workflow
	States      []domain.WorkflowState
	Transitions []domain.Transition
	Constraints []domain.Constraint
	Remaps      []StateRemap
}

// WorkflowListFilter selects workflows visible to an owner.
type WorkflowListFilter struct {
	OwnerID       string
	IncludeCommon bool
}

// Authorizer answers permission questions for a caller.
type Authorizer interface {
	HasPermission(ctx context.Context, userID string, action domain.Action, entityType domain.EntityType, entityID string) (bool, error)
	AllowedIDsForUser(ctx context.Context, userID string, entityType domain.EntityType, levels []domain.AccessLevel) ([]string, error)
}

// SnapshotReader runs fn against one consistent read snapshot.
type SnapshotReader interface {
	ReadSnapshot(ctx context.Context, fn func(ViewStore) error) error
}

// FolderQuery holds the predicates applied to traversed folders.
type FolderQuery struct {
	Filter    filter.FolderFilter
	Lifecycle domain.LifecycleFilter
}

// TaskQuery holds the predicates applied to top-level task placements.
type TaskQuery struct {
	Filter    filter.TaskFilter
	Lifecycle domain.LifecycleFilter
}

// TaskCounts is the result of a count-only task pass.
type TaskCounts struct {
	Total     int
	PerFolder map[string]int
}

// ViewStore is the read side used while materializing views.
type ViewStore interface {
	GetFolder(ctx context.Context, id string) (domain.Folder, error)
	LoadParents(ctx context.Context, ids []string) (map[string][]string, error)
	ChildFolders(ctx context.Context, frontier []hierarchy.Row[domain.Folder], q FolderQuery) (map[string][]hierarchy.Child[domain.Folder], error)
	TopLevelTasks(ctx context.Context, folderIDs []string, q TaskQuery) ([]domain.PlacedTask, error)
	TopLevelTaskPage(ctx context.Context, folderIDs []string, q TaskQuery, page, pageSize int) ([]domain.PlacedTask, error)
	CountTopLevelTasks(ctx context.Context, folderIDs []string, q TaskQuery) (TaskCounts, error)
	ChildTasks(ctx context.Context, frontier []hierarchy.Row[domain.PlacedTask], lf domain.LifecycleFilter) (map[string][]hierarchy.Child[domain.PlacedTask], error)
	WorkflowsByIDs(ctx context.Context, ids []string) ([]domain.Workflow, error)
	StatesByIDs(ctx context.Context, ids []string) ([]domain.WorkflowState, error)
	ListTransitions(ctx context.Context, workflowIDs []string) ([]domain.TransitionDetail, error)
	TaskDependencies(ctx context.Context, taskIDs []string) ([]domain.TaskDependency, error)
	CustomFieldValues(ctx context.Context, taskIDs []string, callerID string) ([]domain.CustomFieldValue, error)
}
