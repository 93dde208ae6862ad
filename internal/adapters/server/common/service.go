package common

import (
	"context"

	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/views"
)

// StageService manages system stages and displacement codes.
type StageService interface {
	CreateSystemStage(ctx context.Context, code string) (domain.SystemStage, error)
	ListSystemStages(ctx context.Context) ([]domain.SystemStage, error)
	DeleteSystemStage(ctx context.Context, id string) error
	CreateDisplacementGroup(ctx context.Context, title string) (domain.DisplacementGroup, error)
	ListDisplacementGroups(ctx context.Context) ([]domain.DisplacementGroup, error)
	CreateDisplacementCode(ctx context.Context, in app.CreateDisplacementCodeInput) (domain.DisplacementCode, error)
	UpdateDisplacementCode(ctx context.Context, id, code, systemStageID string) (domain.DisplacementCode, error)
	DeleteDisplacementCode(ctx context.Context, id string) error
	ListDisplacementCodes(ctx context.Context, groupID string) ([]domain.DisplacementCode, error)
}

// WorkflowService manages workflow graphs.
type WorkflowService interface {
	CreateWorkflow(ctx context.Context, in app.CreateWorkflowInput) (domain.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, in app.UpdateWorkflowInput) (domain.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	CloneToCommon(ctx context.Context, personalWorkflowID, ownerID string) (domain.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (domain.Workflow, error)
	ListWorkflows(ctx context.Context, ownerID string, includeCommon bool) ([]domain.Workflow, error)
	ListTransitions(ctx context.Context, workflowID string) ([]domain.TransitionDetail, error)
}

// FolderService manages folders and their hierarchy.
type FolderService interface {
	CreateFolder(ctx context.Context, in app.CreateFolderInput) (domain.Folder, error)
	GetFolder(ctx context.Context, id string) (domain.Folder, error)
	SetFolderWorkflow(ctx context.Context, folderID, workflowID string) (domain.Folder, error)
	ArchiveFolder(ctx context.Context, id string) (domain.Folder, error)
	DeleteFolder(ctx context.Context, id string) (domain.Folder, error)
	RestoreFolder(ctx context.Context, id string) (domain.Folder, error)
	PurgeFolder(ctx context.Context, callerID, id string) error
	BindFolder(ctx context.Context, parentID, childID string, index int) error
	UnbindFolder(ctx context.Context, parentID, childID string) error
}

// TaskService manages tasks, placements and task metadata.
type TaskService interface {
	CreateTask(ctx context.Context, in app.CreateTaskInput) (domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, in app.UpdateTaskInput) (domain.Task, error)
	ArchiveTask(ctx context.Context, id string) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
	RestoreTask(ctx context.Context, id string) (domain.Task, error)
	PurgeTask(ctx context.Context, callerID, id string) error
	PlaceTask(ctx context.Context, in app.PlaceTaskInput) (domain.TaskRelation, error)
	MoveTask(ctx context.Context, callerID, folderID, taskID, toStateID string) (domain.TaskRelation, error)
	RemoveTaskPlacement(ctx context.Context, folderID, taskID string) error
	AddTaskDependency(ctx context.Context, predecessorID, successorID string) (domain.TaskDependency, error)
	SetCustomFieldValue(ctx context.Context, taskID, fieldKey, value, userID string) (domain.CustomFieldValue, error)
}

// ViewService materializes projections.
type ViewService interface {
	View(ctx context.Context, kind views.Kind, req app.ViewRequest) (any, error)
}

// Service is everything the transports call.
type Service interface {
	StageService
	WorkflowService
	FolderService
	TaskService
	ViewService
}

var _ Service = (*app.Service)(nil)

// CallerID returns the caller id attached to ctx, or "".
func CallerID(ctx context.Context) string {
	caller, ok := app.CallerFromContext(ctx)
	if !ok {
		return ""
	}
	return caller.UserID
}
