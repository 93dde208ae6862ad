package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/trellis/internal/domain"
)

// CreateTaskInput holds input values for create task operations. When
// FolderID is set the new task is placed in that folder at StateID.
type CreateTaskInput struct {
	Title        string
	Description  string
	OwnerID      string
	Importance   domain.Importance
	StartDate    *time.Time
	DueDate      *time.Time
	Assignees    []string
	Tags         []string
	ProminentTag string

	FolderID     string
	StateID      string
	ParentTaskID string
	Index        int
}

// CreateTask creates a task and optionally places it. A placed task is
// written together with its placement or not at all.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	ownerID, err := requireCaller(ctx, in.OwnerID)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := domain.NewTask(domain.TaskInput{
		ID:           s.idGen(),
		Title:        in.Title,
		Description:  in.Description,
		OwnerID:      ownerID,
		Importance:   in.Importance,
		StartDate:    in.StartDate,
		DueDate:      in.DueDate,
		Assignees:    in.Assignees,
		Tags:         in.Tags,
		ProminentTag: in.ProminentTag,
	}, s.clock())
	if err != nil {
		return domain.Task{}, invalid(err)
	}
	if strings.TrimSpace(in.FolderID) == "" {
		if err := s.repo.CreateTask(ctx, task); err != nil {
			return domain.Task{}, fmt.Errorf("create task %q: %w", task.Title, err)
		}
		return task, nil
	}
	rel, err := domain.NewTaskRelation(in.FolderID, task.ID, in.StateID, in.ParentTaskID, in.Index)
	if err != nil {
		return domain.Task{}, invalid(err)
	}
	folder, unlock, err := s.lockFolderWorkflow(ctx, rel.FolderID)
	if err != nil {
		return domain.Task{}, err
	}
	defer unlock()
	if err := s.checkPlacementState(ctx, folder, rel.StateID); err != nil {
		return domain.Task{}, err
	}
	if err := s.repo.CreatePlacedTask(ctx, task, rel); err != nil {
		return domain.Task{}, fmt.Errorf("create task %q in folder %s: %w", task.Title, folder.ID, err)
	}
	return task, nil
}

// GetTask returns a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// UpdateTaskInput holds input values for update task operations. Nil fields
// keep the current value.
type UpdateTaskInput struct {
	Title       *string
	Description *string
	Importance  *domain.Importance
	StartDate   *time.Time
	DueDate     *time.Time
	ClearDates  bool
}

// UpdateTask updates task details.
func (s *Service) UpdateTask(ctx context.Context, id string, in UpdateTaskInput) (domain.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	title, description, importance := task.Title, task.Description, task.Importance
	start, due := task.StartDate, task.DueDate
	if in.Title != nil {
		title = *in.Title
	}
	if in.Description != nil {
		description = *in.Description
	}
	if in.Importance != nil {
		importance = *in.Importance
	}
	if in.ClearDates {
		start, due = nil, nil
	}
	if in.StartDate != nil {
		start = in.StartDate
	}
	if in.DueDate != nil {
		due = in.DueDate
	}
	if err := task.UpdateDetails(title, description, importance, start, due, s.clock()); err != nil {
		return domain.Task{}, invalid(err)
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	return task, nil
}

// ArchiveTask archives a task.
func (s *Service) ArchiveTask(ctx context.Context, id string) (domain.Task, error) {
	return s.mutateTask(ctx, id, (*domain.Task).Archive)
}

// DeleteTask soft-deletes a task.
func (s *Service) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	return s.mutateTask(ctx, id, (*domain.Task).SoftDelete)
}

// RestoreTask clears a task's archived and deleted markers.
func (s *Service) RestoreTask(ctx context.Context, id string) (domain.Task, error) {
	return s.mutateTask(ctx, id, (*domain.Task).Restore)
}

// PurgeTask hard-deletes a task with its placements; the caller needs the purge permission.
func (s *Service) PurgeTask(ctx context.Context, callerID, id string) error {
	callerID, err := requireCaller(ctx, callerID)
	if err != nil {
		return err
	}
	if err := s.requirePermission(ctx, callerID, domain.ActionPurge, domain.EntityTask, id); err != nil {
		return err
	}
	if err := s.repo.PurgeTask(ctx, id); err != nil {
		return fmt.Errorf("purge task %s: %w", id, err)
	}
	s.logger.Info("task purged", "task_id", id, "caller", callerID)
	return nil
}

// PlaceTaskInput holds input values for task placement operations.
type PlaceTaskInput struct {
	FolderID     string
	TaskID       string
	StateID      string
	ParentTaskID string
	Index        int
}

// PlaceTask places a task in a folder, or re-places it when it is already
// there. The state must belong to the folder's workflow and a parent task must
// be placed in the same folder without forming a cycle.
func (s *Service) PlaceTask(ctx context.Context, in PlaceTaskInput) (domain.TaskRelation, error) {
	rel, err := domain.NewTaskRelation(in.FolderID, in.TaskID, in.StateID, in.ParentTaskID, in.Index)
	if err != nil {
		return domain.TaskRelation{}, invalid(err)
	}
	folder, unlock, err := s.lockFolderWorkflow(ctx, rel.FolderID)
	if err != nil {
		return domain.TaskRelation{}, err
	}
	defer unlock()
	if err := s.placeLocked(ctx, folder, rel); err != nil {
		return domain.TaskRelation{}, err
	}
	return rel, nil
}

// MoveTask moves a placed task to another state of its folder's workflow. The
// transition between the two states must exist and admit the caller.
func (s *Service) MoveTask(ctx context.Context, callerID, folderID, taskID, toStateID string) (domain.TaskRelation, error) {
	callerID, err := requireCaller(ctx, callerID)
	if err != nil {
		return domain.TaskRelation{}, err
	}
	folder, unlock, err := s.lockFolderWorkflow(ctx, strings.TrimSpace(folderID))
	if err != nil {
		return domain.TaskRelation{}, err
	}
	defer unlock()

	rel, err := s.repo.GetTaskRelation(ctx, folder.ID, taskID)
	if err != nil {
		return domain.TaskRelation{}, fmt.Errorf("get placement of task %s in folder %s: %w", taskID, folder.ID, err)
	}
	toStateID = strings.TrimSpace(toStateID)
	if err := s.CheckTransition(ctx, callerID, rel.StateID, toStateID); err != nil {
		return domain.TaskRelation{}, err
	}
	rel.StateID = toStateID
	if err := s.placeLocked(ctx, folder, rel); err != nil {
		return domain.TaskRelation{}, err
	}
	s.logger.Debug("task moved", "task_id", taskID, "folder_id", folder.ID, "state_id", toStateID)
	return rel, nil
}

// RemoveTaskPlacement removes a task from one folder.
func (s *Service) RemoveTaskPlacement(ctx context.Context, folderID, taskID string) error {
	if err := s.repo.RemoveTaskPlacement(ctx, strings.TrimSpace(folderID), strings.TrimSpace(taskID)); err != nil {
		return fmt.Errorf("remove task %s from folder %s: %w", taskID, folderID, err)
	}
	return nil
}

// AddTaskDependency records that successorID starts after predecessorID.
func (s *Service) AddTaskDependency(ctx context.Context, predecessorID, successorID string) (domain.TaskDependency, error) {
	dep, err := domain.NewTaskDependency(predecessorID, successorID)
	if err != nil {
		return domain.TaskDependency{}, invalid(err)
	}
	for _, id := range []string{dep.PredecessorID, dep.SuccessorID} {
		if _, err := s.repo.GetTask(ctx, id); err != nil {
			return domain.TaskDependency{}, fmt.Errorf("get task %s: %w", id, err)
		}
	}
	if err := s.repo.AddTaskDependency(ctx, dep); err != nil {
		return domain.TaskDependency{}, fmt.Errorf("add dependency %s -> %s: %w", dep.PredecessorID, dep.SuccessorID, err)
	}
	return dep, nil
}

// SetCustomFieldValue stores a custom field value; an empty userID stores the common value.
func (s *Service) SetCustomFieldValue(ctx context.Context, taskID, fieldKey, value, userID string) (domain.CustomFieldValue, error) {
	field, err := domain.NewCustomFieldValue(taskID, fieldKey, value, userID)
	if err != nil {
		return domain.CustomFieldValue{}, invalid(err)
	}
	if _, err := s.repo.GetTask(ctx, field.TaskID); err != nil {
		return domain.CustomFieldValue{}, fmt.Errorf("get task %s: %w", field.TaskID, err)
	}
	if err := s.repo.SetCustomFieldValue(ctx, field); err != nil {
		return domain.CustomFieldValue{}, fmt.Errorf("set field %q on task %s: %w", field.FieldKey, field.TaskID, err)
	}
	return field, nil
}

// lockFolderWorkflow loads a folder and read-locks its workflow. The folder
// must be bound to a workflow.
func (s *Service) lockFolderWorkflow(ctx context.Context, folderID string) (domain.Folder, func(), error) {
	folder, err := s.repo.GetFolder(ctx, folderID)
	if err != nil {
		return domain.Folder{}, nil, fmt.Errorf("get folder %s: %w", folderID, err)
	}
	if folder.WorkflowID == "" {
		return domain.Folder{}, nil, fmt.Errorf("%w: folder %s has no workflow", ErrValidation, folder.ID)
	}
	return folder, s.locks.RLock(folder.WorkflowID), nil
}

// checkPlacementState reports whether stateID belongs to the folder's workflow.
func (s *Service) checkPlacementState(ctx context.Context, folder domain.Folder, stateID string) error {
	state, err := s.repo.GetState(ctx, stateID)
	if err != nil {
		return fmt.Errorf("get state %s: %w", stateID, err)
	}
	if state.WorkflowID != folder.WorkflowID {
		return fmt.Errorf("%w: state %s is not part of workflow %s", ErrValidation, state.Code, folder.WorkflowID)
	}
	return nil
}

// placeLocked validates and stores a placement while the folder workflow's
// read lock is held. Task existence, the parent placement and task cycles are
// checked by the store inside the write transaction.
func (s *Service) placeLocked(ctx context.Context, folder domain.Folder, rel domain.TaskRelation) error {
	if err := s.checkPlacementState(ctx, folder, rel.StateID); err != nil {
		return err
	}
	if err := s.repo.PlaceTask(ctx, rel); err != nil {
		return fmt.Errorf("place task %s in folder %s: %w", rel.TaskID, folder.ID, err)
	}
	return nil
}

// mutateTask loads, mutates and stores one task.
func (s *Service) mutateTask(ctx context.Context, id string, mutate func(*domain.Task, time.Time)) (domain.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	mutate(&task, s.clock())
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	return task, nil
}
