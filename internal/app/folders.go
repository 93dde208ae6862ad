package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/trellis/internal/domain"
)

// CreateFolderInput holds input values for create folder operations.
type CreateFolderInput struct {
	Title      string
	OwnerID    string
	WorkflowID string
	StartDate  *time.Time
	EndDate    *time.Time
	Members    []string
	ParentID   string
	Index      int
}

// CreateFolder creates a folder and, when ParentID is set, binds it under that
// parent. The folder and its link are written together or not at all.
func (s *Service) CreateFolder(ctx context.Context, in CreateFolderInput) (domain.Folder, error) {
	ownerID, err := requireCaller(ctx, in.OwnerID)
	if err != nil {
		return domain.Folder{}, err
	}
	folder, err := domain.NewFolder(domain.FolderInput{
		ID:         s.idGen(),
		Title:      in.Title,
		OwnerID:    ownerID,
		WorkflowID: in.WorkflowID,
		StartDate:  in.StartDate,
		EndDate:    in.EndDate,
		Members:    in.Members,
	}, s.clock())
	if err != nil {
		return domain.Folder{}, invalid(err)
	}
	if folder.WorkflowID != "" {
		if _, err := s.repo.GetWorkflow(ctx, folder.WorkflowID); err != nil {
			return domain.Folder{}, fmt.Errorf("get workflow %s: %w", folder.WorkflowID, err)
		}
	}
	if strings.TrimSpace(in.ParentID) == "" {
		if err := s.repo.CreateFolder(ctx, folder); err != nil {
			return domain.Folder{}, fmt.Errorf("create folder %q: %w", folder.Title, err)
		}
		return folder, nil
	}
	rel, err := domain.NewFolderRelation(in.ParentID, folder.ID, in.Index)
	if err != nil {
		return domain.Folder{}, invalid(err)
	}
	if err := s.repo.CreateBoundFolder(ctx, folder, rel); err != nil {
		return domain.Folder{}, fmt.Errorf("create folder %q under %s: %w", folder.Title, rel.ParentID, err)
	}
	return folder, nil
}

// GetFolder returns a folder by id.
func (s *Service) GetFolder(ctx context.Context, id string) (domain.Folder, error) {
	return s.repo.GetFolder(ctx, id)
}

// SetFolderWorkflow binds a folder to a workflow; an empty id unbinds it.
func (s *Service) SetFolderWorkflow(ctx context.Context, folderID, workflowID string) (domain.Folder, error) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID != "" {
		unlock := s.locks.RLock(workflowID)
		defer unlock()
		if _, err := s.repo.GetWorkflow(ctx, workflowID); err != nil {
			return domain.Folder{}, fmt.Errorf("get workflow %s: %w", workflowID, err)
		}
	}
	return s.mutateFolder(ctx, folderID, func(f *domain.Folder, now time.Time) {
		f.SetWorkflow(workflowID, now)
	})
}

// ArchiveFolder archives a folder.
func (s *Service) ArchiveFolder(ctx context.Context, id string) (domain.Folder, error) {
	return s.mutateFolder(ctx, id, (*domain.Folder).Archive)
}

// DeleteFolder soft-deletes a folder.
func (s *Service) DeleteFolder(ctx context.Context, id string) (domain.Folder, error) {
	return s.mutateFolder(ctx, id, (*domain.Folder).SoftDelete)
}

// RestoreFolder clears a folder's archived and deleted markers.
func (s *Service) RestoreFolder(ctx context.Context, id string) (domain.Folder, error) {
	return s.mutateFolder(ctx, id, (*domain.Folder).Restore)
}

// PurgeFolder hard-deletes a folder; the caller needs the purge permission on it.
func (s *Service) PurgeFolder(ctx context.Context, callerID, id string) error {
	callerID, err := requireCaller(ctx, callerID)
	if err != nil {
		return err
	}
	if err := s.requirePermission(ctx, callerID, domain.ActionPurge, domain.EntityFolder, id); err != nil {
		return err
	}
	if err := s.repo.PurgeFolder(ctx, id); err != nil {
		return fmt.Errorf("purge folder %s: %w", id, err)
	}
	s.logger.Info("folder purged", "folder_id", id, "caller", callerID)
	return nil
}

// BindFolder places childID under parentID. Binding a folder under one of its
// own descendants is rejected with ErrFolderCycle.
func (s *Service) BindFolder(ctx context.Context, parentID, childID string, index int) error {
	rel, err := domain.NewFolderRelation(parentID, childID, index)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRelation) {
			return fmt.Errorf("%w: %s under itself", ErrFolderCycle, childID)
		}
		return invalid(err)
	}
	if err := s.repo.BindFolder(ctx, rel); err != nil {
		return fmt.Errorf("bind folder %s under %s: %w", rel.ChildID, rel.ParentID, err)
	}
	return nil
}

// UnbindFolder removes one parent link of a folder.
func (s *Service) UnbindFolder(ctx context.Context, parentID, childID string) error {
	if err := s.repo.UnbindFolder(ctx, strings.TrimSpace(parentID), strings.TrimSpace(childID)); err != nil {
		return fmt.Errorf("unbind folder %s from %s: %w", childID, parentID, err)
	}
	return nil
}

// mutateFolder loads, mutates and stores one folder.
func (s *Service) mutateFolder(ctx context.Context, id string, mutate func(*domain.Folder, time.Time)) (domain.Folder, error) {
	folder, err := s.repo.GetFolder(ctx, id)
	if err != nil {
		return domain.Folder{}, fmt.Errorf("get folder %s: %w", id, err)
	}
	mutate(&folder, s.clock())
	if err := s.repo.UpdateFolder(ctx, folder); err != nil {
		return domain.Folder{}, fmt.Errorf("update folder %s: %w", id, err)
	}
	return folder, nil
}

// requirePermission fails with ErrForbidden unless the caller holds action.
func (s *Service) requirePermission(ctx context.Context, callerID string, action domain.Action, entityType domain.EntityType, entityID string) error {
	ok, err := s.authz.HasPermission(ctx, callerID, action, entityType, entityID)
	if err != nil {
		return fmt.Errorf("check %s permission for %s: %w", action, callerID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks %s on %s %s", ErrForbidden, callerID, action, entityType, entityID)
	}
	return nil
}
