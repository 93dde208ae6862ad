package app

import (
	"context"
	"fmt"

	"github.com/hylla/trellis/internal/domain"
)

// CreateSystemStage registers a canonical stage code.
func (s *Service) CreateSystemStage(ctx context.Context, code string) (domain.SystemStage, error) {
	if err := s.requireStageManager(ctx); err != nil {
		return domain.SystemStage{}, err
	}
	return s.createSystemStage(ctx, code)
}

func (s *Service) createSystemStage(ctx context.Context, code string) (domain.SystemStage, error) {
	stage, err := domain.NewSystemStage(s.idGen(), code, s.clock())
	if err != nil {
		return domain.SystemStage{}, invalid(err)
	}
	if err := s.repo.CreateSystemStage(ctx, stage); err != nil {
		return domain.SystemStage{}, fmt.Errorf("create system stage %q: %w", code, err)
	}
	s.invalidateStages()
	return stage, nil
}

// ListSystemStages lists system stages.
func (s *Service) ListSystemStages(ctx context.Context) ([]domain.SystemStage, error) {
	catalog, err := s.loadStageCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.stages, nil
}

// DeleteSystemStage deletes an unreferenced system stage.
func (s *Service) DeleteSystemStage(ctx context.Context, id string) error {
	if err := s.requireStageManager(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteSystemStage(ctx, id); err != nil {
		return fmt.Errorf("delete system stage %s: %w", id, err)
	}
	s.invalidateStages()
	return nil
}

// EnsureSystemStages creates any missing stage codes and returns all stages.
// It seeds the registry at startup and needs no caller.
func (s *Service) EnsureSystemStages(ctx context.Context, codes ...string) ([]domain.SystemStage, error) {
	existing, err := s.repo.ListSystemStages(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]struct{}, len(existing))
	for _, st := range existing {
		have[st.Code] = struct{}{}
	}
	for _, code := range codes {
		if _, ok := have[code]; ok {
			continue
		}
		stage, err := s.createSystemStage(ctx, code)
		if err != nil {
			return nil, err
		}
		existing = append(existing, stage)
		have[code] = struct{}{}
	}
	return existing, nil
}

// CreateDisplacementGroup creates a displacement group.
func (s *Service) CreateDisplacementGroup(ctx context.Context, title string) (domain.DisplacementGroup, error) {
	if err := s.requireStageManager(ctx); err != nil {
		return domain.DisplacementGroup{}, err
	}
	group, err := domain.NewDisplacementGroup(s.idGen(), title, s.clock())
	if err != nil {
		return domain.DisplacementGroup{}, invalid(err)
	}
	if err := s.repo.CreateDisplacementGroup(ctx, group); err != nil {
		return domain.DisplacementGroup{}, fmt.Errorf("create displacement group: %w", err)
	}
	return group, nil
}

// ListDisplacementGroups lists displacement groups.
func (s *Service) ListDisplacementGroups(ctx context.Context) ([]domain.DisplacementGroup, error) {
	return s.repo.ListDisplacementGroups(ctx)
}

// CreateDisplacementCodeInput holds input values for create displacement code operations.
type CreateDisplacementCodeInput struct {
	GroupID       string
	Code          string
	SystemStageID string
}

// CreateDisplacementCode creates a displacement code. A group may map at
// most one code to the Completed stage; the store checks this inside the
// inserting transaction and fails with ErrCompletedStageTaken.
func (s *Service) CreateDisplacementCode(ctx context.Context, in CreateDisplacementCodeInput) (domain.DisplacementCode, error) {
	if err := s.requireStageManager(ctx); err != nil {
		return domain.DisplacementCode{}, err
	}
	ctx, span := s.startSpan(ctx, "CreateDisplacementCode")
	code, err := domain.NewDisplacementCode(s.idGen(), in.GroupID, in.Code, in.SystemStageID, s.clock())
	if err != nil {
		endSpan(span, err)
		return domain.DisplacementCode{}, invalid(err)
	}
	err = s.repo.CreateDisplacementCode(ctx, code)
	endSpan(span, err)
	if err != nil {
		return domain.DisplacementCode{}, fmt.Errorf("create displacement code %q in group %s: %w", in.Code, in.GroupID, err)
	}
	s.invalidateStages()
	return code, nil
}

// UpdateDisplacementCode remaps a displacement code under the same rule as creation.
func (s *Service) UpdateDisplacementCode(ctx context.Context, id, code, systemStageID string) (domain.DisplacementCode, error) {
	if err := s.requireStageManager(ctx); err != nil {
		return domain.DisplacementCode{}, err
	}
	current, err := s.repo.GetDisplacementCode(ctx, id)
	if err != nil {
		return domain.DisplacementCode{}, fmt.Errorf("get displacement code %s: %w", id, err)
	}
	if err := current.Remap(code, systemStageID, s.clock()); err != nil {
		return domain.DisplacementCode{}, invalid(err)
	}
	if err := s.repo.UpdateDisplacementCode(ctx, current); err != nil {
		return domain.DisplacementCode{}, fmt.Errorf("update displacement code %s: %w", id, err)
	}
	s.invalidateStages()
	return current, nil
}

// DeleteDisplacementCode deletes an unreferenced displacement code.
func (s *Service) DeleteDisplacementCode(ctx context.Context, id string) error {
	if err := s.requireStageManager(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteDisplacementCode(ctx, id); err != nil {
		return fmt.Errorf("delete displacement code %s: %w", id, err)
	}
	s.invalidateStages()
	return nil
}

// ListDisplacementCodes lists codes of a group, or of every group when groupID is empty.
func (s *Service) ListDisplacementCodes(ctx context.Context, groupID string) ([]domain.DisplacementCode, error) {
	return s.repo.ListDisplacementCodes(ctx, groupID)
}

// requireStageManager checks the registry-wide manage_stages grant of the caller.
func (s *Service) requireStageManager(ctx context.Context) error {
	callerID, err := requireCaller(ctx, "")
	if err != nil {
		return err
	}
	return s.requirePermission(ctx, callerID, domain.ActionManageStages, domain.EntityStage, domain.AnyEntity)
}

// invalid wraps a domain validation error.
func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrValidation, err)
}
