package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/hylla/trellis/internal/domain"
)

// CreateWorkflowInput holds input values for create workflow operations.
type CreateWorkflowInput struct {
	Title       string
	Color       string
	Description string
	Active      bool
	OwnerID     string
	States      []domain.StateInput
}

// CreateWorkflow creates a workflow with its states and the transitions
// derived from their swimlane constraints, in one transaction.
func (s *Service) CreateWorkflow(ctx context.Context, in CreateWorkflowInput) (wf domain.Workflow, err error) {
	ctx, span := s.startSpan(ctx, "CreateWorkflow")
	defer func() {
		endSpan(span, err)
		s.metrics.RecordWorkflowMutation("create", err)
	}()

	wf, err = domain.NewWorkflow(domain.WorkflowInput{
		ID:          s.idGen(),
		Title:       in.Title,
		Color:       in.Color,
		Description: in.Description,
		Active:      in.Active,
		OwnerID:     in.OwnerID,
	}, s.clock())
	if err != nil {
		return domain.Workflow{}, invalid(err)
	}
	graph, err := s.buildGraph(wf.ID, in.States)
	if err != nil {
		return domain.Workflow{}, err
	}
	wf.States = graph.states
	if err = s.repo.CreateWorkflow(ctx, WorkflowGraph{
		Workflow:    wf,
		Transitions: graph.transitions,
		Constraints: graph.constraints,
	}); err != nil {
		return domain.Workflow{}, fmt.Errorf("create workflow %q: %w", wf.Title, err)
	}
	s.logger.Info("workflow created", "workflow_id", wf.ID, "states", len(wf.States), "transitions", len(graph.transitions))
	return wf, nil
}

// UpdateWorkflowInput holds input values for update workflow operations. Nil
// scalar pointers keep the current value; a nil States keeps the current graph.
type UpdateWorkflowInput struct {
	Title       *string
	Color       *string
	Description *string
	Active      *bool
	States      []domain.StateInput
	Mapping     []domain.StateMapping
}

// UpdateWorkflow updates scalar fields and, when States is set, replaces the
// whole state graph. Mapping pairs re-point task relations from replaced
// states to new ones; a replaced state still referenced afterwards aborts the
// update. Updates of one workflow are serialized. The caller must own the
// personal workflow or hold manage_workflow on it.
func (s *Service) UpdateWorkflow(ctx context.Context, id string, in UpdateWorkflowInput) (wf domain.Workflow, err error) {
	ctx, span := s.startSpan(ctx, "UpdateWorkflow")
	defer func() {
		endSpan(span, err)
		s.metrics.RecordWorkflowMutation("update", err)
	}()

	unlock := s.locks.Lock(id)
	defer unlock()

	wf, err = s.repo.GetWorkflow(ctx, id)
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if err = s.requireWorkflowManager(ctx, wf); err != nil {
		return domain.Workflow{}, err
	}
	title, color, description, active := wf.Title, wf.Color, wf.Description, wf.Active
	if in.Title != nil {
		title = *in.Title
	}
	if in.Color != nil {
		color = *in.Color
	}
	if in.Description != nil {
		description = *in.Description
	}
	if in.Active != nil {
		active = *in.Active
	}
	if err = wf.UpdateDetails(title, color, description, active, s.clock()); err != nil {
		return domain.Workflow{}, invalid(err)
	}

	if in.States == nil {
		if len(in.Mapping) > 0 {
			return domain.Workflow{}, invalid(fmt.Errorf("state mapping requires a replacement state list"))
		}
		if err = s.repo.UpdateWorkflow(ctx, wf); err != nil {
			return domain.Workflow{}, fmt.Errorf("update workflow %s: %w", id, err)
		}
		return wf, nil
	}

	graph, err := s.buildGraph(wf.ID, in.States)
	if err != nil {
		return domain.Workflow{}, err
	}
	oldByCode := make(map[string]domain.WorkflowState, len(wf.States))
	for _, st := range wf.States {
		oldByCode[st.Code] = st
	}
	remaps := make([]StateRemap, 0, len(in.Mapping))
	for _, m := range in.Mapping {
		from, ok := oldByCode[strings.TrimSpace(m.SourceCode)]
		if !ok {
			return domain.Workflow{}, fmt.Errorf("%w: source state code %q in workflow %s", ErrNotFound, m.SourceCode, id)
		}
		to, ok := graph.byRef[strings.TrimSpace(m.DestinationCode)]
		if !ok {
			return domain.Workflow{}, fmt.Errorf("%w: destination state code %q in workflow %s", ErrNotFound, m.DestinationCode, id)
		}
		remaps = append(remaps, StateRemap{FromStateID: from.ID, ToStateID: to.ID})
	}

	wf.States = graph.states
	err = s.repo.ReplaceWorkflowStates(ctx, StateReplacement{
		Workflow:    wf,
		States:      graph.states,
		Transitions: graph.transitions,
		Constraints: graph.constraints,
		Remaps:      remaps,
	})
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("replace states of workflow %s: %w", id, err)
	}
	s.logger.Info("workflow states replaced", "workflow_id", wf.ID, "states", len(wf.States), "remapped", len(remaps))
	return wf, nil
}

// DeleteWorkflow deletes a workflow no folder is bound to, under the same
// permission rule as UpdateWorkflow.
func (s *Service) DeleteWorkflow(ctx context.Context, id string) (err error) {
	ctx, span := s.startSpan(ctx, "DeleteWorkflow")
	defer func() {
		endSpan(span, err)
		s.metrics.RecordWorkflowMutation("delete", err)
	}()

	unlock := s.locks.Lock(id)
	defer unlock()
	wf, err := s.repo.GetWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("get workflow %s: %w", id, err)
	}
	if err = s.requireWorkflowManager(ctx, wf); err != nil {
		return err
	}
	if err = s.repo.DeleteWorkflow(ctx, id); err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	s.logger.Info("workflow deleted", "workflow_id", id)
	return nil
}

// CloneToCommon copies a personal workflow owned by ownerID into a common one,
// rebuilding each state's swimlane constraint from its outgoing transitions.
func (s *Service) CloneToCommon(ctx context.Context, personalWorkflowID, ownerID string) (domain.Workflow, error) {
	ownerID, err := requireCaller(ctx, ownerID)
	if err != nil {
		return domain.Workflow{}, err
	}
	unlock := s.locks.RLock(personalWorkflowID)
	src, err := s.repo.GetWorkflow(ctx, personalWorkflowID)
	if err != nil {
		unlock()
		return domain.Workflow{}, fmt.Errorf("get workflow %s: %w", personalWorkflowID, err)
	}
	if src.IsCommon() || src.OwnerID != ownerID {
		unlock()
		return domain.Workflow{}, fmt.Errorf("%w: personal workflow %s for owner %s", ErrNotFound, personalWorkflowID, ownerID)
	}
	transitions, err := s.repo.ListTransitions(ctx, []string{src.ID})
	unlock()
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("list transitions of workflow %s: %w", src.ID, err)
	}

	return s.CreateWorkflow(ctx, CreateWorkflowInput{
		Title:       src.Title,
		Color:       src.Color,
		Description: src.Description,
		Active:      src.Active,
		States:      statesFromGraph(src.States, transitions),
	})
}

// requireWorkflowManager admits the owner of a personal workflow and any
// caller holding manage_workflow on it. Common workflows need the grant.
func (s *Service) requireWorkflowManager(ctx context.Context, wf domain.Workflow) error {
	callerID, err := requireCaller(ctx, "")
	if err != nil {
		return err
	}
	if !wf.IsCommon() && wf.OwnerID == callerID {
		return nil
	}
	return s.requirePermission(ctx, callerID, domain.ActionManageWorkflow, domain.EntityWorkflow, wf.ID)
}

// statesFromGraph reconstructs state inputs whose edges reproduce transitions.
func statesFromGraph(states []domain.WorkflowState, transitions []domain.TransitionDetail) []domain.StateInput {
	out := make([]domain.StateInput, 0, len(states))
	for _, st := range states {
		in := domain.StateInput{
			Ref:                st.Code,
			Title:              st.Title,
			Color:              st.Color,
			Completed:          st.Completed,
			SystemStageID:      st.SystemStageID,
			DisplacementCodeID: st.DisplacementCodeID,
			SwimlaneConstraint: []string{},
		}
		for _, tr := range transitions {
			if tr.FromStateID == st.ID {
				in.SwimlaneConstraint = append(in.SwimlaneConstraint, tr.ToCode)
			}
			if tr.ToStateID == st.ID {
				in.UserConstraint = appendMissing(in.UserConstraint, tr.UserIDs...)
			}
		}
		out = append(out, in)
	}
	return out
}

// GetWorkflow returns a workflow with its ordered states.
func (s *Service) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return s.repo.GetWorkflow(ctx, id)
}

// ListWorkflows lists the caller's personal workflows and, optionally, common ones.
func (s *Service) ListWorkflows(ctx context.Context, ownerID string, includeCommon bool) ([]domain.Workflow, error) {
	return s.repo.ListWorkflows(ctx, WorkflowListFilter{OwnerID: strings.TrimSpace(ownerID), IncludeCommon: includeCommon})
}

// ListTransitions lists the transitions of a workflow with their allowlists.
func (s *Service) ListTransitions(ctx context.Context, workflowID string) ([]domain.TransitionDetail, error) {
	return s.repo.ListTransitions(ctx, []string{workflowID})
}

// CheckTransition verifies a caller may move a task between two states of one
// workflow: the transition must exist and its allowlist, when set, must name
// the caller. States of different workflows are not governed by either graph.
func (s *Service) CheckTransition(ctx context.Context, callerID, fromStateID, toStateID string) error {
	if fromStateID == toStateID {
		return nil
	}
	from, err := s.repo.GetState(ctx, fromStateID)
	if err != nil {
		return fmt.Errorf("get state %s: %w", fromStateID, err)
	}
	to, err := s.repo.GetState(ctx, toStateID)
	if err != nil {
		return fmt.Errorf("get state %s: %w", toStateID, err)
	}
	if from.WorkflowID != to.WorkflowID {
		return nil
	}
	transitions, err := s.repo.ListTransitions(ctx, []string{from.WorkflowID})
	if err != nil {
		return fmt.Errorf("list transitions of workflow %s: %w", from.WorkflowID, err)
	}
	for _, tr := range transitions {
		if tr.FromStateID != from.ID || tr.ToStateID != to.ID {
			continue
		}
		constraint := domain.Constraint{TransitionID: tr.ID, UserIDs: tr.UserIDs}
		if !constraint.Allows(callerID) {
			return fmt.Errorf("%w: %s -> %s for %s", ErrTransitionDenied, from.Code, to.Code, callerID)
		}
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrTransitionMissing, from.Code, to.Code)
}

// stateGraph is a validated set of states with their derived edges.
type stateGraph struct {
	states      []domain.WorkflowState
	transitions []domain.Transition
	constraints []domain.Constraint
	byRef       map[string]domain.WorkflowState
}

// buildGraph assigns codes and ids to state inputs and derives their edges.
func (s *Service) buildGraph(workflowID string, inputs []domain.StateInput) (stateGraph, error) {
	if len(inputs) == 0 {
		return stateGraph{}, invalid(domain.ErrEmptyWorkflow)
	}
	g := stateGraph{byRef: make(map[string]domain.WorkflowState, len(inputs))}
	resolved := make([]domain.StateInput, len(inputs))
	for i, in := range inputs {
		code, err := domain.GenerateStateCode()
		if err != nil {
			return stateGraph{}, fmt.Errorf("generate state code: %w", err)
		}
		in.Ref = strings.TrimSpace(in.Ref)
		if in.Ref == "" {
			in.Ref = code
		}
		if _, dup := g.byRef[in.Ref]; dup {
			return stateGraph{}, invalid(fmt.Errorf("%w: %q", domain.ErrDuplicateStateRef, in.Ref))
		}
		st, err := domain.NewWorkflowState(s.idGen(), workflowID, code, i, in)
		if err != nil {
			return stateGraph{}, invalid(fmt.Errorf("state %d: %w", i, err))
		}
		resolved[i] = in
		g.byRef[in.Ref] = st
		g.states = append(g.states, st)
	}

	edges, err := domain.BuildEdges(resolved)
	if err != nil {
		return stateGraph{}, invalid(err)
	}
	for _, e := range edges {
		tr, err := domain.NewTransition(s.idGen(), g.byRef[e.FromRef].ID, g.byRef[e.ToRef].ID)
		if err != nil {
			return stateGraph{}, invalid(err)
		}
		g.transitions = append(g.transitions, tr)
		if len(e.UserIDs) == 0 {
			continue
		}
		c, err := domain.NewConstraint(s.idGen(), tr.ID, e.UserIDs)
		if err != nil {
			return stateGraph{}, invalid(err)
		}
		g.constraints = append(g.constraints, c)
	}
	return g, nil
}

// appendMissing appends values not already in dst.
func appendMissing(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, have := range dst {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
