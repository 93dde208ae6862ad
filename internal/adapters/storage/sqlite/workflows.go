package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
)

// CreateWorkflow inserts a workflow with its states, transitions and
// constraints in one transaction.
func (r *Repository) CreateWorkflow(ctx context.Context, g app.WorkflowGraph) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := verifyStageRefs(ctx, tx, g.Workflow.States); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflows(id, title, color, description, active, owner_id, created_at, updated_at)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)
		`, g.Workflow.ID, g.Workflow.Title, g.Workflow.Color, g.Workflow.Description, boolInt(g.Workflow.Active), g.Workflow.OwnerID, ts(g.Workflow.CreatedAt), ts(g.Workflow.UpdatedAt))
		if err != nil {
			return err
		}
		return insertGraph(ctx, tx, g.Workflow.States, g.Transitions, g.Constraints)
	})
}

// UpdateWorkflow updates the scalar fields of a workflow.
func (r *Repository) UpdateWorkflow(ctx context.Context, w domain.Workflow) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflows
		SET title = ?1, color = ?2, description = ?3, active = ?4, updated_at = ?5
		WHERE id = ?6
	`, w.Title, w.Color, w.Description, boolInt(w.Active), ts(w.UpdatedAt), w.ID)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// ReplaceWorkflowStates swaps every state of a workflow for a new graph.
// Constraints and transitions of the current states go first, the new graph
// is inserted, remaps re-point task relations, and the old states are deleted
// once nothing references them.
func (r *Repository) ReplaceWorkflowStates(ctx context.Context, rep app.StateReplacement) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflows
			SET title = ?1, color = ?2, description = ?3, active = ?4, updated_at = ?5
			WHERE id = ?6
		`, rep.Workflow.Title, rep.Workflow.Color, rep.Workflow.Description, boolInt(rep.Workflow.Active), ts(rep.Workflow.UpdatedAt), rep.Workflow.ID)
		if err != nil {
			return err
		}
		if err := translateNoRows(res); err != nil {
			return err
		}
		if err := verifyStageRefs(ctx, tx, rep.States); err != nil {
			return err
		}

		oldIDs, err := stateIDsOf(ctx, tx, rep.Workflow.ID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM workflow_constraints
			WHERE transition_id IN (
				SELECT t.id FROM workflow_transitions t
				JOIN workflow_states s ON s.id = t.from_state_id
				WHERE s.workflow_id = ?1
			)
		`, rep.Workflow.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM workflow_transitions
			WHERE from_state_id IN (SELECT id FROM workflow_states WHERE workflow_id = ?1)
		`, rep.Workflow.ID); err != nil {
			return err
		}
		if err := insertGraph(ctx, tx, rep.States, rep.Transitions, rep.Constraints); err != nil {
			return err
		}
		for _, m := range rep.Remaps {
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_relations SET workflow_state_id = ?1 WHERE workflow_state_id = ?2
			`, m.ToStateID, m.FromStateID); err != nil {
				return err
			}
		}
		if len(oldIDs) == 0 {
			return nil
		}
		list, args := placeholders(oldIDs)
		orphaned, err := count(ctx, tx, `SELECT COUNT(*) FROM task_relations WHERE workflow_state_id IN (`+list+`)`, args...)
		if err != nil {
			return err
		}
		if orphaned > 0 {
			return fmt.Errorf("%w: %d task relations still reference replaced states of workflow %s", app.ErrInvariant, orphaned, rep.Workflow.ID)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM workflow_states WHERE id IN (`+list+`)`, args...)
		return err
	})
}

// GetWorkflow returns a workflow with its states ordered by index.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, color, description, active, owner_id, created_at, updated_at
		FROM workflows
		WHERE id = ?1
	`, id)
	w, err := scanWorkflow(row)
	if err != nil {
		return domain.Workflow{}, err
	}
	states, err := loadStates(ctx, r.db, []string{w.ID})
	if err != nil {
		return domain.Workflow{}, err
	}
	w.States = states[w.ID]
	return w, nil
}

// ListWorkflows lists an owner's personal workflows and, optionally, common ones.
func (r *Repository) ListWorkflows(ctx context.Context, f app.WorkflowListFilter) ([]domain.Workflow, error) {
	clauses := []string{}
	args := []any{}
	if owner := strings.TrimSpace(f.OwnerID); owner != "" {
		args = append(args, owner)
		clauses = append(clauses, fmt.Sprintf("owner_id = ?%d", len(args)))
	}
	if f.IncludeCommon {
		clauses = append(clauses, "owner_id = ''")
	}
	if len(clauses) == 0 {
		return []domain.Workflow{}, nil
	}
	return queryWorkflows(ctx, r.db, `
		SELECT id, title, color, description, active, owner_id, created_at, updated_at
		FROM workflows
		WHERE `+strings.Join(clauses, " OR ")+`
		ORDER BY created_at ASC, id ASC
	`, args...)
}

// ListTransitions lists the transitions of the given workflows with their
// endpoint codes and allowlists.
func (r *Repository) ListTransitions(ctx context.Context, workflowIDs []string) ([]domain.TransitionDetail, error) {
	return loadTransitions(ctx, r.db, workflowIDs)
}

// DeleteWorkflow deletes a workflow no folder or task relation references.
func (r *Repository) DeleteWorkflow(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		exists, err := count(ctx, tx, `SELECT COUNT(*) FROM workflows WHERE id = ?1`, id)
		if err != nil {
			return err
		}
		if exists == 0 {
			return app.ErrNotFound
		}
		folders, err := count(ctx, tx, `SELECT COUNT(*) FROM folders WHERE workflow_id = ?1`, id)
		if err != nil {
			return err
		}
		if folders > 0 {
			return fmt.Errorf("%w: %d folders", app.ErrWorkflowInUse, folders)
		}
		relations, err := count(ctx, tx, `
			SELECT COUNT(*) FROM task_relations
			WHERE workflow_state_id IN (SELECT id FROM workflow_states WHERE workflow_id = ?1)
		`, id)
		if err != nil {
			return err
		}
		if relations > 0 {
			return fmt.Errorf("%w: %d task relations", app.ErrWorkflowInUse, relations)
		}
		stmts := []string{
			`DELETE FROM workflow_constraints WHERE transition_id IN (
				SELECT t.id FROM workflow_transitions t
				JOIN workflow_states s ON s.id = t.from_state_id
				WHERE s.workflow_id = ?1
			)`,
			`DELETE FROM workflow_transitions WHERE from_state_id IN (SELECT id FROM workflow_states WHERE workflow_id = ?1)`,
			`DELETE FROM workflow_states WHERE workflow_id = ?1`,
			`DELETE FROM workflows WHERE id = ?1`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetState returns one workflow state.
func (r *Repository) GetState(ctx context.Context, id string) (domain.WorkflowState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, title, color, code, idx, completed, system_stage_id, displacement_code_id
		FROM workflow_states
		WHERE id = ?1
	`, id)
	return scanState(row)
}

// insertGraph inserts states, transitions and constraints.
func insertGraph(ctx context.Context, tx execerContext, states []domain.WorkflowState, transitions []domain.Transition, constraints []domain.Constraint) error {
	for _, s := range states {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_states(id, workflow_id, title, color, code, idx, completed, system_stage_id, displacement_code_id)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
		`, s.ID, s.WorkflowID, s.Title, s.Color, s.Code, s.Index, boolInt(s.Completed), nullableID(s.SystemStageID), nullableID(s.DisplacementCodeID))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: state code %q exists", app.ErrConflict, s.Code)
		}
		if err != nil {
			return fmt.Errorf("insert state %s: %w", s.Code, err)
		}
	}
	for _, t := range transitions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_transitions(id, from_state_id, to_state_id)
			VALUES (?1, ?2, ?3)
		`, t.ID, t.FromStateID, t.ToStateID); err != nil {
			return fmt.Errorf("insert transition %s: %w", t.ID, err)
		}
	}
	for _, c := range constraints {
		users, err := encodeList(c.UserIDs)
		if err != nil {
			return fmt.Errorf("encode constraint users: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_constraints(id, transition_id, user_ids_json)
			VALUES (?1, ?2, ?3)
		`, c.ID, c.TransitionID, users); err != nil {
			return fmt.Errorf("insert constraint %s: %w", c.ID, err)
		}
	}
	return nil
}

// verifyStageRefs fails with app.ErrNotFound when a state names a missing
// system stage or displacement code.
func verifyStageRefs(ctx context.Context, q queryRower, states []domain.WorkflowState) error {
	for _, s := range states {
		table, id := "system_stages", s.SystemStageID
		if id == "" {
			table, id = "displacement_codes", s.DisplacementCodeID
		}
		n, err := count(ctx, q, `SELECT COUNT(*) FROM `+table+` WHERE id = ?1`, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %s referenced by state %q", app.ErrNotFound, strings.TrimSuffix(table, "s"), id, s.Title)
		}
	}
	return nil
}

// stateIDsOf returns the ids of a workflow's current states.
func stateIDsOf(ctx context.Context, q querier, workflowID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM workflow_states WHERE workflow_id = ?1`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// queryWorkflows runs a workflow query and attaches each workflow's states.
func queryWorkflows(ctx context.Context, q querier, query string, args ...any) ([]domain.Workflow, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := []domain.Workflow{}
	ids := []string{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, w)
		ids = append(ids, w.ID)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}
	states, err := loadStates(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].States = states[out[i].ID]
	}
	return out, nil
}

// loadStates returns the states of each workflow ordered by index.
func loadStates(ctx context.Context, q querier, workflowIDs []string) (map[string][]domain.WorkflowState, error) {
	out := map[string][]domain.WorkflowState{}
	if len(workflowIDs) == 0 {
		return out, nil
	}
	list, args := placeholders(workflowIDs)
	rows, err := q.QueryContext(ctx, `
		SELECT id, workflow_id, title, color, code, idx, completed, system_stage_id, displacement_code_id
		FROM workflow_states
		WHERE workflow_id IN (`+list+`)
		ORDER BY workflow_id ASC, idx ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out[s.WorkflowID] = append(out[s.WorkflowID], s)
	}
	return out, rows.Err()
}

// loadTransitions returns transition details of the given workflows.
func loadTransitions(ctx context.Context, q querier, workflowIDs []string) ([]domain.TransitionDetail, error) {
	out := []domain.TransitionDetail{}
	if len(workflowIDs) == 0 {
		return out, nil
	}
	list, args := placeholders(workflowIDs)
	rows, err := q.QueryContext(ctx, `
		SELECT t.id, t.from_state_id, t.to_state_id, fs.workflow_id, fs.code, ts.code, COALESCE(c.user_ids_json, '[]')
		FROM workflow_transitions t
		JOIN workflow_states fs ON fs.id = t.from_state_id
		JOIN workflow_states ts ON ts.id = t.to_state_id
		LEFT JOIN workflow_constraints c ON c.transition_id = t.id
		WHERE fs.workflow_id IN (`+list+`)
		ORDER BY fs.workflow_id ASC, fs.idx ASC, ts.idx ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			d        domain.TransitionDetail
			usersRaw string
		)
		if err := rows.Scan(&d.ID, &d.FromStateID, &d.ToStateID, &d.WorkflowID, &d.FromCode, &d.ToCode, &usersRaw); err != nil {
			return nil, err
		}
		if d.UserIDs, err = decodeList(usersRaw, "user_ids_json"); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scanWorkflow handles scan workflow.
func scanWorkflow(s scanner) (domain.Workflow, error) {
	var (
		w          domain.Workflow
		active     int
		createdRaw string
		updatedRaw string
	)
	if err := s.Scan(&w.ID, &w.Title, &w.Color, &w.Description, &active, &w.OwnerID, &createdRaw, &updatedRaw); err != nil {
		return domain.Workflow{}, notFound(err)
	}
	w.Active = active != 0
	w.CreatedAt = parseTS(createdRaw)
	w.UpdatedAt = parseTS(updatedRaw)
	w.States = []domain.WorkflowState{}
	return w, nil
}

// scanState handles scan state.
func scanState(s scanner) (domain.WorkflowState, error) {
	var (
		st             domain.WorkflowState
		completed      int
		stageID        sql.NullString
		displacementID sql.NullString
	)
	if err := s.Scan(&st.ID, &st.WorkflowID, &st.Title, &st.Color, &st.Code, &st.Index, &completed, &stageID, &displacementID); err != nil {
		return domain.WorkflowState{}, notFound(err)
	}
	st.Completed = completed != 0
	st.SystemStageID = stageID.String
	st.DisplacementCodeID = displacementID.String
	return st, nil
}
