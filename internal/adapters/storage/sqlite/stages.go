package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
)

// CreateSystemStage creates a system stage with a unique code.
func (r *Repository) CreateSystemStage(ctx context.Context, s domain.SystemStage) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_stages(id, code, created_at)
		VALUES (?1, ?2, ?3)
	`, s.ID, s.Code, ts(s.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: system stage code %q exists", app.ErrConflict, s.Code)
	}
	return err
}

// ListSystemStages lists system stages by code.
func (r *Repository) ListSystemStages(ctx context.Context) ([]domain.SystemStage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, code, created_at FROM system_stages ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.SystemStage{}
	for rows.Next() {
		var (
			s          domain.SystemStage
			createdRaw string
		)
		if err := rows.Scan(&s.ID, &s.Code, &createdRaw); err != nil {
			return nil, err
		}
		s.CreatedAt = parseTS(createdRaw)
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSystemStage deletes a stage no state or displacement code references.
func (r *Repository) DeleteSystemStage(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		refs, err := count(ctx, tx, `
			SELECT (SELECT COUNT(*) FROM workflow_states WHERE system_stage_id = ?1)
			     + (SELECT COUNT(*) FROM displacement_codes WHERE system_stage_id = ?1)
		`, id)
		if err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("%w: system stage %s has %d references", app.ErrStageInUse, id, refs)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM system_stages WHERE id = ?1`, id)
		if err != nil {
			return err
		}
		return translateNoRows(res)
	})
}

// CreateDisplacementGroup creates displacement group.
func (r *Repository) CreateDisplacementGroup(ctx context.Context, g domain.DisplacementGroup) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO displacement_groups(id, title, created_at)
		VALUES (?1, ?2, ?3)
	`, g.ID, g.Title, ts(g.CreatedAt))
	return err
}

// ListDisplacementGroups lists displacement groups.
func (r *Repository) ListDisplacementGroups(ctx context.Context) ([]domain.DisplacementGroup, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, title, created_at FROM displacement_groups ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.DisplacementGroup{}
	for rows.Next() {
		var (
			g          domain.DisplacementGroup
			createdRaw string
		)
		if err := rows.Scan(&g.ID, &g.Title, &createdRaw); err != nil {
			return nil, err
		}
		g.CreatedAt = parseTS(createdRaw)
		out = append(out, g)
	}
	return out, rows.Err()
}

// CreateDisplacementCode inserts a code after checking, in the same
// transaction, that its group has no other code mapped to the Completed stage.
func (r *Repository) CreateDisplacementCode(ctx context.Context, c domain.DisplacementCode) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkDisplacementCode(ctx, tx, c); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO displacement_codes(id, group_id, code, system_stage_id, created_at, updated_at)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6)
		`, c.ID, c.GroupID, c.Code, nullableID(c.SystemStageID), ts(c.CreatedAt), ts(c.UpdatedAt))
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: displacement code %q exists in group %s", app.ErrConflict, c.Code, c.GroupID)
		}
		return err
	})
}

// UpdateDisplacementCode updates a code under the same Completed-stage rule as creation.
func (r *Repository) UpdateDisplacementCode(ctx context.Context, c domain.DisplacementCode) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkDisplacementCode(ctx, tx, c); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE displacement_codes
			SET code = ?1, system_stage_id = ?2, updated_at = ?3
			WHERE id = ?4
		`, c.Code, nullableID(c.SystemStageID), ts(c.UpdatedAt), c.ID)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: displacement code %q exists in group %s", app.ErrConflict, c.Code, c.GroupID)
		}
		if err != nil {
			return err
		}
		return translateNoRows(res)
	})
}

// GetDisplacementCode returns displacement code.
func (r *Repository) GetDisplacementCode(ctx context.Context, id string) (domain.DisplacementCode, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, group_id, code, system_stage_id, created_at, updated_at
		FROM displacement_codes
		WHERE id = ?1
	`, id)
	return scanDisplacementCode(row)
}

// ListDisplacementCodes lists the codes of a group, or of every group for an empty id.
func (r *Repository) ListDisplacementCodes(ctx context.Context, groupID string) ([]domain.DisplacementCode, error) {
	query := `
		SELECT id, group_id, code, system_stage_id, created_at, updated_at
		FROM displacement_codes
	`
	args := []any{}
	if groupID = strings.TrimSpace(groupID); groupID != "" {
		query += ` WHERE group_id = ?1`
		args = append(args, groupID)
	}
	query += ` ORDER BY group_id ASC, code ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.DisplacementCode{}
	for rows.Next() {
		c, err := scanDisplacementCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteDisplacementCode deletes a code no state references.
func (r *Repository) DeleteDisplacementCode(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		refs, err := count(ctx, tx, `SELECT COUNT(*) FROM workflow_states WHERE displacement_code_id = ?1`, id)
		if err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("%w: displacement code %s has %d states", app.ErrStageInUse, id, refs)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM displacement_codes WHERE id = ?1`, id)
		if err != nil {
			return err
		}
		return translateNoRows(res)
	})
}

// checkDisplacementCode verifies the group and stage exist and that at most
// one code of the group maps to the Completed stage.
func checkDisplacementCode(ctx context.Context, tx *sql.Tx, c domain.DisplacementCode) error {
	groups, err := count(ctx, tx, `SELECT COUNT(*) FROM displacement_groups WHERE id = ?1`, c.GroupID)
	if err != nil {
		return err
	}
	if groups == 0 {
		return fmt.Errorf("%w: displacement group %s", app.ErrNotFound, c.GroupID)
	}
	if c.SystemStageID == "" {
		return nil
	}
	var stageCode string
	err = tx.QueryRowContext(ctx, `SELECT code FROM system_stages WHERE id = ?1`, c.SystemStageID).Scan(&stageCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: system stage %s", app.ErrNotFound, c.SystemStageID)
		}
		return err
	}
	if stageCode != domain.CompletedStageCode {
		return nil
	}
	taken, err := count(ctx, tx, `
		SELECT COUNT(*)
		FROM displacement_codes dc
		JOIN system_stages ss ON ss.id = dc.system_stage_id
		WHERE dc.group_id = ?1 AND dc.id <> ?2 AND ss.code = ?3
	`, c.GroupID, c.ID, domain.CompletedStageCode)
	if err != nil {
		return err
	}
	if taken > 0 {
		return fmt.Errorf("%w: group %s", app.ErrCompletedStageTaken, c.GroupID)
	}
	return nil
}

// scanDisplacementCode handles scan displacement code.
func scanDisplacementCode(s scanner) (domain.DisplacementCode, error) {
	var (
		c          domain.DisplacementCode
		stageID    sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := s.Scan(&c.ID, &c.GroupID, &c.Code, &stageID, &createdRaw, &updatedRaw); err != nil {
		return domain.DisplacementCode{}, notFound(err)
	}
	c.SystemStageID = stageID.String
	c.CreatedAt = parseTS(createdRaw)
	c.UpdatedAt = parseTS(updatedRaw)
	return c, nil
}

// isUniqueViolation reports whether err is a sqlite unique constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
