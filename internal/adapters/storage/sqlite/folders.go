package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/hierarchy"
)

const folderColumns = `f.id, f.title, f.owner_id, f.workflow_id, f.start_date, f.end_date, f.members_json, f.created_at, f.updated_at, f.archived_at, f.deleted_at`

// CreateFolder creates folder.
func (r *Repository) CreateFolder(ctx context.Context, f domain.Folder) error {
	return insertFolder(ctx, r.db, f)
}

// CreateBoundFolder creates a folder and its parent link in one transaction.
func (r *Repository) CreateBoundFolder(ctx context.Context, f domain.Folder, rel domain.FolderRelation) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertFolder(ctx, tx, f); err != nil {
			return err
		}
		return bindFolder(ctx, tx, rel)
	})
}

func insertFolder(ctx context.Context, e execerContext, f domain.Folder) error {
	members, err := encodeList(f.Members)
	if err != nil {
		return fmt.Errorf("encode folder members: %w", err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO folders(id, title, owner_id, workflow_id, start_date, end_date, members_json, created_at, updated_at, archived_at, deleted_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11)
	`, f.ID, f.Title, f.OwnerID, nullableID(f.WorkflowID), nullableTS(f.StartDate), nullableTS(f.EndDate), members, ts(f.CreatedAt), ts(f.UpdatedAt), nullableTS(f.ArchivedAt), nullableTS(f.DeletedAt))
	return err
}

// UpdateFolder updates state for the requested operation.
func (r *Repository) UpdateFolder(ctx context.Context, f domain.Folder) error {
	members, err := encodeList(f.Members)
	if err != nil {
		return fmt.Errorf("encode folder members: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE folders
		SET title = ?1, workflow_id = ?2, start_date = ?3, end_date = ?4, members_json = ?5, updated_at = ?6, archived_at = ?7, deleted_at = ?8
		WHERE id = ?9
	`, f.Title, nullableID(f.WorkflowID), nullableTS(f.StartDate), nullableTS(f.EndDate), members, ts(f.UpdatedAt), nullableTS(f.ArchivedAt), nullableTS(f.DeletedAt), f.ID)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// GetFolder returns folder.
func (r *Repository) GetFolder(ctx context.Context, id string) (domain.Folder, error) {
	return getFolder(ctx, r.db, id)
}

// PurgeFolder hard-deletes a folder with its relations and placements.
func (r *Repository) PurgeFolder(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM folders WHERE id = ?1`, id)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// BindFolder places a child under a parent, or moves it to a new index when
// the link already exists. The cycle check and the write share one immediate
// transaction, so concurrent binds cannot both pass the check.
func (r *Repository) BindFolder(ctx context.Context, rel domain.FolderRelation) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return bindFolder(ctx, tx, rel)
	})
}

// bindFolder checks both folders and the parent's ancestry inside tx, then
// stores the link.
func bindFolder(ctx context.Context, tx *sql.Tx, rel domain.FolderRelation) error {
	for _, id := range []string{rel.ParentID, rel.ChildID} {
		if _, err := getFolder(ctx, tx, id); err != nil {
			return fmt.Errorf("get folder %s: %w", id, err)
		}
	}
	ancestors, err := hierarchy.Ancestors(ctx, rel.ParentID, folderParents{q: tx})
	if err != nil {
		return fmt.Errorf("load ancestors of folder %s: %w", rel.ParentID, err)
	}
	if slices.Contains(ancestors, rel.ChildID) {
		return fmt.Errorf("%w: %s is an ancestor of %s", app.ErrFolderCycle, rel.ChildID, rel.ParentID)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO folder_relations(parent_id, child_id, idx)
		VALUES (?1, ?2, ?3)
		ON CONFLICT(parent_id, child_id) DO UPDATE SET idx = excluded.idx
	`, rel.ParentID, rel.ChildID, rel.Index)
	return err
}

// folderParents loads folder parents through one connection or transaction.
type folderParents struct {
	q querier
}

func (p folderParents) LoadParents(ctx context.Context, ids []string) (map[string][]string, error) {
	return loadFolderParents(ctx, p.q, ids)
}

// UnbindFolder removes one parent link.
func (r *Repository) UnbindFolder(ctx context.Context, parentID, childID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM folder_relations WHERE parent_id = ?1 AND child_id = ?2`, parentID, childID)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// LoadParents returns the parent folder ids of each id.
func (r *Repository) LoadParents(ctx context.Context, ids []string) (map[string][]string, error) {
	return loadFolderParents(ctx, r.db, ids)
}

// getFolder reads one folder.
func getFolder(ctx context.Context, q queryRower, id string) (domain.Folder, error) {
	row := q.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders f WHERE f.id = ?1`, id)
	return scanFolder(row)
}

// loadFolderParents returns child id -> parent ids for the requested children.
func loadFolderParents(ctx context.Context, q querier, ids []string) (map[string][]string, error) {
	out := map[string][]string{}
	if len(ids) == 0 {
		return out, nil
	}
	list, args := placeholders(ids)
	rows, err := q.QueryContext(ctx, `
		SELECT child_id, parent_id FROM folder_relations
		WHERE child_id IN (`+list+`)
		ORDER BY child_id ASC, idx ASC, parent_id ASC
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var childID, parentID string
		if err := rows.Scan(&childID, &parentID); err != nil {
			return nil, err
		}
		out[childID] = append(out[childID], parentID)
	}
	return out, rows.Err()
}

// scanFolder handles scan folder.
func scanFolder(s scanner) (domain.Folder, error) {
	var (
		f          domain.Folder
		workflowID sql.NullString
		start      sql.NullString
		end        sql.NullString
		membersRaw string
		createdRaw string
		updatedRaw string
		archived   sql.NullString
		deleted    sql.NullString
	)
	if err := s.Scan(&f.ID, &f.Title, &f.OwnerID, &workflowID, &start, &end, &membersRaw, &createdRaw, &updatedRaw, &archived, &deleted); err != nil {
		return domain.Folder{}, notFound(err)
	}
	members, err := decodeList(membersRaw, "members_json")
	if err != nil {
		return domain.Folder{}, err
	}
	f.WorkflowID = workflowID.String
	f.StartDate = parseNullTS(start)
	f.EndDate = parseNullTS(end)
	f.Members = members
	f.CreatedAt = parseTS(createdRaw)
	f.UpdatedAt = parseTS(updatedRaw)
	f.ArchivedAt = parseNullTS(archived)
	f.DeletedAt = parseNullTS(deleted)
	return f, nil
}
