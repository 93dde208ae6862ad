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

const taskColumns = `t.id, t.title, t.description, t.owner_id, t.importance, t.start_date, t.due_date, t.assignees_json, t.tags_json, t.prominent_tag, t.created_at, t.updated_at, t.archived_at, t.deleted_at`

const relationColumns = `r.folder_id, r.task_id, r.workflow_state_id, r.parent_task_id, r.idx`

// CreateTask creates task.
func (r *Repository) CreateTask(ctx context.Context, t domain.Task) error {
	return insertTask(ctx, r.db, t)
}

// CreatePlacedTask creates a task and its first placement in one transaction.
func (r *Repository) CreatePlacedTask(ctx context.Context, t domain.Task, rel domain.TaskRelation) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
		return placeTask(ctx, tx, rel)
	})
}

func insertTask(ctx context.Context, e execerContext, t domain.Task) error {
	assignees, tags, err := encodeTaskLists(t)
	if err != nil {
		return err
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO tasks(id, title, description, owner_id, importance, start_date, due_date, assignees_json, tags_json, prominent_tag, created_at, updated_at, archived_at, deleted_at)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10, ?11, ?12, ?13, ?14)
	`, t.ID, t.Title, t.Description, t.OwnerID, string(t.Importance), nullableTS(t.StartDate), nullableTS(t.DueDate), assignees, tags, t.ProminentTag, ts(t.CreatedAt), ts(t.UpdatedAt), nullableTS(t.ArchivedAt), nullableTS(t.DeletedAt))
	return err
}

// UpdateTask updates state for the requested operation.
func (r *Repository) UpdateTask(ctx context.Context, t domain.Task) error {
	assignees, tags, err := encodeTaskLists(t)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks
		SET title = ?1, description = ?2, importance = ?3, start_date = ?4, due_date = ?5, assignees_json = ?6, tags_json = ?7,
			prominent_tag = ?8, updated_at = ?9, archived_at = ?10, deleted_at = ?11
		WHERE id = ?12
	`, t.Title, t.Description, string(t.Importance), nullableTS(t.StartDate), nullableTS(t.DueDate), assignees, tags, t.ProminentTag, ts(t.UpdatedAt), nullableTS(t.ArchivedAt), nullableTS(t.DeletedAt), t.ID)
	if err != nil {
		return err
	}
	return translateNoRows(res)
}

// GetTask returns task.
func (r *Repository) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.db, id)
}

func getTask(ctx context.Context, q queryRower, id string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?1`, id)
	return scanTask(row)
}

// PurgeTask hard-deletes a task. Its placed subtasks move up to the task's own parent.
func (r *Repository) PurgeTask(ctx context.Context, id string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_relations AS c
			SET parent_task_id = p.parent_task_id
			FROM task_relations AS p
			WHERE p.task_id = ?1 AND c.folder_id = p.folder_id AND c.parent_task_id = ?1
		`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?1`, id)
		if err != nil {
			return err
		}
		return translateNoRows(res)
	})
}

// PlaceTask inserts a placement or replaces the existing one in the same
// folder. The state, parent and cycle checks run in the same immediate
// transaction as the write.
func (r *Repository) PlaceTask(ctx context.Context, rel domain.TaskRelation) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return placeTask(ctx, tx, rel)
	})
}

// placeTask validates rel against the rows visible to tx and stores it.
func placeTask(ctx context.Context, tx *sql.Tx, rel domain.TaskRelation) error {
	n, err := count(ctx, tx, `
		SELECT COUNT(*) FROM folders f
		JOIN workflow_states s ON s.workflow_id = f.workflow_id
		WHERE f.id = ?1 AND s.id = ?2
	`, rel.FolderID, rel.StateID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: state %s is not part of the workflow of folder %s", app.ErrValidation, rel.StateID, rel.FolderID)
	}
	if _, err := getTask(ctx, tx, rel.TaskID); err != nil {
		return fmt.Errorf("get task %s: %w", rel.TaskID, err)
	}
	if rel.ParentTaskID != "" {
		if _, err := getTaskRelation(ctx, tx, rel.FolderID, rel.ParentTaskID); err != nil {
			return fmt.Errorf("get placement of parent task %s in folder %s: %w", rel.ParentTaskID, rel.FolderID, err)
		}
		ancestors, err := hierarchy.Ancestors(ctx, rel.ParentTaskID, taskParents{q: tx, folderID: rel.FolderID})
		if err != nil {
			return fmt.Errorf("load ancestors of task %s: %w", rel.ParentTaskID, err)
		}
		if slices.Contains(ancestors, rel.TaskID) {
			return fmt.Errorf("%w: %s is an ancestor of %s in folder %s", app.ErrTaskCycle, rel.TaskID, rel.ParentTaskID, rel.FolderID)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_relations(folder_id, task_id, workflow_state_id, parent_task_id, idx)
		VALUES (?1, ?2, ?3, ?4, ?5)
		ON CONFLICT(folder_id, task_id) DO UPDATE SET
			workflow_state_id = excluded.workflow_state_id,
			parent_task_id = excluded.parent_task_id,
			idx = excluded.idx
	`, rel.FolderID, rel.TaskID, rel.StateID, rel.ParentTaskID, rel.Index)
	return err
}

// GetTaskRelation returns the placement of a task in a folder.
func (r *Repository) GetTaskRelation(ctx context.Context, folderID, taskID string) (domain.TaskRelation, error) {
	return getTaskRelation(ctx, r.db, folderID, taskID)
}

func getTaskRelation(ctx context.Context, q queryRower, folderID, taskID string) (domain.TaskRelation, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+relationColumns+`
		FROM task_relations r
		WHERE r.folder_id = ?1 AND r.task_id = ?2
	`, folderID, taskID)
	return scanRelation(row)
}

// RemoveTaskPlacement removes a task from a folder; its subtasks there move up
// to the task's own parent.
func (r *Repository) RemoveTaskPlacement(ctx context.Context, folderID, taskID string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var parentID string
		err := tx.QueryRowContext(ctx, `
			SELECT parent_task_id FROM task_relations WHERE folder_id = ?1 AND task_id = ?2
		`, folderID, taskID).Scan(&parentID)
		if err != nil {
			return notFound(err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_relations SET parent_task_id = ?1 WHERE folder_id = ?2 AND parent_task_id = ?3
		`, parentID, folderID, taskID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM task_relations WHERE folder_id = ?1 AND task_id = ?2`, folderID, taskID)
		return err
	})
}

// taskParents scopes parent task lookups to one folder.
type taskParents struct {
	q        querier
	folderID string
}

func (p taskParents) LoadParents(ctx context.Context, ids []string) (map[string][]string, error) {
	return loadTaskParents(ctx, p.q, p.folderID, ids)
}

func loadTaskParents(ctx context.Context, q querier, folderID string, ids []string) (map[string][]string, error) {
	out := map[string][]string{}
	if len(ids) == 0 {
		return out, nil
	}
	b := newBuilder()
	folderPH := b.Bind(folderID)
	list := b.BindAll(ids)
	rows, err := q.QueryContext(ctx, `
		SELECT task_id, parent_task_id FROM task_relations
		WHERE folder_id = `+folderPH+` AND parent_task_id <> '' AND task_id IN (`+list+`)
	`, b.Params()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, parentID string
		if err := rows.Scan(&taskID, &parentID); err != nil {
			return nil, err
		}
		out[taskID] = append(out[taskID], parentID)
	}
	return out, rows.Err()
}

// AddTaskDependency records a dependency edge; repeating it is a no-op.
func (r *Repository) AddTaskDependency(ctx context.Context, d domain.TaskDependency) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_dependencies(predecessor_id, successor_id)
		VALUES (?1, ?2)
	`, d.PredecessorID, d.SuccessorID)
	return err
}

// SetCustomFieldValue inserts or replaces a custom field value.
func (r *Repository) SetCustomFieldValue(ctx context.Context, v domain.CustomFieldValue) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO custom_field_values(task_id, field_key, user_id, value)
		VALUES (?1, ?2, ?3, ?4)
		ON CONFLICT(task_id, field_key, user_id) DO UPDATE SET value = excluded.value
	`, v.TaskID, v.FieldKey, v.UserID, v.Value)
	return err
}

func encodeTaskLists(t domain.Task) (string, string, error) {
	assignees, err := encodeList(t.Assignees)
	if err != nil {
		return "", "", fmt.Errorf("encode task assignees: %w", err)
	}
	tags, err := encodeList(t.Tags)
	if err != nil {
		return "", "", fmt.Errorf("encode task tags: %w", err)
	}
	return assignees, tags, nil
}

// scanTask handles scan task.
func scanTask(s scanner) (domain.Task, error) {
	t, err := scanTaskFields(s)
	if err != nil {
		return domain.Task{}, notFound(err)
	}
	return t, nil
}

// scanTaskFields scans taskColumns followed by any extra destinations.
func scanTaskFields(s scanner, extra ...any) (domain.Task, error) {
	var (
		t            domain.Task
		importance   string
		start        sql.NullString
		due          sql.NullString
		assigneesRaw string
		tagsRaw      string
		createdRaw   string
		updatedRaw   string
		archived     sql.NullString
		deleted      sql.NullString
	)
	dest := []any{&t.ID, &t.Title, &t.Description, &t.OwnerID, &importance, &start, &due, &assigneesRaw, &tagsRaw, &t.ProminentTag, &createdRaw, &updatedRaw, &archived, &deleted}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return domain.Task{}, err
	}
	assignees, err := decodeList(assigneesRaw, "assignees_json")
	if err != nil {
		return domain.Task{}, err
	}
	tags, err := decodeList(tagsRaw, "tags_json")
	if err != nil {
		return domain.Task{}, err
	}
	t.Importance = domain.Importance(importance)
	t.StartDate = parseNullTS(start)
	t.DueDate = parseNullTS(due)
	t.Assignees = assignees
	t.Tags = tags
	t.CreatedAt = parseTS(createdRaw)
	t.UpdatedAt = parseTS(updatedRaw)
	t.ArchivedAt = parseNullTS(archived)
	t.DeletedAt = parseNullTS(deleted)
	return t, nil
}

// scanRelation handles scan relation.
func scanRelation(s scanner) (domain.TaskRelation, error) {
	var rel domain.TaskRelation
	if err := s.Scan(&rel.FolderID, &rel.TaskID, &rel.StateID, &rel.ParentTaskID, &rel.Index); err != nil {
		return domain.TaskRelation{}, notFound(err)
	}
	return rel, nil
}

// scanPlacedTask scans taskColumns followed by relationColumns.
func scanPlacedTask(s scanner) (domain.PlacedTask, error) {
	var rel domain.TaskRelation
	task, err := scanTaskFields(s, &rel.FolderID, &rel.TaskID, &rel.StateID, &rel.ParentTaskID, &rel.Index)
	if err != nil {
		return domain.PlacedTask{}, err
	}
	return domain.PlacedTask{Task: task, Relation: rel}, nil
}
