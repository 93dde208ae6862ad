package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/filter"
	"github.com/hylla/trellis/internal/hierarchy"
)

// ReadSnapshot runs fn against one read-only transaction, so every query of a
// view sees the same database state.
func (r *Repository) ReadSnapshot(ctx context.Context, fn func(app.ViewStore) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(&snapshot{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// snapshot implements app.ViewStore on a read transaction.
type snapshot struct {
	tx *sql.Tx
}

func (s *snapshot) GetFolder(ctx context.Context, id string) (domain.Folder, error) {
	return getFolder(ctx, s.tx, id)
}

func (s *snapshot) LoadParents(ctx context.Context, ids []string) (map[string][]string, error) {
	return loadFolderParents(ctx, s.tx, ids)
}

// ChildFolders loads the filtered children of every frontier folder in one query.
func (s *snapshot) ChildFolders(ctx context.Context, frontier []hierarchy.Row[domain.Folder], q app.FolderQuery) (map[string][]hierarchy.Child[domain.Folder], error) {
	out := map[string][]hierarchy.Child[domain.Folder]{}
	parentIDs := distinct(len(frontier), func(i int) string { return frontier[i].ID })
	if len(parentIDs) == 0 {
		return out, nil
	}
	b := newBuilder()
	list := b.BindAll(parentIDs)
	if err := b.AddAll(q.Filter.Fragments("f")...); err != nil {
		return nil, err
	}
	if err := b.AddAll(filter.Lifecycle("f", q.Lifecycle)...); err != nil {
		return nil, err
	}
	rows, err := s.tx.QueryContext(ctx, `
		SELECT fr.parent_id, `+folderColumns+`
		FROM folder_relations fr
		JOIN folders f ON f.id = fr.child_id
		WHERE fr.parent_id IN (`+list+`)`+b.And()+`
		ORDER BY fr.parent_id ASC, fr.idx ASC, f.id ASC
	`, b.Params()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byParent := map[string][]hierarchy.Child[domain.Folder]{}
	for rows.Next() {
		var parentID string
		f, err := scanFolder(prefixScanner{s: rows, prefix: []any{&parentID}})
		if err != nil {
			return nil, err
		}
		byParent[parentID] = append(byParent[parentID], hierarchy.Child[domain.Folder]{ID: f.ID, Item: f})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, row := range frontier {
		if children := byParent[row.ID]; len(children) > 0 {
			out[row.Key()] = children
		}
	}
	return out, nil
}

// TopLevelTasks returns every filtered placement without a parent task in the folders.
func (s *snapshot) TopLevelTasks(ctx context.Context, folderIDs []string, q app.TaskQuery) ([]domain.PlacedTask, error) {
	if len(folderIDs) == 0 {
		return []domain.PlacedTask{}, nil
	}
	b, err := topLevelBuilder(folderIDs, q)
	if err != nil {
		return nil, err
	}
	return s.placedTasks(ctx, `
		SELECT `+taskColumns+`, `+relationColumns+`
		FROM task_relations r
		JOIN tasks t ON t.id = r.task_id
		WHERE `+b.scope+b.And()+`
		ORDER BY r.folder_id ASC, r.idx ASC, t.id ASC
	`, b.Params()...)
}

// TopLevelTaskPage returns one page of distinct top-level tasks. A task placed
// in several folders appears once, at its first folder by id.
func (s *snapshot) TopLevelTaskPage(ctx context.Context, folderIDs []string, q app.TaskQuery, page, pageSize int) ([]domain.PlacedTask, error) {
	if len(folderIDs) == 0 {
		return []domain.PlacedTask{}, nil
	}
	b, err := topLevelBuilder(folderIDs, q)
	if err != nil {
		return nil, err
	}
	page = max(page, 1)
	limit := b.Bind(pageSize)
	offset := b.Bind((page - 1) * pageSize)
	return s.placedTasks(ctx, `
		SELECT `+placedColumns+`
		FROM (
			SELECT `+taskColumns+`, `+relationColumns+`,
				ROW_NUMBER() OVER (PARTITION BY t.id ORDER BY r.folder_id ASC) AS rn
			FROM task_relations r
			JOIN tasks t ON t.id = r.task_id
			WHERE `+b.scope+b.And()+`
		)
		WHERE rn = 1
		ORDER BY created_at ASC, id ASC
		LIMIT `+limit+` OFFSET `+offset, b.Params()...)
}

// CountTopLevelTasks counts distinct top-level tasks overall and placements per folder.
func (s *snapshot) CountTopLevelTasks(ctx context.Context, folderIDs []string, q app.TaskQuery) (app.TaskCounts, error) {
	counts := app.TaskCounts{PerFolder: map[string]int{}}
	if len(folderIDs) == 0 {
		return counts, nil
	}
	b, err := topLevelBuilder(folderIDs, q)
	if err != nil {
		return app.TaskCounts{}, err
	}
	where := b.scope + b.And()
	if counts.Total, err = count(ctx, s.tx, `
		SELECT COUNT(DISTINCT t.id)
		FROM task_relations r
		JOIN tasks t ON t.id = r.task_id
		WHERE `+where, b.Params()...); err != nil {
		return app.TaskCounts{}, err
	}
	rows, err := s.tx.QueryContext(ctx, `
		SELECT r.folder_id, COUNT(*)
		FROM task_relations r
		JOIN tasks t ON t.id = r.task_id
		WHERE `+where+`
		GROUP BY r.folder_id
	`, b.Params()...)
	if err != nil {
		return app.TaskCounts{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			folderID string
			n        int
		)
		if err := rows.Scan(&folderID, &n); err != nil {
			return app.TaskCounts{}, err
		}
		counts.PerFolder[folderID] = n
	}
	return counts, rows.Err()
}

// ChildTasks loads the subtasks of every frontier placement, within the
// placement's own folder.
func (s *snapshot) ChildTasks(ctx context.Context, frontier []hierarchy.Row[domain.PlacedTask], lf domain.LifecycleFilter) (map[string][]hierarchy.Child[domain.PlacedTask], error) {
	out := map[string][]hierarchy.Child[domain.PlacedTask]{}
	if len(frontier) == 0 {
		return out, nil
	}
	taskIDs := distinct(len(frontier), func(i int) string { return frontier[i].ID })
	folderIDs := distinct(len(frontier), func(i int) string { return frontier[i].Item.Relation.FolderID })
	b := newBuilder()
	taskList := b.BindAll(taskIDs)
	folderList := b.BindAll(folderIDs)
	if err := b.AddAll(filter.Lifecycle("t", lf)...); err != nil {
		return nil, err
	}
	children, err := s.placedTasks(ctx, `
		SELECT `+taskColumns+`, `+relationColumns+`
		FROM task_relations r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.parent_task_id IN (`+taskList+`) AND r.folder_id IN (`+folderList+`)`+b.And()+`
		ORDER BY r.folder_id ASC, r.idx ASC, t.id ASC
	`, b.Params()...)
	if err != nil {
		return nil, err
	}
	byParent := map[string][]hierarchy.Child[domain.PlacedTask]{}
	for _, c := range children {
		key := c.Relation.FolderID + hierarchy.PathSeparator + c.Relation.ParentTaskID
		byParent[key] = append(byParent[key], hierarchy.Child[domain.PlacedTask]{ID: c.Task.ID, Item: c})
	}
	for _, row := range frontier {
		key := row.Item.Relation.FolderID + hierarchy.PathSeparator + row.ID
		if kids := byParent[key]; len(kids) > 0 {
			out[row.Key()] = kids
		}
	}
	return out, nil
}

func (s *snapshot) WorkflowsByIDs(ctx context.Context, ids []string) ([]domain.Workflow, error) {
	if len(ids) == 0 {
		return []domain.Workflow{}, nil
	}
	list, args := placeholders(ids)
	return queryWorkflows(ctx, s.tx, `
		SELECT id, title, color, description, active, owner_id, created_at, updated_at
		FROM workflows
		WHERE id IN (`+list+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
}

func (s *snapshot) StatesByIDs(ctx context.Context, ids []string) ([]domain.WorkflowState, error) {
	out := []domain.WorkflowState{}
	if len(ids) == 0 {
		return out, nil
	}
	list, args := placeholders(ids)
	rows, err := s.tx.QueryContext(ctx, `
		SELECT id, workflow_id, title, color, code, idx, completed, system_stage_id, displacement_code_id
		FROM workflow_states
		WHERE id IN (`+list+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *snapshot) ListTransitions(ctx context.Context, workflowIDs []string) ([]domain.TransitionDetail, error) {
	return loadTransitions(ctx, s.tx, workflowIDs)
}

// TaskDependencies returns every dependency touching one of the tasks.
func (s *snapshot) TaskDependencies(ctx context.Context, taskIDs []string) ([]domain.TaskDependency, error) {
	out := []domain.TaskDependency{}
	if len(taskIDs) == 0 {
		return out, nil
	}
	b := newBuilder()
	preds := b.BindAll(taskIDs)
	succs := b.BindAll(taskIDs)
	rows, err := s.tx.QueryContext(ctx, `
		SELECT predecessor_id, successor_id FROM task_dependencies
		WHERE predecessor_id IN (`+preds+`) OR successor_id IN (`+succs+`)
		ORDER BY predecessor_id ASC, successor_id ASC
	`, b.Params()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var d domain.TaskDependency
		if err := rows.Scan(&d.PredecessorID, &d.SuccessorID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CustomFieldValues returns the common values of the tasks and those scoped to callerID.
func (s *snapshot) CustomFieldValues(ctx context.Context, taskIDs []string, callerID string) ([]domain.CustomFieldValue, error) {
	out := []domain.CustomFieldValue{}
	if len(taskIDs) == 0 {
		return out, nil
	}
	b := newBuilder()
	list := b.BindAll(taskIDs)
	caller := b.Bind(callerID)
	rows, err := s.tx.QueryContext(ctx, `
		SELECT task_id, field_key, value, user_id FROM custom_field_values
		WHERE task_id IN (`+list+`) AND user_id IN ('', `+caller+`)
		ORDER BY task_id ASC, field_key ASC, user_id ASC
	`, b.Params()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v domain.CustomFieldValue
		if err := rows.Scan(&v.TaskID, &v.FieldKey, &v.Value, &v.UserID); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// placedColumns selects the unqualified task and relation columns of a subquery.
const placedColumns = `id, title, description, owner_id, importance, start_date, due_date, assignees_json, tags_json, prominent_tag, created_at, updated_at, archived_at, deleted_at, folder_id, task_id, workflow_state_id, parent_task_id, idx`

func (s *snapshot) placedTasks(ctx context.Context, query string, args ...any) ([]domain.PlacedTask, error) {
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.PlacedTask{}
	for rows.Next() {
		p, err := scanPlacedTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// scopedBuilder is a builder whose folder scope clause is already bound.
type scopedBuilder struct {
	*filter.Builder
	scope string
}

// topLevelBuilder binds the folder scope, the top-level condition and the
// task and lifecycle filters of q.
func topLevelBuilder(folderIDs []string, q app.TaskQuery) (scopedBuilder, error) {
	b := newBuilder()
	scope := `r.folder_id IN (` + b.BindAll(folderIDs) + `) AND r.parent_task_id = ''`
	if err := b.AddAll(q.Filter.Fragments("t", "r")...); err != nil {
		return scopedBuilder{}, err
	}
	if err := b.AddAll(filter.Lifecycle("t", q.Lifecycle)...); err != nil {
		return scopedBuilder{}, err
	}
	return scopedBuilder{Builder: b, scope: scope}, nil
}

// prefixScanner scans leading columns into prefix before delegating.
type prefixScanner struct {
	s      scanner
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.s.Scan(append(append([]any{}, p.prefix...), dest...)...)
}

// distinct returns the distinct non-empty values of n items in order.
func distinct(n int, at func(int) string) []string {
	out := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		v := at(i)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
