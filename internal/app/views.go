package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/filter"
	"github.com/hylla/trellis/internal/hierarchy"
	"github.com/hylla/trellis/internal/views"
)

// ViewRequest describes one view materialization.
type ViewRequest struct {
	RootFolderID string
	CallerID     string
	Folders      filter.FolderFilter
	Tasks        filter.TaskFilter
	ShowArchived bool
	ShowDeleted  bool
	Grouping     views.Grouping
	Page         int
	PageSize     int
}

// View materializes the projection named by kind.
func (s *Service) View(ctx context.Context, kind views.Kind, req ViewRequest) (any, error) {
	switch kind {
	case views.KindBoard:
		return s.BoardView(ctx, req)
	case views.KindGantt:
		return s.GanttView(ctx, req)
	case views.KindList:
		return s.ListView(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %w: %q", ErrValidation, views.ErrUnknownKind, kind)
	}
}

// BoardView merges the columns of every workflow in the folder tree under the
// root and distributes the filtered task trees into them.
func (s *Service) BoardView(ctx context.Context, req ViewRequest) (board views.Board, err error) {
	ctx, span := s.startSpan(ctx, "BoardView")
	started := time.Now()
	defer func() {
		endSpan(span, err)
		s.metrics.RecordViewBuild(string(views.KindBoard), err, time.Since(started))
	}()

	scope, err := s.resolveScope(ctx, req)
	if err != nil {
		return views.Board{}, err
	}
	err = s.snapshots.ReadSnapshot(ctx, func(store ViewStore) error {
		folders, folderIDs, err := s.loadFolderTree(ctx, store, req, scope)
		if err != nil {
			return err
		}
		top, err := store.TopLevelTasks(ctx, folderIDs, TaskQuery{Filter: req.Tasks, Lifecycle: scope.lifecycle})
		if err != nil {
			return fmt.Errorf("load top-level tasks: %w", err)
		}
		tasks, err := expandTasks(ctx, store, top, scope.lifecycle)
		if err != nil {
			return err
		}
		catalog, err := loadCatalog(ctx, store, folders, tasks, scope.stages)
		if err != nil {
			return err
		}
		fields, err := groupingFields(ctx, store, req.Grouping, tasks, scope.callerID)
		if err != nil {
			return err
		}
		board, err = views.BuildBoard(views.BoardInput{
			Folders:  folders,
			Tasks:    tasks,
			Catalog:  catalog,
			Grouping: req.Grouping,
			Fields:   fields,
			Page:     scope.page,
			PageSize: scope.pageSize,
		})
		return projectionError(err)
	})
	if err != nil {
		return views.Board{}, err
	}
	return board, nil
}

// GanttView nests the folder tree under the root with each folder's task tree,
// dependency edges and custom fields.
func (s *Service) GanttView(ctx context.Context, req ViewRequest) (gantt views.Gantt, err error) {
	ctx, span := s.startSpan(ctx, "GanttView")
	started := time.Now()
	defer func() {
		endSpan(span, err)
		s.metrics.RecordViewBuild(string(views.KindGantt), err, time.Since(started))
	}()

	scope, err := s.resolveScope(ctx, req)
	if err != nil {
		return views.Gantt{}, err
	}
	err = s.snapshots.ReadSnapshot(ctx, func(store ViewStore) error {
		folders, folderIDs, err := s.loadFolderTree(ctx, store, req, scope)
		if err != nil {
			return err
		}
		top, err := store.TopLevelTasks(ctx, folderIDs, TaskQuery{Filter: req.Tasks, Lifecycle: scope.lifecycle})
		if err != nil {
			return fmt.Errorf("load top-level tasks: %w", err)
		}
		tasks, err := expandTasks(ctx, store, top, scope.lifecycle)
		if err != nil {
			return err
		}
		taskIDs := taskIDsOf(tasks)
		deps, err := store.TaskDependencies(ctx, taskIDs)
		if err != nil {
			return fmt.Errorf("load task dependencies: %w", err)
		}
		fields, err := store.CustomFieldValues(ctx, taskIDs, scope.callerID)
		if err != nil {
			return fmt.Errorf("load custom field values: %w", err)
		}
		gantt, err = views.BuildGantt(views.GanttInput{
			Folders:      folders,
			Tasks:        tasks,
			Dependencies: deps,
			Fields:       fields,
			CallerID:     scope.callerID,
		})
		return projectionError(err)
	})
	if err != nil {
		return views.Gantt{}, err
	}
	return gantt, nil
}

// ListView pages distinct top-level tasks across the folder tree, nests the
// descendants of that page only, and counts totals per folder.
func (s *Service) ListView(ctx context.Context, req ViewRequest) (list views.List, err error) {
	ctx, span := s.startSpan(ctx, "ListView")
	started := time.Now()
	defer func() {
		endSpan(span, err)
		s.metrics.RecordViewBuild(string(views.KindList), err, time.Since(started))
	}()

	scope, err := s.resolveScope(ctx, req)
	if err != nil {
		return views.List{}, err
	}
	err = s.snapshots.ReadSnapshot(ctx, func(store ViewStore) error {
		_, folderIDs, err := s.loadFolderTree(ctx, store, req, scope)
		if err != nil {
			return err
		}
		q := TaskQuery{Filter: req.Tasks, Lifecycle: scope.lifecycle}
		top, err := store.TopLevelTaskPage(ctx, folderIDs, q, scope.page, scope.pageSize)
		if err != nil {
			return fmt.Errorf("load top-level task page %d: %w", scope.page, err)
		}
		tasks, err := expandTasks(ctx, store, top, scope.lifecycle)
		if err != nil {
			return err
		}
		counts, err := store.CountTopLevelTasks(ctx, folderIDs, q)
		if err != nil {
			return fmt.Errorf("count top-level tasks: %w", err)
		}
		fields, err := groupingFields(ctx, store, req.Grouping, tasks, scope.callerID)
		if err != nil {
			return err
		}
		list, err = views.BuildList(views.ListInput{
			Rows:      tasks,
			Grouping:  req.Grouping,
			Fields:    fields,
			Page:      scope.page,
			PageSize:  scope.pageSize,
			Total:     counts.Total,
			PerFolder: counts.PerFolder,
		})
		return projectionError(err)
	})
	if err != nil {
		return views.List{}, err
	}
	return list, nil
}

// viewScope is the request state resolved before entering the read snapshot.
type viewScope struct {
	callerID  string
	lifecycle domain.LifecycleFilter
	allowed   map[string]struct{}
	stages    stageCatalog
	page      int
	pageSize  int
}

// resolveScope authorizes the caller and resolves paging, lifecycle and the
// stage registry. The stage registry is read through its cache, outside the
// view snapshot.
func (s *Service) resolveScope(ctx context.Context, req ViewRequest) (viewScope, error) {
	callerID, err := requireCaller(ctx, req.CallerID)
	if err != nil {
		return viewScope{}, err
	}
	if strings.TrimSpace(req.RootFolderID) == "" {
		return viewScope{}, invalid(domain.ErrInvalidID)
	}
	if err := req.Grouping.Validate(); err != nil {
		return viewScope{}, invalid(err)
	}

	canPurge := false
	if req.ShowDeleted {
		canPurge, err = s.authz.HasPermission(ctx, callerID, domain.ActionPurge, domain.EntityFolder, req.RootFolderID)
		if err != nil {
			return viewScope{}, fmt.Errorf("check purge permission for %s: %w", callerID, err)
		}
	}
	allowedIDs, err := s.authz.AllowedIDsForUser(ctx, callerID, domain.EntityFolder, domain.ReadableLevels)
	if err != nil {
		return viewScope{}, fmt.Errorf("resolve allowed folders for %s: %w", callerID, err)
	}
	allowed := make(map[string]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	stages, err := s.loadStageCatalog(ctx)
	if err != nil {
		return viewScope{}, fmt.Errorf("load stage registry: %w", err)
	}

	pageSize := req.PageSize
	switch {
	case pageSize <= 0:
		pageSize = s.defaultPageSize
	case pageSize > s.maxPageSize:
		pageSize = s.maxPageSize
	}
	return viewScope{
		callerID:  callerID,
		lifecycle: domain.ResolveLifecycle(req.ShowArchived, req.ShowDeleted, canPurge),
		allowed:   allowed,
		stages:    stages,
		page:      max(req.Page, 1),
		pageSize:  pageSize,
	}, nil
}

// loadFolderTree checks the root and expands the filtered folder tree under
// it. Access to the root covers every descendant, so children are not
// checked again. It returns the rows and the distinct ids of non-cyclic
// folders.
func (s *Service) loadFolderTree(ctx context.Context, store ViewStore, req ViewRequest, scope viewScope) ([]views.FolderRow, []string, error) {
	root, err := store.GetFolder(ctx, req.RootFolderID)
	if err != nil {
		return nil, nil, fmt.Errorf("get root folder %s: %w", req.RootFolderID, err)
	}
	if (root.ArchivedAt != nil && !scope.lifecycle.IncludeArchived) || (root.DeletedAt != nil && !scope.lifecycle.IncludeDeleted) {
		return nil, nil, fmt.Errorf("%w: root folder %s", ErrNotFound, root.ID)
	}
	visible, err := canSee(ctx, store, root, scope)
	if err != nil {
		return nil, nil, err
	}
	if !visible {
		return nil, nil, fmt.Errorf("%w: %s cannot read folder %s", ErrForbidden, scope.callerID, root.ID)
	}

	q := FolderQuery{Filter: req.Folders, Lifecycle: scope.lifecycle}
	loader := hierarchy.ChildLoaderFunc[domain.Folder](func(ctx context.Context, frontier []hierarchy.Row[domain.Folder]) (map[string][]hierarchy.Child[domain.Folder], error) {
		return store.ChildFolders(ctx, frontier, q)
	})
	rows, err := hierarchy.Expand(ctx, []views.FolderRow{hierarchy.Root(root.ID, root)}, loader, hierarchy.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("expand folders under %s: %w", root.ID, err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if !row.Cyclic && !slices.Contains(ids, row.ID) {
			ids = append(ids, row.ID)
		}
	}
	return rows, ids, nil
}

// canSee reports whether the caller owns the folder or holds a readable ACL
// entry on it or one of its ancestors.
func canSee(ctx context.Context, store ViewStore, folder domain.Folder, scope viewScope) (bool, error) {
	if folder.OwnerID == scope.callerID {
		return true, nil
	}
	if _, ok := scope.allowed[folder.ID]; ok {
		return true, nil
	}
	if len(scope.allowed) == 0 {
		return false, nil
	}
	ancestors, err := hierarchy.Ancestors(ctx, folder.ID, store)
	if err != nil {
		return false, fmt.Errorf("load ancestors of folder %s: %w", folder.ID, err)
	}
	for _, id := range ancestors {
		if _, ok := scope.allowed[id]; ok {
			return true, nil
		}
	}
	return false, nil
}

// expandTasks walks the subtask trees of top-level placements. Task paths lead
// with the folder id so a task placed in several folders keeps distinct rows.
func expandTasks(ctx context.Context, store ViewStore, top []domain.PlacedTask, lf domain.LifecycleFilter) ([]views.TaskRow, error) {
	roots := make([]views.TaskRow, 0, len(top))
	for _, p := range top {
		roots = append(roots, hierarchy.Root(p.Task.ID, p, p.Relation.FolderID))
	}
	loader := hierarchy.ChildLoaderFunc[domain.PlacedTask](func(ctx context.Context, frontier []hierarchy.Row[domain.PlacedTask]) (map[string][]hierarchy.Child[domain.PlacedTask], error) {
		return store.ChildTasks(ctx, frontier, lf)
	})
	rows, err := hierarchy.Expand(ctx, roots, loader, hierarchy.Options{})
	if err != nil {
		return nil, fmt.Errorf("expand subtasks: %w", err)
	}
	return rows, nil
}

// loadCatalog reads the workflows bound to the folders or referenced by task
// states, with their transitions.
func loadCatalog(ctx context.Context, store ViewStore, folders []views.FolderRow, tasks []views.TaskRow, stages stageCatalog) (views.Catalog, error) {
	workflowIDs := []string{}
	for _, row := range folders {
		if id := row.Item.WorkflowID; id != "" && !slices.Contains(workflowIDs, id) {
			workflowIDs = append(workflowIDs, id)
		}
	}
	stateIDs := []string{}
	for _, row := range tasks {
		if id := row.Item.Relation.StateID; !slices.Contains(stateIDs, id) {
			stateIDs = append(stateIDs, id)
		}
	}
	if len(stateIDs) > 0 {
		states, err := store.StatesByIDs(ctx, stateIDs)
		if err != nil {
			return views.Catalog{}, fmt.Errorf("load task states: %w", err)
		}
		for _, st := range states {
			if !slices.Contains(workflowIDs, st.WorkflowID) {
				workflowIDs = append(workflowIDs, st.WorkflowID)
			}
		}
	}
	workflows, err := store.WorkflowsByIDs(ctx, workflowIDs)
	if err != nil {
		return views.Catalog{}, fmt.Errorf("load workflows: %w", err)
	}
	transitions, err := store.ListTransitions(ctx, workflowIDs)
	if err != nil {
		return views.Catalog{}, fmt.Errorf("load transitions: %w", err)
	}
	return views.NewCatalog(workflows, transitions, stages.stages, stages.codes), nil
}

// groupingFields loads the custom field values a customFields grouping reads.
// A caller-scoped value shadows the common value of the same key.
func groupingFields(ctx context.Context, store ViewStore, g views.Grouping, tasks []views.TaskRow, callerID string) (views.FieldValues, error) {
	if g.By != views.GroupCustomFields || len(tasks) == 0 {
		return nil, nil
	}
	values, err := store.CustomFieldValues(ctx, taskIDsOf(tasks), callerID)
	if err != nil {
		return nil, fmt.Errorf("load custom field values: %w", err)
	}
	return fieldValues(values, callerID), nil
}

// fieldValues folds raw values into the per-task map the caller sees.
func fieldValues(values []domain.CustomFieldValue, callerID string) views.FieldValues {
	out := views.FieldValues{}
	set := func(v domain.CustomFieldValue) {
		if out[v.TaskID] == nil {
			out[v.TaskID] = map[string]string{}
		}
		out[v.TaskID][v.FieldKey] = v.Value
	}
	for _, v := range values {
		if v.UserID == "" {
			set(v)
		}
	}
	for _, v := range values {
		if v.UserID != "" && v.UserID == callerID {
			set(v)
		}
	}
	return out
}

func taskIDsOf(rows []views.TaskRow) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if !slices.Contains(ids, row.ID) {
			ids = append(ids, row.ID)
		}
	}
	return ids
}

// projectionError maps structural projection failures to ErrInvariant.
func projectionError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, views.ErrUnknownState) || errors.Is(err, hierarchy.ErrOrphanRow) {
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	return err
}
