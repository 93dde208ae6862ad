package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/filter"
	"github.com/hylla/trellis/internal/hierarchy"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// openTestRepo opens a private in-memory repository.
func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

// seedWorkflow creates one system stage and a two-state workflow todo -> done.
func seedWorkflow(t *testing.T, repo *Repository) app.WorkflowGraph {
	t.Helper()
	ctx := context.Background()
	stage, err := domain.NewSystemStage("stage-open", "Open", testNow)
	if err != nil {
		t.Fatalf("NewSystemStage() error = %v", err)
	}
	if err := repo.CreateSystemStage(ctx, stage); err != nil {
		t.Fatalf("CreateSystemStage() error = %v", err)
	}
	wf, err := domain.NewWorkflow(domain.WorkflowInput{ID: "wf-1", Title: "Delivery", Active: true, OwnerID: "u1"}, testNow)
	if err != nil {
		t.Fatalf("NewWorkflow() error = %v", err)
	}
	todo, err := domain.NewWorkflowState("st-todo", wf.ID, "TODOCODE", 0, domain.StateInput{Title: "To do", SystemStageID: stage.ID})
	if err != nil {
		t.Fatalf("NewWorkflowState(todo) error = %v", err)
	}
	done, err := domain.NewWorkflowState("st-done", wf.ID, "DONECODE", 1, domain.StateInput{Title: "Done", SystemStageID: stage.ID, Completed: true})
	if err != nil {
		t.Fatalf("NewWorkflowState(done) error = %v", err)
	}
	wf.States = []domain.WorkflowState{todo, done}
	tr, err := domain.NewTransition("tr-1", todo.ID, done.ID)
	if err != nil {
		t.Fatalf("NewTransition() error = %v", err)
	}
	c, err := domain.NewConstraint("c-1", tr.ID, []string{"u1"})
	if err != nil {
		t.Fatalf("NewConstraint() error = %v", err)
	}
	g := app.WorkflowGraph{Workflow: wf, Transitions: []domain.Transition{tr}, Constraints: []domain.Constraint{c}}
	if err := repo.CreateWorkflow(ctx, g); err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}
	return g
}

func seedFolder(t *testing.T, repo *Repository, id, workflowID string) domain.Folder {
	t.Helper()
	f, err := domain.NewFolder(domain.FolderInput{ID: id, Title: "Folder " + id, OwnerID: "u1", WorkflowID: workflowID}, testNow)
	if err != nil {
		t.Fatalf("NewFolder() error = %v", err)
	}
	if err := repo.CreateFolder(context.Background(), f); err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	return f
}

func seedTask(t *testing.T, repo *Repository, id, title string) domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.TaskInput{ID: id, Title: title, OwnerID: "u1", Tags: []string{"Ops"}}, testNow)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	if err := repo.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return task
}

func place(t *testing.T, repo *Repository, folderID, taskID, stateID, parentID string, index int) {
	t.Helper()
	rel, err := domain.NewTaskRelation(folderID, taskID, stateID, parentID, index)
	if err != nil {
		t.Fatalf("NewTaskRelation() error = %v", err)
	}
	if err := repo.PlaceTask(context.Background(), rel); err != nil {
		t.Fatalf("PlaceTask() error = %v", err)
	}
}

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trellis.db")
	repo, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	version, dirty, err := repo.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != 1 || dirty {
		t.Fatalf("unexpected schema version %d dirty=%t", version, dirty)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open() second time error = %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	if err := reopened.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestOpenInMemory_DatabasesAreIsolated(t *testing.T) {
	a := openTestRepo(t)
	b := openTestRepo(t)
	seedWorkflow(t, a)

	if _, err := b.GetWorkflow(context.Background(), "wf-1"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from second database, got %v", err)
	}
}

func TestRepository_WorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	seedWorkflow(t, repo)

	wf, err := repo.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if wf.Title != "Delivery" || !wf.Active || wf.OwnerID != "u1" {
		t.Fatalf("unexpected workflow %#v", wf)
	}
	if len(wf.States) != 2 || wf.States[0].Code != "TODOCODE" || wf.States[1].Code != "DONECODE" {
		t.Fatalf("unexpected states %#v", wf.States)
	}
	if !wf.States[1].Completed || wf.States[0].SystemStageID != "stage-open" {
		t.Fatalf("unexpected state fields %#v", wf.States)
	}
	if !wf.CreatedAt.Equal(testNow) {
		t.Fatalf("unexpected created_at %s", wf.CreatedAt)
	}

	transitions, err := repo.ListTransitions(ctx, []string{wf.ID})
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(transitions))
	}
	got := transitions[0]
	if got.FromCode != "TODOCODE" || got.ToCode != "DONECODE" || got.WorkflowID != wf.ID {
		t.Fatalf("unexpected transition %#v", got)
	}
	if len(got.UserIDs) != 1 || got.UserIDs[0] != "u1" {
		t.Fatalf("unexpected allowlist %#v", got.UserIDs)
	}

	listed, err := repo.ListWorkflows(ctx, app.WorkflowListFilter{OwnerID: "u2", IncludeCommon: true})
	if err != nil {
		t.Fatalf("ListWorkflows() error = %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no workflows for another owner, got %d", len(listed))
	}
	listed, err = repo.ListWorkflows(ctx, app.WorkflowListFilter{OwnerID: "u1"})
	if err != nil {
		t.Fatalf("ListWorkflows() error = %v", err)
	}
	if len(listed) != 1 || len(listed[0].States) != 2 {
		t.Fatalf("unexpected listed workflows %#v", listed)
	}

	if err := repo.DeleteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("DeleteWorkflow() error = %v", err)
	}
	if _, err := repo.GetWorkflow(ctx, wf.ID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.DeleteWorkflow(ctx, wf.ID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestRepository_CreateWorkflowRejectsMissingStage(t *testing.T) {
	repo := openTestRepo(t)
	wf, err := domain.NewWorkflow(domain.WorkflowInput{ID: "wf-x", Title: "Broken"}, testNow)
	if err != nil {
		t.Fatalf("NewWorkflow() error = %v", err)
	}
	st, err := domain.NewWorkflowState("st-x", wf.ID, "XXXXXXXX", 0, domain.StateInput{Title: "Ghost", SystemStageID: "missing"})
	if err != nil {
		t.Fatalf("NewWorkflowState() error = %v", err)
	}
	wf.States = []domain.WorkflowState{st}
	err = repo.CreateWorkflow(context.Background(), app.WorkflowGraph{Workflow: wf})
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetWorkflow(context.Background(), wf.ID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected rolled back workflow, got %v", err)
	}
}

func TestRepository_DeleteWorkflowInUse(t *testing.T) {
	repo := openTestRepo(t)
	seedWorkflow(t, repo)
	seedFolder(t, repo, "f1", "wf-1")

	err := repo.DeleteWorkflow(context.Background(), "wf-1")
	if !errors.Is(err, app.ErrWorkflowInUse) {
		t.Fatalf("expected ErrWorkflowInUse, got %v", err)
	}
	if !errors.Is(err, app.ErrConflict) {
		t.Fatalf("expected ErrConflict family, got %v", err)
	}
}

func TestRepository_ReplaceWorkflowStatesRemapsRelations(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	g := seedWorkflow(t, repo)
	seedFolder(t, repo, "f1", "wf-1")
	seedTask(t, repo, "t1", "Ship release")
	place(t, repo, "f1", "t1", "st-todo", "", 0)

	backlog, err := domain.NewWorkflowState("st-backlog", "wf-1", "BACKLOGX", 0, domain.StateInput{Title: "Backlog", SystemStageID: "stage-open"})
	if err != nil {
		t.Fatalf("NewWorkflowState() error = %v", err)
	}
	wf := g.Workflow
	wf.Title = "Delivery v2"
	wf.UpdatedAt = testNow.Add(time.Hour)

	// Without a remap the placed task would be orphaned.
	err = repo.ReplaceWorkflowStates(ctx, app.StateReplacement{Workflow: wf, States: []domain.WorkflowState{backlog}})
	if !errors.Is(err, app.ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
	unchanged, err := repo.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if unchanged.Title != "Delivery" || len(unchanged.States) != 2 {
		t.Fatalf("expected rollback, got %#v", unchanged)
	}

	err = repo.ReplaceWorkflowStates(ctx, app.StateReplacement{
		Workflow: wf,
		States:   []domain.WorkflowState{backlog},
		Remaps:   []app.StateRemap{{FromStateID: "st-todo", ToStateID: "st-backlog"}},
	})
	if err != nil {
		t.Fatalf("ReplaceWorkflowStates() error = %v", err)
	}
	rel, err := repo.GetTaskRelation(ctx, "f1", "t1")
	if err != nil {
		t.Fatalf("GetTaskRelation() error = %v", err)
	}
	if rel.StateID != "st-backlog" {
		t.Fatalf("expected remapped state, got %q", rel.StateID)
	}
	replaced, err := repo.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if replaced.Title != "Delivery v2" || len(replaced.States) != 1 || replaced.States[0].Code != "BACKLOGX" {
		t.Fatalf("unexpected replaced workflow %#v", replaced)
	}
	transitions, err := repo.ListTransitions(ctx, []string{"wf-1"})
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(transitions) != 0 {
		t.Fatalf("expected old transitions dropped, got %#v", transitions)
	}
	if _, err := repo.GetState(ctx, "st-todo"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected old state deleted, got %v", err)
	}
}

func TestRepository_DisplacementCompletedStageIsUniquePerGroup(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	completed, _ := domain.NewSystemStage("stage-done", domain.CompletedStageCode, testNow)
	open, _ := domain.NewSystemStage("stage-open", "Open", testNow)
	for _, s := range []domain.SystemStage{completed, open} {
		if err := repo.CreateSystemStage(ctx, s); err != nil {
			t.Fatalf("CreateSystemStage() error = %v", err)
		}
	}
	if err := repo.CreateSystemStage(ctx, open); !errors.Is(err, app.ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate stage code, got %v", err)
	}
	group, _ := domain.NewDisplacementGroup("g1", "Support", testNow)
	if err := repo.CreateDisplacementGroup(ctx, group); err != nil {
		t.Fatalf("CreateDisplacementGroup() error = %v", err)
	}

	shipped, _ := domain.NewDisplacementCode("d1", group.ID, "shipped", completed.ID, testNow)
	if err := repo.CreateDisplacementCode(ctx, shipped); err != nil {
		t.Fatalf("CreateDisplacementCode() error = %v", err)
	}
	closed, _ := domain.NewDisplacementCode("d2", group.ID, "closed", completed.ID, testNow)
	if err := repo.CreateDisplacementCode(ctx, closed); !errors.Is(err, app.ErrCompletedStageTaken) {
		t.Fatalf("expected ErrCompletedStageTaken, got %v", err)
	}

	closed.SystemStageID = open.ID
	if err := repo.CreateDisplacementCode(ctx, closed); err != nil {
		t.Fatalf("CreateDisplacementCode(open) error = %v", err)
	}
	if err := closed.Remap("closed", completed.ID, testNow); err != nil {
		t.Fatalf("Remap() error = %v", err)
	}
	if err := repo.UpdateDisplacementCode(ctx, closed); !errors.Is(err, app.ErrCompletedStageTaken) {
		t.Fatalf("expected ErrCompletedStageTaken on update, got %v", err)
	}
	// Re-saving the code that already holds Completed is allowed.
	if err := repo.UpdateDisplacementCode(ctx, shipped); err != nil {
		t.Fatalf("UpdateDisplacementCode(self) error = %v", err)
	}

	orphan, _ := domain.NewDisplacementCode("d3", "missing-group", "x", "", testNow)
	if err := repo.CreateDisplacementCode(ctx, orphan); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing group, got %v", err)
	}

	codes, err := repo.ListDisplacementCodes(ctx, group.ID)
	if err != nil {
		t.Fatalf("ListDisplacementCodes() error = %v", err)
	}
	if len(codes) != 2 {
		t.Fatalf("expected 2 codes, got %d", len(codes))
	}
	if err := repo.DeleteSystemStage(ctx, completed.ID); !errors.Is(err, app.ErrStageInUse) {
		t.Fatalf("expected ErrStageInUse, got %v", err)
	}
}

func TestRepository_FolderAndTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	seedWorkflow(t, repo)
	root := seedFolder(t, repo, "root", "wf-1")
	seedFolder(t, repo, "child", "wf-1")

	rel, err := domain.NewFolderRelation(root.ID, "child", 0)
	if err != nil {
		t.Fatalf("NewFolderRelation() error = %v", err)
	}
	if err := repo.BindFolder(ctx, rel); err != nil {
		t.Fatalf("BindFolder() error = %v", err)
	}
	parents, err := repo.LoadParents(ctx, []string{"child", "root"})
	if err != nil {
		t.Fatalf("LoadParents() error = %v", err)
	}
	if len(parents["child"]) != 1 || parents["child"][0] != root.ID || len(parents["root"]) != 0 {
		t.Fatalf("unexpected parents %#v", parents)
	}

	root.Archive(testNow.Add(time.Minute))
	if err := repo.UpdateFolder(ctx, root); err != nil {
		t.Fatalf("UpdateFolder() error = %v", err)
	}
	loaded, err := repo.GetFolder(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetFolder() error = %v", err)
	}
	if loaded.ArchivedAt == nil || !loaded.ArchivedAt.Equal(testNow.Add(time.Minute)) {
		t.Fatalf("unexpected archived_at %v", loaded.ArchivedAt)
	}

	task := seedTask(t, repo, "t1", "Parent task")
	seedTask(t, repo, "t2", "Sub task")
	seedTask(t, repo, "t3", "Leaf task")
	place(t, repo, "child", "t1", "st-todo", "", 0)
	place(t, repo, "child", "t2", "st-todo", "t1", 0)
	place(t, repo, "child", "t3", "st-todo", "t2", 0)

	placedParents, err := taskParents{q: repo.db, folderID: "child"}.LoadParents(ctx, []string{"t2", "t3"})
	if err != nil {
		t.Fatalf("LoadParents() error = %v", err)
	}
	if placedParents["t2"][0] != "t1" || placedParents["t3"][0] != "t2" {
		t.Fatalf("unexpected task parents %#v", placedParents)
	}

	// Unplacing t2 promotes t3 to t2's parent.
	if err := repo.RemoveTaskPlacement(ctx, "child", "t2"); err != nil {
		t.Fatalf("RemoveTaskPlacement() error = %v", err)
	}
	leaf, err := repo.GetTaskRelation(ctx, "child", "t3")
	if err != nil {
		t.Fatalf("GetTaskRelation() error = %v", err)
	}
	if leaf.ParentTaskID != "t1" {
		t.Fatalf("expected promotion to t1, got %q", leaf.ParentTaskID)
	}

	// Purging t1 promotes t3 to the top level.
	if err := repo.PurgeTask(ctx, task.ID); err != nil {
		t.Fatalf("PurgeTask() error = %v", err)
	}
	leaf, err = repo.GetTaskRelation(ctx, "child", "t3")
	if err != nil {
		t.Fatalf("GetTaskRelation() error = %v", err)
	}
	if leaf.ParentTaskID != "" {
		t.Fatalf("expected top-level placement, got %q", leaf.ParentTaskID)
	}
	if _, err := repo.GetTask(ctx, task.ID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for purged task, got %v", err)
	}
	if err := repo.RemoveTaskPlacement(ctx, "child", "t2"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing placement, got %v", err)
	}

	if err := repo.PurgeFolder(ctx, "child"); err != nil {
		t.Fatalf("PurgeFolder() error = %v", err)
	}
	if _, err := repo.GetTaskRelation(ctx, "child", "t3"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected placements purged with folder, got %v", err)
	}
	if err := repo.UnbindFolder(ctx, root.ID, "child"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected relation purged with folder, got %v", err)
	}
}

func TestRepository_BindFolderRejectsCyclesAndMissingFolders(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	seedFolder(t, repo, "a", "")
	seedFolder(t, repo, "b", "")
	seedFolder(t, repo, "c", "")
	for _, rel := range []domain.FolderRelation{{ParentID: "a", ChildID: "b"}, {ParentID: "b", ChildID: "c"}} {
		if err := repo.BindFolder(ctx, rel); err != nil {
			t.Fatalf("BindFolder(%s -> %s) error = %v", rel.ParentID, rel.ChildID, err)
		}
	}

	if err := repo.BindFolder(ctx, domain.FolderRelation{ParentID: "c", ChildID: "a"}); !errors.Is(err, app.ErrFolderCycle) {
		t.Fatalf("expected ErrFolderCycle, got %v", err)
	}
	if err := repo.BindFolder(ctx, domain.FolderRelation{ParentID: "missing", ChildID: "a"}); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	parents, err := repo.LoadParents(ctx, []string{"a"})
	if err != nil {
		t.Fatalf("LoadParents() error = %v", err)
	}
	if len(parents["a"]) != 0 {
		t.Fatalf("expected no parent links on a, got %#v", parents)
	}
}

func TestRepository_CreateBoundFolderRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	seedFolder(t, repo, "root", "")

	orphan, err := domain.NewFolder(domain.FolderInput{ID: "orphan", Title: "Orphan", OwnerID: "u1"}, testNow)
	if err != nil {
		t.Fatalf("NewFolder() error = %v", err)
	}
	err = repo.CreateBoundFolder(ctx, orphan, domain.FolderRelation{ParentID: "missing", ChildID: orphan.ID})
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetFolder(ctx, orphan.ID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected folder rolled back, got %v", err)
	}

	if err := repo.CreateBoundFolder(ctx, orphan, domain.FolderRelation{ParentID: "root", ChildID: orphan.ID, Index: 3}); err != nil {
		t.Fatalf("CreateBoundFolder() error = %v", err)
	}
	parents, err := repo.LoadParents(ctx, []string{orphan.ID})
	if err != nil {
		t.Fatalf("LoadParents() error = %v", err)
	}
	if len(parents[orphan.ID]) != 1 || parents[orphan.ID][0] != "root" {
		t.Fatalf("unexpected parents %#v", parents)
	}
}

func TestRepository_PlaceTaskChecksInsideTransaction(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	seedWorkflow(t, repo)
	seedFolder(t, repo, "f1", "wf-1")
	seedFolder(t, repo, "bare", "")
	seedTask(t, repo, "t1", "Parent")
	seedTask(t, repo, "t2", "Child")
	place(t, repo, "f1", "t1", "st-todo", "", 0)
	place(t, repo, "f1", "t2", "st-todo", "t1", 0)

	cases := []struct {
		name string
		rel  domain.TaskRelation
		want error
	}{
		{"cycle", domain.TaskRelation{FolderID: "f1", TaskID: "t1", StateID: "st-todo", ParentTaskID: "t2"}, app.ErrTaskCycle},
		{"unplaced parent", domain.TaskRelation{FolderID: "f1", TaskID: "t1", StateID: "st-todo", ParentTaskID: "t9"}, app.ErrNotFound},
		{"missing task", domain.TaskRelation{FolderID: "f1", TaskID: "t9", StateID: "st-todo"}, app.ErrNotFound},
		{"folder without workflow", domain.TaskRelation{FolderID: "bare", TaskID: "t1", StateID: "st-todo"}, app.ErrValidation},
	}
	for _, tc := range cases {
		if err := repo.PlaceTask(ctx, tc.rel); !errors.Is(err, tc.want) {
			t.Fatalf("%s: PlaceTask() error = %v, want %v", tc.name, err, tc.want)
		}
	}
	rel, err := repo.GetTaskRelation(ctx, "f1", "t1")
	if err != nil {
		t.Fatalf("GetTaskRelation() error = %v", err)
	}
	if rel.ParentTaskID != "" {
		t.Fatalf("expected t1 to stay top level, got parent %q", rel.ParentTaskID)
	}

	task, err := domain.NewTask(domain.TaskInput{ID: "t3", Title: "Rolled back", OwnerID: "u1"}, testNow)
	if err != nil {
		t.Fatalf("NewTask() error = %v", err)
	}
	err = repo.CreatePlacedTask(ctx, task, domain.TaskRelation{FolderID: "bare", TaskID: task.ID, StateID: "st-todo"})
	if !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := repo.GetTask(ctx, task.ID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected task rolled back, got %v", err)
	}
	if err := repo.CreatePlacedTask(ctx, task, domain.TaskRelation{FolderID: "f1", TaskID: task.ID, StateID: "st-done", ParentTaskID: "t2"}); err != nil {
		t.Fatalf("CreatePlacedTask() error = %v", err)
	}
	placed, err := repo.GetTaskRelation(ctx, "f1", task.ID)
	if err != nil {
		t.Fatalf("GetTaskRelation() error = %v", err)
	}
	if placed.ParentTaskID != "t2" || placed.StateID != "st-done" {
		t.Fatalf("unexpected placement %#v", placed)
	}
}

func TestRepository_AccessControl(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	for _, e := range []domain.ACLEntry{
		{UserID: "u1", EntityType: domain.EntityFolder, EntityID: "f1", Level: domain.AccessReadOnly},
		{UserID: "u1", EntityType: domain.EntityFolder, EntityID: "f2", Level: domain.AccessFull},
		{UserID: "u2", EntityType: domain.EntityFolder, EntityID: "f3", Level: domain.AccessEditor},
	} {
		if err := repo.GrantAccess(ctx, e); err != nil {
			t.Fatalf("GrantAccess() error = %v", err)
		}
	}
	ids, err := repo.AllowedIDsForUser(ctx, "u1", domain.EntityFolder, domain.ReadableLevels)
	if err != nil {
		t.Fatalf("AllowedIDsForUser() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "f1" || ids[1] != "f2" {
		t.Fatalf("unexpected allowed ids %#v", ids)
	}
	ids, err = repo.AllowedIDsForUser(ctx, "u1", domain.EntityFolder, []domain.AccessLevel{domain.AccessFull})
	if err != nil {
		t.Fatalf("AllowedIDsForUser(full) error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "f2" {
		t.Fatalf("unexpected full ids %#v", ids)
	}

	if err := repo.GrantPermission(ctx, "u1", domain.ActionPurge, domain.EntityFolder, domain.AnyEntity); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}
	ok, err := repo.HasPermission(ctx, "u1", domain.ActionPurge, domain.EntityFolder, "any-folder")
	if err != nil {
		t.Fatalf("HasPermission() error = %v", err)
	}
	if !ok {
		t.Fatal("expected wildcard grant to apply")
	}
	ok, err = repo.HasPermission(ctx, "u2", domain.ActionPurge, domain.EntityFolder, "f3")
	if err != nil {
		t.Fatalf("HasPermission() error = %v", err)
	}
	if ok {
		t.Fatal("expected no permission for u2")
	}
}

func TestRepository_SnapshotViewQueries(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	seedWorkflow(t, repo)
	seedFolder(t, repo, "root", "wf-1")
	seedFolder(t, repo, "a", "wf-1")
	archived := seedFolder(t, repo, "b", "wf-1")
	archived.Archive(testNow)
	if err := repo.UpdateFolder(ctx, archived); err != nil {
		t.Fatalf("UpdateFolder() error = %v", err)
	}
	for i, child := range []string{"a", "b"} {
		if err := repo.BindFolder(ctx, domain.FolderRelation{ParentID: "root", ChildID: child, Index: i}); err != nil {
			t.Fatalf("BindFolder() error = %v", err)
		}
	}

	seedTask(t, repo, "t1", "Release notes")
	seedTask(t, repo, "t2", "Fix login bug")
	seedTask(t, repo, "t3", "Draft release notes outline")
	place(t, repo, "root", "t1", "st-todo", "", 0)
	place(t, repo, "a", "t1", "st-done", "", 0)
	place(t, repo, "a", "t2", "st-todo", "", 1)
	place(t, repo, "root", "t3", "st-todo", "t1", 0)
	if err := repo.AddTaskDependency(ctx, domain.TaskDependency{PredecessorID: "t1", SuccessorID: "t2"}); err != nil {
		t.Fatalf("AddTaskDependency() error = %v", err)
	}
	for _, v := range []domain.CustomFieldValue{
		{TaskID: "t1", FieldKey: "team", Value: "core"},
		{TaskID: "t1", FieldKey: "team", Value: "mine", UserID: "u1"},
		{TaskID: "t1", FieldKey: "team", Value: "theirs", UserID: "u2"},
	} {
		if err := repo.SetCustomFieldValue(ctx, v); err != nil {
			t.Fatalf("SetCustomFieldValue() error = %v", err)
		}
	}

	err := repo.ReadSnapshot(ctx, func(store app.ViewStore) error {
		rootFolder, err := store.GetFolder(ctx, "root")
		if err != nil {
			t.Fatalf("GetFolder() error = %v", err)
		}
		frontier := []hierarchy.Row[domain.Folder]{hierarchy.Root(rootFolder.ID, rootFolder)}

		children, err := store.ChildFolders(ctx, frontier, app.FolderQuery{})
		if err != nil {
			t.Fatalf("ChildFolders() error = %v", err)
		}
		got := children[frontier[0].Key()]
		if len(got) != 1 || got[0].ID != "a" {
			t.Fatalf("expected only the active child, got %#v", got)
		}
		children, err = store.ChildFolders(ctx, frontier, app.FolderQuery{Lifecycle: domain.LifecycleFilter{IncludeArchived: true}})
		if err != nil {
			t.Fatalf("ChildFolders(archived) error = %v", err)
		}
		if got := children[frontier[0].Key()]; len(got) != 2 || got[1].ID != "b" {
			t.Fatalf("expected archived child included, got %#v", got)
		}

		top, err := store.TopLevelTasks(ctx, []string{"root", "a"}, app.TaskQuery{})
		if err != nil {
			t.Fatalf("TopLevelTasks() error = %v", err)
		}
		if len(top) != 3 {
			t.Fatalf("expected 3 top-level placements, got %d", len(top))
		}
		matched, err := store.TopLevelTasks(ctx, []string{"root", "a"}, app.TaskQuery{Filter: filter.TaskFilter{Title: "release notes"}})
		if err != nil {
			t.Fatalf("TopLevelTasks(title) error = %v", err)
		}
		for _, p := range matched {
			if p.Task.ID != "t1" {
				t.Fatalf("unexpected fuzzy match %q", p.Task.Title)
			}
		}
		if len(matched) != 2 {
			t.Fatalf("expected t1 in both folders, got %d", len(matched))
		}
		byState, err := store.TopLevelTasks(ctx, []string{"root", "a"}, app.TaskQuery{Filter: filter.TaskFilter{StateIDs: []string{"st-done"}}})
		if err != nil {
			t.Fatalf("TopLevelTasks(state) error = %v", err)
		}
		if len(byState) != 1 || byState[0].Relation.FolderID != "a" {
			t.Fatalf("unexpected state filter result %#v", byState)
		}

		counts, err := store.CountTopLevelTasks(ctx, []string{"root", "a"}, app.TaskQuery{})
		if err != nil {
			t.Fatalf("CountTopLevelTasks() error = %v", err)
		}
		if counts.Total != 2 || counts.PerFolder["root"] != 1 || counts.PerFolder["a"] != 2 {
			t.Fatalf("unexpected counts %#v", counts)
		}
		page, err := store.TopLevelTaskPage(ctx, []string{"root", "a"}, app.TaskQuery{}, 2, 1)
		if err != nil {
			t.Fatalf("TopLevelTaskPage() error = %v", err)
		}
		if len(page) != 1 || page[0].Task.ID != "t2" {
			t.Fatalf("unexpected second page %#v", page)
		}

		rootTasks := []hierarchy.Row[domain.PlacedTask]{}
		for _, p := range top {
			if p.Relation.FolderID == "root" {
				rootTasks = append(rootTasks, hierarchy.Root(p.Task.ID, p, p.Relation.FolderID))
			}
		}
		subtasks, err := store.ChildTasks(ctx, rootTasks, domain.LifecycleFilter{})
		if err != nil {
			t.Fatalf("ChildTasks() error = %v", err)
		}
		kids := subtasks[rootTasks[0].Key()]
		if len(kids) != 1 || kids[0].ID != "t3" {
			t.Fatalf("unexpected subtasks %#v", subtasks)
		}

		deps, err := store.TaskDependencies(ctx, []string{"t2"})
		if err != nil {
			t.Fatalf("TaskDependencies() error = %v", err)
		}
		if len(deps) != 1 || deps[0].PredecessorID != "t1" {
			t.Fatalf("unexpected dependencies %#v", deps)
		}
		values, err := store.CustomFieldValues(ctx, []string{"t1"}, "u1")
		if err != nil {
			t.Fatalf("CustomFieldValues() error = %v", err)
		}
		if len(values) != 2 || values[0].UserID != "" || values[1].Value != "mine" {
			t.Fatalf("unexpected custom field values %#v", values)
		}

		workflows, err := store.WorkflowsByIDs(ctx, []string{"wf-1"})
		if err != nil {
			t.Fatalf("WorkflowsByIDs() error = %v", err)
		}
		if len(workflows) != 1 || len(workflows[0].States) != 2 {
			t.Fatalf("unexpected workflows %#v", workflows)
		}
		states, err := store.StatesByIDs(ctx, []string{"st-done"})
		if err != nil {
			t.Fatalf("StatesByIDs() error = %v", err)
		}
		if len(states) != 1 || !states[0].Completed {
			t.Fatalf("unexpected states %#v", states)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
}

func TestRepository_ReadSnapshotPropagatesError(t *testing.T) {
	repo := openTestRepo(t)
	want := errors.New("boom")
	err := repo.ReadSnapshot(context.Background(), func(app.ViewStore) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() after failed snapshot error = %v", err)
	}
}
