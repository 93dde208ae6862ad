package app_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hylla/trellis/internal/adapters/storage/sqlite"
	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/filter"
	"github.com/hylla/trellis/internal/hierarchy"
	"github.com/hylla/trellis/internal/views"
)

// fixture wires a service to a private in-memory store.
type fixture struct {
	ctx    context.Context
	svc    *app.Service
	repo   *sqlite.Repository
	stages map[string]string
	seq    *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	return newFixtureWithRepo(t, repo)
}

// newFileFixture uses a WAL database file so concurrent writers get separate
// connections.
func newFileFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "trellis.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return newFixtureWithRepo(t, repo)
}

func newFixtureWithRepo(t *testing.T, repo *sqlite.Repository) *fixture {
	t.Helper()
	t.Cleanup(func() {
		_ = repo.Close()
	})
	seq := &atomic.Int64{}
	idGen := func() string {
		return fmt.Sprintf("id-%04d", seq.Add(1))
	}
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	svc := app.NewService(repo, repo, repo, idGen, func() time.Time { return now }, app.ServiceConfig{DefaultPageSize: 20, MaxPageSize: 100})

	ctx := context.Background()
	stages, err := svc.EnsureSystemStages(ctx, "Open", "InProgress", domain.CompletedStageCode)
	if err != nil {
		t.Fatalf("EnsureSystemStages() error = %v", err)
	}
	byCode := map[string]string{}
	for _, st := range stages {
		byCode[st.Code] = st.ID
	}
	return &fixture{ctx: ctx, svc: svc, repo: repo, stages: byCode, seq: seq}
}

// as returns the fixture context acting as userID.
func (f *fixture) as(userID string) context.Context {
	return app.WithCaller(f.ctx, app.Caller{UserID: userID, Source: "test"})
}

// grant records a permission grant for userID.
func (f *fixture) grant(t *testing.T, userID string, action domain.Action, entityType domain.EntityType, entityID string) {
	t.Helper()
	if err := f.repo.GrantPermission(f.ctx, userID, action, entityType, entityID); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}
}

// lastID returns the most recently generated id.
func (f *fixture) lastID() string {
	return fmt.Sprintf("id-%04d", f.seq.Load())
}

// deliveryWorkflow creates todo -> doing -> {done, todo} where only "lead"
// may enter done, and done has no outgoing transitions.
func (f *fixture) deliveryWorkflow(t *testing.T, ownerID string) domain.Workflow {
	t.Helper()
	wf, err := f.svc.CreateWorkflow(f.ctx, app.CreateWorkflowInput{
		Title:   "Delivery",
		Active:  true,
		OwnerID: ownerID,
		States: []domain.StateInput{
			{Ref: "todo", Title: "To do", SystemStageID: f.stages["Open"], SwimlaneConstraint: []string{"doing"}},
			{Ref: "doing", Title: "Doing", SystemStageID: f.stages["InProgress"], SwimlaneConstraint: []string{"done", "todo"}},
			{Ref: "done", Title: "Done", Completed: true, SystemStageID: f.stages[domain.CompletedStageCode], SwimlaneConstraint: []string{}, UserConstraint: []string{"lead"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}
	return wf
}

func (f *fixture) folder(t *testing.T, title, workflowID, parentID string) domain.Folder {
	t.Helper()
	folder, err := f.svc.CreateFolder(f.ctx, app.CreateFolderInput{Title: title, OwnerID: "u1", WorkflowID: workflowID, ParentID: parentID})
	if err != nil {
		t.Fatalf("CreateFolder(%q) error = %v", title, err)
	}
	return folder
}

func (f *fixture) task(t *testing.T, title, folderID, stateID, parentID string) domain.Task {
	t.Helper()
	task, err := f.svc.CreateTask(f.ctx, app.CreateTaskInput{Title: title, OwnerID: "u1", FolderID: folderID, StateID: stateID, ParentTaskID: parentID})
	if err != nil {
		t.Fatalf("CreateTask(%q) error = %v", title, err)
	}
	return task
}

func TestServiceCreateWorkflowDerivesTransitions(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	if len(wf.States) != 3 {
		t.Fatalf("expected 3 states, got %d", len(wf.States))
	}
	codes := map[string]struct{}{}
	for i, st := range wf.States {
		if len(st.Code) != domain.StateCodeLength {
			t.Fatalf("unexpected state code %q", st.Code)
		}
		if st.Index != i {
			t.Fatalf("expected index %d, got %d", i, st.Index)
		}
		codes[st.Code] = struct{}{}
	}
	if len(codes) != 3 {
		t.Fatalf("expected distinct codes, got %#v", codes)
	}

	transitions, err := f.svc.ListTransitions(f.ctx, wf.ID)
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(transitions) != 3 {
		t.Fatalf("expected 3 transitions, got %#v", transitions)
	}
	todo, doing, done := wf.States[0], wf.States[1], wf.States[2]
	cases := []struct {
		name     string
		caller   string
		from, to string
		want     error
	}{
		{name: "allowed edge", caller: "u1", from: todo.ID, to: doing.ID},
		{name: "same state", caller: "u1", from: todo.ID, to: todo.ID},
		{name: "allowlist admits lead", caller: "lead", from: doing.ID, to: done.ID},
		{name: "allowlist rejects others", caller: "u1", from: doing.ID, to: done.ID, want: app.ErrTransitionDenied},
		{name: "missing edge", caller: "u1", from: todo.ID, to: done.ID, want: app.ErrTransitionMissing},
		{name: "empty swimlane has no outgoing edges", caller: "lead", from: done.ID, to: todo.ID, want: app.ErrTransitionMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.svc.CheckTransition(f.ctx, tc.caller, tc.from, tc.to)
			if tc.want == nil && err != nil {
				t.Fatalf("CheckTransition() error = %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestServiceCreateWorkflowValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateWorkflow(f.ctx, app.CreateWorkflowInput{Title: "Empty"})
	if !errors.Is(err, app.ErrValidation) || !errors.Is(err, domain.ErrEmptyWorkflow) {
		t.Fatalf("expected empty workflow validation error, got %v", err)
	}
	_, err = f.svc.CreateWorkflow(f.ctx, app.CreateWorkflowInput{
		Title: "Dangling",
		States: []domain.StateInput{
			{Ref: "a", Title: "A", SystemStageID: f.stages["Open"], SwimlaneConstraint: []string{"nowhere"}},
		},
	})
	if !errors.Is(err, domain.ErrInvalidConstraintRef) {
		t.Fatalf("expected ErrInvalidConstraintRef, got %v", err)
	}
	_, err = f.svc.CreateWorkflow(f.ctx, app.CreateWorkflowInput{
		Title: "Both refs",
		States: []domain.StateInput{
			{Title: "A", SystemStageID: f.stages["Open"], DisplacementCodeID: "x"},
		},
	})
	if !errors.Is(err, domain.ErrInvalidStageReference) {
		t.Fatalf("expected ErrInvalidStageReference, got %v", err)
	}
}

func TestServiceUpdateWorkflowRemapsPlacedTasks(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	folder := f.folder(t, "Project", wf.ID, "")
	task := f.task(t, "Write docs", folder.ID, wf.States[0].ID, "")
	ctx := f.as("u1")

	replacement := []domain.StateInput{
		{Ref: "backlog", Title: "Backlog", SystemStageID: f.stages["Open"]},
		{Ref: "shipped", Title: "Shipped", Completed: true, SystemStageID: f.stages[domain.CompletedStageCode]},
	}
	_, err := f.svc.UpdateWorkflow(ctx, wf.ID, app.UpdateWorkflowInput{States: replacement})
	if !errors.Is(err, app.ErrInvariant) {
		t.Fatalf("expected ErrInvariant without mapping, got %v", err)
	}
	unchanged, err := f.svc.GetWorkflow(f.ctx, wf.ID)
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if len(unchanged.States) != 3 {
		t.Fatalf("expected original states kept, got %d", len(unchanged.States))
	}

	_, err = f.svc.UpdateWorkflow(ctx, wf.ID, app.UpdateWorkflowInput{
		States:  replacement,
		Mapping: []domain.StateMapping{{SourceCode: "missing", DestinationCode: "backlog"}},
	})
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown source code, got %v", err)
	}
	_, err = f.svc.UpdateWorkflow(ctx, wf.ID, app.UpdateWorkflowInput{
		Mapping: []domain.StateMapping{{SourceCode: wf.States[0].Code, DestinationCode: "backlog"}},
	})
	if !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation for mapping without states, got %v", err)
	}

	title := "Delivery v2"
	updated, err := f.svc.UpdateWorkflow(ctx, wf.ID, app.UpdateWorkflowInput{
		Title:   &title,
		States:  replacement,
		Mapping: []domain.StateMapping{{SourceCode: wf.States[0].Code, DestinationCode: "backlog"}},
	})
	if err != nil {
		t.Fatalf("UpdateWorkflow() error = %v", err)
	}
	if updated.Title != title || len(updated.States) != 2 {
		t.Fatalf("unexpected updated workflow %#v", updated)
	}
	rel, err := f.repo.GetTaskRelation(f.ctx, folder.ID, task.ID)
	if err != nil {
		t.Fatalf("GetTaskRelation() error = %v", err)
	}
	if rel.StateID != updated.States[0].ID {
		t.Fatalf("expected task remapped to %s, got %s", updated.States[0].ID, rel.StateID)
	}
	transitions, err := f.svc.ListTransitions(f.ctx, wf.ID)
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("expected full mesh of 2 transitions, got %d", len(transitions))
	}
}

func TestServiceDeleteWorkflowInUse(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	folder := f.folder(t, "Project", wf.ID, "")
	ctx := f.as("u1")

	if err := f.svc.DeleteWorkflow(ctx, wf.ID); !errors.Is(err, app.ErrWorkflowInUse) {
		t.Fatalf("expected ErrWorkflowInUse, got %v", err)
	}
	if _, err := f.svc.SetFolderWorkflow(f.ctx, folder.ID, ""); err != nil {
		t.Fatalf("SetFolderWorkflow() error = %v", err)
	}
	if err := f.svc.DeleteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("DeleteWorkflow() error = %v", err)
	}
}

func TestServiceCloneToCommon(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")

	if _, err := f.svc.CloneToCommon(f.ctx, wf.ID, "u2"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another owner, got %v", err)
	}
	common, err := f.svc.CloneToCommon(f.ctx, wf.ID, "u1")
	if err != nil {
		t.Fatalf("CloneToCommon() error = %v", err)
	}
	if !common.IsCommon() || common.ID == wf.ID || len(common.States) != 3 {
		t.Fatalf("unexpected clone %#v", common)
	}
	if common.States[0].Code == wf.States[0].Code {
		t.Fatal("expected fresh state codes on the clone")
	}
	transitions, err := f.svc.ListTransitions(f.ctx, common.ID)
	if err != nil {
		t.Fatalf("ListTransitions() error = %v", err)
	}
	if len(transitions) != 3 {
		t.Fatalf("expected 3 cloned transitions, got %d", len(transitions))
	}
	if err := f.svc.CheckTransition(f.ctx, "u1", common.States[1].ID, common.States[2].ID); !errors.Is(err, app.ErrTransitionDenied) {
		t.Fatalf("expected cloned allowlist to deny u1, got %v", err)
	}
	if _, err := f.svc.CloneToCommon(f.ctx, common.ID, "u1"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound when cloning a common workflow, got %v", err)
	}

	listed, err := f.svc.ListWorkflows(f.ctx, "u2", true)
	if err != nil {
		t.Fatalf("ListWorkflows() error = %v", err)
	}
	if len(listed) != 1 || listed[0].ID != common.ID {
		t.Fatalf("expected only the common workflow for u2, got %#v", listed)
	}
}

func TestServiceCompletedStageConflict(t *testing.T) {
	f := newFixture(t)
	f.grant(t, "admin", domain.ActionManageStages, domain.EntityStage, domain.AnyEntity)
	ctx := f.as("admin")
	group, err := f.svc.CreateDisplacementGroup(ctx, "Support")
	if err != nil {
		t.Fatalf("CreateDisplacementGroup() error = %v", err)
	}
	completed := f.stages[domain.CompletedStageCode]
	if _, err := f.svc.CreateDisplacementCode(ctx, app.CreateDisplacementCodeInput{GroupID: group.ID, Code: "resolved", SystemStageID: completed}); err != nil {
		t.Fatalf("CreateDisplacementCode() error = %v", err)
	}
	_, err = f.svc.CreateDisplacementCode(ctx, app.CreateDisplacementCodeInput{GroupID: group.ID, Code: "closed", SystemStageID: completed})
	if !errors.Is(err, app.ErrCompletedStageTaken) || !errors.Is(err, app.ErrConflict) {
		t.Fatalf("expected ErrCompletedStageTaken, got %v", err)
	}
	other, err := f.svc.CreateDisplacementCode(ctx, app.CreateDisplacementCodeInput{GroupID: group.ID, Code: "triage", SystemStageID: f.stages["Open"]})
	if err != nil {
		t.Fatalf("CreateDisplacementCode(open) error = %v", err)
	}
	if _, err := f.svc.UpdateDisplacementCode(ctx, other.ID, "triage", completed); !errors.Is(err, app.ErrCompletedStageTaken) {
		t.Fatalf("expected ErrCompletedStageTaken on remap, got %v", err)
	}
	if err := f.svc.DeleteSystemStage(ctx, completed); !errors.Is(err, app.ErrStageInUse) {
		t.Fatalf("expected ErrStageInUse, got %v", err)
	}
	stages, err := f.svc.ListSystemStages(f.ctx)
	if err != nil {
		t.Fatalf("ListSystemStages() error = %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
}

func TestServiceWorkflowAndStageMutationsRequirePermission(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	title := "Renamed"

	if _, err := f.svc.UpdateWorkflow(f.ctx, wf.ID, app.UpdateWorkflowInput{Title: &title}); !errors.Is(err, app.ErrNoCaller) {
		t.Fatalf("expected ErrNoCaller, got %v", err)
	}
	if _, err := f.svc.UpdateWorkflow(f.as("u2"), wf.ID, app.UpdateWorkflowInput{Title: &title}); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another user's workflow, got %v", err)
	}
	if err := f.svc.DeleteWorkflow(f.as("u2"), wf.ID); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden on delete, got %v", err)
	}
	f.grant(t, "u2", domain.ActionManageWorkflow, domain.EntityWorkflow, wf.ID)
	updated, err := f.svc.UpdateWorkflow(f.as("u2"), wf.ID, app.UpdateWorkflowInput{Title: &title})
	if err != nil {
		t.Fatalf("UpdateWorkflow(granted) error = %v", err)
	}
	if updated.Title != title || updated.OwnerID != "u1" {
		t.Fatalf("unexpected updated workflow %#v", updated)
	}

	common, err := f.svc.CloneToCommon(f.ctx, wf.ID, "u1")
	if err != nil {
		t.Fatalf("CloneToCommon() error = %v", err)
	}
	if err := f.svc.DeleteWorkflow(f.as("u1"), common.ID); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden on a common workflow without grant, got %v", err)
	}
	f.grant(t, "u1", domain.ActionManageWorkflow, domain.EntityWorkflow, domain.AnyEntity)
	if err := f.svc.DeleteWorkflow(f.as("u1"), common.ID); err != nil {
		t.Fatalf("DeleteWorkflow(granted) error = %v", err)
	}

	if _, err := f.svc.CreateSystemStage(f.as("u1"), "Review"); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stage creation, got %v", err)
	}
	if _, err := f.svc.CreateDisplacementGroup(f.ctx, "Ops"); !errors.Is(err, app.ErrNoCaller) {
		t.Fatalf("expected ErrNoCaller for group creation, got %v", err)
	}
	if err := f.svc.DeleteSystemStage(f.as("u1"), f.stages["Open"]); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stage deletion, got %v", err)
	}
	f.grant(t, "u1", domain.ActionManageStages, domain.EntityStage, domain.AnyEntity)
	stage, err := f.svc.CreateSystemStage(f.as("u1"), "Review")
	if err != nil {
		t.Fatalf("CreateSystemStage(granted) error = %v", err)
	}
	if stage.Code != "Review" {
		t.Fatalf("unexpected stage %#v", stage)
	}
}

func TestServiceBindFolderRejectsCycles(t *testing.T) {
	f := newFixture(t)
	a := f.folder(t, "A", "", "")
	b := f.folder(t, "B", "", a.ID)
	c := f.folder(t, "C", "", b.ID)

	if err := f.svc.BindFolder(f.ctx, c.ID, a.ID, 0); !errors.Is(err, app.ErrFolderCycle) {
		t.Fatalf("expected ErrFolderCycle, got %v", err)
	}
	if err := f.svc.BindFolder(f.ctx, a.ID, a.ID, 0); !errors.Is(err, app.ErrFolderCycle) {
		t.Fatalf("expected ErrFolderCycle for self binding, got %v", err)
	}
	if err := f.svc.BindFolder(f.ctx, "missing", a.ID, 0); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// A second parent keeps the graph acyclic.
	if err := f.svc.BindFolder(f.ctx, a.ID, c.ID, 1); err != nil {
		t.Fatalf("BindFolder() error = %v", err)
	}
}

func TestServiceConcurrentBindsNeverPersistCycle(t *testing.T) {
	f := newFileFixture(t)
	for round := range 8 {
		x := f.folder(t, fmt.Sprintf("X%d", round), "", "")
		y := f.folder(t, fmt.Sprintf("Y%d", round), "", "")

		pairs := [][2]string{{y.ID, x.ID}, {x.ID, y.ID}}
		errs := make([]error, len(pairs))
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i, pair := range pairs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs[i] = f.svc.BindFolder(f.ctx, pair[0], pair[1], 0)
			}()
		}
		close(start)
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err == nil {
				continue
			}
			if !errors.Is(err, app.ErrFolderCycle) {
				t.Fatalf("round %d: expected ErrFolderCycle, got %v", round, err)
			}
			failed++
		}
		if failed != 1 {
			t.Fatalf("round %d: expected exactly one rejected bind, got errors %v", round, errs)
		}
		for _, id := range []string{x.ID, y.ID} {
			ancestors, err := hierarchy.Ancestors(f.ctx, id, f.repo)
			if err != nil {
				t.Fatalf("Ancestors() error = %v", err)
			}
			if slices.Contains(ancestors, id) {
				t.Fatalf("round %d: folder %s is its own ancestor %v", round, id, ancestors)
			}
		}
	}
}

func TestServiceConcurrentPlacementsNeverPersistCycle(t *testing.T) {
	f := newFileFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	folder := f.folder(t, "Project", wf.ID, "")
	state := wf.States[0].ID
	for round := range 8 {
		a := f.task(t, fmt.Sprintf("A%d", round), folder.ID, state, "")
		b := f.task(t, fmt.Sprintf("B%d", round), folder.ID, state, "")

		inputs := []app.PlaceTaskInput{
			{FolderID: folder.ID, TaskID: a.ID, StateID: state, ParentTaskID: b.ID},
			{FolderID: folder.ID, TaskID: b.ID, StateID: state, ParentTaskID: a.ID},
		}
		errs := make([]error, len(inputs))
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i, in := range inputs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.PlaceTask(f.ctx, in)
			}()
		}
		close(start)
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err == nil {
				continue
			}
			if !errors.Is(err, app.ErrTaskCycle) {
				t.Fatalf("round %d: expected ErrTaskCycle, got %v", round, err)
			}
			failed++
		}
		if failed != 1 {
			t.Fatalf("round %d: expected exactly one rejected placement, got errors %v", round, errs)
		}
		relA, err := f.repo.GetTaskRelation(f.ctx, folder.ID, a.ID)
		if err != nil {
			t.Fatalf("GetTaskRelation(a) error = %v", err)
		}
		relB, err := f.repo.GetTaskRelation(f.ctx, folder.ID, b.ID)
		if err != nil {
			t.Fatalf("GetTaskRelation(b) error = %v", err)
		}
		if relA.ParentTaskID == b.ID && relB.ParentTaskID == a.ID {
			t.Fatalf("round %d: tasks %s and %s parent each other", round, a.ID, b.ID)
		}
	}
}

func TestServiceFailedCreateLeavesNoRow(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	other := f.deliveryWorkflow(t, "u1")
	folder := f.folder(t, "Project", wf.ID, "")

	_, err := f.svc.CreateTask(f.ctx, app.CreateTaskInput{Title: "Orphan", OwnerID: "u1", FolderID: folder.ID, StateID: other.States[0].ID})
	if !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation for foreign state, got %v", err)
	}
	if _, err := f.repo.GetTask(f.ctx, f.lastID()); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected task %s to be absent, got %v", f.lastID(), err)
	}

	_, err = f.svc.CreateTask(f.ctx, app.CreateTaskInput{Title: "Stray", OwnerID: "u1", FolderID: folder.ID, StateID: wf.States[0].ID, ParentTaskID: "unplaced"})
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unplaced parent, got %v", err)
	}
	if _, err := f.repo.GetTask(f.ctx, f.lastID()); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected task %s rolled back, got %v", f.lastID(), err)
	}

	_, err = f.svc.CreateFolder(f.ctx, app.CreateFolderInput{Title: "Child", OwnerID: "u1", ParentID: "missing-parent"})
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing parent, got %v", err)
	}
	if _, err := f.repo.GetFolder(f.ctx, f.lastID()); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected folder %s rolled back, got %v", f.lastID(), err)
	}

	placed, err := f.svc.CreateTask(f.ctx, app.CreateTaskInput{Title: "Placed", OwnerID: "u1", FolderID: folder.ID, StateID: wf.States[0].ID})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := f.repo.GetTaskRelation(f.ctx, folder.ID, placed.ID); err != nil {
		t.Fatalf("expected placement stored with task, got %v", err)
	}
}

func TestServicePlaceTaskRules(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	other := f.deliveryWorkflow(t, "u1")
	folder := f.folder(t, "Project", wf.ID, "")
	bare := f.folder(t, "Bare", "", "")
	parent := f.task(t, "Parent", folder.ID, wf.States[0].ID, "")
	child := f.task(t, "Child", folder.ID, wf.States[0].ID, parent.ID)
	loose := f.task(t, "Loose", "", "", "")

	_, err := f.svc.PlaceTask(f.ctx, app.PlaceTaskInput{FolderID: folder.ID, TaskID: loose.ID, StateID: other.States[0].ID})
	if !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation for foreign state, got %v", err)
	}
	_, err = f.svc.PlaceTask(f.ctx, app.PlaceTaskInput{FolderID: bare.ID, TaskID: loose.ID, StateID: wf.States[0].ID})
	if !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation for folder without workflow, got %v", err)
	}
	_, err = f.svc.PlaceTask(f.ctx, app.PlaceTaskInput{FolderID: folder.ID, TaskID: loose.ID, StateID: wf.States[0].ID, ParentTaskID: "unplaced"})
	if !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unplaced parent, got %v", err)
	}
	_, err = f.svc.PlaceTask(f.ctx, app.PlaceTaskInput{FolderID: folder.ID, TaskID: parent.ID, StateID: wf.States[0].ID, ParentTaskID: child.ID})
	if !errors.Is(err, app.ErrTaskCycle) {
		t.Fatalf("expected ErrTaskCycle, got %v", err)
	}
	rel, err := f.svc.PlaceTask(f.ctx, app.PlaceTaskInput{FolderID: folder.ID, TaskID: loose.ID, StateID: wf.States[0].ID, ParentTaskID: child.ID, Index: 2})
	if err != nil {
		t.Fatalf("PlaceTask() error = %v", err)
	}
	if rel.ParentTaskID != child.ID || rel.Index != 2 {
		t.Fatalf("unexpected relation %#v", rel)
	}
}

func TestServiceMoveTaskEnforcesTransitions(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	folder := f.folder(t, "Project", wf.ID, "")
	task := f.task(t, "Release", folder.ID, wf.States[0].ID, "")

	if _, err := f.svc.MoveTask(f.ctx, "u1", folder.ID, task.ID, wf.States[2].ID); !errors.Is(err, app.ErrTransitionMissing) {
		t.Fatalf("expected ErrTransitionMissing, got %v", err)
	}
	if _, err := f.svc.MoveTask(f.ctx, "u1", folder.ID, task.ID, wf.States[1].ID); err != nil {
		t.Fatalf("MoveTask(doing) error = %v", err)
	}
	if _, err := f.svc.MoveTask(f.ctx, "u1", folder.ID, task.ID, wf.States[2].ID); !errors.Is(err, app.ErrTransitionDenied) {
		t.Fatalf("expected ErrTransitionDenied, got %v", err)
	}
	ctx := app.WithCaller(f.ctx, app.Caller{UserID: "lead"})
	rel, err := f.svc.MoveTask(ctx, "", folder.ID, task.ID, wf.States[2].ID)
	if err != nil {
		t.Fatalf("MoveTask(done) error = %v", err)
	}
	if rel.StateID != wf.States[2].ID {
		t.Fatalf("unexpected state %s", rel.StateID)
	}
	if _, err := f.svc.MoveTask(f.ctx, "", folder.ID, task.ID, wf.States[0].ID); !errors.Is(err, app.ErrNoCaller) {
		t.Fatalf("expected ErrNoCaller, got %v", err)
	}
}

func TestServiceBoardViewMergesColumnsByStage(t *testing.T) {
	f := newFixture(t)
	wfA, err := f.svc.CreateWorkflow(f.ctx, app.CreateWorkflowInput{
		Title: "A", OwnerID: "u1",
		States: []domain.StateInput{
			{Ref: "open", Title: "Open", SystemStageID: f.stages["Open"]},
			{Ref: "done", Title: "Done", Completed: true, SystemStageID: f.stages[domain.CompletedStageCode]},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow(A) error = %v", err)
	}
	wfB, err := f.svc.CreateWorkflow(f.ctx, app.CreateWorkflowInput{
		Title: "B", OwnerID: "u1",
		States: []domain.StateInput{
			{Ref: "new", Title: "New", SystemStageID: f.stages["Open"]},
			{Ref: "review", Title: "Review", SystemStageID: f.stages["InProgress"]},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow(B) error = %v", err)
	}
	root := f.folder(t, "Root", wfA.ID, "")
	child := f.folder(t, "Child", wfB.ID, root.ID)
	f.task(t, "Root task", root.ID, wfA.States[0].ID, "")
	childTask := f.task(t, "Child task", child.ID, wfB.States[0].ID, "")
	f.task(t, "Child subtask", child.ID, wfB.States[1].ID, childTask.ID)

	board, err := f.svc.BoardView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1"})
	if err != nil {
		t.Fatalf("BoardView() error = %v", err)
	}
	if len(board.Columns) != 3 {
		t.Fatalf("expected 3 merged columns, got %d", len(board.Columns))
	}
	open := board.Columns[0]
	if open.Key != "stage:Open" || len(open.StateIDs) != 2 || len(open.FolderIDs) != 2 {
		t.Fatalf("unexpected merged column %#v", open)
	}
	if open.Total != 2 || len(open.Tasks) != 2 {
		t.Fatalf("expected both top-level tasks in the merged column, got %d", open.Total)
	}
	for _, task := range open.Tasks {
		if task.ID == childTask.ID && len(task.Children) != 1 {
			t.Fatalf("expected subtask nested under its parent, got %#v", task.Children)
		}
	}

	grouped, err := f.svc.View(f.ctx, views.KindBoard, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1", Grouping: views.Grouping{By: views.GroupImportance}})
	if err != nil {
		t.Fatalf("View(board) error = %v", err)
	}
	if cols := grouped.(views.Board).Columns; len(cols[0].Groups[string(domain.ImportanceNormal)]) != 2 {
		t.Fatalf("expected tasks grouped by importance, got %#v", cols[0].Groups)
	}
	if _, err := f.svc.View(f.ctx, views.Kind("calendar"), app.ViewRequest{RootFolderID: root.ID, CallerID: "u1"}); !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown kind, got %v", err)
	}
	if _, err := f.svc.BoardView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1", Grouping: views.Grouping{By: "color"}}); !errors.Is(err, app.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown grouping, got %v", err)
	}
}

func TestServiceListViewPagesTopLevelTasks(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	root := f.folder(t, "Root", wf.ID, "")
	child := f.folder(t, "Child", wf.ID, root.ID)
	parent := f.task(t, "Release notes", root.ID, wf.States[0].ID, "")
	f.task(t, "Collect changes", root.ID, wf.States[0].ID, parent.ID)
	f.task(t, "Fix login bug", child.ID, wf.States[0].ID, "")

	page, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1", PageSize: 1})
	if err != nil {
		t.Fatalf("ListView() error = %v", err)
	}
	if page.Total != 2 || page.PerFolder[root.ID] != 1 || page.PerFolder[child.ID] != 1 {
		t.Fatalf("unexpected totals %d %#v", page.Total, page.PerFolder)
	}
	if len(page.Tasks) != 1 || page.Tasks[0].ID != parent.ID || len(page.Tasks[0].Children) != 1 {
		t.Fatalf("unexpected first page %#v", page.Tasks)
	}

	second, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1", PageSize: 1, Page: 2})
	if err != nil {
		t.Fatalf("ListView(page 2) error = %v", err)
	}
	if len(second.Tasks) != 1 || second.Tasks[0].Title != "Fix login bug" {
		t.Fatalf("unexpected second page %#v", second.Tasks)
	}

	filtered, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1", Tasks: filter.TaskFilter{Title: "login bug"}})
	if err != nil {
		t.Fatalf("ListView(title) error = %v", err)
	}
	if filtered.Total != 1 || len(filtered.Tasks) != 1 || filtered.Tasks[0].Title != "Fix login bug" {
		t.Fatalf("unexpected filtered list %#v", filtered.Tasks)
	}
}

func TestServiceViewLifecycleAndAccess(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	top := f.folder(t, "Top", wf.ID, "")
	root := f.folder(t, "Root", wf.ID, top.ID)
	kept := f.task(t, "Kept", root.ID, wf.States[0].ID, "")
	gone := f.task(t, "Gone", root.ID, wf.States[0].ID, "")
	if _, err := f.svc.DeleteTask(f.ctx, gone.ID); err != nil {
		t.Fatalf("DeleteTask() error = %v", err)
	}

	req := app.ViewRequest{RootFolderID: root.ID, CallerID: "u2"}
	if _, err := f.svc.ListView(f.ctx, req); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden without access, got %v", err)
	}
	if err := f.repo.GrantAccess(f.ctx, domain.ACLEntry{UserID: "u2", EntityType: domain.EntityFolder, EntityID: top.ID, Level: domain.AccessReadOnly}); err != nil {
		t.Fatalf("GrantAccess() error = %v", err)
	}
	list, err := f.svc.ListView(f.ctx, req)
	if err != nil {
		t.Fatalf("ListView() with inherited access error = %v", err)
	}
	if list.Total != 1 || list.Tasks[0].ID != kept.ID {
		t.Fatalf("expected only the active task, got %#v", list.Tasks)
	}

	req.ShowDeleted = true
	list, err = f.svc.ListView(f.ctx, req)
	if err != nil {
		t.Fatalf("ListView(showDeleted) error = %v", err)
	}
	if list.Total != 1 {
		t.Fatalf("expected deleted rows hidden without purge permission, got %d", list.Total)
	}
	if err := f.repo.GrantPermission(f.ctx, "u2", domain.ActionPurge, domain.EntityFolder, domain.AnyEntity); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}
	list, err = f.svc.ListView(f.ctx, req)
	if err != nil {
		t.Fatalf("ListView(showDeleted, purge) error = %v", err)
	}
	if list.Total != 2 {
		t.Fatalf("expected deleted rows with purge permission, got %d", list.Total)
	}

	if _, err := f.svc.ArchiveFolder(f.ctx, root.ID); err != nil {
		t.Fatalf("ArchiveFolder() error = %v", err)
	}
	if _, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1"}); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for archived root, got %v", err)
	}
	if _, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1", ShowArchived: true}); err != nil {
		t.Fatalf("ListView(showArchived) error = %v", err)
	}
	if _, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: root.ID}); !errors.Is(err, app.ErrNoCaller) {
		t.Fatalf("expected ErrNoCaller, got %v", err)
	}
}

func TestServiceViewAccessInheritsToDescendants(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	root := f.folder(t, "Root", wf.ID, "")
	child, err := f.svc.CreateFolder(f.ctx, app.CreateFolderInput{Title: "Other team", OwnerID: "u3", WorkflowID: wf.ID, ParentID: root.ID})
	if err != nil {
		t.Fatalf("CreateFolder(child) error = %v", err)
	}
	f.task(t, "Root task", root.ID, wf.States[0].ID, "")
	childTask := f.task(t, "Child task", child.ID, wf.States[0].ID, "")

	if err := f.repo.GrantAccess(f.ctx, domain.ACLEntry{UserID: "u2", EntityType: domain.EntityFolder, EntityID: root.ID, Level: domain.AccessReadOnly}); err != nil {
		t.Fatalf("GrantAccess() error = %v", err)
	}
	list, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u2"})
	if err != nil {
		t.Fatalf("ListView(root) error = %v", err)
	}
	if list.Total != 2 || list.PerFolder[child.ID] != 1 {
		t.Fatalf("expected descendant folder rows through the root grant, got %d %#v", list.Total, list.PerFolder)
	}

	sub, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: child.ID, CallerID: "u2"})
	if err != nil {
		t.Fatalf("ListView(child) error = %v", err)
	}
	if sub.Total != 1 || sub.Tasks[0].ID != childTask.ID {
		t.Fatalf("expected child view through the ancestor grant, got %#v", sub.Tasks)
	}
	if _, err := f.svc.ListView(f.ctx, app.ViewRequest{RootFolderID: child.ID, CallerID: "u4"}); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden without any grant, got %v", err)
	}
}

func TestServiceGanttViewCarriesDependenciesAndFields(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	root := f.folder(t, "Root", wf.ID, "")
	child := f.folder(t, "Child", wf.ID, root.ID)
	design := f.task(t, "Design", root.ID, wf.States[0].ID, "")
	build := f.task(t, "Build", child.ID, wf.States[0].ID, "")
	if _, err := f.svc.AddTaskDependency(f.ctx, design.ID, build.ID); err != nil {
		t.Fatalf("AddTaskDependency() error = %v", err)
	}
	if _, err := f.svc.AddTaskDependency(f.ctx, design.ID, "missing"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing task, got %v", err)
	}
	for _, v := range []struct{ value, user string }{{"shared", ""}, {"mine", "u1"}, {"theirs", "u2"}} {
		if _, err := f.svc.SetCustomFieldValue(f.ctx, design.ID, "team", v.value, v.user); err != nil {
			t.Fatalf("SetCustomFieldValue() error = %v", err)
		}
	}

	gantt, err := f.svc.GanttView(f.ctx, app.ViewRequest{RootFolderID: root.ID, CallerID: "u1"})
	if err != nil {
		t.Fatalf("GanttView() error = %v", err)
	}
	if len(gantt.Folders) != 1 || len(gantt.Folders[0].Children) != 1 {
		t.Fatalf("unexpected folder tree %#v", gantt.Folders)
	}
	rootTasks := gantt.Folders[0].Tasks
	if len(rootTasks) != 1 || rootTasks[0].ID != design.ID {
		t.Fatalf("unexpected root tasks %#v", rootTasks)
	}
	if len(rootTasks[0].Successors) != 1 || rootTasks[0].Successors[0] != build.ID {
		t.Fatalf("unexpected successors %#v", rootTasks[0].Successors)
	}
	fields := rootTasks[0].CustomFields
	if fields.Common["team"] != "shared" || fields.Mine["team"] != "mine" {
		t.Fatalf("unexpected custom fields %#v", fields)
	}
	childTasks := gantt.Folders[0].Children[0].Tasks
	if len(childTasks) != 1 || len(childTasks[0].Predecessors) != 1 {
		t.Fatalf("unexpected child tasks %#v", childTasks)
	}
}

func TestServicePurgeRequiresPermission(t *testing.T) {
	f := newFixture(t)
	wf := f.deliveryWorkflow(t, "u1")
	folder := f.folder(t, "Project", wf.ID, "")
	task := f.task(t, "Scratch", folder.ID, wf.States[0].ID, "")

	if err := f.svc.PurgeTask(f.ctx, "u1", task.ID); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.repo.GrantPermission(f.ctx, "u1", domain.ActionPurge, domain.EntityTask, task.ID); err != nil {
		t.Fatalf("GrantPermission() error = %v", err)
	}
	if err := f.svc.PurgeTask(f.ctx, "u1", task.ID); err != nil {
		t.Fatalf("PurgeTask() error = %v", err)
	}
	if _, err := f.svc.GetTask(f.ctx, task.ID); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after purge, got %v", err)
	}
	if err := f.svc.PurgeFolder(f.ctx, "u1", folder.ID); !errors.Is(err, app.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for folder purge, got %v", err)
	}
}
