package views

import (
	"time"

	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/hierarchy"
)

// GanttInput is everything a gantt projection reads.
type GanttInput struct {
	Folders      []FolderRow
	Tasks        []TaskRow
	Dependencies []domain.TaskDependency
	Fields       []domain.CustomFieldValue
	CallerID     string
}

// GanttFields splits custom field values into shared and caller-scoped sets.
type GanttFields struct {
	Common map[string]string `json:"common"`
	Mine   map[string]string `json:"mine"`
}

// GanttTask is a scheduled task with its dependency edges and subtasks.
type GanttTask struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	FolderID     string            `json:"folderId"`
	StateID      string            `json:"stateId"`
	Importance   domain.Importance `json:"importance"`
	Assignees    []string          `json:"assignees"`
	StartDate    *time.Time        `json:"startDate,omitempty"`
	EndDate      *time.Time        `json:"endDate,omitempty"`
	Predecessors []string          `json:"predecessors"`
	Successors   []string          `json:"successors"`
	CustomFields GanttFields       `json:"customFields"`
	Children     []*GanttTask      `json:"children,omitempty"`
}

// GanttFolder is a folder of the gantt tree with its own task tree.
type GanttFolder struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	WorkflowID string         `json:"workflowId,omitempty"`
	StartDate  *time.Time     `json:"startDate,omitempty"`
	EndDate    *time.Time     `json:"endDate,omitempty"`
	Tasks      []*GanttTask   `json:"tasks"`
	Children   []*GanttFolder `json:"children,omitempty"`
}

// Gantt is the gantt projection.
type Gantt struct {
	Folders []*GanttFolder `json:"folders"`
}

// BuildGantt nests folders and, inside each, that folder's task tree.
func BuildGantt(in GanttInput) (Gantt, error) {
	folderRoots, err := hierarchy.BuildTree(acyclic(in.Folders))
	if err != nil {
		return Gantt{}, err
	}
	taskRoots, err := hierarchy.BuildTree(acyclic(in.Tasks))
	if err != nil {
		return Gantt{}, err
	}

	g := ganttBuilder{
		preds:  map[string][]string{},
		succs:  map[string][]string{},
		common: map[string]map[string]string{},
		mine:   map[string]map[string]string{},
		tasks:  map[string][]*hierarchy.Node[domain.PlacedTask]{},
	}
	for _, dep := range in.Dependencies {
		g.preds[dep.SuccessorID] = appendUnique(g.preds[dep.SuccessorID], dep.PredecessorID)
		g.succs[dep.PredecessorID] = appendUnique(g.succs[dep.PredecessorID], dep.SuccessorID)
	}
	for _, f := range in.Fields {
		target := g.common
		if f.UserID != "" {
			if f.UserID != in.CallerID {
				continue
			}
			target = g.mine
		}
		if target[f.TaskID] == nil {
			target[f.TaskID] = map[string]string{}
		}
		target[f.TaskID][f.FieldKey] = f.Value
	}
	for _, root := range taskRoots {
		folderID := root.Row.Item.Relation.FolderID
		g.tasks[folderID] = append(g.tasks[folderID], root)
	}

	return Gantt{Folders: g.folders(folderRoots)}, nil
}

type ganttBuilder struct {
	preds  map[string][]string
	succs  map[string][]string
	common map[string]map[string]string
	mine   map[string]map[string]string
	tasks  map[string][]*hierarchy.Node[domain.PlacedTask]
}

func (g ganttBuilder) folders(nodes []*hierarchy.Node[domain.Folder]) []*GanttFolder {
	out := make([]*GanttFolder, 0, len(nodes))
	for _, n := range nodes {
		f := n.Row.Item
		gf := &GanttFolder{
			ID:         f.ID,
			Title:      f.Title,
			WorkflowID: f.WorkflowID,
			StartDate:  f.StartDate,
			EndDate:    f.EndDate,
			Tasks:      g.taskNodes(g.tasks[f.ID]),
		}
		if len(n.Children) > 0 {
			gf.Children = g.folders(n.Children)
		}
		out = append(out, gf)
	}
	return out
}

func (g ganttBuilder) taskNodes(nodes []*hierarchy.Node[domain.PlacedTask]) []*GanttTask {
	out := make([]*GanttTask, 0, len(nodes))
	for _, n := range nodes {
		p := n.Row.Item
		gt := &GanttTask{
			ID:           p.Task.ID,
			Title:        p.Task.Title,
			FolderID:     p.Relation.FolderID,
			StateID:      p.Relation.StateID,
			Importance:   p.Task.Importance,
			Assignees:    p.Task.Assignees,
			StartDate:    p.Task.StartDate,
			EndDate:      p.Task.DueDate,
			Predecessors: orEmpty(g.preds[p.Task.ID]),
			Successors:   orEmpty(g.succs[p.Task.ID]),
			CustomFields: GanttFields{
				Common: orEmptyMap(g.common[p.Task.ID]),
				Mine:   orEmptyMap(g.mine[p.Task.ID]),
			},
		}
		if len(n.Children) > 0 {
			gt.Children = g.taskNodes(n.Children)
		}
		out = append(out, gt)
	}
	return out
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
