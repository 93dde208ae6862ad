package views

import (
	"time"

	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/hierarchy"
)

// TaskRow is one traversed task placement.
type TaskRow = hierarchy.Row[domain.PlacedTask]

// FolderRow is one traversed folder.
type FolderRow = hierarchy.Row[domain.Folder]

// TaskNode is a task placement with its nested subtasks. Traversal
// bookkeeping (depth, path, cycle marker) is not part of it.
type TaskNode struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	OwnerID      string            `json:"ownerId"`
	Importance   domain.Importance `json:"importance"`
	StartDate    *time.Time        `json:"startDate,omitempty"`
	DueDate      *time.Time        `json:"dueDate,omitempty"`
	Assignees    []string          `json:"assignees"`
	Tags         []string          `json:"tags"`
	ProminentTag string            `json:"prominentTag,omitempty"`
	FolderID     string            `json:"folderId"`
	StateID      string            `json:"stateId"`
	ParentTaskID string            `json:"parentTaskId,omitempty"`
	Index        int               `json:"index"`
	ArchivedAt   *time.Time        `json:"archivedAt,omitempty"`
	DeletedAt    *time.Time        `json:"deletedAt,omitempty"`
	Children     []*TaskNode       `json:"children,omitempty"`
}

// newTaskNode copies the presentable fields of a placement.
func newTaskNode(p domain.PlacedTask) *TaskNode {
	return &TaskNode{
		ID:           p.Task.ID,
		Title:        p.Task.Title,
		OwnerID:      p.Task.OwnerID,
		Importance:   p.Task.Importance,
		StartDate:    p.Task.StartDate,
		DueDate:      p.Task.DueDate,
		Assignees:    p.Task.Assignees,
		Tags:         p.Task.Tags,
		ProminentTag: p.Task.ProminentTag,
		FolderID:     p.Relation.FolderID,
		StateID:      p.Relation.StateID,
		ParentTaskID: p.Relation.ParentTaskID,
		Index:        p.Relation.Index,
		ArchivedAt:   p.Task.ArchivedAt,
		DeletedAt:    p.Task.DeletedAt,
	}
}

// taskForest rebuilds nested task nodes from rows, dropping cyclic repeats.
func taskForest(rows []TaskRow) ([]*TaskNode, error) {
	roots, err := hierarchy.BuildTree(acyclic(rows))
	if err != nil {
		return nil, err
	}
	return stripTasks(roots), nil
}

// stripTasks converts tree nodes into bookkeeping-free task nodes.
func stripTasks(nodes []*hierarchy.Node[domain.PlacedTask]) []*TaskNode {
	out := make([]*TaskNode, 0, len(nodes))
	for _, n := range nodes {
		tn := newTaskNode(n.Row.Item)
		if len(n.Children) > 0 {
			tn.Children = stripTasks(n.Children)
		}
		out = append(out, tn)
	}
	return out
}

// acyclic drops rows marked as cycle repeats.
func acyclic[T any](rows []hierarchy.Row[T]) []hierarchy.Row[T] {
	out := make([]hierarchy.Row[T], 0, len(rows))
	for _, r := range rows {
		if !r.Cyclic {
			out = append(out, r)
		}
	}
	return out
}

// paginate returns the requested 1-based page; a non-positive size disables paging.
func paginate[T any](items []T, page, size int) []T {
	if size <= 0 {
		return items
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(items) {
		return []T{}
	}
	end := min(start+size, len(items))
	return items[start:end]
}
