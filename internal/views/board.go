package views

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hylla/trellis/internal/domain"
)

// ErrUnknownState reports a task placed at a state missing from the catalog.
var ErrUnknownState = errors.New("task state missing from catalog")

// BoardInput is everything a board projection reads.
type BoardInput struct {
	Folders  []FolderRow
	Tasks    []TaskRow
	Catalog  Catalog
	Grouping Grouping
	Fields   FieldValues
	Page     int
	PageSize int
}

// BoardColumn is one merged column. States of different workflows share a
// column when they resolve to the same stage key.
type BoardColumn struct {
	Key                string                 `json:"key"`
	Title              string                 `json:"title"`
	Color              string                 `json:"color,omitempty"`
	Index              int                    `json:"index"`
	Completed          bool                   `json:"completed"`
	StateIDs           []string               `json:"stateIds"`
	Codes              []string               `json:"codes"`
	FolderIDs          []string               `json:"folderIds"`
	SwimlaneConstraint []string               `json:"swimlaneConstraint"`
	UserConstraint     []string               `json:"userConstraint"`
	Total              int                    `json:"total"`
	Tasks              []*TaskNode            `json:"tasks,omitempty"`
	Groups             map[string][]*TaskNode `json:"groups,omitempty"`

	taskSeen map[string]struct{}
}

// Board is the board projection.
type Board struct {
	Columns []*BoardColumn `json:"columns"`
}

// BuildBoard merges the columns of every workflow bound to the folder set and
// distributes the nested top-level tasks into them.
func BuildBoard(in BoardInput) (Board, error) {
	b := boardBuilder{catalog: in.Catalog, byKey: map[string]*BoardColumn{}}

	seenFolder := map[string]struct{}{}
	for _, row := range acyclic(in.Folders) {
		if _, ok := seenFolder[row.ID]; ok {
			continue
		}
		seenFolder[row.ID] = struct{}{}
		wf, ok := in.Catalog.Workflows[row.Item.WorkflowID]
		if !ok {
			continue
		}
		for _, st := range wf.States {
			b.addState(st, row.ID)
		}
	}

	roots, err := taskForest(in.Tasks)
	if err != nil {
		return Board{}, err
	}
	for _, task := range roots {
		st, ok := in.Catalog.States[task.StateID]
		if !ok {
			return Board{}, fmt.Errorf("%w: task %s state %s", ErrUnknownState, task.ID, task.StateID)
		}
		col := b.addState(st, task.FolderID)
		if _, dup := col.taskSeen[task.ID]; dup {
			continue
		}
		col.taskSeen[task.ID] = struct{}{}
		col.Tasks = append(col.Tasks, task)
	}

	out := Board{Columns: b.columns}
	for _, col := range out.Columns {
		col.Total = len(col.Tasks)
		col.Tasks = paginate(col.Tasks, in.Page, in.PageSize)
		if in.Grouping.Enabled() {
			col.Groups = group(col.Tasks, in.Grouping, in.Fields)
			col.Tasks = nil
		}
	}
	slices.SortStableFunc(out.Columns, func(a, b *BoardColumn) int {
		if a.Index != b.Index {
			return a.Index - b.Index
		}
		return strings.Compare(a.Key, b.Key)
	})
	return out, nil
}

type boardBuilder struct {
	catalog Catalog
	byKey   map[string]*BoardColumn
	columns []*BoardColumn
}

// addState merges st into its column, creating the column on first sight.
func (b *boardBuilder) addState(st domain.WorkflowState, folderID string) *BoardColumn {
	key := b.catalog.StageKey(st.ID)
	col, ok := b.byKey[key]
	if !ok {
		col = &BoardColumn{
			Key:                key,
			Title:              st.Title,
			Color:              st.Color,
			Index:              st.Index,
			StateIDs:           []string{},
			Codes:              []string{},
			FolderIDs:          []string{},
			SwimlaneConstraint: []string{},
			UserConstraint:     []string{},
			taskSeen:           map[string]struct{}{},
		}
		b.byKey[key] = col
		b.columns = append(b.columns, col)
	}
	col.Index = min(col.Index, st.Index)
	col.Completed = col.Completed || st.Completed
	col.FolderIDs = appendUnique(col.FolderIDs, folderID)
	if slices.Contains(col.StateIDs, st.ID) {
		return col
	}
	col.StateIDs = append(col.StateIDs, st.ID)
	col.Codes = appendUnique(col.Codes, st.Code)
	for _, tr := range b.catalog.outgoing(st.ID) {
		col.SwimlaneConstraint = appendUnique(col.SwimlaneConstraint, tr.ToCode)
		col.UserConstraint = appendUnique(col.UserConstraint, tr.UserIDs...)
	}
	return col
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" || slices.Contains(dst, v) {
			continue
		}
		dst = append(dst, v)
	}
	return dst
}
