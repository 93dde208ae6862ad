// Package views projects traversed folder and task rows into board, gantt
// and list shapes.
package views

import (
	"errors"

	"github.com/hylla/trellis/internal/domain"
)

// Kind names a projection.
type Kind string

const (
	KindBoard Kind = "board"
	KindGantt Kind = "gantt"
	KindList  Kind = "list"
)

// ParseKind validates a projection name.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(raw); k {
	case KindBoard, KindGantt, KindList:
		return k, nil
	default:
		return "", ErrUnknownKind
	}
}

var (
	ErrUnknownKind     = errors.New("unknown view kind")
	ErrUnknownGrouping = errors.New("unknown grouping")
)

// Catalog is the workflow and stage metadata a projection resolves states against.
type Catalog struct {
	Workflows   map[string]domain.Workflow
	States      map[string]domain.WorkflowState
	Stages      map[string]domain.SystemStage
	Codes       map[string]domain.DisplacementCode
	Transitions []domain.TransitionDetail
}

// NewCatalog indexes workflows, their transitions and the stage registry.
func NewCatalog(workflows []domain.Workflow, transitions []domain.TransitionDetail, stages []domain.SystemStage, codes []domain.DisplacementCode) Catalog {
	c := Catalog{
		Workflows:   make(map[string]domain.Workflow, len(workflows)),
		States:      map[string]domain.WorkflowState{},
		Stages:      make(map[string]domain.SystemStage, len(stages)),
		Codes:       make(map[string]domain.DisplacementCode, len(codes)),
		Transitions: transitions,
	}
	for _, wf := range workflows {
		c.Workflows[wf.ID] = wf
		for _, st := range wf.States {
			c.States[st.ID] = st
		}
	}
	for _, st := range stages {
		c.Stages[st.ID] = st
	}
	for _, code := range codes {
		c.Codes[code.ID] = code
	}
	return c
}

// StageKey resolves the column merge key of a state.
func (c Catalog) StageKey(stateID string) string {
	st, ok := c.States[stateID]
	if !ok {
		return ""
	}
	if st.SystemStageID != "" {
		if stage, ok := c.Stages[st.SystemStageID]; ok {
			return domain.StageKey(&stage, nil)
		}
		return "state:" + st.Code
	}
	code, ok := c.Codes[st.DisplacementCodeID]
	if !ok {
		return "state:" + st.Code
	}
	var stage *domain.SystemStage
	if mapped, ok := c.Stages[code.SystemStageID]; ok {
		stage = &mapped
	}
	return domain.StageKey(stage, &code)
}

// outgoing returns the transitions leaving stateID.
func (c Catalog) outgoing(stateID string) []domain.TransitionDetail {
	out := []domain.TransitionDetail{}
	for _, tr := range c.Transitions {
		if tr.FromStateID == stateID {
			out = append(out, tr)
		}
	}
	return out
}
