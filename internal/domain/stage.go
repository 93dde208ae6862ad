package domain

import (
	"strings"
	"time"
)

// CompletedStageCode is the code of the distinguished terminal system stage.
const CompletedStageCode = "Completed"

// SystemStage is a canonical stage shared across workflows.
type SystemStage struct {
	ID        string
	Code      string
	CreatedAt time.Time
}

// NewSystemStage constructs a new value for this package.
func NewSystemStage(id, code string, now time.Time) (SystemStage, error) {
	id = strings.TrimSpace(id)
	code = strings.TrimSpace(code)
	if id == "" {
		return SystemStage{}, ErrInvalidID
	}
	if code == "" {
		return SystemStage{}, ErrInvalidCode
	}
	return SystemStage{ID: id, Code: code, CreatedAt: now.UTC()}, nil
}

// IsCompleted reports whether the stage is the terminal "Completed" stage.
func (s SystemStage) IsCompleted() bool {
	return s.Code == CompletedStageCode
}

// DisplacementGroup groups displacement codes that may map onto system stages.
type DisplacementGroup struct {
	ID        string
	Title     string
	CreatedAt time.Time
}

// NewDisplacementGroup constructs a new value for this package.
func NewDisplacementGroup(id, title string, now time.Time) (DisplacementGroup, error) {
	id = strings.TrimSpace(id)
	title = strings.TrimSpace(title)
	if id == "" {
		return DisplacementGroup{}, ErrInvalidID
	}
	if title == "" {
		return DisplacementGroup{}, ErrInvalidTitle
	}
	return DisplacementGroup{ID: id, Title: title, CreatedAt: now.UTC()}, nil
}

// DisplacementCode is a group-local stage code, optionally mapped to a system stage.
type DisplacementCode struct {
	ID            string
	GroupID       string
	Code          string
	SystemStageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewDisplacementCode constructs a new value for this package.
func NewDisplacementCode(id, groupID, code, systemStageID string, now time.Time) (DisplacementCode, error) {
	id = strings.TrimSpace(id)
	groupID = strings.TrimSpace(groupID)
	code = strings.TrimSpace(code)
	if id == "" || groupID == "" {
		return DisplacementCode{}, ErrInvalidID
	}
	if code == "" {
		return DisplacementCode{}, ErrInvalidCode
	}
	return DisplacementCode{
		ID:            id,
		GroupID:       groupID,
		Code:          code,
		SystemStageID: strings.TrimSpace(systemStageID),
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}, nil
}

// Remap changes the code and its system stage mapping.
func (d *DisplacementCode) Remap(code, systemStageID string, now time.Time) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidCode
	}
	d.Code = code
	d.SystemStageID = strings.TrimSpace(systemStageID)
	d.UpdatedAt = now.UTC()
	return nil
}

// StageKey returns the key under which board columns of different workflows
// merge. States resolving to the same system stage share a key; a state whose
// displacement code has no stage mapping is keyed by that displacement code.
func StageKey(stage *SystemStage, displacement *DisplacementCode) string {
	if stage != nil && stage.Code != "" {
		return "stage:" + stage.Code
	}
	if displacement != nil {
		return "displacement:" + displacement.ID
	}
	return ""
}
