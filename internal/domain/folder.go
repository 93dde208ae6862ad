package domain

import (
	"strings"
	"time"
)

// Folder is a container node of the folder DAG.
type Folder struct {
	ID         string
	Title      string
	OwnerID    string
	WorkflowID string
	StartDate  *time.Time
	EndDate    *time.Time
	Members    []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ArchivedAt *time.Time
	DeletedAt  *time.Time
}

// FolderInput holds input values for folder construction.
type FolderInput struct {
	ID         string
	Title      string
	OwnerID    string
	WorkflowID string
	StartDate  *time.Time
	EndDate    *time.Time
	Members    []string
}

// NewFolder constructs a new value for this package.
func NewFolder(in FolderInput, now time.Time) (Folder, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Title = strings.TrimSpace(in.Title)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	if in.ID == "" || in.OwnerID == "" {
		return Folder{}, ErrInvalidID
	}
	if in.Title == "" {
		return Folder{}, ErrInvalidTitle
	}
	start, end := normalizeDate(in.StartDate), normalizeDate(in.EndDate)
	if start != nil && end != nil && end.Before(*start) {
		return Folder{}, ErrInvalidDateRange
	}
	return Folder{
		ID:         in.ID,
		Title:      in.Title,
		OwnerID:    in.OwnerID,
		WorkflowID: strings.TrimSpace(in.WorkflowID),
		StartDate:  start,
		EndDate:    end,
		Members:    normalizeIDs(in.Members),
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}, nil
}

// SetWorkflow binds the folder to a workflow; an empty id unbinds it.
func (f *Folder) SetWorkflow(workflowID string, now time.Time) {
	f.WorkflowID = strings.TrimSpace(workflowID)
	f.UpdatedAt = now.UTC()
}

// Archive archives the folder.
func (f *Folder) Archive(now time.Time) {
	ts := now.UTC()
	f.ArchivedAt = &ts
	f.UpdatedAt = ts
}

// SoftDelete marks the folder deleted without removing it.
func (f *Folder) SoftDelete(now time.Time) {
	ts := now.UTC()
	f.DeletedAt = &ts
	f.UpdatedAt = ts
}

// Restore clears archived and deleted markers.
func (f *Folder) Restore(now time.Time) {
	f.ArchivedAt = nil
	f.DeletedAt = nil
	f.UpdatedAt = now.UTC()
}

// FolderRelation places a child folder under a parent at an index.
type FolderRelation struct {
	ParentID string
	ChildID  string
	Index    int
}

// NewFolderRelation constructs a new value for this package.
func NewFolderRelation(parentID, childID string, index int) (FolderRelation, error) {
	parentID = strings.TrimSpace(parentID)
	childID = strings.TrimSpace(childID)
	if parentID == "" || childID == "" {
		return FolderRelation{}, ErrInvalidID
	}
	if parentID == childID {
		return FolderRelation{}, ErrInvalidRelation
	}
	if index < 0 {
		return FolderRelation{}, ErrInvalidIndex
	}
	return FolderRelation{ParentID: parentID, ChildID: childID, Index: index}, nil
}

// normalizeDate truncates a date to UTC seconds.
func normalizeDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := t.UTC().Truncate(time.Second)
	return &ts
}
