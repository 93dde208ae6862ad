package domain

import (
	"slices"
	"strings"
	"time"
)

type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceNormal   Importance = "normal"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

var validImportance = []Importance{ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceCritical}

// IsValidImportance reports whether v is a known importance level.
func IsValidImportance(v Importance) bool {
	return slices.Contains(validImportance, v)
}

type Task struct {
	ID           string
	Title        string
	Description  string
	OwnerID      string
	Importance   Importance
	StartDate    *time.Time
	DueDate      *time.Time
	Assignees    []string
	Tags         []string
	ProminentTag string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ArchivedAt   *time.Time
	DeletedAt    *time.Time
}

type TaskInput struct {
	ID           string
	Title        string
	Description  string
	OwnerID      string
	Importance   Importance
	StartDate    *time.Time
	DueDate      *time.Time
	Assignees    []string
	Tags         []string
	ProminentTag string
}

func NewTask(in TaskInput, now time.Time) (Task, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)

	if in.ID == "" || in.OwnerID == "" {
		return Task{}, ErrInvalidID
	}
	if in.Title == "" {
		return Task{}, ErrInvalidTitle
	}
	if in.Importance == "" {
		in.Importance = ImportanceNormal
	}
	if !IsValidImportance(in.Importance) {
		return Task{}, ErrInvalidImportance
	}
	start, due := normalizeDate(in.StartDate), normalizeDate(in.DueDate)
	if start != nil && due != nil && due.Before(*start) {
		return Task{}, ErrInvalidDateRange
	}

	tags := normalizeTags(in.Tags)
	prominent := strings.ToLower(strings.TrimSpace(in.ProminentTag))
	if prominent != "" && !slices.Contains(tags, prominent) {
		tags = append(tags, prominent)
		slices.Sort(tags)
	}

	return Task{
		ID:           in.ID,
		Title:        in.Title,
		Description:  in.Description,
		OwnerID:      in.OwnerID,
		Importance:   in.Importance,
		StartDate:    start,
		DueDate:      due,
		Assignees:    normalizeIDs(in.Assignees),
		Tags:         tags,
		ProminentTag: prominent,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}, nil
}

func (t *Task) UpdateDetails(title, description string, importance Importance, start, due *time.Time, now time.Time) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return ErrInvalidTitle
	}
	if !IsValidImportance(importance) {
		return ErrInvalidImportance
	}
	start, due = normalizeDate(start), normalizeDate(due)
	if start != nil && due != nil && due.Before(*start) {
		return ErrInvalidDateRange
	}
	t.Title = title
	t.Description = strings.TrimSpace(description)
	t.Importance = importance
	t.StartDate = start
	t.DueDate = due
	t.UpdatedAt = now.UTC()
	return nil
}

func (t *Task) Archive(now time.Time) {
	ts := now.UTC()
	t.ArchivedAt = &ts
	t.UpdatedAt = ts
}

func (t *Task) SoftDelete(now time.Time) {
	ts := now.UTC()
	t.DeletedAt = &ts
	t.UpdatedAt = ts
}

func (t *Task) Restore(now time.Time) {
	t.ArchivedAt = nil
	t.DeletedAt = nil
	t.UpdatedAt = now.UTC()
}

// TaskRelation places a task inside a folder, at a workflow state, optionally
// under a parent task of the same folder.
type TaskRelation struct {
	FolderID     string
	TaskID       string
	StateID      string
	ParentTaskID string
	Index        int
}

// NewTaskRelation constructs a new value for this package.
func NewTaskRelation(folderID, taskID, stateID, parentTaskID string, index int) (TaskRelation, error) {
	folderID = strings.TrimSpace(folderID)
	taskID = strings.TrimSpace(taskID)
	stateID = strings.TrimSpace(stateID)
	parentTaskID = strings.TrimSpace(parentTaskID)
	if folderID == "" || taskID == "" || stateID == "" {
		return TaskRelation{}, ErrInvalidID
	}
	if parentTaskID == taskID {
		return TaskRelation{}, ErrInvalidRelation
	}
	if index < 0 {
		return TaskRelation{}, ErrInvalidIndex
	}
	return TaskRelation{
		FolderID:     folderID,
		TaskID:       taskID,
		StateID:      stateID,
		ParentTaskID: parentTaskID,
		Index:        index,
	}, nil
}

// TaskDependency orders two tasks for gantt scheduling.
type TaskDependency struct {
	PredecessorID string
	SuccessorID   string
}

// NewTaskDependency constructs a new value for this package.
func NewTaskDependency(predecessorID, successorID string) (TaskDependency, error) {
	predecessorID = strings.TrimSpace(predecessorID)
	successorID = strings.TrimSpace(successorID)
	if predecessorID == "" || successorID == "" {
		return TaskDependency{}, ErrInvalidID
	}
	if predecessorID == successorID {
		return TaskDependency{}, ErrInvalidDependency
	}
	return TaskDependency{PredecessorID: predecessorID, SuccessorID: successorID}, nil
}

// CustomFieldValue is a task field value; an empty UserID marks a common value.
type CustomFieldValue struct {
	TaskID   string
	FieldKey string
	Value    string
	UserID   string
}

// NewCustomFieldValue constructs a new value for this package.
func NewCustomFieldValue(taskID, fieldKey, value, userID string) (CustomFieldValue, error) {
	taskID = strings.TrimSpace(taskID)
	fieldKey = strings.TrimSpace(fieldKey)
	if taskID == "" {
		return CustomFieldValue{}, ErrInvalidID
	}
	if fieldKey == "" {
		return CustomFieldValue{}, ErrInvalidFieldKey
	}
	return CustomFieldValue{
		TaskID:   taskID,
		FieldKey: fieldKey,
		Value:    value,
		UserID:   strings.TrimSpace(userID),
	}, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]struct{}{}
	for _, raw := range tags {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// PlacedTask is a task read together with one of its folder placements.
type PlacedTask struct {
	Task     Task
	Relation TaskRelation
}
