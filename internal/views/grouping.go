package views

import (
	"fmt"
	"strings"

	"github.com/hylla/trellis/internal/filter"
)

// OthersGroup collects tasks that have no value for a grouping key.
const OthersGroup = "others"

// Grouping field names.
const (
	GroupNone         = ""
	GroupAssignees    = "assignees"
	GroupTags         = "tags"
	GroupCustomFields = "customFields"
	GroupStartDate    = "startDate"
	GroupImportance   = "importance"
	GroupOwner        = "ownerId"
	GroupProminentTag = "prominentTag"
)

// Grouping selects how a task list is split into keyed buckets. Field names
// the custom field key when By is GroupCustomFields.
type Grouping struct {
	By    string `json:"by,omitempty"`
	Field string `json:"field,omitempty"`
}

// Validate rejects unknown groupings.
func (g Grouping) Validate() error {
	switch g.By {
	case GroupNone, GroupAssignees, GroupTags, GroupStartDate, GroupImportance, GroupOwner, GroupProminentTag:
		return nil
	case GroupCustomFields:
		if strings.TrimSpace(g.Field) == "" {
			return fmt.Errorf("%w: customFields requires a field key", ErrUnknownGrouping)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownGrouping, g.By)
	}
}

// Enabled reports whether grouping applies.
func (g Grouping) Enabled() bool {
	return g.By != GroupNone
}

// FieldValues maps task id to custom field key to the value the caller sees.
type FieldValues map[string]map[string]string

// group buckets tasks by key. A multi-valued key lists a task under every
// value it has and under OthersGroup when it has none.
func group(tasks []*TaskNode, g Grouping, fields FieldValues) map[string][]*TaskNode {
	out := map[string][]*TaskNode{}
	for _, task := range tasks {
		keys := groupKeys(task, g, fields)
		if len(keys) == 0 {
			keys = []string{OthersGroup}
		}
		for _, key := range keys {
			out[key] = append(out[key], task)
		}
	}
	return out
}

func groupKeys(task *TaskNode, g Grouping, fields FieldValues) []string {
	switch g.By {
	case GroupAssignees:
		return task.Assignees
	case GroupTags:
		return task.Tags
	case GroupCustomFields:
		if v := strings.TrimSpace(fields[task.ID][g.Field]); v != "" {
			return []string{v}
		}
	case GroupStartDate:
		if task.StartDate != nil {
			return []string{task.StartDate.UTC().Format(filter.DateLayout)}
		}
	case GroupImportance:
		return nonEmpty(string(task.Importance))
	case GroupOwner:
		return nonEmpty(task.OwnerID)
	case GroupProminentTag:
		return nonEmpty(task.ProminentTag)
	}
	return nil
}

func nonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
