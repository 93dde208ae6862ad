package filter

import (
	"strings"
	"time"

	"github.com/hylla/trellis/internal/domain"
)

// SimilarityThreshold is the minimum trigram similarity for a fuzzy title match.
const SimilarityThreshold = 0.3

// DateWindow is the span added to a date range end so the whole end day matches.
const DateWindow = 24 * time.Hour

// FolderFilter holds the folder-level predicates of a view request.
type FolderFilter struct {
	OwnerID string     `json:"ownerId,omitempty"`
	Date    *time.Time `json:"date,omitempty"`
	Members []string   `json:"members,omitempty"`
}

// Fragments returns the folder predicates against table alias a.
func (f FolderFilter) Fragments(a string) []Fragment {
	out := []Fragment{}
	if owner := strings.TrimSpace(f.OwnerID); owner != "" {
		out = append(out, Where(a+".owner_id = ?", owner))
	}
	if f.Date != nil {
		out = append(out, Where("substr("+a+".start_date, 1, 10) = ?", f.Date.UTC().Format(DateLayout)))
	}
	if frag, ok := Overlap(a+".members_json", trimmed(f.Members)); ok {
		out = append(out, frag)
	}
	return out
}

// IsZero reports whether no folder predicate is set.
func (f FolderFilter) IsZero() bool {
	return len(f.Fragments("f")) == 0
}

// TaskFilter holds the task-level predicates of a view request.
type TaskFilter struct {
	OwnerID      string              `json:"ownerId,omitempty"`
	From         *time.Time          `json:"from,omitempty"`
	To           *time.Time          `json:"to,omitempty"`
	Assignees    []string            `json:"assignees,omitempty"`
	Importance   []domain.Importance `json:"importance,omitempty"`
	Title        string              `json:"title,omitempty"`
	StateIDs     []string            `json:"stateIds,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	ProminentTag string              `json:"prominentTag,omitempty"`
}

// Fragments returns the task predicates against task alias t and relation alias r.
func (f TaskFilter) Fragments(t, r string) []Fragment {
	out := []Fragment{}
	if owner := strings.TrimSpace(f.OwnerID); owner != "" {
		out = append(out, Where(t+".owner_id = ?", owner))
	}
	if f.From != nil {
		out = append(out, Where(t+".start_date >= ?", FormatTime(*f.From)))
	}
	if f.To != nil {
		out = append(out, Where(t+".start_date <= ?", FormatTime(f.To.Add(DateWindow))))
	}
	if frag, ok := Overlap(t+".assignees_json", trimmed(f.Assignees)); ok {
		out = append(out, frag)
	}
	importance := make([]string, 0, len(f.Importance))
	for _, v := range f.Importance {
		importance = append(importance, string(v))
	}
	if frag, ok := In(t+".importance", importance); ok {
		out = append(out, frag)
	}
	if title := strings.TrimSpace(f.Title); title != "" {
		out = append(out, Where("similarity("+t+".title, ?) > ?", title, SimilarityThreshold))
	}
	if frag, ok := In(r+".workflow_state_id", trimmed(f.StateIDs)); ok {
		out = append(out, frag)
	}
	if frag, ok := Overlap(t+".tags_json", lowered(f.Tags)); ok {
		out = append(out, frag)
	}
	if tag := strings.ToLower(strings.TrimSpace(f.ProminentTag)); tag != "" {
		out = append(out, Where(t+".prominent_tag = ?", tag))
	}
	return out
}

// IsZero reports whether no task predicate is set.
func (f TaskFilter) IsZero() bool {
	return len(f.Fragments("t", "r")) == 0
}

// Lifecycle returns the archived/deleted predicates for alias a.
func Lifecycle(a string, lf domain.LifecycleFilter) []Fragment {
	out := []Fragment{}
	if !lf.IncludeArchived {
		out = append(out, Where(a+".archived_at IS NULL"))
	}
	if !lf.IncludeDeleted {
		out = append(out, Where(a+".deleted_at IS NULL"))
	}
	return out
}

func trimmed(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func lowered(in []string) []string {
	out := trimmed(in)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}
