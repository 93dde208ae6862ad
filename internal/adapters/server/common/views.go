package common

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/filter"
	"github.com/hylla/trellis/internal/views"
)

// ViewQuery is the flat parameter set a view request arrives with over HTTP
// query strings or MCP tool arguments.
type ViewQuery struct {
	Kind         string `validate:"required,oneof=board gantt list"`
	RootFolderID string `validate:"required"`
	ShowArchived bool
	ShowDeleted  bool
	GroupBy      string
	GroupField   string
	Page         int `validate:"gte=0"`
	PageSize     int `validate:"gte=0"`

	TaskOwnerID  string
	Title        string
	From         string
	To           string
	Assignees    []string
	Importance   []string `validate:"dive,oneof=low normal high critical"`
	StateIDs     []string
	Tags         []string
	ProminentTag string

	FolderOwnerID string
	FolderDate    string
	FolderMembers []string
}

// Values reads parameters by name.
type Values interface {
	Get(key string) string
	List(key string) []string
}

// ValuesFunc adapts a single-value getter and a list getter.
type ValuesFunc struct {
	GetFunc  func(string) string
	ListFunc func(string) []string
}

func (v ValuesFunc) Get(key string) string { return v.GetFunc(key) }

func (v ValuesFunc) List(key string) []string { return v.ListFunc(key) }

// URLValues reads parameters from a query string.
func URLValues(v url.Values) Values {
	return ValuesFunc{
		GetFunc:  v.Get,
		ListFunc: func(key string) []string { return v[key] },
	}
}

// ParseViewQuery reads the view parameters for kind.
func ParseViewQuery(kind string, v Values) (ViewQuery, error) {
	q := ViewQuery{
		Kind:          strings.TrimSpace(kind),
		RootFolderID:  strings.TrimSpace(v.Get("root")),
		GroupBy:       strings.TrimSpace(v.Get("groupBy")),
		GroupField:    strings.TrimSpace(v.Get("groupField")),
		TaskOwnerID:   strings.TrimSpace(v.Get("owner")),
		Title:         strings.TrimSpace(v.Get("title")),
		From:          v.Get("from"),
		To:            v.Get("to"),
		Assignees:     splitList(v.List("assignee")),
		Importance:    splitList(v.List("importance")),
		StateIDs:      splitList(v.List("state")),
		Tags:          splitList(v.List("tag")),
		ProminentTag:  strings.TrimSpace(v.Get("prominentTag")),
		FolderOwnerID: strings.TrimSpace(v.Get("folderOwner")),
		FolderDate:    v.Get("folderDate"),
		FolderMembers: splitList(v.List("member")),
	}
	var err error
	if q.ShowArchived, err = parseBool(v.Get("showArchived")); err != nil {
		return ViewQuery{}, err
	}
	if q.ShowDeleted, err = parseBool(v.Get("showDeleted")); err != nil {
		return ViewQuery{}, err
	}
	if q.Page, err = parseInt("page", v.Get("page")); err != nil {
		return ViewQuery{}, err
	}
	if q.PageSize, err = parseInt("pageSize", v.Get("pageSize")); err != nil {
		return ViewQuery{}, err
	}
	return q, Validate(q)
}

// Request converts the query into a service view request.
func (q ViewQuery) Request(callerID string) (views.Kind, app.ViewRequest, error) {
	kind, err := views.ParseKind(q.Kind)
	if err != nil {
		return "", app.ViewRequest{}, fmt.Errorf("%w: %w", app.ErrValidation, err)
	}
	from, err := ParseDate(q.From)
	if err != nil {
		return "", app.ViewRequest{}, err
	}
	to, err := ParseDate(q.To)
	if err != nil {
		return "", app.ViewRequest{}, err
	}
	folderDate, err := ParseDate(q.FolderDate)
	if err != nil {
		return "", app.ViewRequest{}, err
	}
	importance := make([]domain.Importance, 0, len(q.Importance))
	for _, level := range q.Importance {
		importance = append(importance, domain.Importance(level))
	}
	return kind, app.ViewRequest{
		RootFolderID: q.RootFolderID,
		CallerID:     callerID,
		Folders: filter.FolderFilter{
			OwnerID: q.FolderOwnerID,
			Date:    folderDate,
			Members: q.FolderMembers,
		},
		Tasks: filter.TaskFilter{
			OwnerID:      q.TaskOwnerID,
			From:         from,
			To:           to,
			Assignees:    q.Assignees,
			Importance:   importance,
			Title:        q.Title,
			StateIDs:     q.StateIDs,
			Tags:         q.Tags,
			ProminentTag: q.ProminentTag,
		},
		ShowArchived: q.ShowArchived,
		ShowDeleted:  q.ShowDeleted,
		Grouping:     views.Grouping{By: q.GroupBy, Field: q.GroupField},
		Page:         q.Page,
		PageSize:     q.PageSize,
	}, nil
}

// splitList flattens repeated and comma separated values.
func splitList(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseBool(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: invalid boolean %q", app.ErrValidation, raw)
	}
	return v, nil
}

func parseInt(name, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", app.ErrValidation, name, raw)
	}
	return v, nil
}
