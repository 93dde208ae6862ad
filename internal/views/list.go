package views

// ListInput is one page of top-level task rows followed by the descendant
// rows fetched for exactly those tasks.
type ListInput struct {
	Rows      []TaskRow
	Grouping  Grouping
	Fields    FieldValues
	Page      int
	PageSize  int
	Total     int
	PerFolder map[string]int
}

// List is the list projection.
type List struct {
	Tasks     []*TaskNode            `json:"tasks,omitempty"`
	Groups    map[string][]*TaskNode `json:"groups,omitempty"`
	Page      int                    `json:"page"`
	PageSize  int                    `json:"pageSize"`
	Total     int                    `json:"total"`
	PerFolder map[string]int         `json:"perFolder"`
}

// BuildList nests the page's descendants under their top-level tasks.
func BuildList(in ListInput) (List, error) {
	tasks, err := taskForest(in.Rows)
	if err != nil {
		return List{}, err
	}
	perFolder := in.PerFolder
	if perFolder == nil {
		perFolder = map[string]int{}
	}
	out := List{
		Tasks:     tasks,
		Page:      max(in.Page, 1),
		PageSize:  in.PageSize,
		Total:     in.Total,
		PerFolder: perFolder,
	}
	if in.Grouping.Enabled() {
		out.Groups = group(tasks, in.Grouping, in.Fields)
		out.Tasks = nil
	}
	if out.Tasks == nil && out.Groups == nil {
		out.Tasks = []*TaskNode{}
	}
	return out, nil
}
