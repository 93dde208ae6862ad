package hierarchy

import "fmt"

// Node is one row placed in a reconstructed tree.
type Node[T any] struct {
	Row      Row[T]
	Children []*Node[T]
}

// BuildTree nests rows by path in linear time. Rows that name no parent
// become roots whatever their depth; every other row must find its parent
// path among the rows, and the row found there must be the named parent.
// Sibling order follows row order and a repeated path keeps its first row.
func BuildTree[T any](rows []Row[T]) ([]*Node[T], error) {
	byKey := make(map[string]*Node[T], len(rows))
	ordered := make([]*Node[T], 0, len(rows))
	for _, row := range rows {
		key := row.Key()
		if _, ok := byKey[key]; ok {
			continue
		}
		node := &Node[T]{Row: row}
		byKey[key] = node
		ordered = append(ordered, node)
	}

	roots := []*Node[T]{}
	for _, node := range ordered {
		if node.Row.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := byKey[node.Row.ParentKey()]
		if !ok || parent.Row.ID != node.Row.ParentID {
			return nil, fmt.Errorf("%w: %s", ErrOrphanRow, node.Row.Key())
		}
		parent.Children = append(parent.Children, node)
	}
	return roots, nil
}

// Walk visits every node depth first, parents before children.
func Walk[T any](nodes []*Node[T], visit func(*Node[T])) {
	for _, n := range nodes {
		visit(n)
		Walk(n.Children, visit)
	}
}

// Count returns the number of nodes in the forest.
func Count[T any](nodes []*Node[T]) int {
	total := 0
	Walk(nodes, func(*Node[T]) { total++ })
	return total
}
