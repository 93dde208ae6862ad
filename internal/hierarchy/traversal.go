// Package hierarchy walks folder and task DAGs into flat path-annotated rows
// and rebuilds nested trees from them.
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// PathSeparator joins path segments into row keys.
const PathSeparator = "/"

// ErrOrphanRow reports a row whose parent path is not part of the row set.
var ErrOrphanRow = errors.New("row parent is missing from traversal")

// Row is one visit of an entity during traversal. The same entity yields one
// row per distinct path from the traversal roots.
type Row[T any] struct {
	ID       string
	ParentID string
	Depth    int
	Path     []string
	Cyclic   bool
	Item     T
}

// Key returns the serialized path of the row.
func (r Row[T]) Key() string {
	return strings.Join(r.Path, PathSeparator)
}

// ParentKey returns the serialized path of the row's parent.
func (r Row[T]) ParentKey() string {
	if len(r.Path) < 2 {
		return ""
	}
	return strings.Join(r.Path[:len(r.Path)-1], PathSeparator)
}

// Root builds a depth-zero row. Prefix segments, such as the folder a task
// tree is scoped to, lead the path without being rows themselves.
func Root[T any](id string, item T, prefix ...string) Row[T] {
	path := make([]string, 0, len(prefix)+1)
	path = append(path, prefix...)
	path = append(path, id)
	return Row[T]{ID: id, Path: path, Item: item}
}

// Child pairs a loaded child entity with its id.
type Child[T any] struct {
	ID   string
	Item T
}

// ChildLoader returns the children of every frontier row in one round trip,
// keyed by the parent row's Key.
type ChildLoader[T any] interface {
	LoadChildren(ctx context.Context, frontier []Row[T]) (map[string][]Child[T], error)
}

// ChildLoaderFunc adapts a function to ChildLoader.
type ChildLoaderFunc[T any] func(ctx context.Context, frontier []Row[T]) (map[string][]Child[T], error)

// LoadChildren calls f.
func (f ChildLoaderFunc[T]) LoadChildren(ctx context.Context, frontier []Row[T]) (map[string][]Child[T], error) {
	return f(ctx, frontier)
}

// Options bounds a traversal.
type Options struct {
	// MaxDepth stops expansion below this depth; zero means unbounded.
	MaxDepth int
}

// Expand walks from roots breadth first. A child already present on its own
// branch path is emitted with Cyclic set and is not expanded further.
func Expand[T any](ctx context.Context, roots []Row[T], loader ChildLoader[T], opts Options) ([]Row[T], error) {
	out := make([]Row[T], 0, len(roots))
	frontier := make([]Row[T], 0, len(roots))
	for _, root := range roots {
		root.Depth = 0
		root.ParentID = ""
		out = append(out, root)
		frontier = append(frontier, root)
	}

	for depth := 0; len(frontier) > 0; depth++ {
		if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		children, err := loader.LoadChildren(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("load children at depth %d: %w", depth+1, err)
		}

		next := make([]Row[T], 0, len(frontier))
		for _, parent := range frontier {
			for _, child := range children[parent.Key()] {
				path := make([]string, len(parent.Path)+1)
				copy(path, parent.Path)
				path[len(parent.Path)] = child.ID
				row := Row[T]{
					ID:       child.ID,
					ParentID: parent.ID,
					Depth:    parent.Depth + 1,
					Path:     path,
					Cyclic:   onPath(parent.Path, child.ID),
					Item:     child.Item,
				}
				out = append(out, row)
				if !row.Cyclic {
					next = append(next, row)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

// ParentLoader returns the parent ids of every requested id.
type ParentLoader interface {
	LoadParents(ctx context.Context, ids []string) (map[string][]string, error)
}

// Ancestors returns every id reachable upward from id, nearest first. It
// tolerates cycles and does not include id unless id is its own ancestor.
func Ancestors(ctx context.Context, id string, loader ParentLoader) ([]string, error) {
	seen := map[string]struct{}{}
	out := []string{}
	frontier := []string{id}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parents, err := loader.LoadParents(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("load parents: %w", err)
		}
		next := []string{}
		for _, childID := range frontier {
			for _, parentID := range parents[childID] {
				if _, ok := seen[parentID]; ok {
					continue
				}
				seen[parentID] = struct{}{}
				out = append(out, parentID)
				next = append(next, parentID)
			}
		}
		frontier = next
	}
	return out, nil
}

func onPath(path []string, id string) bool {
	for _, seg := range path {
		if seg == id {
			return true
		}
	}
	return false
}
