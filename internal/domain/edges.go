package domain

import "strings"

// EdgeSpec is a transition between two state refs plus the allowlist copied
// from the target state's user constraint.
type EdgeSpec struct {
	FromRef string
	ToRef   string
	UserIDs []string
}

// BuildEdges derives the transition set of a workflow from its state inputs.
// A state that declares a swimlane constraint gets one edge per listed target;
// a state that declares none is connected to every other state.
func BuildEdges(states []StateInput) ([]EdgeSpec, error) {
	byRef := make(map[string]int, len(states))
	for i, st := range states {
		ref := strings.TrimSpace(st.Ref)
		if ref == "" {
			return nil, ErrInvalidCode
		}
		if _, ok := byRef[ref]; ok {
			return nil, ErrDuplicateStateRef
		}
		byRef[ref] = i
	}

	edges := make([]EdgeSpec, 0, len(states)*2)
	for i, st := range states {
		from := strings.TrimSpace(st.Ref)
		if st.SwimlaneConstraint == nil {
			for j, target := range states {
				if i == j {
					continue
				}
				edges = append(edges, newEdgeSpec(from, target))
			}
			continue
		}
		seen := map[string]struct{}{}
		for _, raw := range st.SwimlaneConstraint {
			ref := strings.TrimSpace(raw)
			j, ok := byRef[ref]
			if !ok {
				return nil, ErrInvalidConstraintRef
			}
			if j == i {
				return nil, ErrSelfTransition
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			edges = append(edges, newEdgeSpec(from, states[j]))
		}
	}
	return edges, nil
}

// newEdgeSpec builds an edge into target carrying its user constraint.
func newEdgeSpec(from string, target StateInput) EdgeSpec {
	return EdgeSpec{
		FromRef: from,
		ToRef:   strings.TrimSpace(target.Ref),
		UserIDs: normalizeIDs(target.UserConstraint),
	}
}
