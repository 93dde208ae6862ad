package domain

// LifecycleFilter selects which archived and deleted rows a read includes.
type LifecycleFilter struct {
	IncludeArchived bool
	IncludeDeleted  bool
}

// ResolveLifecycle applies the three-way visibility switch: active rows only by
// default, archived rows on request, deleted rows only for callers that hold
// the purge permission.
func ResolveLifecycle(showArchived, showDeleted, canPurge bool) LifecycleFilter {
	return LifecycleFilter{
		IncludeArchived: showArchived,
		IncludeDeleted:  showDeleted && canPurge,
	}
}

// Unfiltered reports whether no lifecycle predicate applies.
func (f LifecycleFilter) Unfiltered() bool {
	return f.IncludeArchived && f.IncludeDeleted
}
