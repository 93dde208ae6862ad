// Package filter composes SQL predicate fragments with numbered placeholders.
package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrPlaceholderMismatch reports a fragment whose markers and params disagree.
var ErrPlaceholderMismatch = errors.New("placeholder count does not match params")

// TimeLayout is the fixed-width UTC layout used for every stored timestamp,
// so lexical comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// DateLayout is the layout used for day-level comparisons.
const DateLayout = "2006-01-02"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Fragment is one predicate with anonymous "?" markers and their params.
type Fragment struct {
	Clause string
	Params []any
}

// Where constructs a fragment.
func Where(clause string, params ...any) Fragment {
	return Fragment{Clause: clause, Params: params}
}

// In builds "column IN (?, ...)"; ok is false for an empty value list.
func In[T any](column string, values []T) (Fragment, bool) {
	if len(values) == 0 {
		return Fragment{}, false
	}
	params := make([]any, len(values))
	for i, v := range values {
		params[i] = v
	}
	return Fragment{
		Clause: column + " IN (" + markers(len(values)) + ")",
		Params: params,
	}, true
}

// Overlap builds a predicate that holds when the JSON array stored in column
// shares at least one element with values.
func Overlap(column string, values []string) (Fragment, bool) {
	if len(values) == 0 {
		return Fragment{}, false
	}
	params := make([]any, len(values))
	for i, v := range values {
		params[i] = v
	}
	return Fragment{
		Clause: "EXISTS (SELECT 1 FROM json_each(" + column + ") je WHERE je.value IN (" + markers(len(values)) + "))",
		Params: params,
	}, true
}

// Builder folds fragments into one conjunction, numbering placeholders from an
// explicit counter so omitted filters never shift later positions.
type Builder struct {
	next    int
	clauses []string
	params  []any
}

// NewBuilder returns a builder whose first placeholder is ?(bound+1), where
// bound is the number of params the enclosing query already uses.
func NewBuilder(bound int) *Builder {
	return &Builder{next: bound + 1}
}

// Bind reserves the next placeholder for v and returns it, for use in the
// base query itself.
func (b *Builder) Bind(v any) string {
	ph := "?" + strconv.Itoa(b.next)
	b.next++
	b.params = append(b.params, v)
	return ph
}

// BindAll reserves one placeholder per value and returns them comma separated.
func (b *Builder) BindAll(values []string) string {
	phs := make([]string, len(values))
	for i, v := range values {
		phs[i] = b.Bind(v)
	}
	return strings.Join(phs, ", ")
}

// Add appends a fragment, rewriting its markers.
func (b *Builder) Add(f Fragment) error {
	if strings.TrimSpace(f.Clause) == "" {
		return nil
	}
	var sb strings.Builder
	used := 0
	for i := 0; i < len(f.Clause); i++ {
		c := f.Clause[i]
		if c != '?' || (i+1 < len(f.Clause) && f.Clause[i+1] >= '0' && f.Clause[i+1] <= '9') {
			sb.WriteByte(c)
			continue
		}
		if used >= len(f.Params) {
			return fmt.Errorf("%w: %q", ErrPlaceholderMismatch, f.Clause)
		}
		sb.WriteString("?" + strconv.Itoa(b.next+used))
		used++
	}
	if used != len(f.Params) {
		return fmt.Errorf("%w: %q", ErrPlaceholderMismatch, f.Clause)
	}
	b.next += used
	b.clauses = append(b.clauses, sb.String())
	b.params = append(b.params, f.Params...)
	return nil
}

// AddAll appends every fragment in order.
func (b *Builder) AddAll(fs ...Fragment) error {
	for _, f := range fs {
		if err := b.Add(f); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the number the next placeholder will get.
func (b *Builder) Next() int {
	return b.next
}

// Params returns the bound params in placeholder order.
func (b *Builder) Params() []any {
	return b.params
}

// And renders the fragments as " AND a AND b", or "" when there are none.
func (b *Builder) And() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " AND " + strings.Join(b.clauses, " AND ")
}

// Where renders the fragments as " WHERE a AND b", or "" when there are none.
func (b *Builder) Where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

// markers returns n comma separated "?" markers.
func markers(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
