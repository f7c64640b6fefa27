// Package collection provides an ordered, identity-aware container for
// entities. A *Collection keeps its identity when assigned through the
// accessor: membership is reconciled in place instead of swapping pointers.
package collection

import (
	"fmt"
	"sort"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-graph/accessor"
)

// Collection is an ordered list of entities compared by identity.
type Collection[T comparable] struct {
	items []T
}

var _ accessor.MutableCollection = (*Collection[*struct{}])(nil)

// New creates a collection holding items in the given order.
func New[T comparable](items ...T) *Collection[T] {
	return &Collection[T]{items: append([]T(nil), items...)}
}

// Len returns the number of members.
func (c *Collection[T]) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Values returns a copy of the members.
func (c *Collection[T]) Values() []T {
	if c == nil {
		return nil
	}
	return append([]T(nil), c.items...)
}

// At returns the member at index i.
func (c *Collection[T]) At(i int) T {
	return c.items[i]
}

// First returns the first member, if any.
func (c *Collection[T]) First() (T, bool) {
	var zero T
	if c.Len() == 0 {
		return zero, false
	}
	return c.items[0], true
}

// Contains reports whether v is a member.
func (c *Collection[T]) Contains(v T) bool {
	return c.indexOf(v) >= 0
}

// Add appends v. Duplicates are allowed, use Contains first when needed.
func (c *Collection[T]) Add(v T) {
	c.items = append(c.items, v)
}

// Remove drops the first occurrence of v and reports whether it was found.
func (c *Collection[T]) Remove(v T) bool {
	i := c.indexOf(v)
	if i < 0 {
		return false
	}
	c.items = append(c.items[:i], c.items[i+1:]...)
	return true
}

// Clear empties the collection without replacing it.
func (c *Collection[T]) Clear() {
	c.items = c.items[:0]
}

// Each calls fn for every member in order.
func (c *Collection[T]) Each(fn func(i int, v T)) {
	for i, v := range c.Values() {
		fn(i, v)
	}
}

// Filter returns a new collection with the members matching fn.
func (c *Collection[T]) Filter(fn func(T) bool) *Collection[T] {
	out := New[T]()
	for _, v := range c.Values() {
		if fn(v) {
			out.items = append(out.items, v)
		}
	}
	return out
}

// Map returns a new collection built from fn applied to every member.
func (c *Collection[T]) Map(fn func(T) T) *Collection[T] {
	out := New[T]()
	for _, v := range c.Values() {
		out.items = append(out.items, fn(v))
	}
	return out
}

// Copy returns a detached collection with the same members.
func (c *Collection[T]) Copy() *Collection[T] {
	return New(c.Values()...)
}

// Elements implements accessor.MutableCollection.
func (c *Collection[T]) Elements() []any {
	out := make([]any, 0, c.Len())
	for _, v := range c.Values() {
		out = append(out, v)
	}
	return out
}

// ContainsElement implements accessor.MutableCollection.
func (c *Collection[T]) ContainsElement(v any) bool {
	t, ok := v.(T)
	return ok && c.Contains(t)
}

// AddElement implements accessor.MutableCollection.
func (c *Collection[T]) AddElement(v any) {
	if t, ok := v.(T); ok {
		c.Add(t)
	}
}

// RemoveElement implements accessor.MutableCollection.
func (c *Collection[T]) RemoveElement(v any) {
	if t, ok := v.(T); ok {
		c.Remove(t)
	}
}

// CopyCollection implements accessor.CollectionCopier.
func (c *Collection[T]) CopyCollection() any {
	return c.Copy()
}

func (c *Collection[T]) indexOf(v T) int {
	if c == nil {
		return -1
	}
	for i, item := range c.items {
		if item == v {
			return i
		}
	}
	return -1
}

// TextCodeInvalidOrder marks an ordering direction other than asc or desc.
const TextCodeInvalidOrder = "INVALID_ORDER"

// OrderBy is one sort key: a property path and a direction (asc or desc).
type OrderBy struct {
	Property  string
	Direction string
}

// Order returns a new collection sorted by the given keys, read through acc.
func (c *Collection[T]) Order(acc *accessor.Accessor, keys ...OrderBy) (*Collection[T], error) {
	for _, k := range keys {
		switch strings.ToLower(k.Direction) {
		case "asc", "desc":
		default:
			return nil, goerrors.New(
				fmt.Sprintf("invalid direction %s specified", k.Direction),
				goerrors.CategoryBadInput,
			).WithTextCode(TextCodeInvalidOrder)
		}
	}

	data := c.Values()
	var sortErr error

	sort.SliceStable(data, func(i, j int) bool {
		for _, k := range keys {
			a, err := acc.Get(data[i], k.Property)
			if err != nil {
				sortErr = err
				return false
			}
			b, err := acc.Get(data[j], k.Property)
			if err != nil {
				sortErr = err
				return false
			}

			cmp := compare(a, b)
			if cmp == 0 {
				continue
			}
			if strings.EqualFold(k.Direction, "desc") {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})

	if sortErr != nil {
		return nil, sortErr
	}
	return New(data...), nil
}
