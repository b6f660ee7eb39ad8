// Package registry provides the bounded, ordered collections used to track
// files during a single apply run.
//
// Registries are small by construction, so lookups are linear scans. Every
// registry has a hard ceiling; an insert past the ceiling fails and leaves
// the registry untouched.
package registry

import (
	"errors"
	"fmt"
	"iter"
	"slices"
)

// initialCap is the backing capacity allocated on first insert.
const initialCap = 4

// ErrCapacityExceeded is matched by every CapacityError.
var ErrCapacityExceeded = errors.New("registry capacity exceeded")

// CapacityError reports which registry hit its ceiling.
type CapacityError struct {
	Registry string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s registry full (limit %d)", e.Registry, e.Limit)
}

// Is lets errors.Is(err, ErrCapacityExceeded) match.
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacityExceeded
}

// grow returns the capacity to use when n items must fit, doubling from
// initialCap and never exceeding limit.
func grow(cur, n, limit int) int {
	c := max(cur, initialCap)
	for c < n {
		c *= 2
	}
	return min(c, limit)
}

// Strings is a deduplicating, append-only list of strings.
type Strings struct {
	name  string
	limit int
	items []string
}

// NewStrings returns an empty registry that holds at most limit entries.
func NewStrings(name string, limit int) *Strings {
	return &Strings{name: name, limit: limit}
}

// Add appends item unless it is already present. Adding an existing item is
// a successful no-op, even when the registry is full.
func (s *Strings) Add(item string) error {
	if s.Contains(item) {
		return nil
	}
	if len(s.items) >= s.limit {
		return &CapacityError{Registry: s.name, Limit: s.limit}
	}
	if len(s.items) == cap(s.items) {
		next := make([]string, len(s.items), grow(cap(s.items), len(s.items)+1, s.limit))
		copy(next, s.items)
		s.items = next
	}
	s.items = append(s.items, item)
	return nil
}

// Contains reports whether item has been added.
func (s *Strings) Contains(item string) bool {
	return slices.Contains(s.items, item)
}

// Len returns the number of entries.
func (s *Strings) Len() int { return len(s.items) }

// Cap returns the current backing capacity.
func (s *Strings) Cap() int { return cap(s.items) }

// Limit returns the hard ceiling.
func (s *Strings) Limit() int { return s.limit }

// Name returns the registry name used in errors.
func (s *Strings) Name() string { return s.name }

// All yields the entries in insertion order. The sequence may be ranged
// over any number of times.
func (s *Strings) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, item := range s.items {
			if !yield(item) {
				return
			}
		}
	}
}

// Slice returns a copy of the entries.
func (s *Strings) Slice() []string {
	return slices.Clone(s.items)
}

// Reset drops every entry and releases the backing storage.
func (s *Strings) Reset() {
	s.items = nil
}

type idEntry struct {
	id   string
	path string
}

// IDList maps caller-chosen ids to paths. Setting an existing id replaces
// its path in place.
type IDList struct {
	name    string
	limit   int
	entries []idEntry
}

// NewIDList returns an empty id list that holds at most limit ids.
func NewIDList(name string, limit int) *IDList {
	return &IDList{name: name, limit: limit}
}

// Set records path under id, replacing any earlier path for the same id.
func (l *IDList) Set(id, path string) error {
	for i := range l.entries {
		if l.entries[i].id == id {
			l.entries[i].path = path
			return nil
		}
	}
	if len(l.entries) >= l.limit {
		return &CapacityError{Registry: l.name, Limit: l.limit}
	}
	if len(l.entries) == cap(l.entries) {
		next := make([]idEntry, len(l.entries), grow(cap(l.entries), len(l.entries)+1, l.limit))
		copy(next, l.entries)
		l.entries = next
	}
	l.entries = append(l.entries, idEntry{id: id, path: path})
	return nil
}

// Get returns the path recorded for id.
func (l *IDList) Get(id string) (string, bool) {
	for _, e := range l.entries {
		if e.id == id {
			return e.path, true
		}
	}
	return "", false
}

// Len returns the number of ids.
func (l *IDList) Len() int { return len(l.entries) }

// Limit returns the hard ceiling.
func (l *IDList) Limit() int { return l.limit }

// All yields id/path pairs in insertion order.
func (l *IDList) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, e := range l.entries {
			if !yield(e.id, e.path) {
				return
			}
		}
	}
}

// Reset drops every entry.
func (l *IDList) Reset() {
	l.entries = nil
}
