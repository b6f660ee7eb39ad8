package registry

import (
	"errors"
	"fmt"
	"slices"
	"testing"
)

func TestStrings_AddDedup(t *testing.T) {
	r := NewStrings("ref", 8)

	for _, item := range []string{"a", "b", "a", "c", "b"} {
		if err := r.Add(item); err != nil {
			t.Fatalf("Add(%q) failed: %v", item, err)
		}
	}

	if r.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", r.Len())
	}
	if got := r.Slice(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("unexpected order: %v", got)
	}
}

func TestStrings_Growth(t *testing.T) {
	tests := []struct {
		name    string
		limit   int
		adds    int
		wantCap int
	}{
		{name: "first insert allocates base", limit: 100, adds: 1, wantCap: 4},
		{name: "fills base", limit: 100, adds: 4, wantCap: 4},
		{name: "doubles once", limit: 100, adds: 5, wantCap: 8},
		{name: "doubles twice", limit: 100, adds: 9, wantCap: 16},
		{name: "clamped to limit", limit: 10, adds: 9, wantCap: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewStrings("gen", tt.limit)
			for i := 0; i < tt.adds; i++ {
				if err := r.Add(fmt.Sprintf("item-%d", i)); err != nil {
					t.Fatalf("Add failed: %v", err)
				}
			}
			if r.Cap() != tt.wantCap {
				t.Errorf("expected cap %d, got %d", tt.wantCap, r.Cap())
			}
		})
	}
}

func TestStrings_Ceiling(t *testing.T) {
	r := NewStrings("modules", 2)
	_ = r.Add("one")
	_ = r.Add("two")

	err := r.Add("three")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected *CapacityError, got %T", err)
	}
	if capErr.Registry != "modules" || capErr.Limit != 2 {
		t.Errorf("unexpected error fields: %+v", capErr)
	}

	if r.Len() != 2 || r.Contains("three") {
		t.Errorf("registry mutated on failure: %v", r.Slice())
	}

	// Re-adding an existing entry is still fine at the ceiling.
	if err := r.Add("one"); err != nil {
		t.Errorf("expected no-op add at ceiling, got %v", err)
	}
}

func TestStrings_AllRestartable(t *testing.T) {
	r := NewStrings("ref", 16)
	_ = r.Add("x")
	_ = r.Add("y")

	for pass := 0; pass < 2; pass++ {
		got := slices.Collect(r.All())
		if !slices.Equal(got, []string{"x", "y"}) {
			t.Errorf("pass %d: got %v", pass, got)
		}
	}

	// Early break must not panic.
	for item := range r.All() {
		if item != "x" {
			t.Errorf("expected first item x, got %s", item)
		}
		break
	}
}

func TestStrings_Reset(t *testing.T) {
	r := NewStrings("ref", 4)
	_ = r.Add("x")
	r.Reset()

	if r.Len() != 0 || r.Cap() != 0 {
		t.Errorf("expected empty registry after reset, len=%d cap=%d", r.Len(), r.Cap())
	}
}

func TestIDList_SetGet(t *testing.T) {
	l := NewIDList("intermediates", 2)

	if err := l.Set("build", "a"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := l.Set("build", "b"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("expected update in place, got %d entries", l.Len())
	}
	if p, ok := l.Get("build"); !ok || p != "b" {
		t.Errorf("expected b, got %q (found=%v)", p, ok)
	}
	if _, ok := l.Get("missing"); ok {
		t.Error("expected missing id to be absent")
	}

	_ = l.Set("other", "c")
	if err := l.Set("third", "d"); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	// Updating an existing id at the ceiling still works.
	if err := l.Set("other", "e"); err != nil {
		t.Errorf("expected update at ceiling to succeed, got %v", err)
	}

	var ids []string
	for id, path := range l.All() {
		ids = append(ids, id+"="+path)
	}
	if !slices.Equal(ids, []string{"build=b", "other=e"}) {
		t.Errorf("unexpected entries: %v", ids)
	}
}
