//go:build linux

package privilege

import (
	"os"
	"slices"
	"testing"

	"github.com/rs/zerolog"
)

// Setting an effective id to its current value is permitted for any user,
// so the real switcher can be exercised without root.
func TestSystemSwitcher_SameIDs(t *testing.T) {
	if got := System.Geteuid(); got != os.Geteuid() {
		t.Errorf("Geteuid = %d, want %d", got, os.Geteuid())
	}
	if got := System.Getegid(); got != os.Getegid() {
		t.Errorf("Getegid = %d, want %d", got, os.Getegid())
	}
	if err := System.Seteuid(os.Geteuid()); err != nil {
		t.Errorf("Seteuid to current euid failed: %v", err)
	}
	if err := System.Setegid(os.Getegid()); err != nil {
		t.Errorf("Setegid to current egid failed: %v", err)
	}

	groups, err := System.Getgroups()
	if err != nil {
		t.Fatalf("Getgroups failed: %v", err)
	}
	want, err := os.Getgroups()
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(groups)
	slices.Sort(want)
	if !slices.Equal(groups, want) {
		t.Errorf("Getgroups = %v, want %v", groups, want)
	}
}

func TestSystemSwitcher_RunAsSelf(t *testing.T) {
	g := NewGuard(System, zerolog.Nop())
	self := Identity{UID: os.Geteuid(), GID: os.Getegid()}

	ran := false
	if err := g.Run(self, func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !ran || g.Dropped() {
		t.Errorf("ran=%v dropped=%v", ran, g.Dropped())
	}
	if os.Geteuid() != self.UID || os.Getegid() != self.GID {
		t.Errorf("ids changed: %d/%d", os.Geteuid(), os.Getegid())
	}
}
