// Package privilege implements the scoped privilege drop around script
// execution.
//
// The process starts with euid 0 so it can write into the revision store.
// While a script runs the effective ids are switched to the invoking user;
// they are restored before control returns to the store layer. A failed
// restore is fatal.
package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var (
	// ErrRestore is wrapped by every error returned from Guard.Restore.
	ErrRestore = errors.New("failed to restore privileges")

	// ErrDrop is wrapped by every error returned from Guard.Drop.
	ErrDrop = errors.New("failed to drop privileges")
)

// Identity is a user the process can act as.
type Identity struct {
	UID      int
	GID      int
	Username string
	Home     string

	// Groups are the supplementary groups. Empty means GID only.
	Groups []int
}

// groups returns the supplementary group list to install for id.
func (id Identity) groups() []int {
	if len(id.Groups) == 0 {
		return []int{id.GID}
	}
	return id.Groups
}

// Invoker returns the user who ran the command. Under sudo this is
// SUDO_UID/SUDO_GID; otherwise the real ids of the process.
func Invoker() (Identity, error) {
	id := Identity{UID: os.Getuid(), GID: os.Getgid()}

	if s := os.Getenv("SUDO_UID"); s != "" {
		uid, err := strconv.Atoi(s)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid SUDO_UID %q: %w", s, err)
		}
		id.UID = uid
	}
	if s := os.Getenv("SUDO_GID"); s != "" {
		gid, err := strconv.Atoi(s)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid SUDO_GID %q: %w", s, err)
		}
		id.GID = gid
	}

	if u, err := user.LookupId(strconv.Itoa(id.UID)); err == nil {
		id.Username = u.Username
		id.Home = u.HomeDir
		if gids, err := u.GroupIds(); err == nil {
			for _, g := range gids {
				if n, err := strconv.Atoi(g); err == nil {
					id.Groups = append(id.Groups, n)
				}
			}
		}
	}
	if id.Home == "" {
		id.Home = os.Getenv("HOME")
	}
	return id, nil
}

// IsElevated reports whether the process runs with euid 0.
func IsElevated() bool {
	return os.Geteuid() == 0
}

// Switcher changes the effective ids and supplementary groups of the
// process.
type Switcher interface {
	Geteuid() int
	Getegid() int
	Getgroups() ([]int, error)
	Seteuid(uid int) error
	Setegid(gid int) error
	Setgroups(gids []int) error
}

type sysSwitcher struct{}

func (sysSwitcher) Geteuid() int               { return unix.Geteuid() }
func (sysSwitcher) Getegid() int               { return unix.Getegid() }
func (sysSwitcher) Getgroups() ([]int, error)  { return unix.Getgroups() }
func (sysSwitcher) Seteuid(uid int) error      { return unix.Setresuid(-1, uid, -1) }
func (sysSwitcher) Setegid(gid int) error      { return unix.Setresgid(-1, gid, -1) }
func (sysSwitcher) Setgroups(gids []int) error { return syscall.Setgroups(gids) }

// System switches ids of the whole process.
var System Switcher = sysSwitcher{}

// Guard holds the ids to restore after a drop.
type Guard struct {
	sw         Switcher
	logger     zerolog.Logger
	origUID    int
	origGID    int
	origGroups []int
	dropped    bool
}

// NewGuard returns a guard over sw.
func NewGuard(sw Switcher, logger zerolog.Logger) *Guard {
	return &Guard{sw: sw, logger: logger.With().Str("component", "privilege").Logger()}
}

// Drop switches to target. It is a no-op when the process is not running
// with euid 0, since there is nothing to drop. Supplementary groups and the
// group are changed first because changing them after the uid would no
// longer be permitted.
func (g *Guard) Drop(target Identity) error {
	if g.dropped {
		return nil
	}
	g.origUID = g.sw.Geteuid()
	g.origGID = g.sw.Getegid()
	if g.origUID != 0 {
		g.logger.Debug().Int("euid", g.origUID).Msg("Not elevated, privilege drop skipped")
		return nil
	}
	if target.UID == 0 {
		g.logger.Debug().Msg("Invoker is root, privilege drop skipped")
		return nil
	}

	orig, err := g.sw.Getgroups()
	if err != nil {
		return fmt.Errorf("%w: getgroups: %w", ErrDrop, err)
	}
	g.origGroups = orig

	if err := g.sw.Setgroups(target.groups()); err != nil {
		return fmt.Errorf("%w: setgroups: %w", ErrDrop, err)
	}
	if err := g.sw.Setegid(target.GID); err != nil {
		return g.rollback(fmt.Errorf("%w: setegid %d: %w", ErrDrop, target.GID, err), false)
	}
	if err := g.sw.Seteuid(target.UID); err != nil {
		return g.rollback(fmt.Errorf("%w: seteuid %d: %w", ErrDrop, target.UID, err), true)
	}
	g.dropped = true

	g.logger.Debug().Int("uid", target.UID).Int("gid", target.GID).Msg("Dropped privileges")
	return nil
}

// rollback undoes a partial Drop and returns cause, noting any rollback
// failure.
func (g *Guard) rollback(cause error, gid bool) error {
	if gid {
		if err := g.sw.Setegid(g.origGID); err != nil {
			return fmt.Errorf("%w (group restore: %w)", cause, err)
		}
	}
	if err := g.sw.Setgroups(g.origGroups); err != nil {
		return fmt.Errorf("%w (groups restore: %w)", cause, err)
	}
	return cause
}

// Restore switches back to the ids saved by Drop. The uid goes first so the
// groups can be changed again. Calling Restore without a prior successful
// Drop does nothing.
func (g *Guard) Restore() error {
	if !g.dropped {
		return nil
	}
	if err := g.sw.Seteuid(g.origUID); err != nil {
		return fmt.Errorf("%w: seteuid %d: %w", ErrRestore, g.origUID, err)
	}
	if err := g.sw.Setegid(g.origGID); err != nil {
		return fmt.Errorf("%w: setegid %d: %w", ErrRestore, g.origGID, err)
	}
	if err := g.sw.Setgroups(g.origGroups); err != nil {
		return fmt.Errorf("%w: setgroups: %w", ErrRestore, err)
	}
	g.dropped = false

	g.logger.Debug().Int("euid", g.origUID).Msg("Restored privileges")
	return nil
}

// Dropped reports whether the guard currently holds dropped privileges.
func (g *Guard) Dropped() bool { return g.dropped }

// Run drops to target, calls fn and restores on every exit path. A restore
// failure takes precedence over fn's error.
func (g *Guard) Run(target Identity, fn func() error) (err error) {
	if err := g.Drop(target); err != nil {
		return err
	}
	defer func() {
		if rerr := g.Restore(); rerr != nil {
			if err != nil {
				g.logger.Error().Err(err).Msg("Script error superseded by restore failure")
			}
			err = rerr
		}
	}()
	return fn()
}
