package config

import (
	"os"
	"runtime"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/rootbeer/rootbeer/pkg/privilege"
)

// HostFacts describe the machine a script runs on.
type HostFacts struct {
	OS       string
	Arch     string
	Hostname string
	User     string
	Home     string
	Shell    string
}

// CollectHostFacts gathers facts for the invoking user. home overrides
// the user's home directory when set.
func CollectHostFacts(home string) HostFacts {
	f := HostFacts{
		OS:    runtime.GOOS,
		Arch:  runtime.GOARCH,
		Shell: os.Getenv("SHELL"),
	}
	f.Hostname, _ = os.Hostname()
	if id, err := privilege.Invoker(); err == nil {
		f.User = id.Username
		f.Home = id.Home
	}
	if home != "" {
		f.Home = home
	}
	return f
}

func (f HostFacts) toStarlark() *starlarkstruct.Struct {
	return starlarkstruct.FromStringDict(starlark.String("host"), starlark.StringDict{
		"os":       starlark.String(f.OS),
		"arch":     starlark.String(f.Arch),
		"hostname": starlark.String(f.Hostname),
		"user":     starlark.String(f.User),
		"home":     starlark.String(f.Home),
		"shell":    starlark.String(f.Shell),
	})
}
