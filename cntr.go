// Package cntr attaches a host shell to a running container: it resolves a
// selector to the container's leader process, enters that process's
// namespaces, reproduces its credentials and security context, and runs the
// operator's command with the host root at / and the container root
// side-mounted at a base directory. The container itself is never modified.
package cntr

import (
	"github.com/banksean/cntr/backend"
)

// Mode selects how the session views the filesystem.
type Mode int

const (
	// ModeAttach keeps the host root at / and side-mounts the container
	// root at the base dir.
	ModeAttach Mode = iota
	// ModeExec chroots into the container root and runs with the
	// container's environment.
	ModeExec
)

func (m Mode) String() string {
	if m == ModeExec {
		return "exec"
	}
	return "attach"
}

// ApparmorMode controls whether the target's AppArmor profile is reproduced.
type ApparmorMode string

const (
	ApparmorAuto ApparmorMode = "auto"
	ApparmorOff  ApparmorMode = "off"
)

// DefaultBaseDir is where the container root appears inside an attach
// session unless CNTR_BASE_DIR overrides it.
const DefaultBaseDir = "/var/lib/cntr"

// MountpointEnv names the environment variable exported into the session
// with the base dir, so tools inside the session can find the container
// root.
const MountpointEnv = "CNTR_MOUNTPOINT"

// Request is a parsed operator request, the only input the engine takes
// from the CLI front end.
type Request struct {
	Mode     Mode
	Selector string
	// Backends to probe, in preference order. Empty means backend.Defaults().
	Backends []backend.Kind
	// Command is the argv to run in the session.
	Command []string
	// EffectiveUser optionally names a host user whose UID should own
	// host-side file creations from inside the session.
	EffectiveUser string
	Apparmor      ApparmorMode
	BaseDir       string
}
