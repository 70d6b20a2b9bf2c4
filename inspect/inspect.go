// Package inspect captures the state of a target process from /proc: its
// namespaces, credentials, capability sets, cgroup membership, environment
// and security label. A Snapshot is taken once, before any namespace
// transition, and never mutated afterwards.
package inspect

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/banksean/cntr/procfs"
)

// ErrGone means the target process disappeared while it was being inspected.
var ErrGone = errors.New("no such pid")

// NSKind ties a namespace type to its /proc/<pid>/ns entry and setns flag.
type NSKind struct {
	Type      specs.LinuxNamespaceType
	ProcFile  string
	CloneFlag int
}

// Kinds lists every namespace kind in the order they must be joined: user
// first (when joined at all), pid late so only the final spawn lands in it.
var Kinds = []NSKind{
	{specs.UserNamespace, "user", unix.CLONE_NEWUSER},
	{specs.MountNamespace, "mnt", unix.CLONE_NEWNS},
	{specs.UTSNamespace, "uts", unix.CLONE_NEWUTS},
	{specs.IPCNamespace, "ipc", unix.CLONE_NEWIPC},
	{specs.NetworkNamespace, "net", unix.CLONE_NEWNET},
	{specs.PIDNamespace, "pid", unix.CLONE_NEWPID},
	{specs.CgroupNamespace, "cgroup", unix.CLONE_NEWCGROUP},
}

// Namespace is one of the target's namespaces, pinned open. Holding File
// keeps the namespace alive even if all its processes die.
type Namespace struct {
	Type      specs.LinuxNamespaceType
	CloneFlag int
	Ino       uint64
	File      *os.File
}

// Credentials are the target's identity as read from /proc/<pid>/status.
type Credentials struct {
	UID    int
	GID    int
	Groups []int
}

// Capabilities are the five capability sets as 64-bit masks, verbatim from
// /proc/<pid>/status.
type Capabilities struct {
	Permitted   uint64
	Effective   uint64
	Inheritable uint64
	Bounding    uint64
	Ambient     uint64
}

// Snapshot is the complete pre-attach record of the target process.
type Snapshot struct {
	PID          int
	Namespaces   []*Namespace
	Credentials  Credentials
	Capabilities Capabilities
	// CgroupProcs are the host-side cgroup.procs paths of every controller
	// the target belongs to.
	CgroupProcs []string
	// Environ preserves the target's environment verbatim; entries may
	// contain non-UTF-8 bytes.
	Environ [][]byte
	// ApparmorProfile is the target's AppArmor profile name, without the
	// enforcement-mode suffix. Empty when unconfined or AppArmor is absent.
	ApparmorProfile string
	// SELinuxLabel is the target's SELinux context, when the host runs
	// SELinux instead of AppArmor.
	SELinuxLabel string
	NoNewPrivs   bool
	// ProcRoot is the /proc magic link to the container's root; opening
	// through it reaches the container filesystem from the host mount
	// namespace.
	ProcRoot string
	Cwd      string
	// SameUserNS reports whether the target shares the caller's user
	// namespace.
	SameUserNS bool
}

// Take snapshots the given PID. It fails with ErrGone if the process
// vanishes mid-read and with a wrapped permission error if a namespace file
// is unreadable (usually missing CAP_SYS_PTRACE for a cross-user target).
func Take(pid int) (*Snapshot, error) {
	return take(procfs.Default, pid)
}

func take(proc procfs.FS, pid int) (*Snapshot, error) {
	if !proc.Exists(pid) {
		return nil, fmt.Errorf("%w: %d", ErrGone, pid)
	}

	s := &Snapshot{
		PID:      pid,
		ProcRoot: proc.Path(pid, "root"),
	}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	selfUserNS, err := nsIno(proc.SelfPath("ns", "user"))
	if err != nil {
		return nil, fmt.Errorf("inspecting own user namespace: %w", err)
	}
	for _, kind := range Kinds {
		path := proc.Path(pid, "ns", kind.ProcFile)
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) && !proc.Exists(pid) {
				return nil, fmt.Errorf("%w: %d", ErrGone, pid)
			}
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		var st unix.Stat_t
		if err := unix.Fstat(int(f.Fd()), &st); err != nil {
			f.Close()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		s.Namespaces = append(s.Namespaces, &Namespace{
			Type:      kind.Type,
			CloneFlag: kind.CloneFlag,
			Ino:       st.Ino,
			File:      f,
		})
		if kind.Type == specs.UserNamespace {
			s.SameUserNS = st.Ino == selfUserNS
		}
	}

	statusData, err := proc.ReadFile(pid, "status")
	if err != nil {
		return nil, gone(proc, pid, err)
	}
	st, err := parseStatus(statusData)
	if err != nil {
		return nil, fmt.Errorf("parsing status of pid %d: %w", pid, err)
	}
	s.Credentials = st.creds
	s.Capabilities = st.caps
	s.NoNewPrivs = st.noNewPrivs

	environData, err := proc.ReadFile(pid, "environ")
	if err != nil {
		return nil, gone(proc, pid, err)
	}
	s.Environ = parseEnviron(environData)

	s.CgroupProcs, err = cgroupProcsPaths(proc, pid)
	if err != nil {
		return nil, gone(proc, pid, err)
	}

	s.ApparmorProfile, s.SELinuxLabel = readSecurityLabel(proc, pid)

	s.Cwd, err = proc.Readlink(pid, "cwd")
	if err != nil {
		return nil, gone(proc, pid, err)
	}

	ok = true
	return s, nil
}

func gone(proc procfs.FS, pid int, err error) error {
	if !proc.Exists(pid) {
		return fmt.Errorf("%w: %d", ErrGone, pid)
	}
	return err
}

// Namespace returns the pinned namespace of the given type, or nil.
func (s *Snapshot) Namespace(t specs.LinuxNamespaceType) *Namespace {
	for _, ns := range s.Namespaces {
		if ns.Type == t {
			return ns
		}
	}
	return nil
}

// Close releases the pinned namespace files. The attach child closes them
// right after entry; everything else it needs survives by value.
func (s *Snapshot) Close() {
	for _, ns := range s.Namespaces {
		if ns.File != nil {
			ns.File.Close()
			ns.File = nil
		}
	}
}

// readSecurityLabel reads the target's LSM label. AppArmor reports
// "<profile> (<mode>)" or "unconfined"; SELinux reports a
// user:role:type:level context.
func readSecurityLabel(proc procfs.FS, pid int) (apparmor, selinuxLabel string) {
	data, err := proc.ReadFile(pid, filepath.Join("attr", "apparmor", "current"))
	if err != nil {
		data, err = proc.ReadFile(pid, filepath.Join("attr", "current"))
	}
	if err != nil {
		return "", ""
	}
	label := string(bytes.TrimRight(data, "\x00\n"))
	if label == "" || label == "unconfined" || label == "kernel" {
		return "", ""
	}
	if strings.ContainsRune(label, ':') {
		return "", label
	}
	if i := strings.IndexByte(label, ' '); i >= 0 {
		label = label[:i]
	}
	return label, ""
}

func nsIno(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}
