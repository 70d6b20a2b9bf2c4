package cntr

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/banksean/cntr/inspect"
	"github.com/banksean/cntr/mount"
)

// Plan is the flat, fully pre-computed record the attach child executes.
// Everything is resolved in the parent, before any namespace transition;
// the child only iterates. File descriptor numbers refer to the child's
// descriptor table (ExtraFiles start at fd 3).
type Plan struct {
	Mode Mode `json:"mode"`

	// Namespaces to join, already in the kernel-legal order. The user
	// namespace is present only when it actually has to be entered.
	Namespaces []NamespaceJoin `json:"namespaces"`

	// CgroupProcs are host-side cgroup.procs files to join, written while
	// the host's cgroupfs is still visible. Best-effort.
	CgroupProcs []string `json:"cgroup_procs"`

	UID    int   `json:"uid"`
	GID    int   `json:"gid"`
	Groups []int `json:"groups"`

	Caps inspect.Capabilities `json:"caps"`

	ApparmorProfile string `json:"apparmor_profile,omitempty"`
	SELinuxLabel    string `json:"selinux_label,omitempty"`
	NoNewPrivs      bool   `json:"no_new_privs"`

	// HostRootFD is the detached clone of the host's / (attach mode; -1 in
	// exec mode).
	HostRootFD int `json:"host_root_fd"`
	// RootFD is an O_PATH descriptor of the container root (exec mode; -1
	// in attach mode).
	RootFD int `json:"root_fd"`

	BaseDir string `json:"base_dir"`
	Workdir string `json:"workdir"`
	// WorkdirFallback is set when the target's cwd was reachable neither on
	// the host root nor under the base dir; the parent warns the operator
	// about it before spawning the child.
	WorkdirFallback bool `json:"workdir_fallback"`

	// Env entries are byte slices, not strings: a target environment may
	// carry non-UTF-8 bytes, which JSON strings would mangle and base64
	// preserves.
	Env [][]byte `json:"env"`

	Argv []string `json:"argv"`
}

// NamespaceJoin is one setns step.
type NamespaceJoin struct {
	Kind      string `json:"kind"`
	CloneFlag int    `json:"clone_flag"`
	FD        int    `json:"fd"`
}

// Child descriptor layout: fd 3 carries the plan, fd 4 carries failure
// reports back to the parent, namespace and root descriptors follow.
const (
	planFD         = 3
	statusFD       = 4
	firstDynamicFD = 5
)

// childFiles assigns child-side descriptor numbers as files are queued.
type childFiles struct {
	files []*os.File
}

func (c *childFiles) add(f *os.File) int {
	fd := firstDynamicFD + len(c.files)
	c.files = append(c.files, f)
	return fd
}

// buildPlan turns a request plus a snapshot into the child's Plan and the
// ordered list of files to inherit (namespace FDs, root descriptors).
func buildPlan(req *Request, snap *inspect.Snapshot) (*Plan, *childFiles, error) {
	plan := &Plan{
		Mode:        req.Mode,
		CgroupProcs: snap.CgroupProcs,
		UID:         snap.Credentials.UID,
		GID:         snap.Credentials.GID,
		Groups:      snap.Credentials.Groups,
		Caps:        snap.Capabilities,
		NoNewPrivs:  snap.NoNewPrivs,
		HostRootFD:  -1,
		RootFD:      -1,
		BaseDir:     req.BaseDir,
		Argv:        req.Command,
	}
	if req.Apparmor != ApparmorOff {
		plan.ApparmorProfile = snap.ApparmorProfile
		plan.SELinuxLabel = snap.SELinuxLabel
	}

	files := &childFiles{}
	for _, ns := range snap.Namespaces {
		if ns.Type == "user" && snap.SameUserNS {
			// Same user namespace as the caller: must not be touched.
			continue
		}
		plan.Namespaces = append(plan.Namespaces, NamespaceJoin{
			Kind:      string(ns.Type),
			CloneFlag: ns.CloneFlag,
			FD:        files.add(ns.File),
		})
	}

	switch req.Mode {
	case ModeAttach:
		hostRoot, err := mount.CloneHostRoot()
		if err != nil {
			return nil, nil, &Error{Kind: KernelTooOld, Op: "cloning host root", Err: err}
		}
		plan.HostRootFD = files.add(hostRoot)
		plan.Workdir, plan.WorkdirFallback = resolveWorkdir(snap.Cwd, req.BaseDir, snap.ProcRoot, fileExists)
		plan.Env = sessionEnv(snap.Environ, req.BaseDir, snap.PID)
	case ModeExec:
		rootFD, err := openPath(snap.ProcRoot)
		if err != nil {
			return nil, nil, &Error{Kind: PermissionDenied, Op: "opening container root", Err: err}
		}
		plan.RootFD = files.add(rootFD)
		plan.Workdir = "/"
		plan.Env = snap.Environ
	}
	return plan, files, nil
}

// resolveWorkdir picks the session working directory for attach mode. The
// target's cwd is preserved when it is reachable on the host root; a cwd
// that only exists inside the container is preserved through its base-dir
// alias. Anything else falls back to the base dir with a warning.
func resolveWorkdir(cwd, baseDir, procRoot string, exists func(string) bool) (string, bool) {
	if cwd != "" && exists(cwd) {
		return cwd, false
	}
	if cwd != "" && exists(filepath.Join(procRoot, cwd)) {
		return filepath.Join(baseDir, cwd), false
	}
	return baseDir, true
}

// sessionEnv is the attach-session environment: the target's environ plus
// the session's own variables.
func sessionEnv(environ [][]byte, baseDir string, pid int) [][]byte {
	env := make([][]byte, 0, len(environ)+2)
	env = append(env, environ...)
	env = append(env,
		[]byte(MountpointEnv+"="+baseDir),
		[]byte("CNTR_PID="+strconv.Itoa(pid)),
	)
	return env
}

func envStrings(env [][]byte) []string {
	out := make([]string, len(env))
	for i, e := range env {
		out[i] = string(e)
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// openPath opens a path as an O_PATH descriptor, which survives namespace
// transitions and can anchor a later fchdir+chroot.
func openPath(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

func writePlan(w io.Writer, p *Plan) error {
	if err := json.NewEncoder(w).Encode(p); err != nil {
		return fmt.Errorf("encoding plan: %w", err)
	}
	return nil
}

func readPlan(r io.Reader) (*Plan, error) {
	var p Plan
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	return &p, nil
}
