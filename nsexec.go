package cntr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/banksean/cntr/mount"
	"github.com/banksean/cntr/security"
)

// nsexecCommand is the hidden subcommand the parent re-executes this binary
// with; the child's only job is to run the inherited plan.
const nsexecCommand = "nsexec"

func commandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

func lookExecutable(name string) (string, error) {
	return exec.LookPath(name)
}

// Nsexec runs the attach child: it joins the target's namespaces on a
// locked thread, reproduces credentials and security context, builds the
// mount overlay or chroots, spawns the user command, and mirrors its exit
// status. Failures before the spawn are reported on the status pipe and
// through a kind-bearing exit code. Returns the process exit code.
//
// The child stays effectively single-purpose between re-exec and spawn: no
// goroutines are started, and every per-thread syscall happens on the
// locked main thread.
func Nsexec() int {
	runtime.LockOSThread()

	status := os.NewFile(statusFD, "status")
	// Keep the status pipe out of the user command.
	unix.CloseOnExec(statusFD)
	fail := func(kind ErrorKind, op string, err error) int {
		fmt.Fprintf(status, "%s: %s: %v", kind, op, err)
		return kind.ExitStatus()
	}

	planFile := os.NewFile(planFD, "plan")
	plan, err := readPlan(planFile)
	planFile.Close()
	if err != nil {
		return fail(NamespaceEnterFailed, "reading plan", err)
	}

	// Give the locked thread its own fs state; the kernel refuses
	// setns(CLONE_NEWNS) for threads that share one.
	if err := unix.Unshare(unix.CLONE_FS); err != nil {
		return fail(NamespaceEnterFailed, "unshare(CLONE_FS)", err)
	}

	// The user namespace, when present in the plan, is always first.
	rest := plan.Namespaces
	if len(rest) > 0 && rest[0].Kind == "user" {
		if err := joinNamespace(rest[0]); err != nil {
			return fail(NamespaceEnterFailed, "setns user", err)
		}
		rest = rest[1:]
	}

	// Join the target's cgroups while the host cgroupfs is still visible;
	// after setns(mnt) the paths would name the container's view. Missing
	// controllers are skipped.
	joinCgroups(plan.CgroupProcs)

	for _, ns := range rest {
		if err := joinNamespace(ns); err != nil {
			return fail(NamespaceEnterFailed, "setns "+ns.Kind, err)
		}
	}
	for _, ns := range plan.Namespaces {
		unix.Close(ns.FD)
	}

	if err := applyCredentials(plan); err != nil {
		return fail(NamespaceEnterFailed, "assuming target credentials", err)
	}
	if err := security.ApplyCapabilities(plan.Caps); err != nil {
		return fail(SecurityContextFailed, "reinstating capabilities", err)
	}
	if plan.NoNewPrivs {
		if err := security.SetNoNewPrivs(); err != nil {
			return fail(SecurityContextFailed, "setting no_new_privs", err)
		}
	}
	if err := security.ApplyExecContext(plan.ApparmorProfile, plan.SELinuxLabel); err != nil {
		return fail(SecurityContextFailed, "installing exec security context", err)
	}

	switch plan.Mode {
	case ModeAttach:
		overlay := &mount.Overlay{
			HostRoot: os.NewFile(uintptr(plan.HostRootFD), "host-root"),
			BaseDir:  plan.BaseDir,
		}
		if err := overlay.Build(); err != nil {
			return fail(MountOverlayFailed, "building mount overlay", err)
		}
		overlay.HostRoot.Close()
		if err := unix.Chdir(plan.Workdir); err != nil {
			unix.Chdir(plan.BaseDir)
		}
	case ModeExec:
		if err := unix.Fchdir(plan.RootFD); err != nil {
			return fail(NamespaceEnterFailed, "entering container root", err)
		}
		if err := unix.Chroot("."); err != nil {
			return fail(NamespaceEnterFailed, "chroot into container root", err)
		}
		unix.Close(plan.RootFD)
		if err := unix.Chdir("/"); err != nil {
			return fail(NamespaceEnterFailed, "chdir /", err)
		}
	}

	// All /proc/self reads are behind us; look hardened from here on.
	security.SetDumpable(false)

	return spawn(plan, status)
}

// spawn runs the user command as a grandchild. setns(CLONE_NEWPID) only
// affects children, so this extra process is what actually lands inside
// the target's PID namespace; it inherits the assembled mounts, cwd,
// credentials, ambient capabilities and the pending LSM exec transition.
func spawn(plan *Plan, status *os.File) int {
	cmd := exec.Command(plan.Argv[0], plan.Argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = envStrings(plan.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGKILL}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(status, "%s: %s: %v", ExecFailed, plan.Argv[0], err)
		return 127
	}
	status.Close()

	stop := forwardSignals(cmd.Process)
	defer stop()

	werr := cmd.Wait()
	return exitStatus(cmd.ProcessState, werr)
}

func joinNamespace(ns NamespaceJoin) error {
	if err := unix.Setns(ns.FD, ns.CloneFlag); err != nil {
		if ns.Kind == "user" && err == unix.EINVAL {
			return fmt.Errorf("%w (joining a different user namespace needs real root; rerun as uid 0)", err)
		}
		return err
	}
	return nil
}

// joinCgroups moves this process (and so its descendants) into the
// target's cgroups. Best-effort: controllers absent on the host are
// skipped silently.
func joinCgroups(procsPaths []string) {
	pid := []byte(strconv.Itoa(os.Getpid()))
	for _, path := range procsPaths {
		os.WriteFile(path, pid, 0o644)
	}
}

// applyCredentials assumes the target's identity. Groups before GID before
// UID: setting the UID first could drop the privilege to set the rest.
// KEEPCAPS carries the permitted set across the UID change so the
// capability sets can be reinstated afterwards.
func applyCredentials(plan *Plan) error {
	if err := unix.Prctl(unix.PR_SET_KEEPCAPS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_KEEPCAPS): %w", err)
	}
	groups := plan.Groups
	if groups == nil {
		groups = []int{}
	}
	if err := unix.Setgroups(groups); err != nil {
		return fmt.Errorf("setgroups %v: %w", groups, err)
	}
	if err := unix.Setgid(plan.GID); err != nil {
		return fmt.Errorf("setgid %d: %w", plan.GID, err)
	}
	if err := unix.Setuid(plan.UID); err != nil {
		return fmt.Errorf("setuid %d: %w", plan.UID, err)
	}
	return nil
}
