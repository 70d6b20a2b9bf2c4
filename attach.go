package cntr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"syscall"

	"github.com/moby/sys/capability"
	"github.com/moby/sys/mountinfo"
	"github.com/moby/sys/user"
	"golang.org/x/sys/unix"

	"github.com/banksean/cntr/backend"
	"github.com/banksean/cntr/inspect"
	"github.com/banksean/cntr/mount"
	"github.com/banksean/cntr/procfs"
	"github.com/banksean/cntr/security"
)

// AllowSetcapEnv permits operation without real UID 0 when set to 1,
// provided the binary carries the required file capabilities.
const AllowSetcapEnv = "CNTR_ALLOW_SETCAP"

// Engine resolves requests and supervises attach children.
type Engine struct {
	registry *backend.Registry
	msg      UserMessenger
}

// NewEngine returns an Engine probing real engine CLIs and the real /proc.
func NewEngine(msg UserMessenger) *Engine {
	return &Engine{
		registry: backend.NewRegistry(backend.NewExecRunner(), procfs.Default),
		msg:      msg,
	}
}

// Run executes the request end to end: privilege gate, selector resolution,
// target snapshot, child supervision. It blocks until the user command
// exits and returns the exit code to propagate, which mirrors the child's
// (code, or 128+signal) exactly.
func (e *Engine) Run(ctx context.Context, req *Request) (int, error) {
	if err := checkPrivilege(); err != nil {
		return err.Kind.ExitStatus(), err
	}
	if len(req.Command) == 0 {
		return ExecFailed.ExitStatus(), &Error{Kind: ExecFailed, Op: "no command to run"}
	}
	if req.BaseDir == "" {
		req.BaseDir = DefaultBaseDir
	}
	if req.Mode == ModeAttach {
		if err := validateBaseDir(ctx, req.BaseDir); err != nil {
			return MountOverlayFailed.ExitStatus(), err
		}
		if err := mount.Probe(); err != nil {
			return KernelTooOld.ExitStatus(), &Error{Kind: KernelTooOld, Op: "probing mount API", Err: err}
		}
	}

	kinds := req.Backends
	if len(kinds) == 0 {
		kinds = backend.Defaults()
	}
	pid, err := e.registry.Resolve(ctx, kinds, req.Selector)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return NoSuchContainer.ExitStatus(), &Error{Kind: NoSuchContainer, Op: "resolving selector", Err: err}
		}
		return NoSuchContainer.ExitStatus(), err
	}

	snap, err := inspect.Take(pid)
	if err != nil {
		cerr := classifyInspectError(err)
		if kind := KindOf(cerr); kind != 0 {
			return kind.ExitStatus(), cerr
		}
		return 1, cerr
	}
	defer snap.Close()

	plan, files, err := buildPlan(req, snap)
	if err != nil {
		return KindOf(err).ExitStatus(), err
	}
	if req.EffectiveUser != "" {
		u, err := user.LookupUser(req.EffectiveUser)
		if err != nil {
			return InsufficientPrivilege.ExitStatus(),
				&Error{Kind: InsufficientPrivilege, Op: "looking up host user " + req.EffectiveUser, Err: err}
		}
		plan.Env = append(plan.Env, []byte("CNTR_EFFECTIVE_UID="+strconv.Itoa(u.Uid)))
	}
	if plan.WorkdirFallback {
		e.msg.Message(ctx, fmt.Sprintf("target cwd %q is not reachable here, starting in %s", snap.Cwd, plan.Workdir))
	}

	return e.superviseChild(ctx, plan, files)
}

// superviseChild re-executes this binary as the hidden nsexec child,
// hands it the plan and inherited descriptors, forwards signals, and
// mirrors its exit status.
func (e *Engine) superviseChild(ctx context.Context, plan *Plan, files *childFiles) (int, error) {
	planR, planW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating plan pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating status pipe: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}
	cmd := commandContext(ctx, self, nsexecCommand)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = append([]*os.File{planR, statusW}, files.files...)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning attach child: %w", err)
	}
	// The child owns its copies now.
	planR.Close()
	statusW.Close()
	for _, f := range files.files {
		f.Close()
	}

	if err := writePlan(planW, plan); err != nil {
		planW.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return 0, err
	}
	planW.Close()

	stop := forwardSignals(cmd.Process)
	defer stop()

	statusMsg, _ := io.ReadAll(statusR)
	statusR.Close()

	werr := cmd.Wait()
	code := exitStatus(cmd.ProcessState, werr)
	if len(statusMsg) > 0 {
		return code, childError(code, string(statusMsg))
	}
	return code, nil
}

// exitStatus mirrors a child's exit as a numeric code: its code when it
// exited, 128+signal when it was killed.
func exitStatus(state *os.ProcessState, werr error) int {
	if state == nil {
		if werr != nil {
			return 1
		}
		return 0
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// childError turns a status-pipe report into a classified error.
func childError(code int, msg string) error {
	if kind, ok := KindFromExitStatus(code); ok {
		return &Error{Kind: kind, Op: trimStatus(msg)}
	}
	if code == 127 {
		return &Error{Kind: ExecFailed, Op: trimStatus(msg)}
	}
	return errors.New(trimStatus(msg))
}

func trimStatus(msg string) string {
	for len(msg) > 0 && (msg[len(msg)-1] == '\n' || msg[len(msg)-1] == '\x00') {
		msg = msg[:len(msg)-1]
	}
	return msg
}

func classifyInspectError(err error) error {
	switch {
	case errors.Is(err, inspect.ErrGone):
		return &Error{Kind: NoSuchPid, Op: "inspecting target", Err: err}
	case errors.Is(err, os.ErrPermission):
		return &Error{Kind: PermissionDenied, Op: "inspecting target (CAP_SYS_PTRACE missing?)", Err: err}
	default:
		return err
	}
}

// checkPrivilege enforces the privilege gate: real root, or file
// capabilities plus an explicit opt-in. The setcap path flips the dumpable
// flag on so /proc/self/ns/* stays readable.
func checkPrivilege() *Error {
	if os.Geteuid() == 0 {
		return nil
	}
	if os.Getenv(AllowSetcapEnv) != "1" {
		return &Error{Kind: InsufficientPrivilege,
			Op: fmt.Sprintf("need root (or file capabilities and %s=1)", AllowSetcapEnv)}
	}
	ok, err := security.HasCaps(
		capability.CAP_SYS_ADMIN,
		capability.CAP_SYS_CHROOT,
		capability.CAP_SYS_PTRACE,
		capability.CAP_SETUID,
		capability.CAP_SETGID,
	)
	if err != nil {
		return &Error{Kind: InsufficientPrivilege, Op: "reading own capabilities", Err: err}
	}
	if !ok {
		return &Error{Kind: InsufficientPrivilege,
			Op: "missing file capabilities (need cap_sys_admin, cap_sys_chroot, cap_sys_ptrace, cap_setuid, cap_setgid)"}
	}
	if err := security.SetDumpable(true); err != nil {
		return &Error{Kind: InsufficientPrivilege, Op: "enabling dumpable", Err: err}
	}
	return nil
}

// validateBaseDir checks that the mount point for the container root exists
// on the host root, per the overlay contract.
func validateBaseDir(ctx context.Context, baseDir string) error {
	st, err := os.Stat(baseDir)
	if err != nil || !st.IsDir() {
		return &Error{Kind: MountOverlayFailed,
			Op: fmt.Sprintf("base dir %s must be an existing directory on the host root", baseDir), Err: err}
	}
	if mounted, err := mountinfo.Mounted(baseDir); err == nil && mounted {
		slog.WarnContext(ctx, "base dir is already a mount point, the container root will shadow it", "baseDir", baseDir)
	}
	return nil
}

// ExecLocal is the degenerate exec path used from inside an attach
// session: no selector, no namespace transition, just a chroot to the
// session's mountpoint. Never returns on success.
func ExecLocal(baseDir string, argv []string) error {
	if err := unix.Chroot(baseDir); err != nil {
		return &Error{Kind: PermissionDenied, Op: "chroot " + baseDir, Err: err}
	}
	if err := unix.Chdir("/"); err != nil {
		return &Error{Kind: PermissionDenied, Op: "chdir /", Err: err}
	}
	path, err := lookExecutable(argv[0])
	if err != nil {
		return &Error{Kind: ExecFailed, Op: argv[0], Err: err}
	}
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return &Error{Kind: ExecFailed, Op: path, Err: err}
	}
	return nil
}
