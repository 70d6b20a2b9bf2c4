// Package backend resolves a container selector to the PID of the
// container's leader process by probing the engine CLIs installed on the
// host. A backend whose CLI is missing is silently inactive.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banksean/cntr/procfs"
)

// Kind names one container-engine backend.
type Kind string

const (
	ProcessID  Kind = "process_id"
	Podman     Kind = "podman"
	Docker     Kind = "docker"
	Nspawn     Kind = "nspawn"
	LXC        Kind = "lxc"
	LXD        Kind = "lxd"
	Containerd Kind = "containerd"
	Kubernetes Kind = "kubernetes"
	Command    Kind = "command"
)

// All returns every known kind in preference order.
func All() []Kind {
	return []Kind{ProcessID, Podman, Docker, Nspawn, LXC, LXD, Containerd, Kubernetes, Command}
}

// Defaults returns the kinds probed when the operator names none. Command
// is excluded: substring matches against /proc/*/cmdline are too ambiguous
// to consult unasked.
func Defaults() []Kind {
	var ret []Kind
	for _, k := range All() {
		if k != Command {
			ret = append(ret, k)
		}
	}
	return ret
}

// Parse validates a list of kind names, preserving their order.
func Parse(names []string) ([]Kind, error) {
	known := map[Kind]bool{}
	for _, k := range All() {
		known[k] = true
	}
	var ret []Kind
	for _, n := range names {
		k := Kind(strings.TrimSpace(n))
		if !known[k] {
			return nil, fmt.Errorf("unknown container type %q (valid: %v)", n, All())
		}
		ret = append(ret, k)
	}
	return ret, nil
}

// ErrNotFound means no backend matched the selector.
var ErrNotFound = errors.New("no such container")

// ProbeTimeout bounds a single backend's engine-CLI conversation.
const ProbeTimeout = 10 * time.Second

// Runner executes an engine CLI and returns its stdout. It exists so tests
// can substitute canned engine output.
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
	LookPath(name string) (string, error)
}

type execRunner struct{}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() Runner {
	return execRunner{}
}

func (execRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	slog.DebugContext(ctx, "Runner.Output", "cmd", strings.Join(cmd.Args, " "))
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return output, nil
}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Backend probes one engine for the given selector. Probes are pure: their
// only side effect is spawning the engine's own CLI. A selector the engine
// does not know yields an empty result, not an error.
type Backend interface {
	Kind() Kind
	Probe(ctx context.Context, selector string) ([]int, error)
}

// Registry holds the probing environment shared by all backends.
type Registry struct {
	runner Runner
	proc   procfs.FS
}

// NewRegistry returns a Registry probing with the given runner and proc tree.
func NewRegistry(runner Runner, proc procfs.FS) *Registry {
	return &Registry{runner: runner, proc: proc}
}

// Get returns the backend for a kind.
func (r *Registry) Get(kind Kind) Backend {
	switch kind {
	case ProcessID:
		return &processIDBackend{proc: r.proc}
	case Docker:
		return &engineBackend{kind: Docker, bin: "docker", runner: r.runner}
	case Podman:
		return &engineBackend{kind: Podman, bin: "podman", runner: r.runner}
	case Nspawn:
		return &nspawnBackend{runner: r.runner}
	case LXC:
		return &lxcBackend{runner: r.runner}
	case LXD:
		return &lxdBackend{runner: r.runner}
	case Containerd:
		return &containerdBackend{runner: r.runner}
	case Kubernetes:
		return &kubernetesBackend{runner: r.runner}
	case Command:
		return &commandBackend{proc: r.proc}
	}
	return nil
}

// Resolve probes the given kinds for the selector and returns the winning
// PID. Probes run concurrently, each under its own deadline, but the winner
// is the first kind in the request's order with at least one candidate.
// Several candidates from one backend tie-break to the lowest PID.
func (r *Registry) Resolve(ctx context.Context, kinds []Kind, selector string) (int, error) {
	results := make([][]int, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		b := r.Get(kind)
		if b == nil {
			return 0, fmt.Errorf("unknown container type %q", kind)
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, ProbeTimeout)
			defer cancel()
			pids, err := b.Probe(pctx, selector)
			if err != nil {
				if errors.Is(pctx.Err(), context.DeadlineExceeded) {
					slog.WarnContext(ctx, "backend timed out, skipping", "backend", kind, "timeout", ProbeTimeout)
				} else {
					slog.DebugContext(ctx, "backend probe failed, skipping", "backend", kind, "error", err)
				}
				return nil
			}
			results[i] = pids
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var matched []Kind
	for i := range kinds {
		if len(results[i]) > 0 {
			matched = append(matched, kinds[i])
		}
	}
	if len(matched) == 0 {
		return 0, fmt.Errorf("%w: %q (tried %v)", ErrNotFound, selector, kinds)
	}
	if len(matched) > 1 {
		slog.WarnContext(ctx, "selector matched multiple engines, using the first in preference order",
			"selector", selector, "matched", matched)
	}

	for i := range kinds {
		pids := results[i]
		if len(pids) == 0 {
			continue
		}
		sort.Ints(pids)
		if len(pids) > 1 {
			slog.InfoContext(ctx, "multiple candidate processes, choosing lowest PID",
				"backend", kinds[i], "candidates", pids)
		}
		slog.InfoContext(ctx, "Registry.Resolve", "backend", kinds[i], "selector", selector, "pid", pids[0])
		return pids[0], nil
	}
	return 0, fmt.Errorf("%w: %q", ErrNotFound, selector)
}
