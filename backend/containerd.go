package backend

import (
	"context"
	"strconv"
	"strings"

	"github.com/banksean/cntr/options"
)

// containerdNamespaces are probed in order. k8s.io is where kubelet-managed
// tasks live.
var containerdNamespaces = []string{"default", "k8s.io"}

type containerdBackend struct {
	runner Runner
}

func (b *containerdBackend) Kind() Kind { return Containerd }

func (b *containerdBackend) Probe(ctx context.Context, selector string) ([]int, error) {
	if _, err := b.runner.LookPath("ctr"); err == nil {
		for _, ns := range containerdNamespaces {
			args := options.ToArgs(&options.CtrTasks{Namespace: ns})
			args = append(args, "tasks", "ls")
			out, err := b.runner.Output(ctx, "ctr", args...)
			if err != nil {
				continue
			}
			if pid := parseCtrTasks(string(out), selector); pid > 0 {
				return []int{pid}, nil
			}
		}
	}
	// Fall back to the CRI inspection path for containerd sockets that only
	// crictl is configured to reach.
	if _, err := b.runner.LookPath("crictl"); err == nil {
		if pid := crictlInspectPid(ctx, b.runner, selector); pid > 0 {
			return []int{pid}, nil
		}
	}
	return nil, nil
}

// parseCtrTasks scans `ctr tasks ls` table output (TASK PID STATUS) for the
// named task.
func parseCtrTasks(out, task string) int {
	for i, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if i == 0 || len(fields) < 2 {
			continue
		}
		if fields[0] != task {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil || pid <= 0 {
			continue
		}
		return pid
	}
	return 0
}

// crictlInspectPid asks crictl for a container's init PID, or 0.
func crictlInspectPid(ctx context.Context, runner Runner, containerID string) int {
	args := options.ToArgs(&options.CrictlInspect{Output: "go-template", Template: "{{.info.pid}}"})
	args = append([]string{"inspect"}, append(args, containerID)...)
	out, err := runner.Output(ctx, "crictl", args...)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
