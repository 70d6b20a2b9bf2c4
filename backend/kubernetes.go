package backend

import (
	"context"
	"strings"

	"github.com/banksean/cntr/options"
)

// kubernetesBackend resolves pod or container names through crictl, going
// from name to container ID to init PID.
type kubernetesBackend struct {
	runner Runner
}

func (b *kubernetesBackend) Kind() Kind { return Kubernetes }

func (b *kubernetesBackend) Probe(ctx context.Context, selector string) ([]int, error) {
	if _, err := b.runner.LookPath("crictl"); err != nil {
		return nil, nil
	}
	ids := b.containersByName(ctx, selector)
	if len(ids) == 0 {
		ids = b.containersByPod(ctx, selector)
	}
	var pids []int
	for _, id := range ids {
		if pid := crictlInspectPid(ctx, b.runner, id); pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func (b *kubernetesBackend) containersByName(ctx context.Context, name string) []string {
	args := options.ToArgs(&options.CrictlPs{Name: name, State: "Running", Quiet: true})
	out, err := b.runner.Output(ctx, "crictl", append([]string{"ps"}, args...)...)
	if err != nil {
		return nil
	}
	return splitIDs(string(out))
}

// containersByPod treats the selector as a pod name and collects the IDs of
// every container in matching pods.
func (b *kubernetesBackend) containersByPod(ctx context.Context, podName string) []string {
	args := options.ToArgs(&options.CrictlPods{Name: podName, Quiet: true})
	out, err := b.runner.Output(ctx, "crictl", append([]string{"pods"}, args...)...)
	if err != nil {
		return nil
	}
	var ids []string
	for _, podID := range splitIDs(string(out)) {
		args := options.ToArgs(&options.CrictlPs{Pod: podID, State: "Running", Quiet: true})
		out, err := b.runner.Output(ctx, "crictl", append([]string{"ps"}, args...)...)
		if err != nil {
			continue
		}
		ids = append(ids, splitIDs(string(out))...)
	}
	return ids
}

func splitIDs(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}
	return ids
}
