package backend

import (
	"context"
	"strconv"
	"strings"

	"github.com/banksean/cntr/options"
)

// lxcBackend resolves classic LXC containers through lxc-info.
type lxcBackend struct {
	runner Runner
}

func (b *lxcBackend) Kind() Kind { return LXC }

func (b *lxcBackend) Probe(ctx context.Context, selector string) ([]int, error) {
	if _, err := b.runner.LookPath("lxc-info"); err != nil {
		return nil, nil
	}
	args := options.ToArgs(&options.LXCInfo{Name: selector, PID: true, NoHumanize: true})
	out, err := b.runner.Output(ctx, "lxc-info", args...)
	if err != nil {
		return nil, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || pid <= 0 {
		return nil, nil
	}
	return []int{pid}, nil
}

// lxdBackend resolves LXD instances through the lxc client.
type lxdBackend struct {
	runner Runner
}

func (b *lxdBackend) Kind() Kind { return LXD }

func (b *lxdBackend) Probe(ctx context.Context, selector string) ([]int, error) {
	if _, err := b.runner.LookPath("lxc"); err != nil {
		return nil, nil
	}
	out, err := b.runner.Output(ctx, "lxc", "info", selector)
	if err != nil {
		return nil, nil
	}
	if pid := parseLXDInfo(string(out)); pid > 0 {
		return []int{pid}, nil
	}
	return nil, nil
}

// parseLXDInfo extracts the init PID from `lxc info` output, which renders
// it as a "PID: <n>" (older releases: "Pid: <n>") line.
func parseLXDInfo(out string) int {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if key := strings.ToLower(fields[0]); key != "pid:" {
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
