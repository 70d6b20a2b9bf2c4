package backend

import (
	"context"
	"strconv"
	"strings"

	"github.com/banksean/cntr/options"
)

// engineBackend covers docker and podman, whose inspect CLIs are
// flag-compatible.
type engineBackend struct {
	kind   Kind
	bin    string
	runner Runner
}

func (b *engineBackend) Kind() Kind { return b.kind }

func (b *engineBackend) Probe(ctx context.Context, selector string) ([]int, error) {
	if _, err := b.runner.LookPath(b.bin); err != nil {
		return nil, nil
	}
	args := options.ToArgs(&options.DockerInspect{Format: "{{.State.Pid}}"})
	args = append([]string{"inspect"}, append(args, selector)...)
	out, err := b.runner.Output(ctx, b.bin, args...)
	if err != nil {
		// The engine is installed but does not know this selector.
		return nil, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || pid <= 0 {
		// A stopped container inspects to PID 0.
		return nil, nil
	}
	return []int{pid}, nil
}
