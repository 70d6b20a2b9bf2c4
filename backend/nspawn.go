package backend

import (
	"context"
	"strconv"
	"strings"

	"github.com/banksean/cntr/options"
)

// nspawnBackend resolves systemd-nspawn machines through machinectl.
type nspawnBackend struct {
	runner Runner
}

func (b *nspawnBackend) Kind() Kind { return Nspawn }

func (b *nspawnBackend) Probe(ctx context.Context, selector string) ([]int, error) {
	if _, err := b.runner.LookPath("machinectl"); err != nil {
		return nil, nil
	}
	args := options.ToArgs(&options.MachinectlShow{Property: "Leader", Value: true})
	args = append([]string{"show"}, append(args, selector)...)
	out, err := b.runner.Output(ctx, "machinectl", args...)
	if err != nil {
		return nil, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || pid <= 0 {
		return nil, nil
	}
	return []int{pid}, nil
}
