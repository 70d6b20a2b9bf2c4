package backend

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/banksean/cntr/procfs"
)

// processIDBackend accepts a selector that is already a PID.
type processIDBackend struct {
	proc procfs.FS
}

func (b *processIDBackend) Kind() Kind { return ProcessID }

func (b *processIDBackend) Probe(_ context.Context, selector string) ([]int, error) {
	pid, err := strconv.Atoi(selector)
	if err != nil || pid <= 0 {
		return nil, nil
	}
	if !b.proc.Exists(pid) {
		return nil, nil
	}
	return []int{pid}, nil
}

// commandBackend matches the selector as a substring of /proc/*/cmdline.
// It never matches itself.
type commandBackend struct {
	proc procfs.FS
}

func (b *commandBackend) Kind() Kind { return Command }

func (b *commandBackend) Probe(_ context.Context, selector string) ([]int, error) {
	pids, err := b.proc.Pids()
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	var matches []int
	for _, pid := range pids {
		if pid == self {
			continue
		}
		cmdline, err := b.proc.Cmdline(pid)
		if err != nil {
			// The process exited mid-scan, or it belongs to another user.
			continue
		}
		if strings.Contains(cmdline, selector) {
			matches = append(matches, pid)
		}
	}
	return matches, nil
}
