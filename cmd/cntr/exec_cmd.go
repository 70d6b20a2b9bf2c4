package main

import (
	"os"

	"github.com/banksean/cntr"
	"github.com/banksean/cntr/backend"
)

type ExecCmd struct {
	Types    []string `short:"t" placeholder:"<type,...>" predictor:"types" help:"container types to probe, in order (${types}). Default: all except command."`
	Apparmor string   `default:"auto" enum:"auto,off" help:"reproduce the target's AppArmor/SELinux confinement (auto) or leave it off"`
	Selector string   `arg:"" optional:"" help:"container ID, name, or PID. Optional inside an attach session."`
	Cmd      []string `arg:"" optional:"" passthrough:"" help:"command to run in the container (default: /bin/sh)"`
}

func (c *ExecCmd) Run(cctx *Context) error {
	command := c.Cmd
	if len(command) == 0 {
		command = []string{"/bin/sh"}
	}

	// Inside an attach session the container root is already mounted; exec
	// without a selector just chroots into it.
	if c.Selector == "" {
		mountpoint := os.Getenv(cntr.MountpointEnv)
		if mountpoint == "" {
			return &cntr.Error{Kind: cntr.NoSuchContainer,
				Op: "a selector is required outside an attach session"}
		}
		err := cntr.ExecLocal(mountpoint, command)
		if cntr.KindOf(err) == cntr.ExecFailed {
			cctx.ExitCode = 127
		} else {
			cctx.ExitCode = 1
		}
		return err
	}

	kinds, err := backend.Parse(c.Types)
	if err != nil {
		return err
	}
	req := &cntr.Request{
		Mode:     cntr.ModeExec,
		Selector: c.Selector,
		Backends: kinds,
		Command:  command,
		Apparmor: cntr.ApparmorMode(c.Apparmor),
		BaseDir:  cctx.BaseDir,
	}
	code, err := cctx.engine.Run(cctx.ctx, req)
	cctx.ExitCode = code
	return err
}
