package main

import (
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/banksean/cntr"
	"github.com/banksean/cntr/backend"
)

type AttachCmd struct {
	Types         []string `short:"t" placeholder:"<type,...>" predictor:"types" help:"container types to probe, in order (${types}). Default: all except command."`
	EffectiveUser string   `placeholder:"<user>" help:"host user whose UID should own files the session creates on the host side"`
	Apparmor      string   `default:"auto" enum:"auto,off" help:"reproduce the target's AppArmor/SELinux confinement (auto) or leave it off"`
	Selector      string   `arg:"" help:"container ID, name, PID, or (with -t command) a command-line pattern"`
	Cmd           []string `arg:"" optional:"" passthrough:"" help:"command to run in the session (default: $SHELL)"`
}

func (c *AttachCmd) Run(cctx *Context) error {
	kinds, err := backend.Parse(c.Types)
	if err != nil {
		return err
	}
	command := c.Cmd
	if len(command) == 0 {
		command = []string{defaultShell()}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "cntr: stdin is not a terminal, the shell will run non-interactively")
		}
	}
	req := &cntr.Request{
		Mode:          cntr.ModeAttach,
		Selector:      c.Selector,
		Backends:      kinds,
		Command:       command,
		EffectiveUser: c.EffectiveUser,
		Apparmor:      cntr.ApparmorMode(c.Apparmor),
		BaseDir:       cctx.BaseDir,
	}
	code, err := cctx.engine.Run(cctx.ctx, req)
	cctx.ExitCode = code
	return err
}

// defaultShell is the attach-mode default command: the operator's own
// shell, which is the point of attaching.
func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}
