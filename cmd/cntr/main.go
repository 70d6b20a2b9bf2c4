package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banksean/cntr"
	"github.com/banksean/cntr/backend"
)

type Context struct {
	ctx    context.Context
	engine *cntr.Engine
	// BaseDir is where attach sessions see the container root.
	BaseDir string
	// ExitCode is what the process exits with; commands set it to mirror
	// the user command's status.
	ExitCode int
}

type CLI struct {
	LogFile  string `default:"/tmp/cntr/log" placeholder:"<log-file-path>" help:"location of log file. Logging never goes to the session's stdio."`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`
	BaseDir  string `env:"CNTR_BASE_DIR" default:"/var/lib/cntr" placeholder:"<dir>" help:"mount point of the container root inside attach sessions"`

	Attach  AttachCmd  `cmd:"" help:"enter a container's namespaces, keeping the host root at / and the container root at the base dir"`
	Exec    ExecCmd    `cmd:"" help:"run a command chrooted into a container's filesystem, with the container's environment"`
	Doc     DocCmd     `cmd:"" help:"print complete command help formatted as markdown"`
	Version VersionCmd `cmd:"" help:"print version information about this command"`
}

func (c *CLI) initSlog(cctx *kong.Context) {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // Default to info if invalid
	}

	// Stdout and stderr belong to the user command; the log goes to a
	// rotated file.
	if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
		panic(err)
	}
	sink := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	}
	logger := slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Info("slog initialized", "command", cctx.Command())
}

const description = `Run your own shell, with your own tools, inside a running container.

cntr resolves a container (docker, podman, containerd, nspawn, lxc, lxd,
kubernetes, or a raw PID) to its leader process, enters its namespaces, and
side-mounts the container's root filesystem while your shell keeps the host
root at /. The container itself is never modified.`

func main() {
	// The hidden attach child: everything it needs arrives on inherited
	// descriptors, so it skips flag and config parsing entirely.
	if len(os.Args) > 1 && os.Args[1] == "nsexec" {
		os.Exit(cntr.Nsexec())
	}

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("cntr"),
		kong.Description(description),
		kong.Configuration(kongyaml.Loader, "/etc/cntr/config.yaml", "~/.cntr.yaml"),
		kong.Vars{"types": typeList()})
	if err != nil {
		panic(err)
	}
	kongcompletion.Register(parser,
		kongcompletion.WithPredictor("types", complete.PredictSet(typeNames()...)))

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initSlog(kctx)

	if err := verifyPrerequisites(context.Background(), "linux", "procfs"); err != nil {
		fmt.Fprintf(os.Stderr, "Prerequisites check failed: %v\n", err.Error())
		os.Exit(1)
	}

	appCtx := &Context{
		ctx:     context.Background(),
		engine:  cntr.NewEngine(cntr.NewTerminalMessenger(os.Stderr)),
		BaseDir: cli.BaseDir,
	}
	if err := kctx.Run(appCtx); err != nil {
		fmt.Fprintf(os.Stderr, "cntr: %v\n", err)
		if appCtx.ExitCode == 0 {
			appCtx.ExitCode = 1
		}
	}
	os.Exit(appCtx.ExitCode)
}

func typeNames() []string {
	var names []string
	for _, k := range backend.All() {
		names = append(names, string(k))
	}
	return names
}

func typeList() string {
	names := typeNames()
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}
