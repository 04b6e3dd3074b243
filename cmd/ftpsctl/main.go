// Command ftpsctl runs file operations against an FTPS server.
//
// The server is described by a config file (yaml, toml or json) and FTPS_*
// environment variables, see internal/config.
//
//	ftpsctl -c ftps.yaml ls /inbox
//	ftpsctl -c ftps.yaml put --intermediate report.csv /outbox
//	ftpsctl -c ftps.yaml watch --interval 30s --delete --out ./in /inbox
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/gonzalop/ftps"
	"github.com/gonzalop/ftps/internal/config"
)

var helpTemplate = `NAME:
{{.Name}} - {{.Usage}}

USAGE:
{{.Name}} {{if .Flags}}[flags] {{end}}command [arguments...]

COMMANDS:
	{{range .Commands}}{{join .Names ", "}}{{ "\t" }}{{.Usage}}
	{{end}}{{if .Flags}}
FLAGS:
	{{range .Flags}}{{.}}
	{{end}}{{end}}
`

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config, c",
		Usage:  "Load configuration from `FILE`",
		EnvVar: "FTPS_CONFIG",
	},
	cli.BoolFlag{Name: "debug", Usage: "Log protocol traffic"},
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if isTerminal(os.Stderr) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// env is what every command needs.
type env struct {
	logger   *slog.Logger
	provider *ftps.Provider
	ops      *ftps.Operations
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	debug := c.GlobalBool("debug")
	if debug {
		cfg.DebugCommands = true
	}

	logger := newLogger(debug)
	p, err := ftps.NewProvider(cfg, ftps.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &env{logger: logger, provider: p, ops: ftps.NewOperations(p)}, nil
}

// action adapts a command body to cli.v1, exiting non-zero on error.
func action(fn func(ctx context.Context, c *cli.Context, e *env) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return cli.NewExitError(color.RedString("ftpsctl: %s", err), 2)
		}
		defer e.provider.Close()

		if err := fn(context.Background(), c, e); err != nil {
			return cli.NewExitError(color.RedString("ftpsctl: %s", err), 1)
		}
		return nil
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "ftpsctl"
	app.Usage = "resilient FTPS file operations"
	app.Flags = globalFlags
	app.CustomAppHelpTemplate = helpTemplate
	app.Commands = commands()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
