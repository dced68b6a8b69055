package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/halo/internal/logger"
	"github.com/samcharles93/halo/internal/version"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "halo",
		Usage:   "Greedy text generation over local GGUF llama models",
		Version: version.String(),
		Flags:   loggingFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			generateCmd(),
			inspectCmd(),
			versionCmd(),
		},
	}
}

// setup loads the config file and installs the logger into ctx. Every
// subcommand runs it as its Before hook so flags given after the command
// name are already parsed.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig(configPath(configFile))
	if err != nil {
		return ctx, err
	}
	loadedConfig = cfg
	applyLoggingConfig(cmd, cfg)

	log, err := newLogger(os.Stderr)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

func newLogger(w io.Writer) (logger.Logger, error) {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	return logger.ForFormat(w, logFormat, level)
}
