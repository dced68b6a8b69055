package main

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/halo/internal/device"
	"github.com/samcharles93/halo/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			printVersion(cmd.Root().Writer, version.Resolve(), device.Available(ctx))
			return nil
		},
	}
}

func printVersion(w io.Writer, info version.Info, devices string) {
	_, _ = fmt.Fprintf(w, "version:    %s\n", info.Version)
	if info.Commit != "" {
		commit := info.Commit
		if info.Modified {
			commit += " (modified)"
		}
		_, _ = fmt.Fprintf(w, "commit:     %s\n", commit)
	}
	if info.BuildTime != "" {
		_, _ = fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
	}
	goVersion := info.GoVersion
	if goVersion == "" {
		goVersion = runtime.Version()
	}
	_, _ = fmt.Fprintf(w, "go:         %s %s/%s\n", goVersion, runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(w, "devices:    %s\n", devices)
}
