package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/halo/internal/inference"
	"github.com/samcharles93/halo/internal/model"
)

var (
	configFile    string
	tokenizerPath string
	backend       string
	maxContext    int64
	gpuLayers     int64
	useMmap       bool
	logLevel      string
	logFormat     string
	debug         bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tokenizer",
			Aliases:     []string{"tokenizer-json"},
			Usage:       "path to tokenizer.json",
			Value:       inference.DefaultTokenizerPath,
			Destination: &tokenizerPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu, cuda)",
			Value:       "auto",
			Destination: &backend,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"ctx", "c"},
			Usage:       "cap on the KV cache length (0 = model context length)",
			Value:       model.DefaultMaxContext,
			Destination: &maxContext,
		},
		&cli.Int64Flag{
			Name:        "gpu-layers",
			Usage:       "layers to offload (requires the cuda backend)",
			Destination: &gpuLayers,
		},
		&cli.BoolFlag{
			Name:        "mmap",
			Usage:       "map the model file instead of reading it",
			Value:       true,
			Destination: &useMmap,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Sources:     cli.EnvVars(envConfigPath),
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, plain, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
