package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/halo/internal/api"
	"github.com/samcharles93/halo/internal/device"
	"github.com/samcharles93/halo/internal/inference"
	"github.com/samcharles93/halo/internal/logger"
	"github.com/samcharles93/halo/internal/model"
	"github.com/samcharles93/halo/internal/version"
)

const defaultAddr = "0.0.0.0:11435"

type serveOptions struct {
	addr           string
	readTimeout    time.Duration
	queueTimeout   time.Duration
	maxTokens      int64
	maxTokensLimit int64
	maxConcurrent  int64
}

func serveCmd() *cli.Command {
	var opts serveOptions

	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve POST /api/generate",
		Before: setup,
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       defaultAddr,
				Destination: &opts.addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &opts.readTimeout,
			},
			&cli.DurationFlag{
				Name:        "queue-timeout",
				Usage:       "how long a request waits for a free slot before 503",
				Value:       30 * time.Second,
				Destination: &opts.queueTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Usage:       "default max_tokens when a request omits it",
				Value:       inference.DefaultMaxTokens,
				Destination: &opts.maxTokens,
			},
			&cli.Int64Flag{
				Name:        "max-tokens-limit",
				Usage:       "largest max_tokens a request may ask for",
				Value:       4096,
				Destination: &opts.maxTokensLimit,
			},
			&cli.Int64Flag{
				Name:        "max-concurrent",
				Usage:       "requests loading or decoding at once",
				Value:       1,
				Destination: &opts.maxConcurrent,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, loadedConfig, &opts)
			return runServer(ctx, opts)
		},
	}
}

func newLoader(log logger.Logger) (*inference.Loader, error) {
	sel, err := device.NewSelector(backend, log)
	if err != nil {
		return nil, err
	}
	return &inference.Loader{
		TokenizerPath: tokenizerPath,
		Selector:      sel,
		Options: model.Options{
			MaxContext: int(maxContext),
			UseMmap:    useMmap,
			GPULayers:  int(gpuLayers),
		},
	}, nil
}

func runServer(ctx context.Context, opts serveOptions) error {
	log := logger.FromContext(ctx)

	loader, err := newLoader(log)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 2)
	}
	devices := device.Available(ctx)
	server := api.NewServer(loader, api.Config{
		DefaultMaxTokens: int(opts.maxTokens),
		MaxTokensLimit:   int(opts.maxTokensLimit),
		MaxConcurrent:    opts.maxConcurrent,
		QueueTimeout:     opts.queueTimeout,
		Version:          version.String(),
		Devices:          devices,
		Logger:           log,
	})

	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	server.Register(e)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server",
			"address", opts.addr,
			"backend", backend,
			"devices", devices,
			"tokenizer", tokenizerPath,
			"max_concurrent", opts.maxConcurrent,
		)
		sc := echo.StartConfig{
			Address: opts.addr,
			BeforeServeFunc: func(srv *http.Server) error {
				srv.ReadHeaderTimeout = opts.readTimeout
				return nil
			},
		}
		if err := sc.Start(gctx, e); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", opts.addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "cause", context.Cause(gctx))
		return nil
	})
	return g.Wait()
}
