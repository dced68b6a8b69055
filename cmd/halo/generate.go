package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/halo/internal/inference"
	"github.com/samcharles93/halo/internal/logger"
)

func generateCmd() *cli.Command {
	var (
		modelPath string
		prompt    string
		maxTokens int64
		stats     bool
	)

	return &cli.Command{
		Name:   "generate",
		Usage:  "Generate a completion for one prompt and exit",
		Before: setup,
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a .gguf model",
				Required:    true,
				Destination: &modelPath,
			},
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (\"-\" reads stdin)",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "max-tokens",
				Aliases:     []string{"n"},
				Usage:       "maximum tokens to generate",
				Value:       inference.DefaultMaxTokens,
				Destination: &maxTokens,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print token counts and timings to stderr",
				Destination: &stats,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, loadedConfig)
			if maxTokens <= 0 {
				return cli.Exit("error: --max-tokens must be positive", 2)
			}
			text, err := readPrompt(prompt, os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}

			log := logger.FromContext(ctx)
			loader, err := newLoader(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}
			res, err := loader.Generate(ctx, inference.Request{
				ModelPath: modelPath,
				Prompt:    text,
				MaxTokens: int(maxTokens),
				OnStep: func(s inference.Step) {
					log.Debug("step", "index", s.Index, "position", s.Position, "consumed", s.Consumed, "token", s.Token)
				},
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), exitCode(err))
			}

			w := cmd.Root().Writer
			_, _ = fmt.Fprintln(w, res.Text)
			if stats {
				printStats(cmd.Root().ErrWriter, res)
			}
			return nil
		},
	}
}

func readPrompt(arg string, stdin io.Reader) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt from stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// exitCode: 2 configuration, 3 bad model or prompt, 130 cancelled, 1 otherwise.
func exitCode(err error) int {
	switch inference.KindOf(err) {
	case inference.KindLoad, inference.KindTokenize:
		return 3
	case inference.KindConfiguration:
		return 2
	case inference.KindCancelled:
		return 130
	default:
		return 1
	}
}

func printStats(w io.Writer, res *inference.Result) {
	if w == nil {
		w = os.Stderr
	}
	tps := 0.0
	if res.Duration > 0 {
		tps = float64(len(res.Generated)) / res.Duration.Seconds()
	}
	_, _ = fmt.Fprintf(w, "prompt tokens: %d\n", res.PromptTokens)
	_, _ = fmt.Fprintf(w, "generated:     %d (%s)\n", len(res.Generated), res.StopReason)
	_, _ = fmt.Fprintf(w, "load:          %s\n", res.LoadDuration)
	_, _ = fmt.Fprintf(w, "decode:        %s (%.2f tok/s)\n", res.Duration, tps)
}
