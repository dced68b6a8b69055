package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/halo/internal/gguf"
	"github.com/samcharles93/halo/internal/model"
)

type inspectOptions struct {
	showKV       bool
	tensorLimit  int
	tensorFilter string
	arrayPreview int
}

func inspectCmd() *cli.Command {
	var (
		modelPath string
		opts      inspectOptions
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the header, metadata and tensor table of a GGUF model",
		ArgsUsage: "<model.gguf>",
		Before:    setup,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a .gguf model (or pass it as the first argument)",
				Destination: &modelPath,
			},
			&cli.BoolFlag{Name: "kv", Usage: "show all metadata key/values", Destination: &opts.showKV},
			&cli.IntFlag{Name: "tensors", Usage: "tensors to list (0 = none, -1 = all)", Value: 20, Destination: &opts.tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for the tensor listing", Destination: &opts.tensorFilter},
			&cli.IntFlag{Name: "array-preview", Usage: "array elements shown with --kv", Value: 4, Destination: &opts.arrayPreview},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if modelPath == "" {
				modelPath = c.Args().First()
			}
			if modelPath == "" {
				return cli.Exit("error: a model path is required", 2)
			}
			f, err := gguf.OpenWith(modelPath, gguf.Options{Mmap: true})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = f.Close() }()
			inspect(c.Root().Writer, f, opts)
			return nil
		},
	}
}

var summaryKeys = []string{
	"general.name",
	"general.architecture",
	"general.file_type",
	"general.alignment",
	"tokenizer.ggml.model",
	"tokenizer.ggml.bos_token_id",
	"tokenizer.ggml.eos_token_id",
	"tokenizer.ggml.unknown_token_id",
	"tokenizer.ggml.padding_token_id",
}

func inspect(w io.Writer, f *gguf.File, opts inspectOptions) {
	if w == nil {
		w = os.Stdout
	}
	_, _ = fmt.Fprintf(w, "File: %s (%s)\n", filepath.Base(f.Path), formatBytes(f.Size))
	_, _ = fmt.Fprintf(w, "GGUF v%d | tensors=%d | kv=%d | alignment=%d | data_offset=%d\n",
		f.Header.Version, f.Header.TensorCount, f.Header.KVCount, f.Alignment, f.DataOffset)
	for _, k := range summaryKeys {
		printKey(w, f, k)
	}

	_, _ = fmt.Fprintln(w)
	cfg, err := model.ConfigFromGGUF(f)
	if err != nil {
		_, _ = fmt.Fprintf(w, "Model params: unavailable (%v)\n", err)
	} else {
		printConfig(w, cfg)
	}

	if opts.showKV {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "All metadata:")
		keys := make([]string, 0, len(f.KV))
		for k := range f.KV {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s = %s\n", k, formatValue(f.KV[k], opts.arrayPreview))
		}
	}

	if opts.tensorLimit != 0 {
		printTensors(w, f.Tensors, opts.tensorFilter, opts.tensorLimit)
	}
}

func printConfig(w io.Writer, cfg model.Config) {
	_, _ = fmt.Fprintln(w, "Model params:")
	_, _ = fmt.Fprintf(w, "  arch:            %s\n", cfg.Arch)
	_, _ = fmt.Fprintf(w, "  layers:          %d\n", cfg.Layers)
	_, _ = fmt.Fprintf(w, "  embd:            %d\n", cfg.Embd)
	_, _ = fmt.Fprintf(w, "  ffn:             %d\n", cfg.FFNLength)
	_, _ = fmt.Fprintf(w, "  heads:           %d (kv %d, dim %d)\n", cfg.HeadCount, cfg.HeadCountKV, cfg.HeadDim)
	_, _ = fmt.Fprintf(w, "  vocab:           %d\n", cfg.VocabSize)
	_, _ = fmt.Fprintf(w, "  ctx_len:         %d\n", cfg.ContextLength)
	_, _ = fmt.Fprintf(w, "  rms_eps:         %g\n", cfg.RMSEpsilon)
	_, _ = fmt.Fprintf(w, "  rope_freq_base:  %g\n", cfg.RopeBase)
	if rs := cfg.RopeScaling; rs != nil {
		_, _ = fmt.Fprintf(w, "  rope_scaling:    %s factor=%g orig_ctx=%d\n", rs.Type, rs.Factor, rs.OrigMaxCtx)
	}
	_, _ = fmt.Fprintf(w, "  bos/eos:         %d/%d\n", cfg.BOS, cfg.EOS)
}

func printTensors(w io.Writer, tensors []gguf.TensorInfo, filter string, limit int) {
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "Tensors:")
	matched := 0
	shown := 0
	for _, t := range tensors {
		if filter != "" && !strings.Contains(t.Name, filter) {
			continue
		}
		matched++
		if limit > 0 && shown >= limit {
			continue
		}
		shown++
		_, _ = fmt.Fprintf(w, "  %-40s %-6s dims=%s off=%d\n", t.Name, t.Type, formatDims(t.Dims), t.Offset)
	}
	if shown < matched {
		_, _ = fmt.Fprintf(w, "  ... (%d more)\n", matched-shown)
	}
}

func printKey(w io.Writer, f *gguf.File, key string) {
	if v, ok := f.KV[key]; ok {
		_, _ = fmt.Fprintf(w, "  %-36s %s\n", key+":", formatValue(v, 0))
	}
}

func formatDims(dims []uint64) string {
	if len(dims) == 0 {
		return "[]"
	}
	parts := make([]string, len(dims))
	for i, v := range dims {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

// formatValue renders arrays as their element type and length, followed by
// up to preview elements.
func formatValue(v gguf.Value, preview int) string {
	switch val := v.Value.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case gguf.ArrayValue:
		s := fmt.Sprintf("array(%s) len=%d", val.ElemType, len(val.Values))
		if preview <= 0 || len(val.Values) == 0 {
			return s
		}
		n := min(preview, len(val.Values))
		items := make([]string, n)
		for i := range n {
			items[i] = fmt.Sprintf("%v", val.Values[i])
			if str, ok := val.Values[i].(string); ok {
				items[i] = fmt.Sprintf("%q", str)
			}
		}
		s += " [" + strings.Join(items, ", ")
		if n < len(val.Values) {
			s += ", ..."
		}
		return s + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
