package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/halo/internal/inference"
	"github.com/samcharles93/halo/internal/model/modeltest"
	"github.com/samcharles93/halo/internal/tokenizer/tokenizertest"
	"github.com/samcharles93/halo/internal/version"
)

type fixture struct {
	dir       string
	tokenizer string
	model     string
}

func newFixture(t *testing.T, favour int) fixture {
	t.Helper()
	dir := t.TempDir()
	s := modeltest.Default()
	s.Favour = favour
	f := fixture{dir: dir, tokenizer: tokenizertest.Write(t, dir), model: filepath.Join(dir, "tiny.gguf")}
	modeltest.Write(t, f.model, s)
	return f
}

// runApp runs the halo CLI with stdout captured. Tests using it mutate the
// package flag variables and must not run in parallel.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(context.Context, *cli.Command, error) {}
	err := app.Run(context.Background(), append([]string{"halo"}, args...))
	return out.String(), err
}

func TestGenerateCommand(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "none.yaml"))
	f := newFixture(t, tokenizertest.Ok)

	out, err := runApp(t, "generate", "--log-level", "error", "--log-format", "plain",
		"--tokenizer", f.tokenizer, "--model", f.model, "--prompt", "hi", "--max-tokens", "2")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "ok ok\n" {
		t.Fatalf("stdout = %q", out)
	}
}

func TestGenerateCommandReadsConfig(t *testing.T) {
	f := newFixture(t, tokenizertest.Hi)
	cfg := writeConfig(t, "tokenizer_path: "+f.tokenizer+"\nlog_level: error\n")
	t.Setenv(envConfigPath, cfg)

	out, err := runApp(t, "generate", "--model", f.model, "--prompt", "ok", "-n", "1", "--stats")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(out, "hi\n") || !strings.Contains(out, "generated:     1 (max_tokens)") {
		t.Fatalf("output = %q", out)
	}
}

func TestGenerateCommandLoadFailure(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "none.yaml"))
	f := newFixture(t, -1)

	_, err := runApp(t, "generate", "--log-level", "error",
		"--tokenizer", f.tokenizer, "--model", filepath.Join(f.dir, "absent.gguf"), "--prompt", "hi")
	if err == nil || !strings.Contains(err.Error(), "load") {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestSetupRejectsBadLogFormat(t *testing.T) {
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "none.yaml"))
	f := newFixture(t, -1)
	if _, err := runApp(t, "inspect", "--log-format", "xml", f.model); err == nil || !strings.Contains(err.Error(), "log format") {
		t.Fatalf("expected log format error, got %v", err)
	}
}

func TestReadPrompt(t *testing.T) {
	t.Parallel()

	got, err := readPrompt("-", strings.NewReader("from stdin\n"))
	if err != nil || got != "from stdin" {
		t.Fatalf("stdin prompt = %q, %v", got, err)
	}
	if got, _ := readPrompt("literal", nil); got != "literal" {
		t.Fatalf("literal prompt = %q", got)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{inference.ErrLoad, 3},
		{inference.ErrTokenize, 3},
		{inference.ErrConfiguration, 2},
		{inference.ErrCancelled, 130},
		{context.Canceled, 130},
		{inference.ErrForward, 1},
		{os.ErrClosed, 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPrintVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printVersion(&buf, version.Info{Version: "v0.3.0", Commit: "abc123", Modified: true, GoVersion: "go1.26.0"}, "cpu")
	out := buf.String()
	for _, want := range []string{"version:    v0.3.0", "commit:     abc123 (modified)", "go:         go1.26.0", "devices:    cpu"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "build time") {
		t.Errorf("empty build time printed:\n%s", out)
	}
}
