package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/halo/internal/inference"
	"github.com/samcharles93/halo/internal/logger"
	"github.com/samcharles93/halo/internal/model/modeltest"
	"github.com/samcharles93/halo/internal/tokenizer/tokenizertest"
)

type fakeGenerator struct {
	mu    sync.Mutex
	reqs  []inference.Request
	res   *inference.Result
	err   error
	block chan struct{}
}

func (g *fakeGenerator) Generate(ctx context.Context, req inference.Request) (*inference.Result, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.res, nil
}

func (g *fakeGenerator) requests() []inference.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]inference.Request(nil), g.reqs...)
}

func newTestEcho(gen Generator, cfg Config) *echo.Echo {
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	e := echo.New()
	NewServer(gen, cfg).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestGenerateSuccess(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{res: &inference.Result{
		Text:       "five six",
		Generated:  []int{5, 6, 2},
		StopReason: inference.StopEOS,
	}}
	e := newTestEcho(gen, Config{})

	rec := doJSON(t, e, http.MethodPost, "/api/generate", `{"prompt":"hello","model_path":"/models/m.gguf"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var out GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Text != "five six" || out.Tokens != 3 || out.StopReason != "eos" {
		t.Fatalf("unexpected response %+v", out)
	}
	if out.RequestID == "" || rec.Header().Get(echo.HeaderXRequestID) != out.RequestID {
		t.Fatalf("request id not echoed: body %q header %q", out.RequestID, rec.Header().Get(echo.HeaderXRequestID))
	}
	reqs := gen.requests()
	if len(reqs) != 1 || reqs[0].MaxTokens != inference.DefaultMaxTokens || reqs[0].ModelPath != "/models/m.gguf" || reqs[0].Prompt != "hello" {
		t.Fatalf("generator got %+v", reqs)
	}
}

func TestGenerateKeepsCallerRequestID(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&fakeGenerator{res: &inference.Result{StopReason: inference.StopMaxTokens}}, Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(`{"prompt":"x","model_path":"m"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderXRequestID, "abc-123")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if got := rec.Header().Get(echo.HeaderXRequestID); got != "abc-123" {
		t.Fatalf("request id = %q", got)
	}
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{res: &inference.Result{}}
	e := newTestEcho(gen, Config{MaxTokensLimit: 500})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{"prompt":`, "decode body"},
		{"unknown field", `{"prompt":"x","model_path":"m","temperature":0.7}`, "decode body"},
		{"missing model path", `{"prompt":"x"}`, "model_path is required"},
		{"negative max tokens", `{"prompt":"x","model_path":"m","max_tokens":-1}`, "max_tokens"},
		{"max tokens over limit", `{"prompt":"x","model_path":"m","max_tokens":501}`, "between 1 and 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, e, http.MethodPost, "/api/generate", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body.Error.Kind != "invalid_request" || !strings.Contains(body.Error.Message, tt.want) {
				t.Fatalf("unexpected error %+v", body)
			}
		})
	}
	if n := len(gen.requests()); n != 0 {
		t.Fatalf("generator called %d times for invalid requests", n)
	}
}

func TestGenerateHonoursMaxTokens(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{res: &inference.Result{StopReason: inference.StopMaxTokens}}
	e := newTestEcho(gen, Config{DefaultMaxTokens: 20})
	for _, body := range []string{
		`{"prompt":"x","model_path":"m","max_tokens":7}`,
		`{"prompt":"x","model_path":"m"}`,
	} {
		if rec := doJSON(t, e, http.MethodPost, "/api/generate", body); rec.Code != http.StatusOK {
			t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
		}
	}
	reqs := gen.requests()
	if reqs[0].MaxTokens != 7 || reqs[1].MaxTokens != 20 {
		t.Fatalf("max tokens passed through as %d and %d", reqs[0].MaxTokens, reqs[1].MaxTokens)
	}
}

func TestGenerateErrorStatus(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	tests := []struct {
		kind   inference.Kind
		status int
	}{
		{inference.KindLoad, http.StatusUnprocessableEntity},
		{inference.KindTokenize, http.StatusUnprocessableEntity},
		{inference.KindDetokenize, http.StatusInternalServerError},
		{inference.KindForward, http.StatusInternalServerError},
		{inference.KindConfiguration, http.StatusInternalServerError},
		{inference.KindCancelled, http.StatusServiceUnavailable},
		{inference.KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			t.Parallel()
			err := error(&inference.Error{Kind: tt.kind, Op: "test", Err: cause})
			if tt.kind == inference.KindUnknown {
				err = cause
			}
			e := newTestEcho(&fakeGenerator{err: err}, Config{})
			rec := doJSON(t, e, http.MethodPost, "/api/generate", `{"prompt":"x","model_path":"m"}`)
			if rec.Code != tt.status {
				t.Fatalf("status %d, want %d", rec.Code, tt.status)
			}
			body := decodeError(t, rec)
			if body.Error.Kind != tt.kind.String() || !strings.Contains(body.Error.Message, "boom") || body.RequestID == "" {
				t.Fatalf("unexpected error body %+v", body)
			}
			if strings.Contains(rec.Body.String(), `"text"`) {
				t.Fatalf("error response looks like a success: %s", rec.Body.String())
			}
		})
	}
}

func TestGenerateRejectsWhenBusy(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{res: &inference.Result{StopReason: inference.StopEOS}, block: make(chan struct{})}
	e := newTestEcho(gen, Config{MaxConcurrent: 1, QueueTimeout: 20 * time.Millisecond})

	first := make(chan *httptest.ResponseRecorder)
	go func() {
		first <- doJSON(t, e, http.MethodPost, "/api/generate", `{"prompt":"a","model_path":"m"}`)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(gen.requests()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never reached the generator")
		}
		time.Sleep(time.Millisecond)
	}

	rec := doJSON(t, e, http.MethodPost, "/api/generate", `{"prompt":"b","model_path":"m"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if kind := decodeError(t, rec).Error.Kind; kind != "busy" {
		t.Fatalf("kind = %q", kind)
	}

	close(gen.block)
	if rec := <-first; rec.Code != http.StatusOK {
		t.Fatalf("first request status %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	e := newTestEcho(&fakeGenerator{}, Config{Version: "v0.1.0", Devices: "cpu"})
	rec := doJSON(t, e, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	var h HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Version != "v0.1.0" || h.Device != "cpu" {
		t.Fatalf("unexpected health %+v", h)
	}

	rec = doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "halo_generate_in_flight") {
		t.Fatalf("metrics status %d body=%.200s", rec.Code, rec.Body.String())
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s := modeltest.Default()
	s.Favour = tokenizertest.Hi
	modelPath := filepath.Join(dir, "tiny.gguf")
	modeltest.Write(t, modelPath, s)
	loader := &inference.Loader{TokenizerPath: tokenizertest.Write(t, dir)}
	e := newTestEcho(loader, Config{MaxConcurrent: 2})

	body := fmt.Sprintf(`{"prompt":"ok","model_path":%q,"max_tokens":2}`, modelPath)
	rec := doJSON(t, e, http.MethodPost, "/api/generate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var out GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Text != "hi hi" || out.StopReason != "max_tokens" || out.Tokens != 2 {
		t.Fatalf("unexpected response %+v", out)
	}

	body = fmt.Sprintf(`{"prompt":"ok","model_path":%q}`, filepath.Join(dir, "missing.gguf"))
	rec = doJSON(t, e, http.MethodPost, "/api/generate", body)
	if rec.Code != http.StatusUnprocessableEntity || decodeError(t, rec).Error.Kind != "load_error" {
		t.Fatalf("missing model: status %d body=%s", rec.Code, rec.Body.String())
	}
}
