package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	onnx "github.com/yalue/onnxruntime_go"

	"github.com/stgarg/locallite/internal/cache"
	"github.com/stgarg/locallite/internal/chat"
	"github.com/stgarg/locallite/internal/chattemplate"
	"github.com/stgarg/locallite/internal/embedding"
	"github.com/stgarg/locallite/internal/modelservice"
	"github.com/stgarg/locallite/internal/registry"
	"github.com/stgarg/locallite/internal/sampler"
	"github.com/stgarg/locallite/internal/tokenizer"
)

func newTestRouter(embedErr, chatErr error) *Router {
	reg := registry.New()
	svc := modelservice.New(reg)
	// DefaultFor only resolves a task's default after its first
	// successful load, so seed one here for resolveModel's fallback path.
	_ = svc.Load("bge-small-en-v1.5", func(registry.ModelSpec) (any, error) { return struct{}{}, nil })
	_ = svc.Load("gemma-3n-4b", func(registry.ModelSpec) (any, error) { return struct{}{}, nil })
	embedFor := func(modelID string) (*embedding.Backend, error) {
		if embedErr != nil {
			return nil, embedErr
		}
		return &embedding.Backend{}, nil
	}
	chatFor := func(modelID string) (*chat.Backend, error) {
		if chatErr != nil {
			return nil, chatErr
		}
		return &chat.Backend{}, nil
	}
	return New(reg, svc, embedFor, chatFor)
}

func TestEmbedRejectsEmptyInput(t *testing.T) {
	r := newTestRouter(nil, nil)
	_, err := r.Embed(context.Background(), EmbeddingRequest{Input: nil, Model: "bge-small-en-v1.5"})
	var rerr *Error
	if err == nil {
		t.Fatal("expected error for empty input")
	}
	if !asRouterError(err, &rerr) || rerr.Kind != ErrInputInvalid {
		t.Fatalf("expected ErrInputInvalid, got %v", err)
	}
}

func TestEmbedRejectsOversizedBatch(t *testing.T) {
	r := newTestRouter(nil, nil)
	input := make([]string, 101)
	for i := range input {
		input[i] = "x"
	}
	_, err := r.Embed(context.Background(), EmbeddingRequest{Input: input, Model: "bge-small-en-v1.5"})
	var rerr *Error
	if !asRouterError(err, &rerr) || rerr.Kind != ErrInputInvalid {
		t.Fatalf("expected ErrInputInvalid for oversized batch, got %v", err)
	}
}

func TestEmbedRejectsEmptyString(t *testing.T) {
	r := newTestRouter(nil, nil)
	_, err := r.Embed(context.Background(), EmbeddingRequest{Input: []string{"ok", ""}, Model: "bge-small-en-v1.5"})
	var rerr *Error
	if !asRouterError(err, &rerr) || rerr.Kind != ErrInputInvalid {
		t.Fatalf("expected ErrInputInvalid for empty string entry, got %v", err)
	}
}

func TestEmbedModelUnavailable(t *testing.T) {
	r := newTestRouter(errBackendMissing, nil)
	_, err := r.Embed(context.Background(), EmbeddingRequest{Input: []string{"hi"}, Model: "bge-small-en-v1.5"})
	var rerr *Error
	if !asRouterError(err, &rerr) || rerr.Kind != ErrModelUnavailable {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	r := newTestRouter(nil, nil)
	_, err := r.Chat(context.Background(), ChatRequest{Model: "gemma-3n-4b"})
	var rerr *Error
	if !asRouterError(err, &rerr) || rerr.Kind != ErrInputInvalid {
		t.Fatalf("expected ErrInputInvalid, got %v", err)
	}
}

func TestChatRejectsUnknownRole(t *testing.T) {
	r := newTestRouter(nil, nil)
	_, err := r.Chat(context.Background(), ChatRequest{
		Model:    "gemma-3n-4b",
		Messages: []chat.Message{{Role: "narrator", Content: "hi"}},
	})
	var rerr *Error
	if !asRouterError(err, &rerr) || rerr.Kind != ErrInputInvalid {
		t.Fatalf("expected ErrInputInvalid for bad role, got %v", err)
	}
}

func TestChatModelUnavailable(t *testing.T) {
	r := newTestRouter(nil, errBackendMissing)
	_, err := r.Chat(context.Background(), ChatRequest{
		Model:    "gemma-3n-4b",
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
	})
	var rerr *Error
	if !asRouterError(err, &rerr) || rerr.Kind != ErrModelUnavailable {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestResolveModelFallsBackToTaskDefault(t *testing.T) {
	r := newTestRouter(nil, nil)
	id, err := r.resolveModel("", registry.TaskEmbedding)
	if err != nil {
		t.Fatalf("resolveModel: %v", err)
	}
	if id != "bge-small-en-v1.5" {
		t.Fatalf("unexpected default model: %s", id)
	}
}

var errBackendMissing = &Error{Kind: ErrModelUnavailable, Message: "not loaded in this test"}

func asRouterError(err error, out **Error) bool {
	if err == nil {
		return false
	}
	rerr, ok := err.(*Error)
	if !ok {
		return false
	}
	*out = rerr
	return true
}

func TestErrorMessageIncludesKind(t *testing.T) {
	e := newError(ErrInputInvalid, "batch of %d too large", 5)
	if !strings.Contains(e.Error(), "input_invalid") {
		t.Fatalf("expected kind in error string, got %q", e.Error())
	}
}

// --- End-to-end tests driving real embedding.Backend/chat.Backend calls
// through the router, not just the "model not loaded" path. ---

func newHeuristicTokenizer(t *testing.T) *tokenizer.Adapter {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte("[CLS]\n[SEP]\nhello\nworld\n"), 0o644); err != nil {
		t.Fatalf("write vocab.txt: %v", err)
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		t.Fatalf("tokenizer.Load: %v", err)
	}
	return tok
}

type fakeFillingSession struct {
	fill float32
	err  error
}

func (s fakeFillingSession) Run(_ []onnx.Value, outputs []onnx.Value) error {
	if s.err != nil {
		return s.err
	}
	for _, out := range outputs {
		if t, ok := out.(*onnx.Tensor[float32]); ok {
			data := t.GetData()
			for i := range data {
				data[i] = s.fill
			}
		}
	}
	return nil
}

func TestEmbedEndToEndSuccess(t *testing.T) {
	reg := registry.New()
	svc := modelservice.New(reg)
	tok := newHeuristicTokenizer(t)
	backend := embedding.NewBackend(fakeFillingSession{fill: 0.3}, nil, tok, cache.New(10))

	r := New(reg, svc,
		func(string) (*embedding.Backend, error) { return backend, nil },
		func(string) (*chat.Backend, error) { return nil, errBackendMissing },
	)

	resp, err := r.Embed(context.Background(), EmbeddingRequest{Input: []string{"hello world"}, Model: "bge-small-en-v1.5"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(resp.Data) != 1 {
		t.Fatalf("expected 1 datum, got %d", len(resp.Data))
	}
	if resp.Data[0].Error != "" {
		t.Fatalf("unexpected per-datum error: %s", resp.Data[0].Error)
	}
	if len(resp.Data[0].Embedding) == 0 {
		t.Fatal("expected a non-empty embedding vector")
	}
}

func TestEmbedEndToEndSurfacesPerTextError(t *testing.T) {
	reg := registry.New()
	svc := modelservice.New(reg)
	tok := newHeuristicTokenizer(t)
	failing := fakeFillingSession{err: errors.New("session exploded")}
	backend := embedding.NewBackend(failing, nil, tok, cache.New(10))

	r := New(reg, svc,
		func(string) (*embedding.Backend, error) { return backend, nil },
		func(string) (*chat.Backend, error) { return nil, errBackendMissing },
	)

	resp, err := r.Embed(context.Background(), EmbeddingRequest{Input: []string{"hello world"}, Model: "bge-small-en-v1.5"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if resp.Data[0].Error == "" {
		t.Fatal("expected the placeholder-fallback error to reach the router response")
	}
	if len(resp.Data[0].Embedding) == 0 {
		t.Fatal("expected a usable placeholder vector alongside the error")
	}
}

type routerFakeTokenizer struct{}

func (routerFakeTokenizer) EncodePrompt(text string) ([]int64, error) { return []int64{1, 2, 3}, nil }
func (routerFakeTokenizer) DecodeGenerated(ids []int64) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	return "generated", nil
}

type routerFakeEmbedSession struct{}

func (routerFakeEmbedSession) Run(_ []onnx.Value, outputs []onnx.Value) error {
	for _, out := range outputs {
		if t, ok := out.(*onnx.Tensor[float32]); ok {
			data := t.GetData()
			for i := range data {
				data[i] = 0.1
			}
		}
	}
	return nil
}

// routerFakeDecoderSession always spikes the eos id's logit, so generation
// ends deterministically on the very first decode step.
type routerFakeDecoderSession struct{}

func (routerFakeDecoderSession) Run(_ []onnx.Value, outputs []onnx.Value) error {
	logits, ok := outputs[0].(*onnx.Tensor[float32])
	if !ok {
		return errors.New("routerFakeDecoderSession: unexpected logits tensor type")
	}
	data := logits.GetData()
	for i := range data {
		data[i] = 0
	}
	data[len(data)-vocabWidth+1] = 100 // eos id 1 in the last row
	return nil
}

const vocabWidth = 262144

func TestChatEndToEndSuccess(t *testing.T) {
	reg := registry.New()
	svc := modelservice.New(reg)
	tmpl, err := chattemplate.Load(t.TempDir())
	if err != nil {
		t.Fatalf("chattemplate.Load: %v", err)
	}
	backend := chat.NewBackend("", routerFakeTokenizer{}, tmpl, routerFakeEmbedSession{}, routerFakeDecoderSession{}, sampler.New(1))

	r := New(reg, svc,
		func(string) (*embedding.Backend, error) { return nil, errBackendMissing },
		func(string) (*chat.Backend, error) { return backend, nil },
	)

	resp, err := r.Chat(context.Background(), ChatRequest{
		Model:    "gemma-3n-4b",
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].FinishReason != string(chat.FinishStop) {
		t.Fatalf("expected finish reason stop, got %s", resp.Choices[0].FinishReason)
	}
}
