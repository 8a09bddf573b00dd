// Package router translates validated embedding/chat requests into
// backend calls and shapes OpenAI-compatible responses. It owns no
// inference state: everything routes through the model service. Ported
// from original_source's model_router.py/simple_router.py request and
// response models.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stgarg/locallite/internal/chat"
	"github.com/stgarg/locallite/internal/embedding"
	"github.com/stgarg/locallite/internal/modelservice"
	"github.com/stgarg/locallite/internal/registry"
)

const maxBatchSize = 100

// ErrorKind classifies failures for HTTP status mapping (spec.md §7).
type ErrorKind string

const (
	ErrInputInvalid     ErrorKind = "input_invalid"
	ErrModelUnavailable ErrorKind = "model_unavailable"
	ErrAssetMissing     ErrorKind = "asset_missing"
	ErrInferenceFailure ErrorKind = "inference_failure"
	ErrCancelled        ErrorKind = "cancelled"
	ErrInternal         ErrorKind = "internal"
)

// Error carries a kind alongside a sanitized message so transport layers
// can map it to the right status code without parsing text.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// EmbeddingRequest is the router-level view of POST /v1/embeddings.
type EmbeddingRequest struct {
	Input []string
	Model string
}

// EmbeddingDatum is one entry in an EmbeddingResponse's Data slice. Error
// is non-empty only when this text fell back to a placeholder vector
// after both the batch and the per-text retry failed; Embedding is still
// populated in that case so callers get a usable (if synthetic) vector.
type EmbeddingDatum struct {
	Index     int
	Embedding []float32
	Error     string
}

// EmbeddingUsage mirrors the OpenAI usage block.
type EmbeddingUsage struct {
	PromptTokens int
	TotalTokens  int
}

// EmbeddingResponse is the router-level view of the embeddings envelope.
type EmbeddingResponse struct {
	Object string
	Data   []EmbeddingDatum
	Model  string
	Usage  EmbeddingUsage
	Perf   embedding.PerfInfo
}

// ChatRequest is the router-level view of POST /v1/chat/completions.
type ChatRequest struct {
	Model         string
	Messages      []chat.Message
	Temperature   float64
	MaxTokens     int
	TopP          float64
	StopSequences []string
}

// ChatChoice is one entry in a ChatResponse's Choices slice.
type ChatChoice struct {
	Index        int
	Role         string
	Content      string
	FinishReason string
}

// ChatUsage mirrors the OpenAI usage block.
type ChatUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the router-level view of the chat completion envelope.
type ChatResponse struct {
	ID      string
	Object  string
	Created int64
	Model   string
	Choices []ChatChoice
	Usage   ChatUsage
}

// EmbeddingBackendFunc resolves a loaded embedding backend from the model
// service for a given model id.
type EmbeddingBackendFunc func(modelID string) (*embedding.Backend, error)

// ChatBackendFunc resolves a loaded chat backend from the model service.
type ChatBackendFunc func(modelID string) (*chat.Backend, error)

// Router validates requests, selects a backend via the model service, and
// shapes responses. It holds no inference state of its own.
type Router struct {
	Registry       *registry.Registry
	Models         *modelservice.Service
	EmbeddingFor   EmbeddingBackendFunc
	ChatFor        ChatBackendFunc
	now            func() time.Time
}

// New builds a Router wired to reg/svc and the two backend resolvers.
func New(reg *registry.Registry, svc *modelservice.Service, embedFor EmbeddingBackendFunc, chatFor ChatBackendFunc) *Router {
	return &Router{Registry: reg, Models: svc, EmbeddingFor: embedFor, ChatFor: chatFor, now: time.Now}
}

// resolveModel falls back to the task default when req.Model is empty.
func (r *Router) resolveModel(requested string, task registry.Task) (string, error) {
	if requested != "" {
		return requested, nil
	}
	id, err := r.Models.DefaultFor(task)
	if err != nil {
		return "", newError(ErrModelUnavailable, "no default model registered for task %s", task)
	}
	return id, nil
}

// Embed validates and executes an embedding request.
func (r *Router) Embed(ctx context.Context, req EmbeddingRequest) (EmbeddingResponse, error) {
	if len(req.Input) == 0 {
		return EmbeddingResponse{}, newError(ErrInputInvalid, "input must contain at least one text")
	}
	if len(req.Input) > maxBatchSize {
		return EmbeddingResponse{}, newError(ErrInputInvalid, "input batch of %d exceeds the maximum of %d", len(req.Input), maxBatchSize)
	}
	for i, text := range req.Input {
		if text == "" {
			return EmbeddingResponse{}, newError(ErrInputInvalid, "input[%d] must be non-empty", i)
		}
	}

	modelID, err := r.resolveModel(req.Model, registry.TaskEmbedding)
	if err != nil {
		return EmbeddingResponse{}, err
	}

	backend, err := r.EmbeddingFor(modelID)
	if err != nil {
		return EmbeddingResponse{}, newError(ErrModelUnavailable, "model %s is not loaded: %v", modelID, err)
	}

	select {
	case <-ctx.Done():
		return EmbeddingResponse{}, newError(ErrCancelled, "request cancelled before inference")
	default:
	}

	results, perf, err := backend.Embed(req.Input)
	if err != nil {
		return EmbeddingResponse{}, newError(ErrInferenceFailure, "embedding inference failed: %v", err)
	}

	data := make([]EmbeddingDatum, len(results))
	for i, res := range results {
		if len(res.Vector) == 0 {
			return EmbeddingResponse{}, newError(ErrInternal, "pooled vector for input[%d] is empty", i)
		}
		datum := EmbeddingDatum{Index: i, Embedding: res.Vector}
		if res.Err != nil {
			datum.Error = res.Err.Error()
		}
		data[i] = datum
	}

	return EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  modelID,
		Usage: EmbeddingUsage{
			PromptTokens: perf.TotalTokens,
			TotalTokens:  perf.TotalTokens,
		},
		Perf: perf,
	}, nil
}

// Chat validates and executes a chat completion request.
func (r *Router) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if len(req.Messages) == 0 {
		return ChatResponse{}, newError(ErrInputInvalid, "messages must contain at least one entry")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return ChatResponse{}, newError(ErrInputInvalid, "messages[%d] has unsupported role %q", i, m.Role)
		}
	}

	modelID, err := r.resolveModel(req.Model, registry.TaskChat)
	if err != nil {
		return ChatResponse{}, err
	}

	backend, err := r.ChatFor(modelID)
	if err != nil {
		return ChatResponse{}, newError(ErrModelUnavailable, "model %s is not loaded: %v", modelID, err)
	}

	result, err := backend.Generate(ctx, chat.Request{
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ChatResponse{}, newError(ErrCancelled, "chat generation cancelled")
		}
		return ChatResponse{}, newError(ErrInferenceFailure, "chat generation failed: %v", err)
	}

	return ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: r.now().Unix(),
		Model:   modelID,
		Choices: []ChatChoice{{
			Index:        0,
			Role:         "assistant",
			Content:      result.Text,
			FinishReason: string(result.FinishReason),
		}},
		Usage: ChatUsage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.PromptTokens + result.CompletionTokens,
		},
	}, nil
}
