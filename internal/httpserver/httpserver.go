// Package httpserver is the thin net/http binding of the Request Router
// to the gateway's stable HTTP surface. All validation and shaping logic
// lives in the router package; this layer only does JSON marshaling,
// status mapping, and request decoding, consistent with spec.md §1
// treating the HTTP transport layer as an external collaborator.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/stgarg/locallite/internal/chat"
	"github.com/stgarg/locallite/internal/modelservice"
	"github.com/stgarg/locallite/internal/registry"
	"github.com/stgarg/locallite/internal/router"
)

// Server binds a Router to HTTP handlers.
type Server struct {
	Router    *router.Router
	Registry  *registry.Registry
	Models    *modelservice.Service
	StartTime time.Time
}

// NewMux builds the gateway's ServeMux. Go 1.22+ pattern routing.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/models", s.handleListModels)
	mux.HandleFunc("GET /v1/models/registry", s.handleRegistry)
	mux.HandleFunc("POST /v1/embeddings", s.handleEmbeddings)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"npu_available": false,
		"models_loaded": s.Models.ListLoaded(),
		"memory_usage": map[string]any{
			"used_gb":  0,
			"total_gb": 0,
			"percent":  0,
		},
		"uptime_seconds":   time.Since(s.StartTime).Seconds(),
		"performance_stats": map[string]any{},
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ids := map[string]bool{}
	for _, spec := range s.Registry.List("") {
		ids[spec.ModelID] = true
	}
	for _, id := range s.Models.ListLoaded() {
		ids[id] = true
	}
	data := make([]map[string]any, 0, len(ids))
	for id := range ids {
		data = append(data, map[string]any{"id": id, "object": "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	specs := s.Registry.List("")
	data := make([]map[string]any, len(specs))
	for i, spec := range specs {
		entry := map[string]any{
			"id":           spec.ModelID,
			"task":         string(spec.Task),
			"backend":      spec.Backend,
			"capabilities": spec.Capabilities,
		}
		if spec.Dimension > 0 {
			entry["dimension"] = spec.Dimension
		}
		if spec.License != "" {
			entry["license"] = spec.License
		}
		if spec.Revision != "" {
			entry["revision"] = spec.Revision
		}
		if spec.Notes != "" {
			entry["notes"] = spec.Notes
		}
		data[i] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

type embeddingRequestBody struct {
	Input interface{} `json:"input"`
	Model string      `json:"model"`
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var body embeddingRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	inputs, err := normalizeInput(body.Input)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.Router.Embed(r.Context(), router.EmbeddingRequest{Input: inputs, Model: body.Model})
	if err != nil {
		writeRouterError(w, err)
		return
	}

	data := make([]map[string]any, len(resp.Data))
	for i, d := range resp.Data {
		entry := map[string]any{"object": "embedding", "index": d.Index, "embedding": d.Embedding}
		if d.Error != "" {
			entry["error"] = d.Error
		}
		data[i] = entry
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": resp.Object,
		"data":   data,
		"model":  resp.Model,
		"usage": map[string]any{
			"prompt_tokens": resp.Usage.PromptTokens,
			"total_tokens":  resp.Usage.TotalTokens,
		},
	})
}

type chatMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequestBody struct {
	Model       string            `json:"model"`
	Messages    []chatMessageBody `json:"messages"`
	Temperature *float64          `json:"temperature"`
	MaxTokens   *int              `json:"max_tokens"`
	Stream      bool              `json:"stream"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	messages := make([]chat.Message, len(body.Messages))
	for i, m := range body.Messages {
		messages[i] = chat.Message{Role: m.Role, Content: m.Content}
	}

	temperature := 0.7
	if body.Temperature != nil {
		temperature = *body.Temperature
	}
	maxTokens := 256
	if body.MaxTokens != nil {
		maxTokens = *body.MaxTokens
	}

	resp, err := s.Router.Chat(r.Context(), router.ChatRequest{
		Model:       body.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		writeRouterError(w, err)
		return
	}

	choices := make([]map[string]any, len(resp.Choices))
	for i, c := range resp.Choices {
		choices[i] = map[string]any{
			"index":         c.Index,
			"message":       map[string]any{"role": c.Role, "content": c.Content},
			"finish_reason": c.FinishReason,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      resp.ID,
		"object":  resp.Object,
		"created": resp.Created,
		"model":   resp.Model,
		"choices": choices,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	})
}

// normalizeInput accepts either a single string or a []string per the
// OpenAI-shaped embeddings contract.
func normalizeInput(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errInvalidInput
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, errInvalidInput
	}
}

var errInvalidInput = &inputError{"input must be a string or an array of strings"}

type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }

func writeRouterError(w http.ResponseWriter, err error) {
	rerr, ok := err.(*router.Error)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	status := http.StatusInternalServerError
	switch rerr.Kind {
	case router.ErrInputInvalid:
		status = http.StatusBadRequest
	case router.ErrModelUnavailable, router.ErrAssetMissing:
		status = http.StatusServiceUnavailable
	case router.ErrCancelled:
		status = 499
	case router.ErrInferenceFailure, router.ErrInternal:
		status = http.StatusInternalServerError
	}
	writeError(w, status, rerr.Message)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"message": message}})
}
