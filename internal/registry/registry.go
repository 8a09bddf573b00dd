// Package registry holds the static catalog of models the gateway knows
// how to load. It never mutates after construction.
package registry

import "fmt"

// Task identifies which pipeline a ModelSpec belongs to.
type Task string

const (
	TaskEmbedding Task = "embedding"
	TaskChat      Task = "chat"
)

// ModelSpec is an immutable descriptor of a model the gateway can load.
type ModelSpec struct {
	ModelID      string
	Task         Task
	Backend      string
	Dimension    int // 0 when not applicable (chat models)
	Path         string
	Capabilities map[string]any
	Revision     string
	License      string
	Notes        string
}

// ErrNotFound is returned by Get for an unknown model id.
var ErrNotFound = fmt.Errorf("registry: model not found")

// Registry is a process-wide, read-only catalog seeded at construction.
type Registry struct {
	order []string
	specs map[string]ModelSpec
}

// New builds the default registry seeded with the gateway's known models.
// Insertion order mirrors declaration order below, matching
// original_source's model_registry.py seed.
func New() *Registry {
	r := &Registry{specs: make(map[string]ModelSpec)}
	r.add(ModelSpec{
		ModelID:   "bge-small-en-v1.5",
		Task:      TaskEmbedding,
		Backend:   "onnx-cls-pool",
		Dimension: 384,
		Path:      "models/bge-small-en-v1.5",
		License:   "Apache-2.0",
		Capabilities: map[string]any{
			"batch_optimal":        4,
			"small_batch_provider": "cpu-primary",
			"pooling":              "cls",
			"max_sequence_length":  512,
		},
		Notes: "CLS-pooled sentence embeddings; batch size <=3 routes to the primary provider.",
	})
	r.add(ModelSpec{
		ModelID: "gemma-3n-4b",
		Task:    TaskChat,
		Backend: "onnx-kv-decoder",
		Path:    "models/gemma-3n",
		Capabilities: map[string]any{
			"context_length": 32768,
			"streaming":      false,
			"num_layers":     30,
		},
		Notes: "Merged decoder + token-embedding projection with a 30-layer KV cache.",
	})
	return r
}

func (r *Registry) add(spec ModelSpec) {
	if _, exists := r.specs[spec.ModelID]; !exists {
		r.order = append(r.order, spec.ModelID)
	}
	r.specs[spec.ModelID] = spec
}

// Get returns the spec for modelID, or ErrNotFound.
func (r *Registry) Get(modelID string) (ModelSpec, error) {
	spec, ok := r.specs[modelID]
	if !ok {
		return ModelSpec{}, fmt.Errorf("%w: %s", ErrNotFound, modelID)
	}
	return spec, nil
}

// List returns specs matching task, in declaration order. An empty task
// filter returns all specs.
func (r *Registry) List(task Task) []ModelSpec {
	out := make([]ModelSpec, 0, len(r.order))
	for _, id := range r.order {
		spec := r.specs[id]
		if task == "" || spec.Task == task {
			out = append(out, spec)
		}
	}
	return out
}
