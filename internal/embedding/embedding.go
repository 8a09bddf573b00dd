// Package embedding implements the embedding backend: CLS-pooled,
// L2-normalized sentence vectors over a primary/alternate ONNX session
// pair, with cache-aware batching and per-text fallback. Grounded on
// original_source's OptimizedEmbeddingEngine.encode and the teacher's
// ONNX session wiring in transformers/model.go.
package embedding

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	onnx "github.com/yalue/onnxruntime_go"

	"github.com/stgarg/locallite/internal/cache"
	"github.com/stgarg/locallite/internal/ortruntime"
	"github.com/stgarg/locallite/internal/tensorutil"
	"github.com/stgarg/locallite/internal/tokenizer"
)

const (
	smallBatchThreshold = 3 // batch size <= this routes to the primary provider
	hiddenDim           = 384
	maxSequenceLength   = 512
)

// modelFilename and altModelFilename are the ONNX assets Open looks for
// under a model directory; inputNames/outputNames mirror the BGE-small
// ONNX export's IO contract (original_source's OptimizedEmbeddingEngine
// and the pack's Tejas242-sift embedder both use this exact wiring).
const (
	modelFilename    = "model.onnx"
	altModelFilename = "model_alt.onnx"
)

var (
	sessionInputNames  = []string{"input_ids", "attention_mask", "token_type_ids"}
	sessionOutputNames = []string{"last_hidden_state"}
)

// Result is one pooled, normalized embedding plus the text it came from.
type Result struct {
	Text      string
	Vector    []float32
	Err       error // non-nil only for catastrophic per-text failure (placeholder vector used)
	FromCache bool
}

// PerfInfo mirrors the telemetry fields spec.md requires.
type PerfInfo struct {
	Provider       string
	Pooling        string
	TokenizerMode  string
	TotalMS        float64
	TokenizeMS     float64
	InferenceMS    float64
	AvgMSPerText   float64
	ThroughputPerS float64
	TotalTokens    int
	P50Tokens      float64
	P95Tokens      float64
	CacheHits      int
	CacheMisses    int
	CacheHitRatio  float64
}

// Session is the subset of an ONNX session the backend needs, so tests can
// substitute a fake.
type Session interface {
	Run(inputs []onnx.Value, outputs []onnx.Value) error
}

// Backend owns a primary session (always available) and an optional
// alternate session (provider-specialized), both bound to the same model.
type Backend struct {
	Primary   Session
	Alternate Session // nil when unavailable
	Tokenizer *tokenizer.Adapter
	Cache     *cache.LRU

	rngSeedBase int64
}

// NewBackend wires a loaded tokenizer and session pair into a Backend. The
// cache may be nil (equivalent to capacity 0: always miss).
func NewBackend(primary, alternate Session, tok *tokenizer.Adapter, c *cache.LRU) *Backend {
	return &Backend{Primary: primary, Alternate: alternate, Tokenizer: tok, Cache: c}
}

// Open loads the tokenizer and opens the ONNX session(s) under modelDir and
// wires them into a ready-to-use Backend. modelDir must contain model.onnx;
// an optional model_alt.onnx is opened as the alternate (larger-batch)
// provider when present. cacheSize <= 0 disables the LRU cache. Grounded on
// the pack's embedder constructor (Tejas242-sift's embed.New) and the
// teacher's own FromPretrained session setup.
func Open(modelDir string, cacheSize int) (*Backend, error) {
	if err := ortruntime.EnsureEnvironment(); err != nil {
		return nil, fmt.Errorf("embedding: init onnx environment: %w", err)
	}

	primary, err := openSession(filepath.Join(modelDir, modelFilename))
	if err != nil {
		return nil, fmt.Errorf("embedding: open primary session: %w", err)
	}

	var alternate Session
	altPath := filepath.Join(modelDir, altModelFilename)
	if _, statErr := os.Stat(altPath); statErr == nil {
		alt, err := openSession(altPath)
		if err != nil {
			return nil, fmt.Errorf("embedding: open alternate session: %w", err)
		}
		alternate = alt
	}

	tok, err := tokenizer.Load(modelDir)
	if err != nil {
		return nil, fmt.Errorf("embedding: load tokenizer: %w", err)
	}

	var c *cache.LRU
	if cacheSize > 0 {
		c = cache.New(cacheSize)
	}

	return NewBackend(primary, alternate, tok, c), nil
}

func openSession(path string) (*onnx.DynamicAdvancedSession, error) {
	return onnx.NewDynamicAdvancedSession(path, sessionInputNames, sessionOutputNames, nil)
}

// Embed pools and normalizes one vector per input text, preserving order.
func (b *Backend) Embed(texts []string) ([]Result, PerfInfo, error) {
	start := time.Now()
	results := make([]Result, len(texts))
	var missIdx []int
	var missTexts []string

	var hits, misses int
	for i, text := range texts {
		if b.Cache != nil {
			if v, ok := b.Cache.Get(text); ok {
				results[i] = Result{Text: text, Vector: v, FromCache: true}
				hits++
				continue
			}
		}
		misses++
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	provider := b.selectProvider(len(texts))
	var tokenizeMS, inferenceMS float64
	var tokenCounts []int

	if len(missTexts) > 0 {
		tokenizeStart := time.Now()
		batch, err := b.Tokenizer.EncodeBatch(missTexts, maxSequenceLength)
		tokenizeMS = msSince(tokenizeStart)
		if err != nil {
			return nil, PerfInfo{}, fmt.Errorf("embedding: tokenize batch: %w", err)
		}
		tokenCounts = batch.TokenCounts

		inferStart := time.Now()
		vectors, err := b.runBatch(provider, batch)
		inferenceMS = msSince(inferStart)
		perTextErr := make([]error, len(missTexts))
		if err != nil {
			// Full-batch failure: retry per text, then placeholder.
			vectors = make([][]float32, len(missTexts))
			for i, text := range missTexts {
				single, serr := b.embedOne(provider, text)
				if serr != nil {
					vectors[i] = placeholderVector(text)
					perTextErr[i] = fmt.Errorf("embedding: %q fell back to placeholder vector: %w", text, serr)
				} else {
					vectors[i] = single
				}
			}
		}

		for j, idx := range missIdx {
			vec := vectors[j]
			tensorutil.L2Normalize(vec)
			results[idx] = Result{Text: missTexts[j], Vector: vec, Err: perTextErr[j]}
			if b.Cache != nil && perTextErr[j] == nil {
				b.Cache.Put(missTexts[j], vec)
			}
		}
	}

	totalMS := msSince(start)
	perf := PerfInfo{
		Provider:      provider,
		Pooling:       "cls",
		TokenizerMode: b.Tokenizer.IdentityMode(),
		TotalMS:       totalMS,
		TokenizeMS:    tokenizeMS,
		InferenceMS:   inferenceMS,
		CacheHits:     hits,
		CacheMisses:   misses,
	}
	if len(texts) > 0 {
		perf.AvgMSPerText = totalMS / float64(len(texts))
		perf.CacheHitRatio = float64(hits) / float64(len(texts))
	}
	if totalMS > 0 {
		perf.ThroughputPerS = float64(len(texts)) / (totalMS / 1000)
	}
	for _, c := range tokenCounts {
		perf.TotalTokens += c
	}
	if len(tokenCounts) > 0 {
		perf.P50Tokens = tensorutil.Percentile(tokenCounts, 50)
		perf.P95Tokens = tensorutil.Percentile(tokenCounts, 95)
	}

	return results, perf, nil
}

// selectProvider applies the batch-size routing contract: batches of 3 or
// fewer stay on the primary (broadly compatible) session; larger batches
// prefer the alternate session when one is configured.
func (b *Backend) selectProvider(batchSize int) string {
	if batchSize <= smallBatchThreshold || b.Alternate == nil {
		return "primary"
	}
	return "alternate"
}

func (b *Backend) sessionFor(provider string) Session {
	if provider == "alternate" && b.Alternate != nil {
		return b.Alternate
	}
	return b.Primary
}

// runBatch executes one session call over the whole token batch and
// returns one pooled (but not yet normalized) vector per row.
func (b *Backend) runBatch(provider string, batch tokenizer.Batch) ([][]float32, error) {
	sess := b.sessionFor(provider)
	n := len(batch.InputIDs)
	if n == 0 {
		return nil, nil
	}
	seqLen := len(batch.InputIDs[0])

	flatIDs := flatten(batch.InputIDs)
	flatMask := flatten(batch.AttentionMask)
	flatTypes := flatten(batch.TokenTypeIDs)

	shape := []int64{int64(n), int64(seqLen)}
	idsTensor, err := tensorutil.Int64Tensor(flatIDs, shape)
	if err != nil {
		return nil, err
	}
	defer idsTensor.Destroy()
	maskTensor, err := tensorutil.Int64Tensor(flatMask, shape)
	if err != nil {
		return nil, err
	}
	defer maskTensor.Destroy()
	typeTensor, err := tensorutil.Int64Tensor(flatTypes, shape)
	if err != nil {
		return nil, err
	}
	defer typeTensor.Destroy()

	outShape := onnx.NewShape(int64(n), int64(seqLen), hiddenDim)
	outTensor, err := onnx.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, err
	}
	defer outTensor.Destroy()

	inputs := []onnx.Value{idsTensor, maskTensor, typeTensor}
	outputs := []onnx.Value{outTensor}
	if err := sess.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("embedding: session run: %w", err)
	}

	data := outTensor.GetData()
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		// CLS pooling: position 0 of each sequence's hidden states.
		base := i * seqLen * hiddenDim
		vec := make([]float32, hiddenDim)
		copy(vec, data[base:base+hiddenDim])
		vectors[i] = vec
	}
	return vectors, nil
}

func (b *Backend) embedOne(provider, text string) ([]float32, error) {
	batch, err := b.Tokenizer.EncodeBatch([]string{text}, maxSequenceLength)
	if err != nil {
		return nil, err
	}
	vecs, err := b.runBatch(provider, batch)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// placeholderVector deterministically derives a unit vector from text so
// catastrophic per-text failures never surface a NaN or zero vector.
func placeholderVector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	vec := make([]float32, hiddenDim)
	for i := range vec {
		vec[i] = float32(rng.NormFloat64() * 0.1)
	}
	tensorutil.L2Normalize(vec)
	return vec
}

func flatten(rows [][]int64) []int64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]int64, 0, len(rows)*len(rows[0]))
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}
