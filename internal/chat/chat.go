// Package chat implements the chat backend: a token-embedding projection
// session plus a merged decoder session driven through a thirty-layer KV
// cache, one token at a time. Grounded directly on original_source's
// GemmaChatModel (ai-gateway/src/chat/gemma_model.py) — same layer count,
// same (batch=1, heads=2, seq, head_dim=256) cache layout, same
// role-tagged prompt grammar and EOS id set.
package chat

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	onnx "github.com/yalue/onnxruntime_go"

	"github.com/stgarg/locallite/internal/chattemplate"
	"github.com/stgarg/locallite/internal/ortruntime"
	"github.com/stgarg/locallite/internal/sampler"
	"github.com/stgarg/locallite/internal/tensorutil"
	"github.com/stgarg/locallite/internal/tokenizer"
)

// embedModelFilename and decoderModelFilename are the ONNX assets Open
// looks for under a model directory; the decoder's past_key_values/present
// naming follows the HuggingFace Optimum merged-decoder export convention
// used by original_source's GemmaChatModel.
const (
	embedModelFilename   = "embed.onnx"
	decoderModelFilename = "decoder.onnx"
)

var (
	embedInputNames  = []string{"input_ids"}
	embedOutputNames = []string{"inputs_embeds", "per_layer_inputs"}
)

// decoderIONames builds the decoder session's full input/output name lists,
// including the per-layer past_key_values.{i}.key/.value inputs and their
// present.{i}.key/.value counterparts, for numLayers layers.
func decoderIONames() (inputs, outputs []string) {
	inputs = append(inputs, "inputs_embeds", "per_layer_inputs", "position_ids")
	outputs = append(outputs, "logits")
	for i := 0; i < numLayers; i++ {
		inputs = append(inputs,
			fmt.Sprintf("past_key_values.%d.key", i),
			fmt.Sprintf("past_key_values.%d.value", i),
		)
		outputs = append(outputs,
			fmt.Sprintf("present.%d.key", i),
			fmt.Sprintf("present.%d.value", i),
		)
	}
	return inputs, outputs
}

const (
	numLayers           = 30
	numHeads            = 2
	headDim             = 256
	contextLimit        = 32768
	defaultMaxNewTokens = 256
	hiddenSize          = 2048 // projection width produced by the embed session
)

// eosTokenIDs are the ids that terminate generation without being emitted.
var eosTokenIDs = map[int64]bool{1: true, 106: true}

// FinishReason reports why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Request is the core-level chat request (transport-agnostic).
type Request struct {
	Messages      []Message
	MaxTokens     int
	Temperature   float64
	TopP          float64
	StopSequences []string
}

// Result is the core-level chat response.
type Result struct {
	Text               string
	PromptTokens       int
	CompletionTokens   int
	RawGeneratedTokens int
	FinishReason       FinishReason
	StopApplied        string
}

// Session is the subset of an ONNX session the backend needs.
type Session interface {
	Run(inputs []onnx.Value, outputs []onnx.Value) error
}

// Tokenizer is the subset of tokenizer.Adapter the backend drives, so tests
// can substitute a fake without a real fast-tokenizer artifact on disk.
type Tokenizer interface {
	EncodePrompt(text string) ([]int64, error)
	DecodeGenerated(ids []int64) (string, error)
}

// kvLayer holds one layer's key/value cache as flat float32 buffers plus
// the current sequence length they cover.
type kvLayer struct {
	key   []float32
	value []float32
	seq   int
}

func initialPastKV() []kvLayer {
	layers := make([]kvLayer, numLayers)
	for i := range layers {
		layers[i] = kvLayer{key: nil, value: nil, seq: 0}
	}
	return layers
}

// Backend drives one chat model's generation loop. Not safe for
// concurrent Generate calls on the same instance: per-request KV-cache
// state is held on the call stack, but the embed/decoder sessions
// themselves must still be serialized by the caller (e.g. one Backend per
// concurrent request, or an external mutex) per the ONNX session's own
// single-flight contract.
type Backend struct {
	Tokenizer Tokenizer
	Template  *chattemplate.Renderer
	Embed     Session
	Decoder   Session
	Sampler   *sampler.Sampler

	eosIDs      map[int64]bool
	stopStrings []string
}

// NewBackend wires a loaded tokenizer, template, and session pair into a
// Backend, applying any generation_config.json override found under
// modelDir.
func NewBackend(modelDir string, tok Tokenizer, tmpl *chattemplate.Renderer, embed, decoder Session, samp *sampler.Sampler) *Backend {
	overrides := loadGenerationOverrides(modelDir)
	return &Backend{
		Tokenizer:   tok,
		Template:    tmpl,
		Embed:       embed,
		Decoder:     decoder,
		Sampler:     samp,
		eosIDs:      effectiveEOSIDs(overrides),
		stopStrings: overrides.StopStrings,
	}
}

// Open loads the tokenizer, chat template, and embed/decoder ONNX sessions
// under modelDir and wires them into a ready-to-use Backend. modelDir must
// contain embed.onnx and decoder.onnx. Grounded on the pack's embedder
// constructor (Tejas242-sift's embed.New) and the teacher's own
// FromPretrained session setup, extended with the decoder's per-layer KV
// cache IO names.
func Open(modelDir string) (*Backend, error) {
	if err := ortruntime.EnsureEnvironment(); err != nil {
		return nil, fmt.Errorf("chat: init onnx environment: %w", err)
	}

	embedSess, err := onnx.NewDynamicAdvancedSession(
		filepath.Join(modelDir, embedModelFilename),
		embedInputNames, embedOutputNames, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("chat: open embed session: %w", err)
	}

	decoderInputs, decoderOutputs := decoderIONames()
	decoderSess, err := onnx.NewDynamicAdvancedSession(
		filepath.Join(modelDir, decoderModelFilename),
		decoderInputs, decoderOutputs, nil,
	)
	if err != nil {
		return nil, fmt.Errorf("chat: open decoder session: %w", err)
	}

	tok, err := tokenizer.Load(modelDir)
	if err != nil {
		return nil, fmt.Errorf("chat: load tokenizer: %w", err)
	}

	tmpl, err := chattemplate.Load(modelDir)
	if err != nil {
		return nil, fmt.Errorf("chat: load chat template: %w", err)
	}

	return NewBackend(modelDir, tok, tmpl, embedSess, decoderSess, sampler.New(defaultSamplerSeed)), nil
}

// defaultSamplerSeed seeds the per-backend RNG used for temperature/top-p
// sampling. A fixed seed keeps generations reproducible across restarts of
// the same model; callers needing per-request entropy construct their own
// Backend with a differently-seeded Sampler via NewBackend.
const defaultSamplerSeed = 42

// Generate runs prompt build, prefill, and the decode loop to completion.
func (b *Backend) Generate(ctx context.Context, req Request) (Result, error) {
	maxNewTokens := req.MaxTokens
	if maxNewTokens <= 0 {
		maxNewTokens = defaultMaxNewTokens
	}

	tmplMsgs := make([]chattemplate.Message, len(req.Messages))
	for i, m := range req.Messages {
		tmplMsgs[i] = chattemplate.Message{Role: m.Role, Content: m.Content}
	}
	prompt, err := b.Template.Render(tmplMsgs)
	if err != nil {
		return Result{}, fmt.Errorf("chat: render prompt: %w", err)
	}

	promptIDs, err := b.Tokenizer.EncodePrompt(prompt)
	if err != nil {
		return Result{}, fmt.Errorf("chat: encode prompt: %w", err)
	}
	promptTokens := len(promptIDs)
	if promptTokens >= contextLimit {
		return Result{}, fmt.Errorf("chat: prompt has %d tokens, which meets or exceeds the context limit of %d", promptTokens, contextLimit)
	}

	past := initialPastKV()
	logits, past, err := b.runDecoderStep(promptIDs, 0, past)
	if err != nil {
		return Result{}, fmt.Errorf("chat: prefill: %w", err)
	}

	var generated []int64
	reason := FinishLength
	var stopApplied string

	for step := 0; step < maxNewTokens; step++ {
		select {
		case <-ctx.Done():
			reason = FinishCancelled
		default:
		}
		if reason == FinishCancelled {
			break
		}

		nextID := int64(b.Sampler.Next(logits, req.Temperature, req.TopP))
		if b.eosIDSet()[nextID] {
			reason = FinishStop
			break
		}

		generated = append(generated, nextID)
		text, err := b.Tokenizer.DecodeGenerated(generated)
		if err != nil {
			return Result{}, fmt.Errorf("chat: decode partial: %w", err)
		}

		if stop, matched := applyStopSequences(text, append(append([]string{}, b.stopStrings...), req.StopSequences...)); matched {
			stopApplied = stop
			reason = FinishStop
			break
		}

		totalLen := promptTokens + len(generated)
		if totalLen >= contextLimit {
			reason = FinishLength
			break
		}

		positionOffset := promptTokens + len(generated) - 1
		logits, past, err = b.runDecoderStep([]int64{nextID}, positionOffset, past)
		if err != nil {
			return Result{}, fmt.Errorf("chat: decode step %d: %w", step, err)
		}
	}

	finalText, err := b.Tokenizer.DecodeGenerated(generated)
	if err != nil {
		return Result{}, fmt.Errorf("chat: decode final: %w", err)
	}
	if stopApplied != "" {
		if idx := strings.Index(finalText, stopApplied); idx >= 0 {
			finalText = finalText[:idx]
		}
	}

	return Result{
		Text:               finalText,
		PromptTokens:       promptTokens,
		CompletionTokens:   len(generated),
		RawGeneratedTokens: len(generated),
		FinishReason:       reason,
		StopApplied:        stopApplied,
	}, nil
}

// eosIDSet returns the backend's resolved EOS id set, falling back to the
// compiled-in default for a zero-value Backend (e.g. constructed outside
// NewBackend in tests).
func (b *Backend) eosIDSet() map[int64]bool {
	if b.eosIDs != nil {
		return b.eosIDs
	}
	return eosTokenIDs
}

// applyStopSequences reports the first stop sequence, in list order, that
// text contains. It does not modify text; Generate truncates the final
// text at the returned sequence.
func applyStopSequences(text string, stops []string) (string, bool) {
	for _, s := range stops {
		if s == "" {
			continue
		}
		if strings.Contains(text, s) {
			return s, true
		}
	}
	return "", false
}

// runDecoderStep embeds inputTokenIDs, runs the decoder over the current
// past, and returns the last-position logits plus the updated past.
func (b *Backend) runDecoderStep(inputTokenIDs []int64, positionOffset int, past []kvLayer) ([]float32, []kvLayer, error) {
	seqLen := len(inputTokenIDs)

	idsTensor, err := tensorutil.Int64Tensor(inputTokenIDs, []int64{1, int64(seqLen)})
	if err != nil {
		return nil, nil, err
	}
	defer idsTensor.Destroy()

	embedOut := onnx.NewShape(1, int64(seqLen), hiddenSize)
	embedsTensor, err := onnx.NewEmptyTensor[float32](embedOut)
	if err != nil {
		return nil, nil, err
	}
	defer embedsTensor.Destroy()
	perLayerOut := onnx.NewShape(1, int64(seqLen), hiddenSize)
	perLayerTensor, err := onnx.NewEmptyTensor[float32](perLayerOut)
	if err != nil {
		return nil, nil, err
	}
	defer perLayerTensor.Destroy()

	if err := b.Embed.Run(
		[]onnx.Value{idsTensor},
		[]onnx.Value{embedsTensor, perLayerTensor},
	); err != nil {
		return nil, nil, fmt.Errorf("embed session run: %w", err)
	}

	positionIDs := make([]int64, seqLen)
	for i := range positionIDs {
		positionIDs[i] = int64(positionOffset + i)
	}
	positionTensor, err := tensorutil.Int64Tensor(positionIDs, []int64{1, int64(seqLen)})
	if err != nil {
		return nil, nil, err
	}
	defer positionTensor.Destroy()

	pastTensors := make([]*onnx.Tensor[float32], 0, numLayers*2)
	defer func() {
		for _, t := range pastTensors {
			t.Destroy()
		}
	}()

	decoderInputs := []onnx.Value{embedsTensor, perLayerTensor, positionTensor}
	for _, layer := range past {
		seq := layer.seq
		shape := []int64{1, numHeads, int64(seq), headDim}
		keyData := layer.key
		valData := layer.value
		if keyData == nil {
			keyData = []float32{}
			valData = []float32{}
		}
		kt, err := tensorutil.Float32Tensor(keyData, shape)
		if err != nil {
			return nil, nil, err
		}
		pastTensors = append(pastTensors, kt)
		vt, err := tensorutil.Float32Tensor(valData, shape)
		if err != nil {
			return nil, nil, err
		}
		pastTensors = append(pastTensors, vt)
		decoderInputs = append(decoderInputs, kt, vt)
	}

	vocabPlaceholder := onnx.NewShape(1, int64(seqLen), vocabSize)
	logitsTensor, err := onnx.NewEmptyTensor[float32](vocabPlaceholder)
	if err != nil {
		return nil, nil, err
	}
	defer logitsTensor.Destroy()

	presentTensors := make([]*onnx.Tensor[float32], 0, numLayers*2)
	defer func() {
		for _, t := range presentTensors {
			t.Destroy()
		}
	}()
	decoderOutputs := []onnx.Value{logitsTensor}
	for i := range past {
		newSeq := past[i].seq + seqLen
		shape := onnx.NewShape(1, numHeads, int64(newSeq), headDim)
		kt, err := onnx.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, nil, err
		}
		presentTensors = append(presentTensors, kt)
		vt, err := onnx.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, nil, err
		}
		presentTensors = append(presentTensors, vt)
		decoderOutputs = append(decoderOutputs, kt, vt)
	}

	if err := b.Decoder.Run(decoderInputs, decoderOutputs); err != nil {
		return nil, nil, fmt.Errorf("decoder session run: %w", err)
	}

	allLogits := logitsTensor.GetData()
	lastRow := make([]float32, vocabSize)
	copy(lastRow, allLogits[(seqLen-1)*vocabSize:seqLen*vocabSize])

	nextPast := make([]kvLayer, numLayers)
	for i := 0; i < numLayers; i++ {
		newSeq := past[i].seq + seqLen
		keyData := presentTensors[i*2].GetData()
		valData := presentTensors[i*2+1].GetData()
		keyCopy := make([]float32, len(keyData))
		copy(keyCopy, keyData)
		valCopy := make([]float32, len(valData))
		copy(valCopy, valData)
		nextPast[i] = kvLayer{key: keyCopy, value: valCopy, seq: newSeq}
	}

	return lastRow, nextPast, nil
}

// vocabSize is the registered chat model's output vocabulary width.
const vocabSize = 262144
