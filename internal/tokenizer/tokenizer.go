// Package tokenizer adapts sugarme/tokenizer into the batch shape the
// embedding and chat backends need: right-padded, deterministically
// truncated id/mask/type-id tensors built one text at a time, the same
// way the teacher's transformers/tokenizer.go and the pack's
// Tejas242-sift embedder both do it, plus a heuristic fallback for
// models shipped without a fast tokenizer artifact.
package tokenizer

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	sgtok "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

const (
	padTokenID int64 = 0

	clsToken = "[CLS]"
	sepToken = "[SEP]"
)

// Batch is a right-padded, truncated tensor triple ready for an ONNX
// embedding session.
type Batch struct {
	InputIDs      [][]int64
	AttentionMask [][]int64
	TokenTypeIDs  [][]int64
	TokenCounts   []int // per-text count before padding, after truncation
	Mode          string // "fast" or "heuristic"
}

// Adapter wraps a tokenizer source (fast or heuristic) behind one contract.
type Adapter struct {
	fast   *sgtok.Tokenizer
	vocab  map[string]int64 // heuristic-path lookup; nil when fast is set
	source string           // identity carried into perf output
}

// Load opens tokenizer.json under dir if present (fast path); otherwise
// falls back to vocab.txt heuristic tokenization. dir is a model's local
// asset directory; no network access is attempted.
func Load(dir string) (*Adapter, error) {
	tokJSON := filepath.Join(dir, "tokenizer.json")
	if _, err := os.Stat(tokJSON); err == nil {
		tok, err := pretrained.FromFile(tokJSON)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: load fast tokenizer: %w", err)
		}
		return &Adapter{fast: tok, source: tokJSON}, nil
	}

	vocabPath := filepath.Join(dir, "vocab.txt")
	vocab, err := loadVocab(vocabPath)
	if err != nil {
		// No vocab either: heuristic hash lookup still works, just
		// without a real id space.
		return &Adapter{source: dir}, nil
	}
	return &Adapter{vocab: vocab, source: vocabPath}, nil
}

// IsHeuristic reports whether this adapter lacks a fast tokenizer artifact.
func (a *Adapter) IsHeuristic() bool {
	return a.fast == nil
}

// Identity is the tokenizer identity carried into perf telemetry.
func (a *Adapter) Identity() string {
	return a.source
}

// IdentityMode reports the tokenizer source path/id and whether it is
// running in "fast" or "heuristic" mode, for perf drift detection.
func (a *Adapter) IdentityMode() string {
	return fmt.Sprintf("%s(%s)", a.source, a.mode())
}

// EncodeBatch tokenizes texts into a padded/truncated Batch at length
// maxLen. Encoding is deterministic: identical strings produce identical
// rows, and truncation always drops the tail beyond maxLen.
func (a *Adapter) EncodeBatch(texts []string, maxLen int) (Batch, error) {
	rows := make([][]int64, len(texts))
	counts := make([]int, len(texts))

	for i, text := range texts {
		ids, err := a.encodeOne(text)
		if err != nil {
			return Batch{}, fmt.Errorf("tokenizer: encode %q: %w", text, err)
		}
		if len(ids) > maxLen {
			ids = ids[:maxLen]
		}
		rows[i] = ids
		counts[i] = len(ids)
	}

	out := Batch{
		InputIDs:      make([][]int64, len(texts)),
		AttentionMask: make([][]int64, len(texts)),
		TokenTypeIDs:  make([][]int64, len(texts)),
		TokenCounts:   counts,
		Mode:          a.mode(),
	}
	for i, ids := range rows {
		idRow := make([]int64, maxLen)
		maskRow := make([]int64, maxLen)
		typeRow := make([]int64, maxLen) // always 0 for single-segment input
		for j := 0; j < maxLen; j++ {
			if j < len(ids) {
				idRow[j] = ids[j]
				maskRow[j] = 1
			} else {
				idRow[j] = padTokenID
				maskRow[j] = 0
			}
		}
		out.InputIDs[i] = idRow
		out.AttentionMask[i] = maskRow
		out.TokenTypeIDs[i] = typeRow
	}
	return out, nil
}

func (a *Adapter) mode() string {
	if a.IsHeuristic() {
		return "heuristic"
	}
	return "fast"
}

func (a *Adapter) encodeOne(text string) ([]int64, error) {
	if a.fast != nil {
		enc, err := a.fast.EncodeSingle(text, true)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, len(enc.Ids))
		for i, v := range enc.Ids {
			ids[i] = int64(v)
		}
		return ids, nil
	}
	return a.encodeHeuristic(text), nil
}

// encodeHeuristic reproduces the legacy whitespace-split path: lowercase,
// split on whitespace, frame with [CLS]/[SEP], look each word up in the
// vocab (or hash it into a stable pseudo-id when no vocab is loaded).
func (a *Adapter) encodeHeuristic(text string) []int64 {
	words := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(words)+2)
	tokens = append(tokens, clsToken)
	tokens = append(tokens, words...)
	tokens = append(tokens, sepToken)

	ids := make([]int64, len(tokens))
	for i, tok := range tokens {
		ids[i] = a.vocabLookup(tok)
	}
	return ids
}

func (a *Adapter) vocabLookup(tok string) int64 {
	if a.vocab != nil {
		if id, ok := a.vocab[tok]; ok {
			return id
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(tok))
	// Keep hashed ids out of the special-token range used above.
	return int64(h.Sum32()%30000) + 1000
}

// Decode converts ids back to text, stripping special tokens.
func (a *Adapter) Decode(ids []int64) string {
	if a.fast != nil {
		uids := make([]int, len(ids))
		for i, v := range ids {
			uids[i] = int(v)
		}
		return a.fast.Decode(uids, true)
	}
	// Heuristic path has no reverse vocab; best effort is unavailable,
	// callers on this path only need encode for cache keys and counts.
	return ""
}

// EncodePrompt encodes a single rendered prompt string into a flat id
// sequence, used by the chat backend (no padding, no batching).
func (a *Adapter) EncodePrompt(text string) ([]int64, error) {
	return a.encodeOne(text)
}

// DecodeGenerated renders a generated id sequence back to text with
// special tokens stripped, for stop-sequence checking during decode.
func (a *Adapter) DecodeGenerated(ids []int64) (string, error) {
	if a.fast == nil {
		return "", fmt.Errorf("tokenizer: decode requires a fast tokenizer")
	}
	return a.Decode(ids), nil
}

func loadVocab(path string) (map[string]int64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(raw), "\n")
	vocab := make(map[string]int64, len(lines))
	var id int64
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		vocab[line] = id
		id++
	}
	return vocab, nil
}
