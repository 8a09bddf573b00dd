// Package sampler implements next-token selection for the chat backend:
// greedy argmax, or temperature + nucleus (top-p) sampling. Ported from
// original_source's GemmaChatModel._select_next_token, reusing the
// teacher's softmax/argmax numeric helpers generalized into tensorutil.
package sampler

import (
	"math/rand"
	"sort"

	"github.com/stgarg/locallite/internal/tensorutil"
)

const minTemperature = 1e-5

// Sampler holds the per-backend-instance RNG so generations from the same
// instance are reproducible given the same seed, while different backend
// instances don't share state.
type Sampler struct {
	rng *rand.Rand
}

// New builds a Sampler seeded with seed.
func New(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Next selects the next token id from a single row of logits. temperature
// <= 0 returns the argmax deterministically; otherwise it samples from a
// temperature-scaled, optionally nucleus-filtered distribution.
func (s *Sampler) Next(logits []float32, temperature, topP float64) int {
	if temperature <= 0 {
		return tensorutil.Argmax(logits)
	}

	adjusted := make([]float32, len(logits))
	temp := temperature
	if temp < minTemperature {
		temp = minTemperature
	}
	invTemp := float32(1.0 / temp)
	for i, v := range logits {
		adjusted[i] = v * invTemp
	}
	tensorutil.Softmax(adjusted)

	if topP > 0 && topP < 1 {
		adjusted = s.applyTopP(adjusted, topP)
	}
	return sampleFrom(adjusted, s.rng.Float32())
}

type idxProb struct {
	idx  int
	prob float32
}

// applyTopP zeroes out the low-probability tail beyond the smallest
// prefix (by descending probability) whose cumulative mass first exceeds
// topP, then renormalizes. At least one token always survives.
func (s *Sampler) applyTopP(probs []float32, topP float64) []float32 {
	ordered := make([]idxProb, len(probs))
	for i, p := range probs {
		ordered[i] = idxProb{i, p}
	}
	sortDescending(ordered)

	var cum float32
	cutoff := len(ordered)
	for i, ip := range ordered {
		cum += ip.prob
		if cum > float32(topP) {
			cutoff = i + 1
			break
		}
	}
	if cutoff < 1 {
		cutoff = 1
	}

	out := make([]float32, len(probs))
	var sum float32
	for i := 0; i < cutoff; i++ {
		out[ordered[i].idx] = ordered[i].prob
		sum += ordered[i].prob
	}
	if sum > 0 {
		inv := 1 / sum
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}

func sortDescending(xs []idxProb) {
	sort.Slice(xs, func(i, j int) bool { return xs[i].prob > xs[j].prob })
}

func sampleFrom(probs []float32, r float32) int {
	var acc float32
	for i, p := range probs {
		acc += p
		if r < acc {
			return i
		}
	}
	if len(probs) == 0 {
		return 0
	}
	return len(probs) - 1
}
