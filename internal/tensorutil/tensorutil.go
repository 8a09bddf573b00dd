// Package tensorutil holds small numeric helpers shared by the embedding
// and chat backends: ONNX tensor construction, softmax/argmax, and the
// percentile math perf telemetry needs. Adapted from the teacher's
// transformers/tensor_helpers.go, generalized beyond single-row decoding.
package tensorutil

import (
	"math"
	"sort"

	onnx "github.com/yalue/onnxruntime_go"
)

// Int64Tensor wraps data into an ONNX tensor with the given shape.
func Int64Tensor(data []int64, shape []int64) (*onnx.Tensor[int64], error) {
	return onnx.NewTensor(onnx.NewShape(shape...), data)
}

// Float32Tensor wraps data into an ONNX tensor with the given shape.
func Float32Tensor(data []float32, shape []int64) (*onnx.Tensor[float32], error) {
	return onnx.NewTensor(onnx.NewShape(shape...), data)
}

// Argmax returns the index of the largest value in xs. Returns 0 for an
// empty slice.
func Argmax(xs []float32) int {
	if len(xs) == 0 {
		return 0
	}
	best := 0
	bestVal := xs[0]
	for i := 1; i < len(xs); i++ {
		if xs[i] > bestVal {
			bestVal = xs[i]
			best = i
		}
	}
	return best
}

// Softmax converts logits in place into a probability distribution.
func Softmax(xs []float32) {
	if len(xs) == 0 {
		return
	}
	max := xs[0]
	for _, v := range xs[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i, v := range xs {
		e := float32(math.Exp(float64(v - max)))
		xs[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := 1 / sum
	for i := range xs {
		xs[i] *= inv
	}
}

// L2Normalize normalizes v in place to unit length. Zero-norm vectors are
// left unchanged (never produces NaN).
func L2Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	return math.Sqrt(sumSq)
}

// Percentile returns the p-th percentile (0..100) of xs using linear
// interpolation between the two closest ranks. xs is not mutated; returns
// 0 for empty input.
func Percentile(xs []int, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]int, len(xs))
	copy(sorted, xs)
	sort.Ints(sorted)
	if len(sorted) == 1 {
		return float64(sorted[0])
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return float64(sorted[lo])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac
}
