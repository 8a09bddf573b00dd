// Package digest computes deterministic fingerprints over embedding
// vectors for drift detection and test baselines. Direct port of
// original_source's runtime/utils/digest.py.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Precision is the number of decimal places each float is rounded to
// before serialization.
const Precision = 6

// shortLength is the number of hex characters kept in the short digest.
const shortLength = 32

// Vectors computes a SHA-256 digest over one or more vectors. Each value
// is rounded to Precision decimals, rows are comma-joined, rows are
// pipe-joined. When short is true, the returned digest is truncated to
// shortLength hex characters. When headDims > 0, only the first headDims
// components of each vector participate (useful for fast, stable
// comparisons over high-dimensional embeddings).
func Vectors(vectors [][]float32, short bool, headDims int) string {
	rows := make([]string, len(vectors))
	for i, v := range vectors {
		rows[i] = serializeRow(v, headDims)
	}
	joined := strings.Join(rows, "|")

	sum := sha256.Sum256([]byte(joined))
	full := hex.EncodeToString(sum[:])
	if short && len(full) > shortLength {
		return full[:shortLength]
	}
	return full
}

func serializeRow(v []float32, headDims int) string {
	n := len(v)
	if headDims > 0 && headDims < n {
		n = headDims
	}
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = roundedString(v[i])
	}
	return strings.Join(parts, ",")
}

func roundedString(x float32) string {
	scale := math.Pow(10, Precision)
	rounded := math.Round(float64(x)*scale) / scale
	return strconv.FormatFloat(rounded, 'f', Precision, 64)
}

// Compare reports whether two equal-length vector sets are elementwise
// within tolerance of each other.
func Compare(a, b [][]float32, tolerance float64) (bool, error) {
	if len(a) != len(b) {
		return false, fmt.Errorf("digest: vector count mismatch: %d != %d", len(a), len(b))
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false, fmt.Errorf("digest: row %d length mismatch: %d != %d", i, len(a[i]), len(b[i]))
		}
		for j := range a[i] {
			diff := math.Abs(float64(a[i][j]) - float64(b[i][j]))
			if diff > tolerance {
				return false, nil
			}
		}
	}
	return true, nil
}
