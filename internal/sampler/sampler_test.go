package sampler

import "testing"

func TestGreedyReturnsArgmaxForZeroTemperature(t *testing.T) {
	s := New(1)
	logits := []float32{0.1, 5.0, -2.0, 3.0}
	if got := s.Next(logits, 0, 0); got != 1 {
		t.Fatalf("expected argmax index 1, got %d", got)
	}
}

func TestGreedyIgnoresTopPWhenTemperatureZero(t *testing.T) {
	s := New(1)
	logits := []float32{1, 2, 3}
	if got := s.Next(logits, -1, 0.5); got != 2 {
		t.Fatalf("expected argmax index 2, got %d", got)
	}
}

func TestTopPAlwaysKeepsAtLeastOneToken(t *testing.T) {
	s := New(7)
	// A single dominant logit: top-p should still produce a valid index.
	logits := []float32{100, -100, -100}
	for i := 0; i < 20; i++ {
		got := s.Next(logits, 1.0, 0.01)
		if got < 0 || got >= len(logits) {
			t.Fatalf("sampled index out of range: %d", got)
		}
	}
}

func TestApplyTopPRenormalizesToPrefix(t *testing.T) {
	s := New(1)
	probs := []float32{0.5, 0.3, 0.15, 0.05}
	out := s.applyTopP(probs, 0.8)
	var sum float32
	nonZero := 0
	for _, p := range out {
		sum += p
		if p > 0 {
			nonZero++
		}
	}
	if sum < 0.99 || sum > 1.01 {
		t.Fatalf("expected renormalized sum ~1, got %f", sum)
	}
	// 0.5 + 0.3 = 0.8 is not yet > 0.8, so the third entry (0.15) must be
	// included to cross the threshold; the fourth (0.05) must not.
	if nonZero != 3 {
		t.Fatalf("expected 3 surviving tokens, got %d", nonZero)
	}
}

func TestSampleFromUsesCumulativeDistribution(t *testing.T) {
	probs := []float32{0.2, 0.3, 0.5}
	if got := sampleFrom(probs, 0.1); got != 0 {
		t.Fatalf("expected index 0, got %d", got)
	}
	if got := sampleFrom(probs, 0.25); got != 1 {
		t.Fatalf("expected index 1, got %d", got)
	}
	if got := sampleFrom(probs, 0.9); got != 2 {
		t.Fatalf("expected index 2, got %d", got)
	}
}
