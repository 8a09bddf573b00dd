package chat

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGenerationOverridesMissingFileIsZeroValue(t *testing.T) {
	out := loadGenerationOverrides(t.TempDir())
	if len(out.EOSTokenIDs) != 0 || len(out.StopStrings) != 0 {
		t.Fatalf("expected zero-value overrides, got %+v", out)
	}
}

func TestLoadGenerationOverridesParsesEOSAndStop(t *testing.T) {
	dir := t.TempDir()
	content := `{"eos_token_id": [2, 7], "stop": ["<|end|>", "STOP"]}`
	if err := os.WriteFile(filepath.Join(dir, "generation_config.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	out := loadGenerationOverrides(dir)
	if len(out.EOSTokenIDs) != 2 || out.EOSTokenIDs[0] != 2 || out.EOSTokenIDs[1] != 7 {
		t.Fatalf("unexpected eos ids: %v", out.EOSTokenIDs)
	}
	if len(out.StopStrings) != 2 || out.StopStrings[0] != "<|end|>" {
		t.Fatalf("unexpected stop strings: %v", out.StopStrings)
	}
}

func TestEffectiveEOSIDsFallsBackToDefault(t *testing.T) {
	got := effectiveEOSIDs(generationOverrides{})
	if !got[1] || !got[106] {
		t.Fatalf("expected default eos ids, got %v", got)
	}
}

func TestEffectiveEOSIDsUsesOverride(t *testing.T) {
	got := effectiveEOSIDs(generationOverrides{EOSTokenIDs: []int64{9}})
	if got[1] || !got[9] {
		t.Fatalf("expected override eos ids, got %v", got)
	}
}
