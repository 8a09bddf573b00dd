package chat

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// generationOverrides holds the subset of generation_config.json fields
// the chat backend cares about. Ported from the teacher's
// transformers/config.go:applyGenerationConfig, repointed to read a
// local model directory instead of fetching from HF Hub.
type generationOverrides struct {
	EOSTokenIDs []int64
	StopStrings []string
}

// loadGenerationOverrides reads modelDir/generation_config.json if
// present. A missing or malformed file yields a zero-value override
// (compiled-in defaults apply), matching the teacher's best-effort merge.
func loadGenerationOverrides(modelDir string) generationOverrides {
	data, err := os.ReadFile(filepath.Join(modelDir, "generation_config.json"))
	if err != nil {
		return generationOverrides{}
	}
	var gen map[string]any
	if err := json.Unmarshal(data, &gen); err != nil {
		return generationOverrides{}
	}

	var out generationOverrides
	if v, ok := gen["eos_token_id"]; ok {
		out.EOSTokenIDs = toInt64Slice(v)
	}
	if v, ok := gen["stop"]; ok {
		switch t := v.(type) {
		case string:
			if t != "" {
				out.StopStrings = []string{t}
			}
		case []any:
			for _, x := range t {
				if s, ok := x.(string); ok && s != "" {
					out.StopStrings = append(out.StopStrings, s)
				}
			}
		}
	}
	return out
}

func toInt64Slice(v any) []int64 {
	switch t := v.(type) {
	case float64:
		return []int64{int64(t)}
	case []any:
		out := make([]int64, 0, len(t))
		for _, x := range t {
			if id, ok := toInt64(x); ok {
				out = append(out, id)
			}
		}
		return out
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	}
	return 0, false
}

// effectiveEOSIDs returns the EOS id set from generation_config.json when
// it lists any ids, replacing the compiled-in default set entirely;
// otherwise it returns the compiled-in default.
func effectiveEOSIDs(overrides generationOverrides) map[int64]bool {
	if len(overrides.EOSTokenIDs) == 0 {
		return eosTokenIDs
	}
	out := make(map[int64]bool, len(overrides.EOSTokenIDs))
	for _, id := range overrides.EOSTokenIDs {
		out[id] = true
	}
	return out
}
