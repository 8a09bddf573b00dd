// Package config resolves the gateway's runtime configuration: model
// directories and listen address from environment variables (optionally
// loaded from a local .env via godotenv), falling back to well-known
// relative paths the way original_source's model_router.py lifespan does.
// Cache size and maximum sequence length come from built-in defaults or
// gateway.toml only. The only CLI input is cmd/gateway's --repo-root flag,
// which sets the directory these files and paths are resolved against.
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Config holds the resolved paths and tunables the gateway needs at
// startup.
type Config struct {
	EmbeddingModelPath string
	ChatModelPath      string
	EmbeddingCacheSize int
	MaxSequenceLength  int
	ListenAddr         string
}

const (
	defaultEmbeddingRelPath = "models/bge-small-en-v1.5"
	defaultChatRelPath      = "models/gemma-3n"
	defaultCacheSize        = 1024
	defaultMaxSequenceLen   = 512
	defaultListenAddr       = ":8080"
)

// fileOverrides is the optional gateway.toml shape. Every field is a
// pointer so an absent key leaves the corresponding Config field at its
// environment/default value instead of zeroing it out.
type fileOverrides struct {
	EmbeddingModelPath *string `toml:"embedding_model_path"`
	ChatModelPath      *string `toml:"chat_model_path"`
	EmbeddingCacheSize *int    `toml:"embedding_cache_size"`
	MaxSequenceLength  *int    `toml:"max_sequence_length"`
	ListenAddr         *string `toml:"listen_addr"`
}

// Load reads .env.local if present (errors are ignored, matching the
// teacher's best-effort dotenv loading), applies gateway.toml overrides
// if present, then resolves paths and env vars relative to repoRoot.
// Precedence, lowest to highest: built-in defaults, gateway.toml,
// environment variables. No CLI flag overrides these values.
func Load(repoRoot string) Config {
	_ = godotenv.Load(filepath.Join(repoRoot, ".env.local"))

	cfg := Config{
		EmbeddingCacheSize: defaultCacheSize,
		MaxSequenceLength:  defaultMaxSequenceLen,
		ListenAddr:         defaultListenAddr,
	}
	embeddingDefault := filepath.Join(repoRoot, defaultEmbeddingRelPath)
	chatDefault := filepath.Join(repoRoot, defaultChatRelPath)

	if overrides, ok := loadFileOverrides(filepath.Join(repoRoot, "gateway.toml")); ok {
		if overrides.EmbeddingModelPath != nil {
			embeddingDefault = *overrides.EmbeddingModelPath
		}
		if overrides.ChatModelPath != nil {
			chatDefault = *overrides.ChatModelPath
		}
		if overrides.EmbeddingCacheSize != nil {
			cfg.EmbeddingCacheSize = *overrides.EmbeddingCacheSize
		}
		if overrides.MaxSequenceLength != nil {
			cfg.MaxSequenceLength = *overrides.MaxSequenceLength
		}
		if overrides.ListenAddr != nil {
			cfg.ListenAddr = *overrides.ListenAddr
		}
	}

	cfg.EmbeddingModelPath = resolvePath(os.Getenv("EMBEDDING_MODEL_PATH"), embeddingDefault)
	cfg.ChatModelPath = resolvePath(os.Getenv("CHAT_MODEL_PATH"), chatDefault)

	if addr := os.Getenv("GATEWAY_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}

	return cfg
}

// loadFileOverrides reads an optional gateway.toml. A missing or
// malformed file yields ok=false and the caller keeps its existing
// defaults; this mirrors Load's best-effort treatment of .env.local.
func loadFileOverrides(path string) (fileOverrides, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileOverrides{}, false
	}
	var out fileOverrides
	if err := toml.Unmarshal(data, &out); err != nil {
		return fileOverrides{}, false
	}
	return out, true
}

// resolvePath prefers an explicit override, falling back to the
// well-known relative default when the override is unset.
func resolvePath(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}
