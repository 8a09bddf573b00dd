package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFallsBackToWellKnownPaths(t *testing.T) {
	os.Unsetenv("EMBEDDING_MODEL_PATH")
	os.Unsetenv("CHAT_MODEL_PATH")
	root := "/repo"
	cfg := Load(root)
	if cfg.EmbeddingModelPath != filepath.Join(root, defaultEmbeddingRelPath) {
		t.Fatalf("unexpected embedding path: %s", cfg.EmbeddingModelPath)
	}
	if cfg.ChatModelPath != filepath.Join(root, defaultChatRelPath) {
		t.Fatalf("unexpected chat path: %s", cfg.ChatModelPath)
	}
}

func TestLoadPrefersEnvOverride(t *testing.T) {
	t.Setenv("EMBEDDING_MODEL_PATH", "/custom/embed")
	cfg := Load("/repo")
	if cfg.EmbeddingModelPath != "/custom/embed" {
		t.Fatalf("expected override path, got %s", cfg.EmbeddingModelPath)
	}
}

func TestLoadDefaultsListenAddr(t *testing.T) {
	os.Unsetenv("GATEWAY_LISTEN_ADDR")
	cfg := Load("/repo")
	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("expected default listen addr, got %s", cfg.ListenAddr)
	}
}

func TestLoadAppliesTomlOverrides(t *testing.T) {
	os.Unsetenv("EMBEDDING_MODEL_PATH")
	os.Unsetenv("GATEWAY_LISTEN_ADDR")
	dir := t.TempDir()
	content := "embedding_model_path = \"/from/toml\"\nlisten_addr = \":9090\"\nembedding_cache_size = 2048\n"
	if err := os.WriteFile(filepath.Join(dir, "gateway.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write gateway.toml: %v", err)
	}
	cfg := Load(dir)
	if cfg.EmbeddingModelPath != "/from/toml" {
		t.Fatalf("expected toml embedding path, got %s", cfg.EmbeddingModelPath)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("expected toml listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.EmbeddingCacheSize != 2048 {
		t.Fatalf("expected toml cache size, got %d", cfg.EmbeddingCacheSize)
	}
}

func TestLoadEnvOverridesToml(t *testing.T) {
	dir := t.TempDir()
	content := "embedding_model_path = \"/from/toml\"\n"
	if err := os.WriteFile(filepath.Join(dir, "gateway.toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write gateway.toml: %v", err)
	}
	t.Setenv("EMBEDDING_MODEL_PATH", "/from/env")
	cfg := Load(dir)
	if cfg.EmbeddingModelPath != "/from/env" {
		t.Fatalf("expected env to win over toml, got %s", cfg.EmbeddingModelPath)
	}
}

func TestLoadMissingTomlKeepsDefaults(t *testing.T) {
	os.Unsetenv("EMBEDDING_MODEL_PATH")
	dir := t.TempDir()
	cfg := Load(dir)
	if cfg.EmbeddingModelPath != filepath.Join(dir, defaultEmbeddingRelPath) {
		t.Fatalf("expected default embedding path, got %s", cfg.EmbeddingModelPath)
	}
}
