// Command gateway serves the local inference gateway: text embeddings
// and chat completions over on-disk ONNX models.
package main

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/stgarg/locallite/internal/chat"
	"github.com/stgarg/locallite/internal/config"
	"github.com/stgarg/locallite/internal/embedding"
	"github.com/stgarg/locallite/internal/httpserver"
	"github.com/stgarg/locallite/internal/modelservice"
	"github.com/stgarg/locallite/internal/ortruntime"
	"github.com/stgarg/locallite/internal/registry"
	"github.com/stgarg/locallite/internal/router"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Local OpenAI-compatible inference gateway",
		Long:  "gateway — serves text embeddings and chat completions over local ONNX models.",
	}

	root.AddCommand(serveCmd())
	root.AddCommand(registryCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	var repoRoot string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(repoRoot)

			if _, err := ortruntime.EnsureSharedLibrary(); err != nil {
				log.Printf("onnxruntime bootstrap: %v (falling back to system library resolution)", err)
			}

			reg := registry.New()
			svc := modelservice.New(reg)

			for _, spec := range reg.List(registry.TaskEmbedding) {
				modelDir := spec.Path
				if cfg.EmbeddingModelPath != "" {
					modelDir = cfg.EmbeddingModelPath
				}
				if err := svc.Load(spec.ModelID, embeddingLoader(modelDir, cfg.EmbeddingCacheSize)); err != nil {
					log.Printf("embedding model %s did not load: %v (requests for it will 503 until reloaded)", spec.ModelID, err)
				}
			}
			for _, spec := range reg.List(registry.TaskChat) {
				modelDir := spec.Path
				if cfg.ChatModelPath != "" {
					modelDir = cfg.ChatModelPath
				}
				if err := svc.Load(spec.ModelID, chatLoader(modelDir)); err != nil {
					log.Printf("chat model %s did not load: %v (requests for it will 503 until reloaded)", spec.ModelID, err)
				}
			}

			r := router.New(reg, svc, embeddingBackendFor(svc), chatBackendFor(svc))

			srv := &httpserver.Server{
				Router:    r,
				Registry:  reg,
				Models:    svc,
				StartTime: time.Now(),
			}

			log.Printf("locallite gateway listening on %s (embedding=%s chat=%s)", cfg.ListenAddr, cfg.EmbeddingModelPath, cfg.ChatModelPath)
			return http.ListenAndServe(cfg.ListenAddr, srv.NewMux())
		},
	}
	cmd.Flags().StringVar(&repoRoot, "repo-root", ".", "repository root used to resolve well-known model paths")
	return cmd
}

func registryCmd() *cobra.Command {
	list := &cobra.Command{
		Use:   "list",
		Short: "List the models known to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := registry.New()
			for _, spec := range reg.List("") {
				fmt.Printf("%-20s task=%-10s backend=%-16s path=%s\n", spec.ModelID, spec.Task, spec.Backend, spec.Path)
			}
			return nil
		},
	}
	cmd := &cobra.Command{Use: "registry", Short: "Inspect the model registry"}
	cmd.AddCommand(list)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// embeddingLoader builds a modelservice.Loader that opens the embedding
// backend's ONNX session(s) and tokenizer from modelDir.
func embeddingLoader(modelDir string, cacheSize int) modelservice.Loader {
	return func(spec registry.ModelSpec) (any, error) {
		return embedding.Open(modelDir, cacheSize)
	}
}

// chatLoader builds a modelservice.Loader that opens the chat backend's
// embed/decoder ONNX sessions, tokenizer, and chat template from modelDir.
func chatLoader(modelDir string) modelservice.Loader {
	return func(spec registry.ModelSpec) (any, error) {
		return chat.Open(modelDir)
	}
}

// embeddingBackendFor resolves a loaded model id to its concrete backend,
// failing with the same model_unavailable contract as an unloaded model
// when the handle is missing or the wrong concrete type.
func embeddingBackendFor(svc *modelservice.Service) router.EmbeddingBackendFunc {
	return func(modelID string) (*embedding.Backend, error) {
		handle, err := svc.Get(modelID)
		if err != nil {
			return nil, err
		}
		backend, ok := handle.(*embedding.Backend)
		if !ok {
			return nil, fmt.Errorf("model %s is not an embedding backend", modelID)
		}
		return backend, nil
	}
}

func chatBackendFor(svc *modelservice.Service) router.ChatBackendFunc {
	return func(modelID string) (*chat.Backend, error) {
		handle, err := svc.Get(modelID)
		if err != nil {
			return nil, err
		}
		backend, ok := handle.(*chat.Backend)
		if !ok {
			return nil, fmt.Errorf("model %s is not a chat backend", modelID)
		}
		return backend, nil
	}
}
