package app

import (
	"testing"

	"github.com/cadenzahq/cadenza/internal/config"
)

func TestBuildEmbeddings(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EmbeddingConfig
		wantErr bool
	}{
		{
			name: "openai",
			cfg:  config.EmbeddingConfig{Provider: "openai", APIKey: "sk-test", Model: "text-embedding-3-small"},
		},
		{
			name: "ollama",
			cfg:  config.EmbeddingConfig{Provider: "ollama", Model: "nomic-embed-text"},
		},
		{
			name: "empty defaults to ollama",
			cfg:  config.EmbeddingConfig{Model: "nomic-embed-text"},
		},
		{
			name:    "unknown provider",
			cfg:     config.EmbeddingConfig{Provider: "cohere", Model: "embed-v3"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := buildEmbeddings(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildEmbeddings() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p == nil {
				t.Error("buildEmbeddings() returned nil provider without error")
			}
		})
	}
}

func TestBuildExtractionProvider(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LLMConfig
		wantErr bool
	}{
		{
			name: "openrouter when key configured",
			cfg: config.LLMConfig{
				OpenRouterAPIKey: "sk-or-test",
				DefaultModel:     "meta-llama/llama-3.1-8b-instruct",
			},
		},
		{
			name: "local fallback",
			cfg: config.LLMConfig{
				LocalBackend: "ollama",
				DefaultModel: "llama3.1:8b",
			},
		},
		{
			name: "unsupported local backend",
			cfg: config.LLMConfig{
				LocalBackend: "vllm",
				DefaultModel: "llama3.1:8b",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := buildExtractionProvider(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildExtractionProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p == nil {
				t.Error("buildExtractionProvider() returned nil provider without error")
			}
		})
	}
}
