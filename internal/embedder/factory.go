// Package embedder turns text into dense vectors. Provider implementations
// talk to a specific backend (Ollama, OpenAI, Azure OpenAI, Gemini, or any
// Eino embedding component); Client wraps a Provider with batching, bounded
// retries, rate limiting and dimension checks.
package embedder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docindex-go/internal/config"
)

// Default embedding models per backend. Each produces 1024-dimensional
// vectors, natively or through a dimensions parameter.
const (
	defaultOllamaModel = "mxbai-embed-large"
	defaultOpenAIModel = "text-embedding-3-small"
	defaultGeminiModel = "gemini-embedding-001"
)

// NewFromEnv constructs the Provider selected by EMBEDDING_PROVIDER
// (default: ollama).
//
// Resolution order per backend:
//
//  1. EMBEDDING_MODEL overrides the backend default model
//  2. EMBEDDING_API_KEY overrides the backend API key variable
//  3. EMBEDDING_ENDPOINT overrides the backend endpoint variable
//  4. EMBEDDING_DIMENSIONS is requested from backends that support it (default 1024)
func NewFromEnv(ctx context.Context) (Provider, error) {
	backend := config.Env("EMBEDDING_PROVIDER", "ollama")
	dims := config.EnvInt("EMBEDDING_DIMENSIONS", DefaultDimensions)
	timeout := config.EnvDuration("EMBEDDING_TIMEOUT", 0)

	switch backend {
	case "ollama":
		host := config.Env("EMBEDDING_ENDPOINT", config.Env("OLLAMA_HOST", "http://localhost:11434"))
		return NewOllamaEmbedder(&OllamaConfig{
			Host:    host,
			Model:   config.Env("EMBEDDING_MODEL", defaultOllamaModel),
			Timeout: timeout,
		}), nil

	case "openai":
		apiKey := config.Env("EMBEDDING_API_KEY", config.Env("OPENAI_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    config.Env("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:     apiKey,
			Model:      config.Env("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: dims,
			Timeout:    timeout,
		}), nil

	case "azure":
		apiKey := config.Env("EMBEDDING_API_KEY", config.Env("AZURE_OPENAI_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := config.Env("EMBEDDING_ENDPOINT", config.Env("AZURE_OPENAI_ENDPOINT", ""))
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      config.Env("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: dims,
			Azure:      true,
			APIVersion: config.Env("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
			Timeout:    timeout,
		}), nil

	case "gemini":
		apiKey := config.Env("EMBEDDING_API_KEY", config.Env("GOOGLE_API_KEY", ""))
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: gemini requires GOOGLE_API_KEY or EMBEDDING_API_KEY")
		}
		return NewGeminiEmbedder(ctx, &GeminiConfig{
			APIKey:     apiKey,
			Model:      config.Env("EMBEDDING_MODEL", defaultGeminiModel),
			Dimensions: dims,
		})

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q (valid: ollama, openai, azure, gemini)", backend)
	}
}

// DefaultClientConfig returns the standard batching and retry budget.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Dimensions:     DefaultDimensions,
		BatchSize:      32,
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Concurrency:    4,
	}
}

// ClientConfigFromEnv overlays EMBEDDING_* variables on DefaultClientConfig.
func ClientConfigFromEnv(log *slog.Logger, reg prometheus.Registerer) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Dimensions = config.EnvInt("EMBEDDING_DIMENSIONS", cfg.Dimensions)
	cfg.BatchSize = config.EnvInt("EMBEDDING_BATCH_SIZE", cfg.BatchSize)
	cfg.MaxRetries = config.EnvInt("EMBEDDING_MAX_RETRIES", cfg.MaxRetries)
	cfg.Concurrency = config.EnvInt("EMBEDDING_CONCURRENCY", cfg.Concurrency)
	cfg.RateLimit = config.EnvFloat("EMBEDDING_RATE_LIMIT", 0)
	cfg.Burst = config.EnvInt("EMBEDDING_RATE_BURST", 1)
	cfg.Logger = log
	cfg.Registerer = reg
	return cfg
}
