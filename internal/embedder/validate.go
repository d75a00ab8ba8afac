package embedder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/docindex-go/internal/config"
)

// knownChatModelPrefixes contains name fragments that identify chat/completion
// models which are not suitable for embedding.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
	"solar",
	"vicuna",
	"falcon",
	"yi-",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// ValidateConfig is a startup pre-flight check of the EMBEDDING_* settings.
// It returns an error for configurations that cannot work (missing
// credentials, non-positive dimensions) and logs a warning when
// EMBEDDING_MODEL looks like a chat model.
func ValidateConfig(log *slog.Logger) error {
	backend := config.Env("EMBEDDING_PROVIDER", "ollama")

	if dims := config.EnvInt("EMBEDDING_DIMENSIONS", DefaultDimensions); dims <= 0 {
		return fmt.Errorf("embedder: EMBEDDING_DIMENSIONS must be positive, got %d", dims)
	}
	if bs := config.EnvInt("EMBEDDING_BATCH_SIZE", 32); bs <= 0 {
		return fmt.Errorf("embedder: EMBEDDING_BATCH_SIZE must be positive, got %d", bs)
	}

	switch backend {
	case "ollama":
	case "openai":
		if config.Env("EMBEDDING_API_KEY", config.Env("OPENAI_API_KEY", "")) == "" {
			return fmt.Errorf("embedder: no OpenAI API key found, set OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case "azure":
		if config.Env("EMBEDDING_API_KEY", config.Env("AZURE_OPENAI_API_KEY", "")) == "" {
			return fmt.Errorf("embedder: no Azure API key found, set AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if config.Env("EMBEDDING_ENDPOINT", config.Env("AZURE_OPENAI_ENDPOINT", "")) == "" {
			return fmt.Errorf("embedder: no Azure endpoint found, set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	case "gemini":
		if config.Env("EMBEDDING_API_KEY", config.Env("GOOGLE_API_KEY", "")) == "" {
			return fmt.Errorf("embedder: no Google API key found, set GOOGLE_API_KEY or EMBEDDING_API_KEY")
		}
	default:
		return fmt.Errorf("embedder: unknown EMBEDDING_PROVIDER %q (valid: ollama, openai, azure, gemini)", backend)
	}

	if model := config.Env("EMBEDDING_MODEL", ""); model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", model),
			slog.String("hint", "use a dedicated embedding model e.g. mxbai-embed-large, text-embedding-3-small"),
		)
	}

	return nil
}
