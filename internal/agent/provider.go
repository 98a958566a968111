package agent

import (
	"context"
	"fmt"

	"github.com/interviewcore/orchestrator/internal/apperr"
	"github.com/interviewcore/orchestrator/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// newModel selects and constructs the langchaingo (or Bedrock) chat model
// named by cfg.LLMProvider.
func newModel(ctx context.Context, cfg config.Config) (llms.Model, error) {
	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err := ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("create ollama model: %w", err))
		}
		return model, nil

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, apperr.New(apperr.KindConfiguration, "OPENAI_API_KEY required for llm provider %q", cfg.LLMProvider)
		}
		model, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("create openai model: %w", err))
		}
		return model, nil

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, apperr.New(apperr.KindConfiguration, "ANTHROPIC_API_KEY required for llm provider %q", cfg.LLMProvider)
		}
		model, err := anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("create anthropic model: %w", err))
		}
		return model, nil

	case config.ProviderBedrock:
		model, err := newBedrockModel(ctx, cfg.BedrockRegion, cfg.LLMModel)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, fmt.Errorf("create bedrock model: %w", err))
		}
		return model, nil

	default:
		return nil, apperr.New(apperr.KindConfiguration, "unsupported llm provider %q", cfg.LLMProvider)
	}
}
