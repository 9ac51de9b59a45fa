package completion

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/reclassroom/reclass/internal/config"
)

// New builds the gateway selected by cfg.Provider for model. The returned
// close func releases provider resources and is never nil.
func New(cfg config.LLMConfig, model string, logger *zap.Logger) (Gateway, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderOpenAI:
		return NewOpenAI(OpenAIConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			Model:    model,
			Referrer: cfg.OpenRouterReferrer,
			Title:    cfg.OpenRouterTitle,
		}), noop, nil
	case config.ProviderYandex:
		g, err := NewYandex(cfg.YandexOAuthToken, cfg.YandexFolderID)
		if err != nil {
			return nil, noop, err
		}
		return g, noop, nil
	case config.ProviderGRPC:
		g, err := DialGRPC(DefaultGRPCConfig(cfg.GRPCAddr), logger)
		if err != nil {
			return nil, noop, err
		}
		return g, g.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
