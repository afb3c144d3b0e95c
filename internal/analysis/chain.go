package analysis

import (
	"context"
	"errors"

	"github.com/aiops-lab/autoremedy/internal/config"
	"github.com/aiops-lab/autoremedy/internal/domain"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
)

// Chain runs analysis backends in order and falls back to a static
// finding when none of them answers. Analyze never fails.
type Chain struct {
	providers []Provider
}

// NewChain assembles the provider chain for the configured mode:
// "gemini" and "ollama" use the named backend only, "auto" tries the
// local Ollama first and escalates to Gemini. Every mode ends in the
// static fallback.
func NewChain(cfg config.AnalysisConfig) (*Chain, error) {
	var providers []Provider

	switch cfg.Provider {
	case "gemini":
		g, err := NewGeminiProvider(cfg.Gemini)
		if err != nil {
			return nil, err
		}
		providers = []Provider{g}
	case "ollama":
		providers = []Provider{NewOllamaProvider(cfg.Ollama)}
	case "auto":
		providers = []Provider{NewOllamaProvider(cfg.Ollama)}
		if cfg.Gemini.APIKey != "" {
			g, err := NewGeminiProvider(cfg.Gemini)
			if err != nil {
				return nil, err
			}
			providers = append(providers, g)
		}
	default:
		return nil, errors.New("analysis: unknown provider mode " + cfg.Provider)
	}

	return &Chain{providers: providers}, nil
}

// NewChainWith builds a chain over explicit providers, used in tests.
func NewChainWith(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Analyze walks the chain and returns the first finding produced. When
// every backend fails it returns the static fallback finding.
func (c *Chain) Analyze(ctx context.Context, description string, source domain.SourceKind) *domain.Finding {
	logger := ctxlog.FromContext(ctx)

	for _, p := range c.providers {
		finding, err := p.Analyze(ctx, description, source)
		if err == nil && finding != nil {
			logger.Info("analysis produced finding",
				"provider", p.Name(),
				"classification", finding.Classification,
				"severity", finding.Severity,
				"auto_healable", finding.AutoHealable)
			return finding
		}
		logger.Info("analysis backend produced no result", "provider", p.Name())
	}

	logger.Warn("all analysis backends failed, using static fallback", "source", source)
	return FallbackFinding(source)
}
