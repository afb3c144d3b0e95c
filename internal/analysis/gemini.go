package analysis

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/aiops-lab/autoremedy/internal/config"
	"github.com/aiops-lab/autoremedy/internal/domain"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
)

// GeminiProvider analyzes failures with the Gemini API.
type GeminiProvider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGeminiProvider builds a Gemini-backed analysis provider.
func NewGeminiProvider(cfg config.GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: missing api key")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{
		client:  client,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Analyze sends the RCA prompt to Gemini and decodes the JSON answer.
// All failures collapse into ErrNoResult so the chain can move on.
func (p *GeminiProvider) Analyze(ctx context.Context, description string, source domain.SourceKind) (*domain.Finding, error) {
	logger := ctxlog.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.client.Models.GenerateContent(ctx, p.model,
		genai.Text(buildPrompt(description, source)),
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		logger.Warn("gemini analysis failed", "model", p.model, "error", err)
		return nil, ErrNoResult
	}

	finding, err := decodeFinding(resp.Text(), p.Name())
	if err != nil {
		logger.Warn("gemini returned unparseable finding", "model", p.model, "error", err)
		return nil, ErrNoResult
	}
	return finding, nil
}
