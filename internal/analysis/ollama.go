package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aiops-lab/autoremedy/internal/config"
	"github.com/aiops-lab/autoremedy/internal/domain"
	"github.com/aiops-lab/autoremedy/internal/pkg/ctxlog"
)

// OllamaProvider analyzes failures with a local Ollama instance via its
// /api/generate endpoint.
type OllamaProvider struct {
	host   string
	model  string
	client *http.Client
}

// NewOllamaProvider builds an Ollama-backed analysis provider.
func NewOllamaProvider(cfg config.OllamaConfig) *OllamaProvider {
	return &OllamaProvider{
		host:   strings.TrimRight(cfg.Host, "/"),
		model:  cfg.Model,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

// Analyze posts the RCA prompt to Ollama in non-streaming JSON mode.
// All failures collapse into ErrNoResult so the chain can move on.
func (p *OllamaProvider) Analyze(ctx context.Context, description string, source domain.SourceKind) (*domain.Finding, error) {
	logger := ctxlog.FromContext(ctx)

	body, err := json.Marshal(ollamaRequest{
		Model:  p.model,
		Prompt: buildPrompt(description, source),
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	url := p.host + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		logger.Warn("ollama request failed", "url", url, "model", p.model, "error", err)
		return nil, ErrNoResult
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		logger.Warn("ollama returned error status",
			"status", resp.StatusCode, "model", p.model, "body", string(payload))
		return nil, ErrNoResult
	}

	var or ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		logger.Warn("ollama response decode failed", "model", p.model, "error", err)
		return nil, ErrNoResult
	}

	finding, err := decodeFinding(or.Response, p.Name())
	if err != nil {
		logger.Warn("ollama returned unparseable finding", "model", p.model, "error", err)
		return nil, ErrNoResult
	}
	return finding, nil
}
