// Package advisor asks a language model for a trade plan. The reply is
// untrusted text and goes through the proposal validator.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/altmap/internal/config"
	"github.com/skalibog/altmap/pkg/logger"
	"github.com/skalibog/altmap/pkg/models"
)

// Advisor proposes a trade plan for one symbol
type Advisor interface {
	ProposeTrade(ctx context.Context, mtf *models.MultiTimeframeContext, suggestedTPs []float64) (string, error)
}

// Message is a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// OpenAIClient talks to an OpenAI compatible chat completions endpoint
type OpenAIClient struct {
	config     config.AdvisorConfig
	httpClient *http.Client
}

// NewOpenAIClient creates a client with a bounded request timeout
func NewOpenAIClient(cfg config.AdvisorConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ProposeTrade returns the raw reply. An empty reply or an empty JSON object
// means the model declined and yields models.ErrNoSignal.
func (c *OpenAIClient) ProposeTrade(ctx context.Context, mtf *models.MultiTimeframeContext, suggestedTPs []float64) (string, error) {
	prompt, err := BuildPrompt(mtf, suggestedTPs)
	if err != nil {
		return "", err
	}
	reply, err := c.complete(ctx, []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", err
	}

	trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(reply), "`"))
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "json"))
	if trimmed == "" || trimmed == "{}" {
		return "", models.ErrNoSignal
	}
	logger.Debug("Advisor replied", zap.String("pair", mtf.Pair), zap.Int("length", len(reply)))
	return reply, nil
}

func (c *OpenAIClient) complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: advisor request: %v", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read advisor response: %v", models.ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: advisor returned status %d: %s", models.ErrTransport, resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: undecodable advisor response: %v", models.ErrMalformedProposal, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: advisor error: %s - %s", models.ErrTransport, parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: advisor returned no choices", models.ErrNoSignal)
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
