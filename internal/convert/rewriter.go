package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	perrors "github.com/louisbranch/coplay.space/internal/platform/errors"
)

// Rewriter turns a conversion prompt into a rewritten game document.
// Implementations must return the complete document text; the pipeline
// rejects structural fragments and truncated output.
type Rewriter interface {
	Rewrite(ctx context.Context, prompt string) (string, error)
}

// OpenAIConfig configures the OpenAI responses endpoint adapter.
type OpenAIConfig struct {
	ResponsesURL string
	APIKey       string
	Model        string
	HTTPClient   *http.Client
}

type openAIRewriter struct {
	cfg OpenAIConfig
}

// NewOpenAIRewriter builds a Rewriter over the OpenAI responses endpoint.
func NewOpenAIRewriter(cfg OpenAIConfig) Rewriter {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if strings.TrimSpace(cfg.ResponsesURL) == "" {
		cfg.ResponsesURL = "https://api.openai.com/v1/responses"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4.1"
	}
	return &openAIRewriter{cfg: cfg}
}

func (a *openAIRewriter) Rewrite(ctx context.Context, prompt string) (string, error) {
	apiKey := strings.TrimSpace(a.cfg.APIKey)
	if apiKey == "" {
		return "", perrors.New(perrors.CodeLLMFailed, "api key is required")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", perrors.New(perrors.CodeLLMFailed, "prompt is required")
	}

	requestBody, err := json.Marshal(map[string]any{
		"model": a.cfg.Model,
		"input": prompt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal rewrite request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ResponsesURL, bytes.NewReader(requestBody))
	if err != nil {
		return "", fmt.Errorf("build rewrite request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Credential material goes only into the Authorization header; it is
	// never echoed in errors or logs.
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", perrors.Wrap(perrors.CodeLLMFailed, "rewrite request failed", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return "", fmt.Errorf("read rewrite error body: %w", err)
		}
		return "", perrors.New(perrors.CodeLLMFailed,
			fmt.Sprintf("rewrite request status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", perrors.Wrap(perrors.CodeLLMFailed, "decode rewrite response", err)
	}
	outputText := strings.TrimSpace(payload.OutputText)
	if outputText == "" {
		for _, item := range payload.Output {
			for _, content := range item.Content {
				if strings.TrimSpace(content.Text) != "" {
					outputText = strings.TrimSpace(content.Text)
					break
				}
			}
			if outputText != "" {
				break
			}
		}
	}
	if outputText == "" {
		return "", perrors.New(perrors.CodeLLMFailed, "rewrite response missing output text")
	}
	return stripCodeFence(outputText), nil
}

// stripCodeFence unwraps a fenced markdown block when the model wraps the
// document in one.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.SplitN(trimmed, "\n", 2)
	if len(lines) != 2 {
		return trimmed
	}
	body := lines[1]
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}
