package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fablecastco/fablecast/internal/config"
)

const summaryPrompt = `You are a conversation memory condenser for a roleplay character.
Merge the current summary and the listed memory entries into one updated summary.

Rules:
1. Preserve facts about the user, promises made, and emotional shifts
2. Keep chronology where it matters, drop filler
3. Stay under 200 words

Return strict JSON object: {"summary":"..."}

Current summary:
%s

Entries:
%s`

// Summarizer condenses older memory entries into a running summary.
// The operation is lossy: once entries are folded in and evicted they
// are not recoverable.
type Summarizer interface {
	Summarize(ctx context.Context, existing string, entries []string) (string, error)
}

type llmSummarizer struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// NewSummarizer builds the chat-completions backed summarizer. The
// summarizer endpoint falls back to the main service credentials when
// its own are not configured. Returns nil when no endpoint is known,
// which puts the store into degraded concatenation mode.
func NewSummarizer(cfg config.SummarizerConfig, fallback config.ServiceConfig) Summarizer {
	s := &llmSummarizer{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	if s.apiKey == "" {
		s.apiKey = fallback.APIKey
	}
	if s.baseURL == "" {
		s.baseURL = fallback.BaseURL
	}
	if s.maxTokens <= 0 {
		s.maxTokens = 512
	}
	if s.baseURL == "" || s.model == "" {
		return nil
	}
	return s
}

func (s *llmSummarizer) Summarize(ctx context.Context, existing string, entries []string) (string, error) {
	if strings.TrimSpace(s.apiKey) == "" {
		return "", fmt.Errorf("missing summarizer api key")
	}

	var sb strings.Builder
	for _, e := range entries {
		if strings.TrimSpace(e) == "" {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(e)
		sb.WriteString("\n")
	}
	if existing == "" {
		existing = "(none)"
	}

	content, err := s.complete(ctx, fmt.Sprintf(summaryPrompt, existing, strings.TrimSpace(sb.String())))
	if err != nil {
		return "", err
	}

	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return "", fmt.Errorf("parse summary result: %w", err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", fmt.Errorf("empty summary in response")
	}
	return strings.TrimSpace(out.Summary), nil
}

func (s *llmSummarizer) complete(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model": s.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  s.maxTokens,
		"temperature": 0.3,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(s.baseURL), "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("summarizer http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
