// Package llm implements an OpenAI-compatible chat-completion client used by
// the engine's model-backed nodes.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/flowchat/pkg/schema"
)

const (
	DefaultEndpointPath = "/v1/chat/completions"
	DefaultTimeout      = 60 * time.Second
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 2000
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	EndpointPath string // default DefaultEndpointPath
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.EndpointPath == "" {
		c.EndpointPath = DefaultEndpointPath
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client calls a chat-completions endpoint.
type Client struct {
	cfg Config
}

// New creates a Client. BaseURL and Model are required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "llm base url is required")
	}
	if cfg.Model == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "llm model is required")
	}
	return &Client{cfg: cfg.withDefaults()}, nil
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []schema.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature float64              `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends one chat-completion request and returns the first choice's
// content. Plugin descriptions are folded into the system prompt.
func (c *Client) Complete(ctx context.Context, systemPrompt string, messages []schema.ChatMessage, plugins json.RawMessage) (string, error) {
	all := make([]schema.ChatMessage, 0, len(messages)+1)
	if sys := BuildSystemPrompt(systemPrompt, plugins); sys != "" {
		all = append(all, schema.ChatMessage{Role: schema.RoleSystem, Content: sys})
	}
	all = append(all, messages...)

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    all,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCollaborator, "marshal chat request: %v", err).WithCause(err)
	}

	url := c.cfg.BaseURL + c.cfg.EndpointPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCollaborator, "build chat request: %v", err).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		// Transport failures are transient unless the caller gave up.
		return "", schema.NewErrorf(schema.ErrCodeCollaborator, "chat request failed: %v", err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": ctx.Err() == nil})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeCollaborator, "read chat response: %v", err).
			WithCause(err).
			WithDetails(map[string]any{"retryable": true})
	}

	var parsed chatResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", schema.NewErrorf(schema.ErrCodeCollaborator, "chat API error %d: %s", resp.StatusCode, truncate(msg, 300)).
			WithDetails(map[string]any{
				"status":    resp.StatusCode,
				"retryable": resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			})
	}
	if parsed.Error != nil {
		return "", schema.NewErrorf(schema.ErrCodeCollaborator, "chat API error: %s", parsed.Error.Message).
			WithDetails(map[string]any{"status": resp.StatusCode, "retryable": false})
	}
	if len(parsed.Choices) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeCollaborator, "chat API returned no choices: %s", truncate(string(raw), 300)).
			WithDetails(map[string]any{"status": resp.StatusCode, "retryable": false})
	}

	c.cfg.Logger.Debug("chat completion",
		slog.String("model", c.cfg.Model),
		slog.Int("messages", len(all)),
		slog.Int("prompt_tokens", parsed.Usage.PromptTokens),
		slog.Int("completion_tokens", parsed.Usage.CompletionTokens),
		slog.Duration("duration", time.Since(start)),
	)
	return parsed.Choices[0].Message.Content, nil
}

// BuildSystemPrompt appends a plugin capability list to systemPrompt.
// plugins may be a JSON array of names or of {name, description} objects;
// anything else is ignored.
func BuildSystemPrompt(systemPrompt string, plugins json.RawMessage) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	var entries []json.RawMessage
	if len(plugins) == 0 || json.Unmarshal(plugins, &entries) != nil || len(entries) == 0 {
		return sb.String()
	}

	sb.WriteString("\n\n你可以使用以下插件能力：\n")
	for _, e := range entries {
		var name, desc string
		var obj struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if json.Unmarshal(e, &name) != nil {
			if json.Unmarshal(e, &obj) != nil {
				continue
			}
			name, desc = obj.Name, obj.Description
		}
		if name == "" {
			name = "未知插件"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", name, desc)
	}
	return sb.String()
}

// truncate keeps the first n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
