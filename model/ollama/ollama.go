// Package ollama implements model.Client over the Ollama chat API with a
// plain HTTP client; the API surface is small enough that no SDK is needed.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/model"
)

// Client talks to an Ollama server's /chat endpoint.
type Client struct {
	httpClient *http.Client
	cfg        core.LLMConfig
}

// New builds a Client from an agent's LLM config block. The base_url points
// at the Ollama API root, e.g. http://localhost:11434/api.
func New(cfg core.LLMConfig) *Client {
	return &Client{httpClient: &http.Client{}, cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// Chat implements model.Client.
func (c *Client) Chat(ctx context.Context, system, prompt string, dialog *model.Context) (string, error) {
	if dialog != nil {
		dialog.Add("user", prompt)
	}

	messages := []chatMessage{{Role: "system", Content: system}}
	if dialog != nil {
		for _, turn := range dialog.History() {
			messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
		}
	} else {
		messages = append(messages, chatMessage{Role: "user", Content: prompt})
	}

	reqBody := chatRequest{Model: c.cfg.Model, Messages: messages}
	if c.cfg.Temperature > 0 || c.cfg.MaxTokens > 0 {
		reqBody.Options = map[string]any{}
		if c.cfg.Temperature > 0 {
			reqBody.Options["temperature"] = c.cfg.Temperature
		}
		if c.cfg.MaxTokens > 0 {
			reqBody.Options["num_predict"] = c.cfg.MaxTokens
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("ollama chat: marshal: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if dialog != nil {
			dialog.RemoveLast()
		}
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if dialog != nil {
			dialog.RemoveLast()
		}
		return "", fmt.Errorf("ollama chat: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if dialog != nil {
			dialog.RemoveLast()
		}
		return "", fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if dialog != nil {
			dialog.RemoveLast()
		}
		return "", fmt.Errorf("ollama chat: decode: %w", err)
	}
	if parsed.Error != "" {
		if dialog != nil {
			dialog.RemoveLast()
		}
		return "", fmt.Errorf("ollama chat: %s", parsed.Error)
	}

	if dialog != nil {
		dialog.Add("assistant", parsed.Message.Content)
	}
	return parsed.Message.Content, nil
}

// Info implements model.Client.
func (c *Client) Info() model.Info {
	return model.Info{Provider: "ollama", Model: c.cfg.Model}
}
