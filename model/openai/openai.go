// Package openai implements model.Client over the OpenAI Chat Completions
// API, including OpenAI-compatible endpoints selected via base_url.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/model"
)

// Client wraps the official OpenAI client behind model.Client.
type Client struct {
	client openai.Client
	cfg    core.LLMConfig
}

// New builds a Client from an agent's LLM config block.
func New(cfg core.LLMConfig) *Client {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{client: openai.NewClient(opts...), cfg: cfg}
}

// Chat implements model.Client.
func (c *Client) Chat(ctx context.Context, system, prompt string, dialog *model.Context) (string, error) {
	if dialog != nil {
		dialog.Add("user", prompt)
	}

	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system)}
	if dialog != nil {
		for _, turn := range dialog.History() {
			switch turn.Role {
			case "assistant":
				messages = append(messages, openai.AssistantMessage(turn.Content))
			default:
				messages = append(messages, openai.UserMessage(turn.Content))
			}
		}
	} else {
		messages = append(messages, openai.UserMessage(prompt))
	}

	params := openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    openai.ChatModel(c.cfg.Model),
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.cfg.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if dialog != nil {
			dialog.RemoveLast()
		}
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		if dialog != nil {
			dialog.RemoveLast()
		}
		return "", fmt.Errorf("openai chat: empty choices")
	}

	reply := resp.Choices[0].Message.Content
	if dialog != nil {
		dialog.Add("assistant", reply)
	}
	return reply, nil
}

// Info implements model.Client.
func (c *Client) Info() model.Info {
	return model.Info{Provider: "openai", Model: c.cfg.Model}
}
