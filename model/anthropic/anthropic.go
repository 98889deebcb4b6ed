// Package anthropic implements model.Client over the Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/motern88/allen/core"
	"github.com/motern88/allen/model"
)

// Client wraps the official Anthropic client behind model.Client.
type Client struct {
	client anthropic.Client
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
	return &Client{client: anthropic.NewClient(opts...), cfg: cfg}
}

// Chat implements model.Client.
func (c *Client) Chat(ctx context.Context, system, prompt string, dialog *model.Context) (string, error) {
	if dialog != nil {
		dialog.Add("user", prompt)
	}

	var messages []anthropic.MessageParam
	if dialog != nil {
		for _, turn := range dialog.History() {
			block := anthropic.NewTextBlock(turn.Content)
			if turn.Role == "assistant" {
				messages = append(messages, anthropic.NewAssistantMessage(block))
			} else {
				messages = append(messages, anthropic.NewUserMessage(block))
			}
		}
	} else {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	}

	maxTokens := int64(c.cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(c.cfg.Temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		if dialog != nil {
			dialog.RemoveLast()
		}
		return "", fmt.Errorf("anthropic chat: %w", err)
	}

	var reply string
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply += block.Text
		}
	}
	if dialog != nil {
		dialog.Add("assistant", reply)
	}
	return reply, nil
}

// Info implements model.Client.
func (c *Client) Info() model.Info {
	return model.Info{Provider: "anthropic", Model: c.cfg.Model}
}
