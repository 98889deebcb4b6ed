// Package model defines the minimal LLM client interface the runtime drives
// skills with, plus the bounded dialogue Context each agent owns. Provider
// adapters live in the subpackages (openai, ollama, anthropic); the runtime
// never branches on provider types.
package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Turn is one dialogue entry.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Context is an agent's rolling dialogue: a ring holding the last N turns.
// The system/role preamble is not stored here — it is re-prepended by the
// client on every call, so trimming never loses it.
type Context struct {
	mu    sync.Mutex
	size  int // max turns of each role pair to retain
	turns []Turn
}

// NewContext constructs a dialogue context bounded to size turns (user +
// assistant pairs). A non-positive size falls back to 15.
func NewContext(size int) *Context {
	if size <= 0 {
		size = 15
	}
	return &Context{size: size}
}

// Add appends a turn and trims to the retained window.
func (c *Context) Add(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, Turn{Role: role, Content: content})
	if max := c.size * 2; len(c.turns) > max {
		c.turns = c.turns[len(c.turns)-max:]
	}
}

// RemoveLast drops the most recent turn. Used to roll back a user turn when
// the provider call failed.
func (c *Context) RemoveLast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.turns) > 0 {
		c.turns = c.turns[:len(c.turns)-1]
	}
}

// History returns a copy of the retained turns in order.
func (c *Context) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len returns the number of retained turns.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Clear drops all retained turns.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
}

// Info identifies a client implementation.
type Info struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Client is the minimal interface skills drive generation through. Chat
// appends the prompt as a user turn, calls the provider with the system
// preamble plus the dialogue history, records the assistant reply in the
// dialogue and returns it. On error the user turn is rolled back.
type Client interface {
	Chat(ctx context.Context, system, prompt string, dialog *Context) (string, error)
	Info() Info
}

// MockClient is a lightweight in-memory Client for tests. Responses are
// served from a scripted queue first, then from substring-matched canned
// replies, then from a generic echo.
type MockClient struct {
	mu       sync.Mutex
	info     Info
	scripted []string
	canned   map[string]string
	// Calls records every prompt received, for assertions.
	Calls []string
	// Err, when set, is returned by every Chat call.
	Err error
}

// NewMockClient constructs a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		info:   Info{Provider: "mock", Model: "mock"},
		canned: make(map[string]string),
	}
}

// Script enqueues responses returned in order before canned matching.
func (m *MockClient) Script(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = append(m.scripted, responses...)
}

// AddResponse registers a canned reply returned when the prompt contains
// substr.
func (m *MockClient) AddResponse(substr, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canned[substr] = response
}

// Chat implements Client.
func (m *MockClient) Chat(ctx context.Context, system, prompt string, dialog *Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.Calls = append(m.Calls, prompt)
	if m.Err != nil {
		err := m.Err
		m.mu.Unlock()
		return "", err
	}
	var reply string
	if len(m.scripted) > 0 {
		reply = m.scripted[0]
		m.scripted = m.scripted[1:]
	} else {
		for substr, response := range m.canned {
			if strings.Contains(prompt, substr) {
				reply = response
				break
			}
		}
	}
	m.mu.Unlock()
	if reply == "" {
		reply = fmt.Sprintf("mock reply to: %s", prompt)
	}
	if dialog != nil {
		dialog.Add("user", prompt)
		dialog.Add("assistant", reply)
	}
	return reply, nil
}

// Info implements Client.
func (m *MockClient) Info() Info { return m.info }
