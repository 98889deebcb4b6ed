// Package tool implements the external-tool side of the runtime: a single
// process-wide client holding persistent MCP sessions to many tool servers,
// exposing synchronous-looking calls backed by an event-loop worker, plus
// the generic tool-step executor that drives it.
package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/motern88/allen/config"
	"github.com/motern88/allen/internal/util"
	"github.com/motern88/allen/logging"
)

// Error kinds recorded into tool step results.
const (
	ErrKindSessionOpen = "tool/session-open"
	ErrKindInvoke      = "tool/invoke"
	ErrKindTimeout     = "tool/timeout"
)

// Error is a typed tool failure carrying its kind.
type Error struct {
	Kind   string
	Server string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: server %s: %v", e.Kind, e.Server, e.Err)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// descriptionCacheSize bounds the rendered capability descriptions; an
// evicted entry is simply re-rendered from the session's schema table.
const descriptionCacheSize = 64

// session wraps one live MCP server connection plus its fetched capability
// schemas.
type session struct {
	client  *mcpclient.Client
	schemas map[string]map[string]any // capability -> input schema
	order   []string                  // capability listing order
	descs   map[string]string         // capability -> description text
}

// Call names one capability invocation for BulkInvoke.
type Call struct {
	Capability string
	Arguments  map[string]any
}

// Result pairs one bulk invocation with its outcome.
type Result struct {
	Capability string
	Text       string
	Err        error
}

type invokeRequest struct {
	server     string
	capability string
	arguments  map[string]any
	timeout    time.Duration
	done       chan invokeResult
}

type invokeResult struct {
	text string
	err  error
}

// Client is the process-wide tool multiplexer. Sessions open lazily the
// first time an agent holding the server in its permission set is created; a
// failed open marks the server persistently unavailable. Agent code calls
// Invoke synchronously; underneath, requests flow through a dedicated
// event-loop worker and the caller blocks on a completion handle, so
// concurrent invocations from different agents proceed concurrently.
type Client struct {
	serverConfig map[string]*config.ToolServerConfig

	mu          sync.RWMutex
	sessions    map[string]*session
	unavailable map[string]error

	descriptions *lru.Cache[string, string]

	requests chan invokeRequest
	closed   chan struct{}
	wg       sync.WaitGroup

	defaultTimeout time.Duration
	logger         logging.Logger
}

// NewClient constructs the multiplexer and starts its event-loop worker.
func NewClient(servers map[string]*config.ToolServerConfig, defaultTimeout time.Duration, logger logging.Logger) *Client {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	cache, _ := lru.New[string, string](descriptionCacheSize)
	c := &Client{
		serverConfig:   servers,
		sessions:       make(map[string]*session),
		unavailable:    make(map[string]error),
		descriptions:   cache,
		requests:       make(chan invokeRequest),
		closed:         make(chan struct{}),
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
	c.wg.Add(1)
	go c.eventLoop()
	return c
}

// eventLoop is the dedicated worker that owns all tool I/O. Each submitted
// invocation runs on its own goroutine so slow servers do not serialize
// unrelated calls.
func (c *Client) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case req := <-c.requests:
			go c.serve(req)
		}
	}
}

func (c *Client) serve(req invokeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), req.timeout)
	defer cancel()

	start := time.Now()
	text, err := c.callOnSession(ctx, req.server, req.capability, req.arguments)
	if al, ok := c.logger.(*logging.AllenLogger); ok {
		al.LogToolCall(req.server, req.capability, time.Since(start), err == nil, err)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = &Error{Kind: ErrKindTimeout, Server: req.server, Err: err}
	}
	req.done <- invokeResult{text: text, err: err}
}

// Connect opens the session for the named server if absent. Open failure is
// remembered; agents holding the tool skip advertising it afterwards.
func (c *Client) Connect(ctx context.Context, server string) error {
	c.mu.RLock()
	_, open := c.sessions[server]
	unavailErr := c.unavailable[server]
	c.mu.RUnlock()
	if open {
		return nil
	}
	if unavailErr != nil {
		return &Error{Kind: ErrKindSessionOpen, Server: server, Err: unavailErr}
	}

	sess, err := c.open(ctx, server)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.unavailable[server] = err
		return &Error{Kind: ErrKindSessionOpen, Server: server, Err: err}
	}
	// Copy-on-write: readers iterate session maps without the write lock.
	next := make(map[string]*session, len(c.sessions)+1)
	for k, v := range c.sessions {
		next[k] = v
	}
	next[server] = sess
	c.sessions = next
	return nil
}

func (c *Client) open(ctx context.Context, server string) (*session, error) {
	cfg, ok := c.serverConfig[server]
	if !ok {
		return nil, fmt.Errorf("no launch config for server %q", server)
	}
	launch, ok := cfg.Config.MCPServers[server]
	if !ok {
		// Single-entry configs may key the launch block by another name.
		for _, l := range cfg.Config.MCPServers {
			launch = l
			ok = true
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("empty mcpServers block for server %q", server)
	}

	var env []string
	for k, v := range launch.Env {
		env = append(env, k+"="+v)
	}
	client, err := mcpclient.NewStdioMCPClient(launch.Command, env, launch.Args...)
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", launch.Command, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "allen", Version: "0.1.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize %s: %w", server, err)
	}

	sess := &session{
		client:  client,
		schemas: make(map[string]map[string]any),
		descs:   make(map[string]string),
	}
	if err := c.fetchCapabilities(ctx, server, sess); err != nil {
		_ = client.Close()
		return nil, err
	}
	c.logger.Info("tool server session opened", "server", server, "capabilities", len(sess.order))
	return sess, nil
}

// fetchCapabilities loads the server's tool listing once per session; it is
// re-fetched on session reopen.
func (c *Client) fetchCapabilities(ctx context.Context, server string, sess *session) error {
	listing, err := sess.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("list tools on %s: %w", server, err)
	}
	for _, t := range listing.Tools {
		sess.order = append(sess.order, t.Name)
		sess.descs[t.Name] = t.Description
		sess.schemas[t.Name] = map[string]any{
			"type":       t.InputSchema.Type,
			"properties": t.InputSchema.Properties,
			"required":   toAnySlice(t.InputSchema.Required),
		}
	}
	return nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Available reports whether the server has a live session and no
// unavailable mark.
func (c *Client) Available(server string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, open := c.sessions[server]
	_, down := c.unavailable[server]
	return open && !down
}

// MarkUnavailable records a persistent failure for the server, the same
// mark Connect records when opening a session fails.
func (c *Client) MarkUnavailable(server string, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unavailable[server] = cause
}

// Describe returns the capability description text for the server, from
// cache when warm. The description covers each capability's name,
// description and argument names; argument types and required flags are
// not included.
func (c *Client) Describe(ctx context.Context, server string) (string, error) {
	if desc, ok := c.descriptions.Get(server); ok {
		return desc, nil
	}
	if err := c.Connect(ctx, server); err != nil {
		return "", err
	}

	c.mu.RLock()
	sess := c.sessions[server]
	c.mu.RUnlock()
	if sess == nil {
		return "", &Error{Kind: ErrKindSessionOpen, Server: server, Err: errors.New("session not open")}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Server %s capabilities:\n", server)
	for _, name := range sess.order {
		fmt.Fprintf(&sb, "- %s: %s\n", name, sess.descs[name])
		if schema := sess.schemas[name]; schema != nil {
			if props, ok := schema["properties"].(map[string]any); ok && len(props) > 0 {
				fmt.Fprintf(&sb, "  arguments: ")
				first := true
				for prop := range props {
					if !first {
						sb.WriteString(", ")
					}
					sb.WriteString(prop)
					first = false
				}
				sb.WriteString("\n")
			}
		}
	}
	desc := sb.String()
	c.descriptions.Add(server, desc)
	return desc, nil
}

// Invoke runs one capability call and blocks on its completion handle. The
// timeout defaults to the client's configured one; pass a positive override
// to replace it per call.
func (c *Client) Invoke(ctx context.Context, server, capability string, args map[string]any) (string, error) {
	return c.InvokeTimeout(ctx, server, capability, args, 0)
}

// InvokeTimeout is Invoke with a per-call timeout override.
func (c *Client) InvokeTimeout(ctx context.Context, server, capability string, args map[string]any, timeout time.Duration) (string, error) {
	if err := c.Connect(ctx, server); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	done := make(chan invokeResult, 1)
	select {
	case <-c.closed:
		return "", &Error{Kind: ErrKindInvoke, Server: server, Err: errors.New("tool client closed")}
	case c.requests <- invokeRequest{server: server, capability: capability, arguments: args, timeout: timeout, done: done}:
	}

	select {
	case <-ctx.Done():
		return "", &Error{Kind: ErrKindTimeout, Server: server, Err: ctx.Err()}
	case res := <-done:
		return res.text, res.err
	}
}

// BulkInvoke submits all calls concurrently and joins on every handle,
// supporting a single agent issuing parallel invocations within one step.
func (c *Client) BulkInvoke(ctx context.Context, server string, calls []Call) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Call) {
			defer wg.Done()
			text, err := c.Invoke(ctx, server, call.Capability, call.Arguments)
			results[i] = Result{Capability: call.Capability, Text: text, Err: err}
		}(i, call)
	}
	wg.Wait()
	return results
}

func (c *Client) callOnSession(ctx context.Context, server, capability string, args map[string]any) (string, error) {
	c.mu.RLock()
	sess := c.sessions[server]
	c.mu.RUnlock()
	if sess == nil {
		return "", &Error{Kind: ErrKindSessionOpen, Server: server, Err: errors.New("session not open")}
	}

	if schema, ok := sess.schemas[capability]; ok {
		if err := util.ValidateArguments(args, schema); err != nil {
			return "", &Error{Kind: ErrKindInvoke, Server: server, Err: err}
		}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = capability
	callReq.Params.Arguments = args
	res, err := sess.client.CallTool(ctx, callReq)
	if err != nil {
		return "", &Error{Kind: ErrKindInvoke, Server: server, Err: err}
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", &Error{Kind: ErrKindInvoke, Server: server, Err: errors.New(sb.String())}
	}
	return sb.String(), nil
}

// Close shuts the event loop and every session.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	close(c.closed)
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, sess := range c.sessions {
		if err := sess.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
	}
	c.sessions = map[string]*session{}
	return firstErr
}
