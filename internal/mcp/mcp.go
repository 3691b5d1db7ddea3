// Package mcp implements the Model Context Protocol client and proxy used to
// forward model-requested tool calls to external servers.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Tool is a named tool exposed by a server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ContentBlock is one block of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates the text blocks of a result.
func (r *ToolResult) Text() string {
	var s string
	for _, block := range r.Content {
		if block.Type == "text" {
			s += block.Text
		}
	}
	return s
}

// request and response are the JSON-RPC envelope.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is a JSON-RPC error payload.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// UpstreamClient is the subset of MCP the proxy consumes.
type UpstreamClient interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args any) (*ToolResult, error)
}

// Client talks JSON-RPC over HTTP to one MCP server.
type Client struct {
	endpoint   string
	httpClient *http.Client
	requestID  atomic.Int64
	sessionID  string
}

// NewClient creates a client for the given endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (*response, error) {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", c.sessionID)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 16*1024))
		return nil, fmt.Errorf("http error %d: %s", httpResp.StatusCode, respBody)
	}
	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.sessionID = sid
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "coda", "version": "0.1.0"},
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("upstream error: %s", resp.Error.Message)
	}
	return nil
}

// ListTools lists the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", resp.Error.Message)
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool upstream.
func (c *Client) CallTool(ctx context.Context, name string, args any) (*ToolResult, error) {
	resp, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", resp.Error.Message)
	}
	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// ErrToolRetryExhausted is returned after the retry budget for a tool call.
var ErrToolRetryExhausted = errors.New("mcp tool call failed after retries")

var toolRetryDelays = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// Proxy routes tool calls and tool listings to the upstream server. The tool
// list is not cached; each ListTools call asks the upstream again.
type Proxy struct {
	mu       sync.RWMutex
	upstream UpstreamClient
}

// NewProxy creates a proxy over an optional upstream.
func NewProxy(upstream UpstreamClient) *Proxy {
	return &Proxy{upstream: upstream}
}

// HasUpstream reports whether an upstream server is configured. Proxy
// methods are safe on a nil receiver.
func (p *Proxy) HasUpstream() bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.upstream != nil
}

// Initialize initializes the upstream connection if available.
func (p *Proxy) Initialize(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	upstream := p.upstream
	p.mu.RUnlock()
	if upstream == nil {
		return nil
	}
	return upstream.Initialize(ctx)
}

// ListTools returns the upstream tools, or none without an upstream.
func (p *Proxy) ListTools(ctx context.Context) ([]Tool, error) {
	if p == nil {
		return nil, nil
	}
	p.mu.RLock()
	upstream := p.upstream
	p.mu.RUnlock()
	if upstream == nil {
		return nil, nil
	}
	return upstream.ListTools(ctx)
}

// CallTool forwards a tool call upstream with retry on transient failures.
func (p *Proxy) CallTool(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error) {
	var upstream UpstreamClient
	if p != nil {
		p.mu.RLock()
		upstream = p.upstream
		p.mu.RUnlock()
	}
	if upstream == nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: "tool not found: " + name}},
			IsError: true,
		}, nil
	}

	var decoded any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, fmt.Errorf("unmarshal arguments: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= len(toolRetryDelays); attempt++ {
		if attempt > 0 {
			delay := toolRetryDelays[attempt-1]
			log.Warn().Str("tool", name).Int("attempt", attempt).Dur("delay", delay).
				Msg("retrying MCP tool call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		result, err := upstream.CallTool(ctx, name, decoded)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrToolRetryExhausted, lastErr)
}
