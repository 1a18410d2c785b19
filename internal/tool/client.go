package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"replybot/internal/domain"
)

const protocolVersion = "2024-11-05"

// Client speaks JSON-RPC 2.0 over stdio to one MCP server subprocess.
// Requests are line-delimited; a reader goroutine dispatches responses to
// the waiting caller by request ID.
type Client struct {
	server string
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int]chan *rpcResponse
	nextID  int
	closed  bool

	tools []domain.ToolInfo
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mcpTool is the tools/list entry shape.
type mcpTool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	InputSchema domain.ToolSchema `json:"inputSchema"`
}

// mcpCallResult is the tools/call result shape.
type mcpCallResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// NewClient launches the server subprocess, runs the initialize handshake,
// and loads its tool list.
func NewClient(ctx context.Context, server, command string, args []string, env map[string]string, logger *slog.Logger) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stdin pipe: %w", server, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stdout pipe: %w", server, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp %s: stderr pipe: %w", server, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp %s: start %s: %w", server, command, err)
	}

	c := &Client{
		server:  server,
		logger:  logger,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int]chan *rpcResponse),
		nextID:  1,
	}
	go c.readLoop(stdout)
	go c.logStderr(stderr)

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.loadTools(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "replybot", "version": "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("mcp %s: initialize: %w", c.server, err)
	}

	note, _ := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: "notifications/initialized"})
	c.mu.Lock()
	_, err = c.stdin.Write(append(note, '\n'))
	c.mu.Unlock()
	return err
}

func (c *Client) loadTools(ctx context.Context) error {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcp %s: tools/list: %w", c.server, err)
	}

	var result struct {
		Tools []mcpTool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("mcp %s: parse tools: %w", c.server, err)
	}

	c.tools = c.tools[:0]
	for _, t := range result.Tools {
		c.tools = append(c.tools, domain.ToolInfo{
			Server:      c.server,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	c.logger.Info("mcp server ready", "server", c.server, "tools", len(c.tools))
	return nil
}

// Tools returns the tool list captured at startup.
func (c *Client) Tools() []domain.ToolInfo { return c.tools }

// CallTool invokes one tool and flattens its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) domain.ToolResult {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return domain.ToolResult{Success: false, Error: err.Error()}
	}

	var result mcpCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.ToolResult{Success: false, Error: fmt.Sprintf("parse result: %v", err)}
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if content.Type == "text" {
			sb.WriteString(content.Text)
		}
	}
	text := sb.String()

	if result.IsError {
		return domain.ToolResult{Success: false, Error: orText(text, "tool reported an error")}
	}
	return domain.ToolResult{Success: true, Result: text}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client closed")
	}
	id := c.nextID
	c.nextID++
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write: %w", err)
	}
	c.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("connection closed")
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("mcp: unparseable line on stdout", "server", c.server, "err", err)
			continue
		}
		if resp.ID == 0 {
			// Server notification, nothing to dispatch.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
	c.failPending()
}

func (c *Client) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.logger.Debug("mcp stderr", "server", c.server, "line", scanner.Text())
	}
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close kills the subprocess and fails any in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	c.failPending()
	return nil
}

func orText(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
