package tool

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"replybot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// pipeClient wires a Client to an in-process fake server over pipes,
// bypassing the subprocess layer.
func pipeClient(t *testing.T, serve func(req rpcRequest) any) *Client {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	c := &Client{
		server:  "fake",
		logger:  testLogger(),
		stdin:   stdinW,
		pending: make(map[int]chan *rpcResponse),
		nextID:  1,
	}
	go c.readLoop(stdoutR)

	go func() {
		scanner := bufio.NewScanner(stdinR)
		enc := json.NewEncoder(stdoutW)
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			if req.ID == 0 {
				continue // notification
			}
			result := serve(req)
			enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
		}
	}()

	t.Cleanup(func() {
		stdinW.Close()
		stdoutW.Close()
	})
	return c
}

func TestClient_InitializeAndListTools(t *testing.T) {
	c := pipeClient(t, func(req rpcRequest) any {
		switch req.Method {
		case "initialize":
			return map[string]any{"capabilities": map[string]any{}}
		case "tools/list":
			return map[string]any{"tools": []map[string]any{
				{
					"name":        "web_search",
					"description": "Search the web",
					"inputSchema": map[string]any{
						"properties": map[string]any{
							"query": map[string]any{"type": "string", "description": "search terms"},
						},
						"required": []string{"query"},
					},
				},
			}}
		}
		return map[string]any{}
	})

	ctx := context.Background()
	if err := c.initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := c.loadTools(ctx); err != nil {
		t.Fatalf("loadTools: %v", err)
	}

	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "web_search" || tools[0].Server != "fake" {
		t.Fatalf("tools = %+v", tools)
	}
	if len(tools[0].InputSchema.Required) != 1 || tools[0].InputSchema.Required[0] != "query" {
		t.Fatalf("schema = %+v", tools[0].InputSchema)
	}
}

func TestClient_CallToolFlattensTextContent(t *testing.T) {
	c := pipeClient(t, func(req rpcRequest) any {
		return map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "part one "},
				{"type": "image", "data": "ignored"},
				{"type": "text", "text": "part two"},
			},
		}
	})

	result := c.CallTool(context.Background(), "anything", map[string]any{"k": "v"})
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.Result != "part one part two" {
		t.Fatalf("result text = %q", result.Result)
	}
}

func TestClient_CallToolServerError(t *testing.T) {
	c := pipeClient(t, func(req rpcRequest) any {
		return map[string]any{
			"content": []map[string]any{{"type": "text", "text": "disk on fire"}},
			"isError": true,
		}
	})

	result := c.CallTool(context.Background(), "burn", nil)
	if result.Success {
		t.Fatal("isError result must not be a success")
	}
	if result.Error != "disk on fire" {
		t.Fatalf("error = %q", result.Error)
	}
}

func TestClient_CallRespectsContextCancel(t *testing.T) {
	// A server that never answers.
	silent := pipeClientSilent(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := silent.call(ctx, "tools/list", nil); err == nil {
		t.Fatal("cancelled context must abort the call")
	}
}

func pipeClientSilent(t *testing.T) *Client {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	go io.Copy(io.Discard, stdinR)
	c := &Client{
		server:  "silent",
		logger:  testLogger(),
		stdin:   stdinW,
		pending: make(map[int]chan *rpcResponse),
		nextID:  1,
	}
	go c.readLoop(stdoutR)
	t.Cleanup(func() {
		stdinW.Close()
		stdoutW.Close()
	})
	return c
}

func TestLoadServersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcp_servers.yaml")
	content := `servers:
  search:
    command: npx
    args: ["-y", "@modelcontextprotocol/server-brave-search"]
    env:
      BRAVE_API_KEY: "abc"
    description: Web search
  files:
    command: mcp-files
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	sf, err := LoadServersFile(path)
	if err != nil {
		t.Fatalf("LoadServersFile: %v", err)
	}
	if len(sf.Servers) != 2 {
		t.Fatalf("servers = %+v", sf.Servers)
	}
	search := sf.Servers["search"]
	if search.Command != "npx" || len(search.Args) != 2 || search.Env["BRAVE_API_KEY"] != "abc" {
		t.Fatalf("search spec = %+v", search)
	}
}

func TestLoadServersFile_Missing(t *testing.T) {
	if _, err := LoadServersFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestRegistry_ExecuteToolUnknownServer(t *testing.T) {
	r := NewRegistry(testLogger())
	result := r.ExecuteTool(context.Background(), "ghost", "tool", nil)
	if result.Success || !strings.Contains(result.Error, "unknown MCP server") {
		t.Fatalf("result = %+v", result)
	}
}

func TestRegistry_ExecuteToolUnknownTool(t *testing.T) {
	c := pipeClient(t, func(req rpcRequest) any { return map[string]any{} })
	c.tools = []domain.ToolInfo{{Server: "fake", Name: "real_tool"}}

	r := NewRegistry(testLogger())
	r.Register("fake", c)

	result := r.ExecuteTool(context.Background(), "fake", "imaginary", nil)
	if result.Success || !strings.Contains(result.Error, "no tool imaginary") {
		t.Fatalf("result = %+v", result)
	}
}

func TestRegistry_AvailableToolsAggregates(t *testing.T) {
	a := pipeClient(t, func(req rpcRequest) any { return map[string]any{} })
	a.tools = []domain.ToolInfo{{Server: "a", Name: "one"}}
	b := pipeClient(t, func(req rpcRequest) any { return map[string]any{} })
	b.tools = []domain.ToolInfo{{Server: "b", Name: "two"}, {Server: "b", Name: "three"}}

	r := NewRegistry(testLogger())
	r.Register("a", a)
	r.Register("b", b)

	if got := r.AvailableTools(); len(got) != 3 {
		t.Fatalf("tools = %+v", got)
	}
}
