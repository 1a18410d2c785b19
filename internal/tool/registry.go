package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"replybot/internal/domain"
	"replybot/internal/metrics"
)

// ServersFile is the on-disk YAML format listing MCP servers to launch.
type ServersFile struct {
	Servers map[string]ServerSpec `yaml:"servers"`
}

// ServerSpec describes one MCP server subprocess.
type ServerSpec struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Description string            `yaml:"description,omitempty"`
}

// LoadServersFile parses the MCP server list from a YAML file.
func LoadServersFile(path string) (*ServersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp config %s: %w", path, err)
	}
	var sf ServersFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse mcp config %s: %w", path, err)
	}
	return &sf, nil
}

// Registry owns the MCP clients and implements domain.ToolExecutor over
// them. A server that fails to start is skipped with a warning; the rest
// stay usable.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		logger:  logger,
	}
}

// StartServers launches every server in the file and registers its clients.
func (r *Registry) StartServers(ctx context.Context, sf *ServersFile) {
	for name, spec := range sf.Servers {
		client, err := NewClient(ctx, name, spec.Command, spec.Args, spec.Env, r.logger)
		if err != nil {
			r.logger.Warn("mcp server failed to start, skipping", "server", name, "err", err)
			continue
		}
		r.mu.Lock()
		r.clients[name] = client
		r.mu.Unlock()
	}
}

// Register adds a running client under the given server name. Mostly useful
// for tests and custom in-process servers.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
}

// ExecuteTool runs one tool on the named server. A missing server or tool is
// a failed result, not an error: the caller formats it for the user either way.
func (r *Registry) ExecuteTool(ctx context.Context, server, tool string, args map[string]any) domain.ToolResult {
	r.mu.RLock()
	client, ok := r.clients[server]
	r.mu.RUnlock()
	if !ok {
		return domain.ToolResult{Success: false, Error: fmt.Sprintf("unknown MCP server: %s", server)}
	}

	found := false
	for _, t := range client.Tools() {
		if t.Name == tool {
			found = true
			break
		}
	}
	if !found {
		return domain.ToolResult{Success: false, Error: fmt.Sprintf("server %s has no tool %s", server, tool)}
	}

	r.logger.Info("executing tool", "server", server, "tool", tool)
	start := time.Now()
	result := client.CallTool(ctx, tool, args)
	metrics.ToolExecutions.Inc()
	metrics.ToolLatency.Observe(time.Since(start).Seconds())
	if !result.Success {
		r.logger.Warn("tool execution failed", "server", server, "tool", tool, "err", result.Error)
	}
	return result
}

// AvailableTools returns every tool across all running servers.
func (r *Registry) AvailableTools() []domain.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ToolInfo
	for _, client := range r.clients {
		out = append(out, client.Tools()...)
	}
	return out
}

// Close shuts down every client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("mcp client close failed", "server", name, "err", err)
		}
		delete(r.clients, name)
	}
}
