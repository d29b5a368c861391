// Package mcp connects configured MCP servers and bridges their tools into
// the tool registry under a server-name prefix.
package mcp

import (
	"context"
	"fmt"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/common/config"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/tools"
)

// Manager owns the MCP client connections and the bridge tools registered
// from them.
type Manager struct {
	registry *tools.Registry
	logger   *logger.Logger

	mu      sync.Mutex
	servers map[string]*serverState
}

type serverState struct {
	name      string
	client    *mcpclient.Client
	toolNames []string
}

// NewManager creates a manager registering bridge tools into registry.
func NewManager(registry *tools.Registry, log *logger.Logger) *Manager {
	return &Manager{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "mcp-manager")),
		servers:  make(map[string]*serverState),
	}
}

// ConnectAll connects every configured server. A server that fails to
// connect is logged and skipped; one bad server must not take down startup.
func (m *Manager) ConnectAll(ctx context.Context, servers map[string]config.MCPServerConfig) {
	for name, cfg := range servers {
		if err := m.Connect(ctx, name, cfg); err != nil {
			m.logger.WithError(err).Warn("failed to connect mcp server", zap.String("server", name))
		}
	}
}

// Connect dials one server, runs the initialize handshake, discovers its
// tools, and registers them as "<server>_<tool>".
func (m *Manager) Connect(ctx context.Context, name string, cfg config.MCPServerConfig) error {
	client, err := createClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// stdio transports start on creation; the network ones need Start.
	if cfg.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "parley", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	state := &serverState{name: name, client: client}
	for _, mcpTool := range listed.Tools {
		bridge := newBridgeTool(name, mcpTool, client)
		if _, err := m.registry.Get(bridge.Name()); err == nil {
			m.logger.Warn("mcp tool name collision, skipping",
				zap.String("server", name), zap.String("tool", bridge.Name()))
			continue
		}
		m.registry.Register(bridge)
		state.toolNames = append(state.toolNames, bridge.Name())
	}

	m.mu.Lock()
	m.servers[name] = state
	m.mu.Unlock()

	m.logger.Info("mcp server connected",
		zap.String("server", name),
		zap.String("transport", cfg.Transport),
		zap.Int("tools", len(state.toolNames)))
	return nil
}

// Close unregisters all bridge tools and closes the clients.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, state := range m.servers {
		for _, toolName := range state.toolNames {
			m.registry.Unregister(toolName)
		}
		if state.client != nil {
			_ = state.client.Close()
		}
		m.logger.Debug("mcp server closed", zap.String("server", name))
	}
	m.servers = make(map[string]*serverState)
}

func createClient(cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
