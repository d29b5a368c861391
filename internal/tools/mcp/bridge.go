package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// bridgeTool adapts one MCP-served tool to the local tool contract. The
// registered name is "<server>_<tool>" so servers cannot shadow each other.
type bridgeTool struct {
	server      string
	name        string
	original    string
	description string
	schema      map[string]any
	client      *mcpclient.Client
}

func newBridgeTool(server string, tool mcpgo.Tool, client *mcpclient.Client) *bridgeTool {
	return &bridgeTool{
		server:      server,
		name:        server + "_" + tool.Name,
		original:    tool.Name,
		description: tool.Description,
		schema:      schemaToMap(tool.InputSchema),
		client:      client,
	}
}

func (t *bridgeTool) Name() string        { return t.name }
func (t *bridgeTool) Description() string { return t.description }

func (t *bridgeTool) InputSchema() map[string]any {
	if t.schema == nil {
		return map[string]any{"type": "object"}
	}
	return t.schema
}

// OriginalName returns the tool's name on its server, without the prefix.
func (t *bridgeTool) OriginalName() string { return t.original }

// Call forwards the invocation to the MCP server and flattens the text
// content of the result.
func (t *bridgeTool) Call(ctx context.Context, args json.RawMessage) (string, error) {
	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.original
	req.Params.Arguments = arguments

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp %s: %w", t.server, err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

func flattenContent(blocks []mcpgo.Content) string {
	var parts []string
	for _, block := range blocks {
		if tc, ok := mcpgo.AsTextContent(block); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// schemaToMap converts the typed schema through JSON so the registry can
// hand providers a plain map.
func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
