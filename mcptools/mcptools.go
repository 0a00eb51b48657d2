// Package mcptools exposes tools of Model Context Protocol servers as
// agentloop tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/belindamo/tiny-agent-gym/agentloop"
)

const (
	clientName    = "tiny-agent-gym"
	clientVersion = "0.1.0"
)

// Session is an initialized connection to one MCP server.
type Session interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ServerConfig describes how to launch a stdio MCP server.
type ServerConfig struct {
	Name    string            `mapstructure:"name" yaml:"name" json:"name"`
	Command string            `mapstructure:"command" yaml:"command" json:"command"`
	Args    []string          `mapstructure:"args" yaml:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" yaml:"env" json:"env,omitempty"`
}

// FilesystemServer is the reference filesystem server confined to dir.
func FilesystemServer(dir string) ServerConfig {
	return ServerConfig{
		Name:    "filesystem",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-filesystem", dir},
	}
}

// MemoryServer is the reference knowledge-graph memory server.
func MemoryServer() ServerConfig {
	return ServerConfig{
		Name:    "memory",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-memory"},
	}
}

// Dialer opens a Session for cfg.
type Dialer func(ctx context.Context, cfg ServerConfig) (Session, error)

// StdioDialer launches servers as subprocesses speaking MCP over stdio.
func StdioDialer(log zerolog.Logger) Dialer {
	return func(ctx context.Context, cfg ServerConfig) (Session, error) {
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.Name, err)
		}
		info, err := Initialize(ctx, c)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("initialize %s: %w", cfg.Name, err)
		}
		log.Info().
			Str("server", cfg.Name).
			Str("server_name", info.ServerInfo.Name).
			Str("server_version", info.ServerInfo.Version).
			Msg("mcp session opened")
		return c, nil
	}
}

// Initialize performs the protocol handshake on a started client.
func Initialize(ctx context.Context, c *client.Client) (*mcp.InitializeResult, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	return c.Initialize(ctx, req)
}

// WithSessions opens a session per config, in order, each nested inside the
// previous one, and calls fn with all of them. Sessions are closed in
// reverse order of acquisition on every exit path, panics included.
func WithSessions(ctx context.Context, dial Dialer, configs []ServerConfig, fn func(ctx context.Context, sessions []Session) error) error {
	return withSessions(ctx, dial, configs, nil, fn)
}

func withSessions(ctx context.Context, dial Dialer, rest []ServerConfig, acquired []Session, fn func(context.Context, []Session) error) (err error) {
	if len(rest) == 0 {
		return fn(ctx, acquired)
	}
	s, err := dial(ctx, rest[0])
	if err != nil {
		return fmt.Errorf("open mcp server %s: %w", rest[0].Name, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close mcp server %s: %w", rest[0].Name, cerr))
		}
	}()
	return withSessions(ctx, dial, rest[1:], append(acquired, s), fn)
}

// Tools lists every tool of s as an agentloop.Tool bound to s.
func Tools(ctx context.Context, s Session) ([]agentloop.Tool, error) {
	res, err := s.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make([]agentloop.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, ConvertTool(s, t))
	}
	return tools, nil
}

// ConvertTool adapts a remote tool descriptor. Arguments come from the
// input schema properties, required ones first and the rest by name.
func ConvertTool(s Session, t mcp.Tool) agentloop.Tool {
	name := t.Name
	return agentloop.Tool{
		Name:        name,
		Description: t.Description,
		Args:        argsFromSchema(inputSchema(t)),
		Invoke: func(ctx context.Context, args map[string]any) (any, error) {
			req := mcp.CallToolRequest{}
			req.Params.Name = name
			req.Params.Arguments = args
			res, err := s.CallTool(ctx, req)
			if err != nil {
				return nil, err
			}
			return convertResult(res)
		},
	}
}

func inputSchema(t mcp.Tool) mcp.ToolInputSchema {
	if len(t.RawInputSchema) > 0 {
		var schema mcp.ToolInputSchema
		if err := json.Unmarshal(t.RawInputSchema, &schema); err == nil {
			return schema
		}
	}
	return t.InputSchema
}

func argsFromSchema(schema mcp.ToolInputSchema) []agentloop.ToolArg {
	seen := make(map[string]bool, len(schema.Properties))
	var args []agentloop.ToolArg
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		prop, _ := schema.Properties[name].(map[string]any)
		args = append(args, agentloop.ToolArg{Name: name, Schema: prop})
	}
	for _, name := range schema.Required {
		if _, ok := schema.Properties[name]; ok {
			add(name)
		}
	}
	rest := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		rest = append(rest, name)
	}
	sort.Strings(rest)
	for _, name := range rest {
		add(name)
	}
	return args
}

// convertResult returns a single text as a string and several as a list.
// An error result becomes an error.
func convertResult(res *mcp.CallToolResult) (any, error) {
	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if tc, ok := mcp.AsTextContent(c); ok {
			texts = append(texts, tc.Text)
			continue
		}
		texts = append(texts, fmt.Sprintf("[%T content omitted]", c))
	}
	if res.IsError {
		return nil, fmt.Errorf("mcp tool call failed: %s", strings.Join(texts, "\n"))
	}
	if len(texts) == 1 {
		return texts[0], nil
	}
	return texts, nil
}
