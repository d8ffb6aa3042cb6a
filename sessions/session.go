// Package sessions launches and manages tool server subprocesses: long-lived
// shared sessions for servers without per-user credentials, and single-use
// ephemeral sessions carrying one user's credentials.
package sessions

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolchat", "sessions")

// DefaultInitTimeout bounds subprocess startup and the protocol handshake.
const DefaultInitTimeout = 10 * time.Second

const protocolVersion = "2024-11-05"

// Tool is a tool exposed by a server, as reported by discovery.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Session is one live connection to a tool server subprocess. Invocations on
// a shared session are serialized; the underlying transport is a single
// stdio pipe.
type Session struct {
	server string
	mu     sync.Mutex
	client *client.Client
}

// newSession launches the subprocess with env as its complete environment.
// The default stdio transport merges its env argument on top of the process
// environment; the command func bypasses that so removed variables stay
// removed.
func newSession(ctx context.Context, server, command string, args []string, env []string) (*Session, error) {
	cli, err := client.NewStdioMCPClientWithOptions(command, nil, args,
		transport.WithCommandFunc(func(ctx context.Context, command string, _ []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = env
			return cmd, nil
		}))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to start server: %s", server)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, DefaultInitTimeout)
		defer cancel()
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = protocolVersion
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "toolchat",
		Version: "1.0.0",
	}
	_, err = cli.Initialize(initCtx, req)
	if err != nil {
		_ = cli.Close()
		return nil, errors.WithMessagef(err, "failed to initialize server: %s", server)
	}

	return &Session{
		server: server,
		client: cli,
	}, nil
}

// Server returns the name of the server this session is connected to.
func (s *Session) Server() string {
	return s.server
}

// ListTools returns the tools the server exposes.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to list tools: %s", s.server)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		var schema map[string]any
		raw, err := json.Marshal(t.InputSchema)
		if err == nil {
			_ = json.Unmarshal(raw, &schema)
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// CallTool invokes a tool and returns its textual result. A tool-level error
// reported by the server is returned as an error with the server's text.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to call tool: %s", name)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", errors.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// Close shuts the subprocess down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// flattenContent renders tool result parts as model-visible text. Binary
// parts are summarized as placeholders; their payloads never enter the
// conversation.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch typ := c.(type) {
		case mcp.TextContent:
			parts = append(parts, typ.Text)
		case mcp.ImageContent:
			parts = append(parts, "[Image Content]")
		case mcp.AudioContent:
			parts = append(parts, "[Audio Content]")
		case mcp.EmbeddedResource:
			parts = append(parts, "[Embedded Resource]")
		default:
			parts = append(parts, "[Unsupported Content]")
		}
	}
	return strings.Join(parts, "\n")
}
