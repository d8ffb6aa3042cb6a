// Package catalog discovers tools across all tool servers a user can reach
// and routes tool invocations to the right server.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/pkg/metricskey"
	"github.com/effective-security/toolchat/registry"
	"github.com/effective-security/toolchat/sessions"
	"github.com/effective-security/toolchat/store"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolchat", "catalog")

// ErrToolNotFound is returned when no reachable server provides a tool.
var ErrToolNotFound = errors.New("tool not found")

// SessionManager is the part of the session layer the catalog uses.
type SessionManager interface {
	GlobalServers() []string
	IsGlobal(server string) bool
	ListTools(ctx context.Context, server string) ([]sessions.Tool, error)
	CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error)
	ResolveCredentials(ctx context.Context, user, server string) (map[string]string, error)
	EphemeralListTools(ctx context.Context, user, server string) ([]sessions.Tool, error)
	EphemeralCallTool(ctx context.Context, user, server, tool string, args map[string]any) (string, error)
}

// ToolInfo is one discovered tool together with the server that provides it.
type ToolInfo struct {
	sessions.Tool
	Server string `json:"server_name"`
}

// Catalog aggregates tool discovery over global sessions and, per user,
// over ephemeral sessions to servers the user has configured. Ephemeral
// discovery results are cached per user and server; launching a subprocess
// just to enumerate its tools is expensive.
type Catalog struct {
	manager  SessionManager
	registry *registry.Registry
	configs  store.UserConfigStore

	mu    sync.RWMutex
	cache map[string]map[string][]sessions.Tool
}

// New creates a Catalog.
func New(manager SessionManager, reg *registry.Registry, configs store.UserConfigStore) *Catalog {
	return &Catalog{
		manager:  manager,
		registry: reg,
		configs:  configs,
		cache:    make(map[string]map[string][]sessions.Tool),
	}
}

// ListTools enumerates the tools of every server the user can reach: all
// globally connected servers plus the servers the user has configured
// credentials for. Discovery failures do not abort enumeration; they are
// returned as warnings. Tools sharing a name with an earlier one are dropped.
func (c *Catalog) ListTools(ctx context.Context, user string) ([]ToolInfo, []string) {
	var all []ToolInfo
	var warnings []string
	seen := make(map[string]bool)

	add := func(server string, tools []sessions.Tool) {
		for _, tool := range tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			all = append(all, ToolInfo{Tool: tool, Server: server})
		}
	}

	for _, server := range c.manager.GlobalServers() {
		tools, err := c.manager.ListTools(ctx, server)
		if err != nil {
			metricskey.StatsDiscoveryErrors.IncrCounter(1, server)
			msg := fmt.Sprintf("Error listing tools for global server %s: %s", server, err.Error())
			logger.ContextKV(ctx, xlog.WARNING, "server", server, "err", err.Error())
			warnings = append(warnings, msg)
			continue
		}
		add(server, tools)
	}

	if user == "" {
		return all, warnings
	}

	configured, err := c.configs.ConfiguredServers(ctx, user)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("Error loading user configuration: %s", err.Error()))
		return all, warnings
	}
	configuredSet := make(map[string]bool, len(configured))
	for _, server := range configured {
		configuredSet[server] = true
	}

	for _, server := range c.registry.Names() {
		if c.manager.IsGlobal(server) || !configuredSet[server] {
			continue
		}

		if cached, ok := c.cached(user, server); ok {
			add(server, cached)
			continue
		}

		tools, err := c.manager.EphemeralListTools(ctx, user, server)
		if err != nil {
			metricskey.StatsDiscoveryErrors.IncrCounter(1, server)
			msg := fmt.Sprintf("Error listing tools for user server %s: %s", server, err.Error())
			logger.ContextKV(ctx, xlog.WARNING, "server", server, "user", user, "err", err.Error())
			warnings = append(warnings, msg)
			continue
		}
		c.put(user, server, tools)
		add(server, tools)
	}

	return all, warnings
}

// FindServerForTool returns the server providing a tool: globally connected
// servers first, then the user's cached discovery, then ephemeral probes of
// the user's remaining configured servers.
func (c *Catalog) FindServerForTool(ctx context.Context, user, tool string) (string, error) {
	for _, server := range c.manager.GlobalServers() {
		tools, err := c.manager.ListTools(ctx, server)
		if err != nil {
			continue
		}
		for _, t := range tools {
			if t.Name == tool {
				return server, nil
			}
		}
	}

	if user == "" {
		return "", errors.WithMessagef(ErrToolNotFound, "%s", tool)
	}

	c.mu.RLock()
	for server, tools := range c.cache[user] {
		for _, t := range tools {
			if t.Name == tool {
				c.mu.RUnlock()
				return server, nil
			}
		}
	}
	c.mu.RUnlock()

	configured, err := c.configs.ConfiguredServers(ctx, user)
	if err != nil {
		return "", err
	}
	for _, server := range configured {
		if c.manager.IsGlobal(server) {
			continue
		}
		if _, ok := c.cached(user, server); ok {
			// already checked above
			continue
		}
		tools, err := c.manager.EphemeralListTools(ctx, user, server)
		if err != nil {
			logger.ContextKV(ctx, xlog.DEBUG, "server", server, "user", user, "err", err.Error())
			continue
		}
		c.put(user, server, tools)
		for _, t := range tools {
			if t.Name == tool {
				return server, nil
			}
		}
	}

	return "", errors.WithMessagef(ErrToolNotFound, "%s", tool)
}

// CallTool routes a tool invocation to its server: the shared session when
// the server is global, a single-use session with the user's credentials
// otherwise.
func (c *Catalog) CallTool(ctx context.Context, user, server, tool string, args map[string]any) (string, error) {
	started := time.Now()
	defer metricskey.PerfToolCall.MeasureSince(started, tool)

	var result string
	var err error
	if c.manager.IsGlobal(server) {
		result, err = c.manager.CallTool(ctx, server, tool, args)
	} else {
		result, err = c.manager.EphemeralCallTool(ctx, user, server, tool, args)
	}
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, tool)
		return "", err
	}
	metricskey.StatsToolCallsSucceeded.IncrCounter(1, tool)
	return result, nil
}

// Invalidate drops the user's cached discovery results, forcing the next
// enumeration to probe again. Call it after the user's configuration changes.
func (c *Catalog) Invalidate(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, user)
}

func (c *Catalog) cached(user, server string) ([]sessions.Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools, ok := c.cache[user][server]
	return tools, ok
}

func (c *Catalog) put(user, server string, tools []sessions.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache[user] == nil {
		c.cache[user] = make(map[string][]sessions.Tool)
	}
	c.cache[user][server] = tools
}
