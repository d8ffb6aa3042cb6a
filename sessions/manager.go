package sessions

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/pkg/metricskey"
	"github.com/effective-security/toolchat/registry"
	"github.com/effective-security/toolchat/store"
	"github.com/effective-security/xlog"
)

// dbEnvVar is the application's own database credential. Tool server
// subprocesses must never see it.
const dbEnvVar = "APP_DB_CONNECTION_STRING"

// Manager owns tool server sessions. Servers whose required credentials are
// available to the process are connected once at startup and shared; servers
// needing per-user credentials are launched as single-use ephemeral sessions.
type Manager struct {
	registry *registry.Registry
	configs  store.UserConfigStore

	mu     sync.RWMutex
	global map[string]*Session
}

// NewManager creates a Manager. Call ConnectGlobal before serving traffic.
func NewManager(reg *registry.Registry, configs store.UserConfigStore) *Manager {
	return &Manager{
		registry: reg,
		configs:  configs,
		global:   make(map[string]*Session),
	}
}

// ConnectGlobal launches shared sessions for every server whose required
// environment is satisfied by the process environment. A server that fails
// to launch is skipped with a warning; one broken server must not take the
// process down.
func (m *Manager) ConnectGlobal(ctx context.Context) {
	for _, def := range m.registry.Definitions() {
		if missing := missingProcessEnv(def.RequiredEnv); len(missing) > 0 {
			logger.ContextKV(ctx, xlog.DEBUG,
				"server", def.Name,
				"reason", "per_user_credentials",
				"missing", strings.Join(missing, ","))
			continue
		}

		started := time.Now()
		sess, err := m.launch(ctx, def, nil)
		if err != nil {
			metricskey.StatsSessionLaunchesFailed.IncrCounter(1, def.Name, "global")
			logger.ContextKV(ctx, xlog.WARNING,
				"server", def.Name,
				"reason", "launch_failed",
				"err", err.Error())
			continue
		}
		metricskey.StatsSessionsLaunched.IncrCounter(1, def.Name, "global")
		metricskey.PerfSessionLaunch.MeasureSince(started, def.Name)

		m.mu.Lock()
		m.global[def.Name] = sess
		m.mu.Unlock()

		logger.ContextKV(ctx, xlog.INFO, "server", def.Name, "status", "connected")
	}
}

// GlobalServers returns the names of servers with a live shared session.
func (m *Manager) GlobalServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.global))
	for name := range m.global {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsGlobal reports whether a server has a live shared session.
func (m *Manager) IsGlobal(server string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.global[server]
	return ok
}

// ListTools lists the tools of a globally connected server.
func (m *Manager) ListTools(ctx context.Context, server string) ([]Tool, error) {
	sess, err := m.globalSession(server)
	if err != nil {
		return nil, err
	}
	return sess.ListTools(ctx)
}

// CallTool invokes a tool on a globally connected server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	sess, err := m.globalSession(server)
	if err != nil {
		return "", err
	}
	return sess.CallTool(ctx, tool, args)
}

func (m *Manager) globalSession(server string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.global[server]
	if !ok {
		return nil, errors.WithMessagef(ErrSessionNotFound, "%s", server)
	}
	return sess, nil
}

// ResolveCredentials resolves the required environment for a server from the
// user's saved configuration, falling back to the process environment. When
// a variable is missing or blank it returns an AuthRequiredError if the
// server offers an interactive flow, or ErrNotConfigured otherwise.
func (m *Manager) ResolveCredentials(ctx context.Context, user, server string) (map[string]string, error) {
	def, err := m.registry.Get(server)
	if err != nil {
		return nil, err
	}

	userEnv, err := m.configs.ServerEnv(ctx, user, server)
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]string, len(def.RequiredEnv))
	for _, name := range def.RequiredEnv {
		val := strings.TrimSpace(userEnv[name])
		if val == "" {
			val = strings.TrimSpace(os.Getenv(name))
		}
		if val == "" {
			if def.InteractiveAuth != nil {
				return nil, errors.WithStack(&AuthRequiredError{
					Server: server,
					Auth:   def.InteractiveAuth,
				})
			}
			return nil, errors.WithMessagef(ErrNotConfigured, "%s: %s", server, name)
		}
		resolved[name] = val
	}
	return resolved, nil
}

// WithEphemeralSession launches a single-use session for a server with the
// user's credentials, runs fn with it, and tears the subprocess down. The
// session is closed even when fn fails.
func (m *Manager) WithEphemeralSession(ctx context.Context, user, server string, fn func(ctx context.Context, sess *Session) error) error {
	def, err := m.registry.Get(server)
	if err != nil {
		return err
	}
	creds, err := m.ResolveCredentials(ctx, user, server)
	if err != nil {
		return err
	}

	started := time.Now()
	sess, err := m.launch(ctx, def, creds)
	if err != nil {
		metricskey.StatsSessionLaunchesFailed.IncrCounter(1, server, "ephemeral")
		return err
	}
	metricskey.StatsSessionsLaunched.IncrCounter(1, server, "ephemeral")
	metricskey.PerfSessionLaunch.MeasureSince(started, server)

	defer func() {
		if closeErr := sess.Close(); closeErr != nil {
			logger.ContextKV(ctx, xlog.DEBUG, "server", server, "reason", "close", "err", closeErr.Error())
		}
	}()

	return fn(ctx, sess)
}

// EphemeralListTools lists tools of a server over a single-use session with
// the user's credentials.
func (m *Manager) EphemeralListTools(ctx context.Context, user, server string) ([]Tool, error) {
	var tools []Tool
	err := m.WithEphemeralSession(ctx, user, server, func(ctx context.Context, sess *Session) error {
		var err error
		tools, err = sess.ListTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// EphemeralCallTool invokes a tool over a single-use session with the user's
// credentials.
func (m *Manager) EphemeralCallTool(ctx context.Context, user, server, tool string, args map[string]any) (string, error) {
	var result string
	err := m.WithEphemeralSession(ctx, user, server, func(ctx context.Context, sess *Session) error {
		var err error
		result, err = sess.CallTool(ctx, tool, args)
		return err
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// launch builds the subprocess environment from the static definition plus
// extra per-user variables and starts the session. The environment inherits
// the parent process, with the application database credential blanked out.
func (m *Manager) launch(ctx context.Context, def *registry.ServerDefinition, extra map[string]string) (*Session, error) {
	env := buildEnv(os.Environ(), def.Env, extra)
	return newSession(ctx, def.Name, def.Command, def.Args, env)
}

// buildEnv assembles the complete subprocess environment: the inherited
// environment with the application database credential removed, then static
// server variables, then per-user credentials. Duplicate names resolve
// last-wins at exec.
func buildEnv(base []string, static, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(static)+len(extra))
	for _, kv := range base {
		if strings.HasPrefix(kv, dbEnvVar+"=") || kv == dbEnvVar {
			continue
		}
		env = append(env, kv)
	}
	for _, keys := range []map[string]string{static, extra} {
		names := make([]string, 0, len(keys))
		for k := range keys {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			env = append(env, k+"="+keys[k])
		}
	}
	return env
}

// Close shuts down all shared sessions.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, sess := range m.global {
		if err := sess.Close(); err != nil {
			errs = append(errs, errors.WithMessagef(err, "close: %s", name))
		}
		delete(m.global, name)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func missingProcessEnv(names []string) []string {
	var missing []string
	for _, name := range names {
		if strings.TrimSpace(os.Getenv(name)) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
