package catalog_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/catalog"
	"github.com/effective-security/toolchat/registry"
	"github.com/effective-security/toolchat/sessions"
	"github.com/effective-security/toolchat/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	global map[string][]sessions.Tool
	// per-user ephemeral tools, keyed by server
	ephemeral map[string][]sessions.Tool
	// servers whose discovery fails
	broken map[string]bool

	ephemeralLaunches int
	calls             []string
	callResult        string
	callErr           error
}

func (f *fakeManager) GlobalServers() []string {
	var out []string
	for name := range f.global {
		out = append(out, name)
	}
	return out
}

func (f *fakeManager) IsGlobal(server string) bool {
	_, ok := f.global[server]
	return ok
}

func (f *fakeManager) ListTools(_ context.Context, server string) ([]sessions.Tool, error) {
	if f.broken[server] {
		return nil, errors.New("pipe closed")
	}
	return f.global[server], nil
}

func (f *fakeManager) CallTool(_ context.Context, server, tool string, _ map[string]any) (string, error) {
	f.calls = append(f.calls, "global:"+server+":"+tool)
	return f.callResult, f.callErr
}

func (f *fakeManager) ResolveCredentials(_ context.Context, _, server string) (map[string]string, error) {
	if _, ok := f.ephemeral[server]; !ok {
		return nil, sessions.ErrNotConfigured
	}
	return map[string]string{}, nil
}

func (f *fakeManager) EphemeralListTools(_ context.Context, _, server string) ([]sessions.Tool, error) {
	f.ephemeralLaunches++
	if f.broken[server] {
		return nil, errors.New("launch failed")
	}
	return f.ephemeral[server], nil
}

func (f *fakeManager) EphemeralCallTool(_ context.Context, _, server, tool string, _ map[string]any) (string, error) {
	f.calls = append(f.calls, "ephemeral:"+server+":"+tool)
	return f.callResult, f.callErr
}

func testSetup(t *testing.T, mgr *fakeManager, configured map[string]map[string]string) *catalog.Catalog {
	t.Helper()
	var defs []*registry.ServerDefinition
	for name := range mgr.global {
		defs = append(defs, &registry.ServerDefinition{Name: name, Command: "cmd"})
	}
	for name := range mgr.ephemeral {
		defs = append(defs, &registry.ServerDefinition{
			Name: name, Command: "cmd", RequiredEnv: []string{"TOKEN"},
		})
	}
	reg, err := registry.New(defs)
	require.NoError(t, err)

	configs := store.NewMemoryUserConfigStore()
	for server, env := range configured {
		require.NoError(t, configs.SetServerEnv(context.Background(), "alice", server, env))
	}
	return catalog.New(mgr, reg, configs)
}

func TestListTools(t *testing.T) {
	mgr := &fakeManager{
		global: map[string][]sessions.Tool{
			"filesystem": {{Name: "list_files"}, {Name: "read_file"}},
		},
		ephemeral: map[string][]sessions.Tool{
			"github": {{Name: "create_issue"}},
		},
	}
	c := testSetup(t, mgr, map[string]map[string]string{
		"github": {"TOKEN": "t"},
	})

	tools, warnings := c.ListTools(context.Background(), "alice")
	require.Empty(t, warnings)
	require.Len(t, tools, 3)

	byName := make(map[string]string)
	for _, tool := range tools {
		byName[tool.Name] = tool.Server
	}
	assert.Equal(t, "filesystem", byName["list_files"])
	assert.Equal(t, "github", byName["create_issue"])
}

func TestListTools_CachesEphemeralDiscovery(t *testing.T) {
	mgr := &fakeManager{
		global: map[string][]sessions.Tool{},
		ephemeral: map[string][]sessions.Tool{
			"github": {{Name: "create_issue"}},
		},
	}
	c := testSetup(t, mgr, map[string]map[string]string{
		"github": {"TOKEN": "t"},
	})

	ctx := context.Background()
	c.ListTools(ctx, "alice")
	c.ListTools(ctx, "alice")
	assert.Equal(t, 1, mgr.ephemeralLaunches)

	c.Invalidate("alice")
	c.ListTools(ctx, "alice")
	assert.Equal(t, 2, mgr.ephemeralLaunches)
}

func TestListTools_BrokenServerIsWarning(t *testing.T) {
	mgr := &fakeManager{
		global: map[string][]sessions.Tool{
			"filesystem": {{Name: "list_files"}},
			"weather":    nil,
		},
		broken: map[string]bool{"weather": true},
	}
	c := testSetup(t, mgr, nil)

	tools, warnings := c.ListTools(context.Background(), "alice")
	require.Len(t, tools, 1)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "weather")
}

func TestListTools_DedupsByName(t *testing.T) {
	mgr := &fakeManager{
		global: map[string][]sessions.Tool{
			"filesystem": {{Name: "search"}},
		},
		ephemeral: map[string][]sessions.Tool{
			"github": {{Name: "search"}, {Name: "create_issue"}},
		},
	}
	c := testSetup(t, mgr, map[string]map[string]string{
		"github": {"TOKEN": "t"},
	})

	tools, _ := c.ListTools(context.Background(), "alice")
	names := make(map[string]int)
	for _, tool := range tools {
		names[tool.Name]++
	}
	assert.Equal(t, 1, names["search"])
	assert.Equal(t, 1, names["create_issue"])
}

func TestListTools_AnonymousSkipsEphemeral(t *testing.T) {
	mgr := &fakeManager{
		global: map[string][]sessions.Tool{
			"filesystem": {{Name: "list_files"}},
		},
		ephemeral: map[string][]sessions.Tool{
			"github": {{Name: "create_issue"}},
		},
	}
	c := testSetup(t, mgr, map[string]map[string]string{
		"github": {"TOKEN": "t"},
	})

	tools, _ := c.ListTools(context.Background(), "")
	require.Len(t, tools, 1)
	assert.Zero(t, mgr.ephemeralLaunches)
}

func TestFindServerForTool(t *testing.T) {
	mgr := &fakeManager{
		global: map[string][]sessions.Tool{
			"filesystem": {{Name: "list_files"}},
		},
		ephemeral: map[string][]sessions.Tool{
			"github": {{Name: "create_issue"}},
		},
	}
	c := testSetup(t, mgr, map[string]map[string]string{
		"github": {"TOKEN": "t"},
	})
	ctx := context.Background()

	server, err := c.FindServerForTool(ctx, "alice", "list_files")
	require.NoError(t, err)
	assert.Equal(t, "filesystem", server)

	server, err = c.FindServerForTool(ctx, "alice", "create_issue")
	require.NoError(t, err)
	assert.Equal(t, "github", server)

	// second lookup is served from the cache
	launches := mgr.ephemeralLaunches
	server, err = c.FindServerForTool(ctx, "alice", "create_issue")
	require.NoError(t, err)
	assert.Equal(t, "github", server)
	assert.Equal(t, launches, mgr.ephemeralLaunches)

	_, err = c.FindServerForTool(ctx, "alice", "no_such_tool")
	assert.ErrorIs(t, err, catalog.ErrToolNotFound)
}

func TestCallTool_Routing(t *testing.T) {
	mgr := &fakeManager{
		global: map[string][]sessions.Tool{
			"filesystem": {{Name: "list_files"}},
		},
		ephemeral: map[string][]sessions.Tool{
			"github": {{Name: "create_issue"}},
		},
		callResult: "ok",
	}
	c := testSetup(t, mgr, map[string]map[string]string{
		"github": {"TOKEN": "t"},
	})
	ctx := context.Background()

	result, err := c.CallTool(ctx, "alice", "filesystem", "list_files", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	result, err = c.CallTool(ctx, "alice", "github", "create_issue", map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	assert.Equal(t, []string{
		"global:filesystem:list_files",
		"ephemeral:github:create_issue",
	}, mgr.calls)
}
