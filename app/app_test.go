package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/effective-security/toolchat/app"
	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serversYAML = `
servers:
  - name: filesystem
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/data"]
  - name: github
    command: npx
    args: ["-y", "@modelcontextprotocol/server-github"]
    required_env: ["GITHUB_TOKEN"]
    interactive_auth:
      type: browser
      instructions: "Create a personal access token."
      target_env_var: GITHUB_TOKEN
`

func writeConfig(t *testing.T, cfgYAML string) string {
	t.Helper()
	dir := t.TempDir()
	serversFile := filepath.Join(dir, "servers.yaml")
	require.NoError(t, os.WriteFile(serversFile, []byte(serversYAML), 0o644))

	cfgFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("servers_file: "+serversFile+"\n"+cfgYAML), 0o644))
	return cfgFile
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfgFile := writeConfig(t, `
llm:
  model: gpt-4o
  classifier_model: gpt-4o-mini
  token: test-token
large_output:
  threshold: 3000
`)
	cfg, err := app.LoadConfig(cfgFile)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 3000, cfg.LargeOutput.Threshold)
	assert.Nil(t, cfg.Redis)

	a, err := app.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.Close())
	})
	return a
}

func TestLoadConfig_MissingServersFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("llm:\n  model: gpt-4o\n"), 0o644))

	_, err := app.LoadConfig(cfgFile)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	a := newTestApp(t)

	assert.Equal(t, []string{"filesystem", "github"}, a.Registry.Names())
	assert.Equal(t, 3000, a.Outputs.Threshold())
	assert.NotNil(t, a.Messages)
	assert.NotNil(t, a.Configs)
	assert.NotNil(t, a.Catalog)
}

func TestNewTurn_SeedsHistory(t *testing.T) {
	a := newTestApp(t)

	orc, ctx, err := a.NewTurn(context.Background(), "alice", "chat1")
	require.NoError(t, err)
	assert.Empty(t, orc.History())

	require.NoError(t, a.Messages.Add(ctx, llms.MessageFromTextParts(llms.RoleHuman, "hello")))
	require.NoError(t, a.Messages.Add(ctx, llms.MessageFromTextParts(llms.RoleAI, "hi there")))

	orc, _, err = a.NewTurn(context.Background(), "alice", "chat1")
	require.NoError(t, err)
	history := orc.History()
	require.Len(t, history, 2)
	assert.Equal(t, llms.RoleHuman, history[0].Role)
	assert.Equal(t, llms.RoleAI, history[1].Role)
}

func TestSetServerCredentials(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	err := a.SetServerCredentials(ctx, "alice", "nope", map[string]string{"X": "1"})
	assert.Error(t, err)

	err = a.SetServerCredentials(ctx, "alice", "github", map[string]string{"GITHUB_TOKEN": "ghp_test"})
	require.NoError(t, err)

	env, err := a.Configs.ServerEnv(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Equal(t, "ghp_test", env["GITHUB_TOKEN"])

	require.NoError(t, a.DeleteServerCredentials(ctx, "alice", "github"))
	env, err = a.Configs.ServerEnv(ctx, "alice", "github")
	require.NoError(t, err)
	assert.Empty(t, env)
}
