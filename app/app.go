// Package app assembles the registry, session manager, tool catalog, output
// cache, and stores into one process singleton and hands out per-conversation
// orchestrators.
package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/catalog"
	"github.com/effective-security/toolchat/chatmodel"
	"github.com/effective-security/toolchat/orchestrator"
	"github.com/effective-security/toolchat/outputs"
	"github.com/effective-security/toolchat/pkg/llms"
	"github.com/effective-security/toolchat/pkg/llms/openai"
	"github.com/effective-security/toolchat/registry"
	"github.com/effective-security/toolchat/sessions"
	"github.com/effective-security/toolchat/store"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolchat", "app")

// App is the process singleton. Construct once with New, start with Start,
// and create an Orchestrator per conversation turn with NewTurn.
type App struct {
	Registry *registry.Registry
	Sessions *sessions.Manager
	Catalog  *catalog.Catalog
	Outputs  *outputs.Cache
	Messages store.MessageStore
	Configs  store.UserConfigStore

	model      llms.Model
	classifier llms.Model
	redis      *redis.Client
}

// New wires the application from configuration. The model clients are
// created eagerly; tool server sessions are not launched until Start.
func New(cfg *Config) (*App, error) {
	reg, err := registry.Load(cfg.ServersFile)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load server registry")
	}

	app := &App{Registry: reg}

	if cfg.Redis != nil {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.Messages = store.NewRedisStore(app.redis, cfg.Redis.Prefix)
		app.Configs = store.NewRedisUserConfigStore(app.redis, cfg.Redis.Prefix)
	} else {
		app.Messages = store.NewMemoryStore()
		app.Configs = store.NewMemoryUserConfigStore()
	}

	app.Sessions = sessions.NewManager(reg, app.Configs)
	app.Catalog = catalog.New(app.Sessions, reg, app.Configs)

	opts := []outputs.Option{}
	if cfg.LargeOutput.Threshold > 0 {
		opts = append(opts, outputs.WithThreshold(cfg.LargeOutput.Threshold))
	}
	if cfg.LargeOutput.TTL > 0 {
		opts = append(opts, outputs.WithTTL(cfg.LargeOutput.TTL))
	}
	app.Outputs = outputs.NewCache(opts...)

	app.model, err = newModel(cfg.LLM, cfg.LLM.Model)
	if err != nil {
		return nil, err
	}
	classifierModel := values.StringsCoalesce(cfg.LLM.ClassifierModel, cfg.LLM.Model)
	if classifierModel == cfg.LLM.Model {
		app.classifier = app.model
	} else {
		app.classifier, err = newModel(cfg.LLM, classifierModel)
		if err != nil {
			return nil, err
		}
	}
	return app, nil
}

func newModel(cfg LLMConfig, model string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(model),
	}
	if cfg.Token != "" {
		opts = append(opts, openai.WithToken(cfg.Token))
	}
	if cfg.Provider != "" {
		opts = append(opts, openai.WithProvider(openai.ProviderType(cfg.Provider)))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Organization != "" {
		opts = append(opts, openai.WithOrganization(cfg.Organization))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, openai.WithAPIVersion(cfg.APIVersion))
	}
	return openai.New(opts...)
}

// Start launches the global tool server sessions. Launch failures are
// logged, not fatal; the process serves with whatever came up.
func (a *App) Start(ctx context.Context) {
	a.Sessions.ConnectGlobal(ctx)
	logger.ContextKV(ctx, xlog.INFO,
		"status", "started",
		"global_servers", a.Sessions.GlobalServers())
}

// Close shuts down the tool server sessions and the Redis client.
func (a *App) Close() error {
	err := a.Sessions.Close()
	if a.redis != nil {
		err = errors.Join(err, a.redis.Close())
	}
	return err
}

// NewTurn creates an Orchestrator for one conversation turn, seeded with the
// stored history and the user's per-server tool contexts. The returned
// context carries the chat identity for the stores.
func (a *App) NewTurn(ctx context.Context, user, chatID string) (*orchestrator.Orchestrator, context.Context, error) {
	ctx = chatmodel.WithChatContext(ctx, chatmodel.NewChatContext(user, chatID))

	history := a.Messages.Messages(ctx)
	toolContexts, err := a.toolContexts(ctx, user)
	if err != nil {
		return nil, nil, err
	}

	orc := orchestrator.New(orchestrator.Config{
		Model:        a.model,
		Classifier:   a.classifier,
		Catalog:      a.Catalog,
		Registry:     a.Registry,
		Outputs:      a.Outputs,
		Messages:     a.Messages,
		User:         user,
		ChatID:       chatID,
		History:      history,
		ToolContexts: toolContexts,
	})
	return orc, ctx, nil
}

func (a *App) toolContexts(ctx context.Context, user string) (map[string]string, error) {
	if user == "" {
		return nil, nil
	}
	servers, err := a.Configs.ConfiguredServers(ctx, user)
	if err != nil {
		return nil, err
	}
	contexts := map[string]string{}
	for _, server := range servers {
		note, err := a.Configs.ToolContext(ctx, user, server)
		if err != nil {
			return nil, err
		}
		if note != "" {
			contexts[server] = note
		}
	}
	return contexts, nil
}

// SetServerCredentials stores per-user credentials for a server and drops the
// user's cached tool lists so the next discovery sees the change.
func (a *App) SetServerCredentials(ctx context.Context, user, server string, env map[string]string) error {
	if _, err := a.Registry.Get(server); err != nil {
		return err
	}
	if err := a.Configs.SetServerEnv(ctx, user, server, env); err != nil {
		return err
	}
	a.Catalog.Invalidate(user)
	return nil
}

// DeleteServerCredentials removes per-user credentials for a server.
func (a *App) DeleteServerCredentials(ctx context.Context, user, server string) error {
	if err := a.Configs.DeleteServerEnv(ctx, user, server); err != nil {
		return err
	}
	a.Catalog.Invalidate(user)
	return nil
}
