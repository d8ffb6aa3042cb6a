// Package registry loads and serves the static catalog of tool server
// definitions: which subprocess to launch for each server, the environment
// it needs, and how a user can authorize it interactively.
package registry

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/configloader"
	"github.com/effective-security/xlog"
	"github.com/go-playground/validator/v10"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolchat", "registry")

// ErrServerNotFound is returned when a server name is not in the registry.
var ErrServerNotFound = errors.New("server not found")

// InteractiveAuth describes how a user can obtain the credential a server
// requires: either by pasting a token obtained in a browser, or through an
// OAuth flow.
type InteractiveAuth struct {
	// Type is "browser" (personal access token) or "oauth" (SSO).
	Type         string `json:"type" yaml:"type" validate:"required,oneof=browser oauth"`
	Instructions string `json:"instructions" yaml:"instructions" validate:"required"`
	// TargetEnvVar is the per-user variable the obtained credential is
	// stored under.
	TargetEnvVar string `json:"target_env_var" yaml:"target_env_var" validate:"required"`
	ButtonText   string `json:"button_text,omitempty" yaml:"button_text,omitempty"`
	AuthURL      string `json:"auth_url,omitempty" yaml:"auth_url,omitempty"`

	// OAuth specific
	AuthorizeURL    string `json:"authorize_url,omitempty" yaml:"authorize_url,omitempty"`
	TokenURL        string `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	Scope           string `json:"scope,omitempty" yaml:"scope,omitempty"`
	ClientIDEnv     string `json:"client_id_env,omitempty" yaml:"client_id_env,omitempty"`
	ClientSecretEnv string `json:"client_secret_env,omitempty" yaml:"client_secret_env,omitempty"`
	RedirectURIEnv  string `json:"redirect_uri_env,omitempty" yaml:"redirect_uri_env,omitempty"`
}

// ServerDefinition describes one tool server: the command to launch it as a
// subprocess and the environment variables it requires.
type ServerDefinition struct {
	Name    string            `json:"name" yaml:"name" validate:"required"`
	Command string            `json:"command" yaml:"command" validate:"required"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is the static environment for the subprocess, shared by all users.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// RequiredEnv lists variables that must be supplied per user (or be
	// present in the process environment) before the server can be used.
	// A server with a non-empty RequiredEnv runs in ephemeral sessions.
	RequiredEnv     []string         `json:"required_env,omitempty" yaml:"required_env,omitempty"`
	InteractiveAuth *InteractiveAuth `json:"interactive_auth,omitempty" yaml:"interactive_auth,omitempty"`
}

// IsGlobal reports whether the server can be shared by all users. Servers
// with per-user credentials must not be.
func (d *ServerDefinition) IsGlobal() bool {
	return len(d.RequiredEnv) == 0
}

type fileConfig struct {
	Servers []*ServerDefinition `json:"servers" yaml:"servers"`
}

// Registry is an immutable, name-keyed set of server definitions.
type Registry struct {
	servers map[string]*ServerDefinition
	names   []string
}

// Load reads server definitions from a YAML or JSON file, expanding
// environment variables in values.
func Load(file string) (*Registry, error) {
	cfg := new(fileConfig)
	if file != "" {
		if err := configloader.UnmarshalAndExpand(file, cfg); err != nil {
			return nil, err
		}
	}
	return New(cfg.Servers)
}

// New builds a registry from definitions, validating each one.
func New(defs []*ServerDefinition) (*Registry, error) {
	validate := validator.New()
	r := &Registry{
		servers: make(map[string]*ServerDefinition, len(defs)),
	}
	for _, def := range defs {
		if err := validate.Struct(def); err != nil {
			return nil, errors.WithMessagef(err, "invalid server definition: %s", def.Name)
		}
		if _, ok := r.servers[def.Name]; ok {
			return nil, errors.Errorf("duplicate server definition: %s", def.Name)
		}
		r.servers[def.Name] = def
		r.names = append(r.names, def.Name)
	}
	sort.Strings(r.names)

	logger.KV(xlog.INFO, "servers", len(r.names))
	return r, nil
}

// Get returns the definition for a server name.
func (r *Registry) Get(name string) (*ServerDefinition, error) {
	def, ok := r.servers[name]
	if !ok {
		return nil, errors.WithMessagef(ErrServerNotFound, "%s", name)
	}
	return def, nil
}

// Names returns all server names, sorted.
func (r *Registry) Names() []string {
	return r.names
}

// Definitions returns all definitions in name order.
func (r *Registry) Definitions() []*ServerDefinition {
	out := make([]*ServerDefinition, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.servers[name])
	}
	return out
}
