package app

import (
	"time"

	"github.com/effective-security/x/configloader"
	"github.com/go-playground/validator/v10"
)

// Config is the process configuration, loaded from YAML or JSON with
// environment variable expansion.
type Config struct {
	// ServersFile points to the tool server registry file.
	ServersFile string `json:"servers_file" yaml:"servers_file" validate:"required"`

	LLM LLMConfig `json:"llm" yaml:"llm"`

	// Redis enables the Redis-backed stores; when absent the in-memory
	// stores are used.
	Redis *RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`

	LargeOutput LargeOutputConfig `json:"large_output,omitempty" yaml:"large_output,omitempty"`
}

// LLMConfig configures the completion provider.
type LLMConfig struct {
	// Provider is OPENAI or AZURE.
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	// Model drives planning and agent rounds.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// ClassifierModel drives intent classification; a cheaper model.
	// Defaults to Model.
	ClassifierModel string `json:"classifier_model,omitempty" yaml:"classifier_model,omitempty"`
	Token           string `json:"token,omitempty" yaml:"token,omitempty"`
	BaseURL         string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Organization    string `json:"organization,omitempty" yaml:"organization,omitempty"`
	// APIVersion is required for the AZURE provider.
	APIVersion string `json:"api_version,omitempty" yaml:"api_version,omitempty"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" validate:"required"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
	// Prefix namespaces all keys.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// LargeOutputConfig tunes oversized output interception.
type LargeOutputConfig struct {
	// Threshold in characters; 0 keeps the default.
	Threshold int `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	// TTL for cached results; 0 keeps the default.
	TTL time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// LoadConfig reads the configuration from a file, expanding environment
// variables in values.
func LoadConfig(file string) (*Config, error) {
	cfg := new(Config)
	if err := configloader.UnmarshalAndExpand(file, cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
