package openai

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolchat/pkg/llms/openai/internal/openaiclient"
	"github.com/effective-security/x/values"
)

const (
	tokenEnvVarName        = "OPENAI_API_KEY"      //nolint:gosec
	modelEnvVarName        = "OPENAI_MODEL"        //nolint:gosec
	baseURLEnvVarName      = "OPENAI_BASE_URL"     //nolint:gosec
	organizationEnvVarName = "OPENAI_ORGANIZATION" //nolint:gosec
)

type ProviderType = openaiclient.ProviderType

const (
	ProviderOpenAI = openaiclient.ProviderOpenAI
	ProviderAzure  = openaiclient.ProviderAzure
)

const DefaultAPIVersion = "2023-05-15"

// ErrMissingToken is returned when the API token is not set.
var ErrMissingToken = errors.New("missing the OpenAI API key, set it in the OPENAI_API_KEY environment variable")

type options struct {
	token        string
	model        string
	baseURL      string
	organization string
	provider     ProviderType
	httpClient   openaiclient.Doer

	// required when provider is ProviderAzure
	apiVersion string
}

// Option is a functional option for the OpenAI client.
type Option func(*options)

// WithToken passes the OpenAI API token to the client. If not set, the token
// is read from the OPENAI_API_KEY environment variable.
func WithToken(token string) Option {
	return func(opts *options) {
		opts.token = token
	}
}

// WithModel passes the OpenAI model to the client. If not set, the model
// is read from the OPENAI_MODEL environment variable.
// Required when the provider is Azure.
func WithModel(model string) Option {
	return func(opts *options) {
		opts.model = model
	}
}

// WithBaseURL passes the OpenAI base url to the client. If not set, the base
// url is read from the OPENAI_BASE_URL environment variable, falling back to
// https://api.openai.com/v1.
func WithBaseURL(baseURL string) Option {
	return func(opts *options) {
		opts.baseURL = baseURL
	}
}

// WithOrganization passes the OpenAI organization to the client. If not set,
// the organization is read from the OPENAI_ORGANIZATION environment variable.
func WithOrganization(organization string) Option {
	return func(opts *options) {
		opts.organization = organization
	}
}

// WithProvider passes the api type to the client. If not set, the default
// value is ProviderOpenAI.
func WithProvider(provider ProviderType) Option {
	return func(opts *options) {
		opts.provider = provider
	}
}

// WithAPIVersion passes the api version to the client. If not set, the default
// value is DefaultAPIVersion.
func WithAPIVersion(apiVersion string) Option {
	return func(opts *options) {
		opts.apiVersion = apiVersion
	}
}

// WithHTTPClient allows setting a custom HTTP client. If not set, the default
// value is http.DefaultClient.
func WithHTTPClient(client openaiclient.Doer) Option {
	return func(opts *options) {
		opts.httpClient = client
	}
}

func newClient(opts ...Option) (*options, *openaiclient.Client, error) {
	options := &options{
		token:        os.Getenv(tokenEnvVarName),
		model:        os.Getenv(modelEnvVarName),
		baseURL:      values.StringsCoalesce(os.Getenv(baseURLEnvVarName), openaiclient.DefaultBaseURL),
		organization: os.Getenv(organizationEnvVarName),
		provider:     ProviderOpenAI,
		apiVersion:   DefaultAPIVersion,
	}
	for _, opt := range opts {
		opt(options)
	}

	if options.token == "" {
		return options, nil, ErrMissingToken
	}

	cli, err := openaiclient.New(
		options.provider,
		options.model,
		options.token,
		options.baseURL,
		options.organization,
		options.apiVersion,
		options.httpClient,
	)
	return options, cli, err
}
