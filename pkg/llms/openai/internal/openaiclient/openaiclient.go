package openaiclient

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolchat", "openai")

const (
	DefaultBaseURL   = "https://api.openai.com/v1"
	DefaultChatModel = "gpt-4o"
	DefaultMaxTokens = 16384
)

// ErrEmptyResponse is returned when the API returns an empty response.
var ErrEmptyResponse = errors.New("empty response")

type ProviderType string

const (
	ProviderOpenAI ProviderType = "OPENAI"
	ProviderAzure  ProviderType = "AZURE"
)

// Doer performs a HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a client for an OpenAI-compatible chat completions API.
type Client struct {
	Model    string
	Provider ProviderType

	token        string
	baseURL      string
	organization string
	// required when Provider is ProviderAzure
	apiVersion string
	httpClient Doer
}

// New returns a new API client.
func New(provider ProviderType, model, token, baseURL, organization, apiVersion string, httpClient Doer) (*Client, error) {
	c := &Client{
		Model:        model,
		Provider:     provider,
		token:        token,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		organization: organization,
		apiVersion:   apiVersion,
		httpClient:   httpClient,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultChatModel
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	return c, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.organization != "" {
		req.Header.Set("OpenAI-Organization", c.organization)
	}
}

func (c *Client) buildURL(suffix string, model string) string {
	if c.Provider == ProviderAzure {
		// azure example url:
		// /openai/deployments/{model}/chat/completions?api-version={api_version}
		return fmt.Sprintf("%s/openai/deployments/%s%s?api-version=%s",
			c.baseURL, model, suffix, c.apiVersion,
		)
	}
	return fmt.Sprintf("%s%s", c.baseURL, suffix)
}

type errorMessage struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
