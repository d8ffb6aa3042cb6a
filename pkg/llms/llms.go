package llms

import (
	"context"
)

// ProviderType is the type of completion provider.
type ProviderType string

const (
	// ProviderOpenAI is an OpenAI-compatible provider.
	ProviderOpenAI ProviderType = "OPENAI"
	// ProviderAzure is an Azure-hosted OpenAI-compatible provider.
	ProviderAzure ProviderType = "AZURE"
)

// Model is the interface chat completion providers implement.
type Model interface {
	// GetName returns the configured model name.
	GetName() string
	// GetProviderType returns the type of provider.
	GetProviderType() ProviderType
	// GenerateContent asks the model to generate content from a sequence of
	// messages. Streaming is enabled by passing WithStreamingFunc; the full
	// response, including any reconstructed tool calls, is still returned
	// once the stream completes.
	GenerateContent(ctx context.Context, messages []Message, options ...CallOption) (*ContentResponse, error)
}
