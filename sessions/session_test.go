package sessions

import (
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestFlattenContent(t *testing.T) {
	text := flattenContent([]mcp.Content{
		mcp.TextContent{Type: "text", Text: "line one"},
		mcp.TextContent{Type: "text", Text: "line two"},
	})
	assert.Equal(t, "line one\nline two", text)

	assert.Empty(t, flattenContent(nil))
}

func TestFlattenContent_BinaryPlaceholders(t *testing.T) {
	data := strings.Repeat("QUFB", 100)
	text := flattenContent([]mcp.Content{
		mcp.TextContent{Type: "text", Text: "chart below"},
		mcp.ImageContent{Type: "image", Data: data, MIMEType: "image/png"},
		mcp.AudioContent{Type: "audio", Data: data, MIMEType: "audio/wav"},
		mcp.EmbeddedResource{Type: "resource"},
	})
	assert.Equal(t, "chart below\n[Image Content]\n[Audio Content]\n[Embedded Resource]", text)
	assert.NotContains(t, text, data)
}
