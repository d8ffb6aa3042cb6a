package llmutils

import (
	"bytes"
	"encoding/json"

	"github.com/effective-security/toolchat/pkg/llms"
)

// CleanJSON trims any prose before and after the outermost JSON value.
// Models occasionally wrap tool arguments in explanation text.
func CleanJSON(bs []byte) []byte {
	return trimPostfixAfterJSON(trimPrefixBeforeJSON(bs))
}

func trimPrefixBeforeJSON(bs []byte) []byte {
	startObject := bytes.IndexByte(bs, '{')
	startArray := bytes.IndexByte(bs, '[')

	var start int
	switch {
	case startObject == -1 && startArray == -1:
		return bs
	case startObject == -1:
		start = startArray
	case startArray == -1:
		start = startObject
	default:
		start = min(startObject, startArray)
	}
	return bs[start:]
}

func trimPostfixAfterJSON(bs []byte) []byte {
	endObject := bytes.LastIndexByte(bs, '}')
	endArray := bytes.LastIndexByte(bs, ']')

	var end int
	switch {
	case endObject == -1 && endArray == -1:
		return bs
	case endObject == -1:
		end = endArray
	case endArray == -1:
		end = endObject
	default:
		end = max(endObject, endArray)
	}
	return bs[:end+1]
}

// ToJSON renders a value as compact JSON for logging.
func ToJSON(val any) string {
	js, _ := json.Marshal(val)
	return string(js)
}

// CountMessagesContentSize counts the size of the content in the messages.
func CountMessagesContentSize(msgs []llms.Message) uint64 {
	var size uint64
	for _, mc := range msgs {
		size += uint64(len(mc.Role))
		for _, p := range mc.Parts {
			switch pp := p.(type) {
			case llms.TextContent:
				size += uint64(len(pp.Text))
			case llms.ToolCall:
				size += uint64(len(pp.ID))
				size += uint64(len(pp.Type))
				if pp.FunctionCall != nil {
					size += uint64(len(pp.FunctionCall.Name))
					size += uint64(len(pp.FunctionCall.Arguments))
				}
			case llms.ToolCallResponse:
				size += uint64(len(pp.ToolCallID))
				size += uint64(len(pp.Name))
				size += uint64(len(pp.Content))
			}
		}
	}
	return size
}

// CountResponseContentSize counts the size of the content in the response.
func CountResponseContentSize(resp *llms.ContentResponse) uint64 {
	var size uint64
	for _, choice := range resp.Choices {
		size += uint64(len(choice.Content))
		for _, toolCall := range choice.ToolCalls {
			size += uint64(len(toolCall.ID))
			size += uint64(len(toolCall.Type))
			if toolCall.FunctionCall != nil {
				size += uint64(len(toolCall.FunctionCall.Name))
				size += uint64(len(toolCall.FunctionCall.Arguments))
			}
		}
	}
	return size
}

