package llms

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// contentPartJSON is the serialized form of a polymorphic content part.
type contentPartJSON struct {
	Type         string            `json:"type"`
	Text         string            `json:"text,omitempty"`
	ToolCall     *ToolCall         `json:"tool_call,omitempty"`
	ToolResponse *ToolCallResponse `json:"tool_response,omitempty"`
}

type messageJSON struct {
	Role  Role              `json:"role"`
	Parts []contentPartJSON `json:"parts"`
}

// MarshalJSON implements json.Marshaler for Message.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{Role: m.Role}
	for _, p := range m.Parts {
		switch typ := p.(type) {
		case TextContent:
			out.Parts = append(out.Parts, contentPartJSON{Type: "text", Text: typ.Text})
		case ToolCall:
			tc := typ
			out.Parts = append(out.Parts, contentPartJSON{Type: "tool_call", ToolCall: &tc})
		case ToolCallResponse:
			tr := typ
			out.Parts = append(out.Parts, contentPartJSON{Type: "tool_response", ToolResponse: &tr})
		default:
			return nil, errors.Newf("unsupported content part type %T", p)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler for Message.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, "failed to unmarshal message")
	}
	m.Role = in.Role
	m.Parts = nil
	for _, p := range in.Parts {
		switch p.Type {
		case "text":
			m.Parts = append(m.Parts, TextContent{Text: p.Text})
		case "tool_call":
			if p.ToolCall == nil {
				return errors.New("tool_call part without payload")
			}
			m.Parts = append(m.Parts, *p.ToolCall)
		case "tool_response":
			if p.ToolResponse == nil {
				return errors.New("tool_response part without payload")
			}
			m.Parts = append(m.Parts, *p.ToolResponse)
		default:
			return errors.Newf("unsupported content part type %q", p.Type)
		}
	}
	return nil
}
