package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformed is returned for frames that are not valid JSON objects or
// that carry no usable payload.
var ErrMalformed = errors.New("malformed frame")

// InitRequest is the payload of an inbound init frame. Config, when present,
// is a patch merged into the session's stored config before the reply.
type InitRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Config    map[string]any `json:"config"`
}

// UserMessage is the normalized payload of a user turn, whatever shape it
// arrived in.
type UserMessage struct {
	Content   string         `json:"content"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Context   map[string]any `json:"context"`
}

// Inbound is one parsed client frame. Exactly one of the payload fields is
// set, matching Type.
type Inbound struct {
	Type    string
	Init    *InitRequest
	Message *UserMessage
}

// rawInbound mirrors the envelope plus the legacy flat fields. Old clients
// send {message, session_id, context} with no envelope at all; those are
// coerced to userSendMessage here so the legacy shape never leaks past the
// protocol boundary.
type rawInbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`

	// legacy flat form
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	Context   map[string]any `json:"context"`
}

// rawUserData accepts both "content" and "message" keys inside data.
type rawUserData struct {
	Content   string         `json:"content"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Context   map[string]any `json:"context"`
}

// ParseInbound decodes one client frame, coercing the legacy flat shape.
func ParseInbound(raw []byte) (Inbound, error) {
	var envelope rawInbound
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Inbound{}, ErrMalformed
	}

	switch envelope.Type {
	case TypePing:
		return Inbound{Type: TypePing}, nil

	case TypeInit:
		var req InitRequest
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &req); err != nil {
				return Inbound{}, ErrMalformed
			}
		}
		return Inbound{Type: TypeInit, Init: &req}, nil

	case TypeUserSendMessage:
		var data rawUserData
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, &data); err != nil {
				return Inbound{}, ErrMalformed
			}
		}
		msg := normalizeUserMessage(data)
		if msg.Content == "" {
			return Inbound{}, ErrMalformed
		}
		return Inbound{Type: TypeUserSendMessage, Message: &msg}, nil

	case "":
		// Legacy flat form: the frame itself carries the message field.
		if strings.TrimSpace(envelope.Message) == "" {
			return Inbound{}, ErrMalformed
		}
		return Inbound{Type: TypeUserSendMessage, Message: &UserMessage{
			Content:   envelope.Message,
			SessionID: envelope.SessionID,
			Type:      "text",
			Context:   envelope.Context,
		}}, nil

	default:
		return Inbound{Type: envelope.Type}, nil
	}
}

func normalizeUserMessage(data rawUserData) UserMessage {
	content := data.Content
	if content == "" {
		content = data.Message
	}
	msgType := data.Type
	if msgType == "" {
		msgType = "text"
	}
	return UserMessage{
		Content:   content,
		SessionID: data.SessionID,
		Type:      msgType,
		Context:   data.Context,
	}
}
