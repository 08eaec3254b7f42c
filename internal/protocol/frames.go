package protocol

import "encoding/json"

// Frame type values exchanged with the client. Inbound and outbound frames
// share the same {type, data} envelope.
const (
	// Inbound
	TypeInit            = "init"
	TypePing            = "ping"
	TypeUserSendMessage = "userSendMessage"

	// Outbound
	TypePong           = "pong"
	TypeNewChatMessage = "newChatMessage"
	TypeStreamChunk    = "stream_chunk"
	TypeError          = "error"
	TypeDone           = "done"
)

// Error codes carried in error frames. Closed set; messages are for humans,
// codes are for clients.
const (
	CodeValidation     = "validation_error"
	CodeNotInitialized = "not_initialized"
	CodeBusy           = "busy"
	CodeStorage        = "storage_error"
	CodeUpstream       = "upstream_error"
	CodeTimeout        = "timeout"
	CodeInternal       = "internal"
)

// Frame is the stable envelope for every outbound message.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ChatMessageData is the payload of a newChatMessage frame.
type ChatMessageData struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// StreamChunkData is the payload of a stream_chunk frame. Content holds one
// chunk only, never the running concatenation.
type StreamChunkData struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Event     string `json:"event"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DoneData is the payload of a done frame. Meta carries a warning flag when
// assistant persistence failed after the stream completed.
type DoneData struct {
	SessionID string         `json:"session_id"`
	MessageID string         `json:"message_id"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// InitData is the payload of an outbound init frame.
type InitData struct {
	SessionID string         `json:"session_id"`
	Messages  []any          `json:"messages"`
	Config    map[string]any `json:"config"`
}

// Init builds the init reply frame. Messages must never be null on the wire.
func Init(sessionID string, messages []any, config map[string]any) Frame {
	if messages == nil {
		messages = []any{}
	}
	return Frame{Type: TypeInit, Data: InitData{
		SessionID: sessionID,
		Messages:  messages,
		Config:    config,
	}}
}

// Pong builds the heartbeat reply frame.
func Pong() Frame {
	return Frame{Type: TypePong}
}

// NewChatMessage builds the user echo frame.
func NewChatMessage(sessionID, content, messageID, role string, timestamp int64, msgType string) Frame {
	return Frame{Type: TypeNewChatMessage, Data: ChatMessageData{
		SessionID: sessionID,
		Content:   content,
		MessageID: messageID,
		Role:      role,
		Timestamp: timestamp,
		Type:      msgType,
	}}
}

// StreamChunk builds one incremental assistant content frame.
func StreamChunk(sessionID, content, messageID string, timestamp int64) Frame {
	return Frame{Type: TypeStreamChunk, Data: StreamChunkData{
		SessionID: sessionID,
		Content:   content,
		Event:     "content",
		MessageID: messageID,
		Role:      "assistant",
		Timestamp: timestamp,
		Type:      TypeStreamChunk,
	}}
}

// Error builds an error frame from the closed code set.
func Error(code, message string) Frame {
	return Frame{Type: TypeError, Data: ErrorData{Code: code, Message: message}}
}

// Done builds the turn completion frame.
func Done(sessionID, messageID string, meta map[string]any) Frame {
	return Frame{Type: TypeDone, Data: DoneData{
		SessionID: sessionID,
		MessageID: messageID,
		Meta:      meta,
	}}
}

// Marshal serializes a frame to its wire form.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}
