package voice

import (
	"context"
	"encoding/json"
)

// Mode is the backend's report of who currently holds the floor.
type Mode string

const (
	// ModeListening means the agent is listening to the visitor.
	ModeListening Mode = "listening"
	// ModeSpeaking means the agent is speaking.
	ModeSpeaking Mode = "speaking"
)

// Credentials identify the hosted agent. APIKey may be empty for public agents.
type Credentials struct {
	APIKey  string
	AgentID string
}

// Tool describes a client-side tool the backend agent may call.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation requested by the backend agent.
type ToolCall struct {
	ID         string
	Name       string
	Parameters json.RawMessage
}

// ConnectRequest carries the connection parameters for one session.
type ConnectRequest struct {
	SessionID    string
	ContextKey   string
	Prompt       string
	FirstMessage string
	Language     string
	Credentials  Credentials
	Tools        []Tool
}

// Backend opens live conversations with the hosted voice service.
type Backend interface {
	// Connect dials the service and sends the connection parameters. It returns once the
	// transport is open; the session is not live until Events.Connected is delivered.
	Connect(ctx context.Context, req ConnectRequest) (Conn, error)
}

// Conn is an open conversation. It is owned by exactly one Manager.
type Conn interface {
	// Serve reads from the backend and delivers events in order until the conversation ends.
	// It emits exactly one terminal event (Disconnected or Error) before returning.
	Serve(events Events)
	// SendAudio relays a chunk of microphone audio.
	SendAudio(chunk []byte) error
	// SendToolResult answers a ToolCall.
	SendToolResult(callID, result string, isError bool) error
	// Close ends the conversation. It is safe to call more than once.
	Close() error
}

// Events receives callbacks from a Conn.
type Events interface {
	Connected(conversationID string)
	Disconnected(reason string)
	Error(message string)
	ModeChanged(mode Mode)
	Audio(chunk []byte)
	ToolCall(call ToolCall)
}
