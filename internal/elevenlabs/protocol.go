package elevenlabs

import (
	"encoding/json"

	"github.com/BTreeMap/SiteVoice/internal/voice"
)

// Server frame types handled by Conn.
const (
	frameInitiationMetadata = "conversation_initiation_metadata"
	framePing               = "ping"
	frameAudio              = "audio"
	frameUserTranscript     = "user_transcript"
	frameInterruption       = "interruption"
	frameAgentResponse      = "agent_response"
	frameClientToolCall     = "client_tool_call"
	frameError              = "error"
)

type initiationFrame struct {
	Type     string           `json:"type"`
	Override overrideEnvelope `json:"conversation_config_override"`
}

type overrideEnvelope struct {
	Agent agentOverride `json:"agent"`
}

type agentOverride struct {
	Prompt       promptOverride `json:"prompt"`
	FirstMessage string         `json:"first_message,omitempty"`
	Language     string         `json:"language,omitempty"`
}

type promptOverride struct {
	Prompt string       `json:"prompt"`
	Tools  []voice.Tool `json:"tools,omitempty"`
}

func newInitiationFrame(req voice.ConnectRequest) initiationFrame {
	return initiationFrame{
		Type: "conversation_initiation_client_data",
		Override: overrideEnvelope{Agent: agentOverride{
			Prompt:       promptOverride{Prompt: req.Prompt, Tools: req.Tools},
			FirstMessage: req.FirstMessage,
			Language:     req.Language,
		}},
	}
}

// serverFrame is the union of the server frames Conn understands.
type serverFrame struct {
	Type string `json:"type"`

	Metadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event,omitempty"`

	Ping *struct {
		EventID int64 `json:"event_id"`
		PingMS  int64 `json:"ping_ms"`
	} `json:"ping_event,omitempty"`

	Audio *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	ToolCall *struct {
		ToolName   string          `json:"tool_name"`
		ToolCallID string          `json:"tool_call_id"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"client_tool_call,omitempty"`

	Message    string `json:"message,omitempty"`
	ErrorEvent *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error_event,omitempty"`
}

func (f serverFrame) errorMessage() string {
	if f.ErrorEvent != nil && f.ErrorEvent.Message != "" {
		return f.ErrorEvent.Message
	}
	if f.Message != "" {
		return f.Message
	}
	return "voice backend error"
}

type pongFrame struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type audioChunkFrame struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type toolResultFrame struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}
