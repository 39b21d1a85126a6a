package panel

import "github.com/BTreeMap/SiteVoice/internal/voice"

// Client frame types.
const (
	FrameStart       = "start"
	FrameStop        = "stop"
	FrameSetLanguage = "set_language"
	FrameAudio       = "audio"
)

// Server frame types.
const (
	FrameState  = "state"
	FrameError  = "error"
	FrameNotice = "notice"
)

// clientFrame is a JSON text message from the browser. Audio may also arrive as a binary
// message carrying the raw chunk.
type clientFrame struct {
	Type     string `json:"type"`
	Context  string `json:"context,omitempty"`
	Language string `json:"language,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// serverFrame is a JSON text message to the browser. []byte fields travel base64 encoded.
type serverFrame struct {
	Type    string       `json:"type"`
	State   *voice.State `json:"state,omitempty"`
	Data    []byte       `json:"data,omitempty"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message,omitempty"`
}

func stateFrame(st voice.State) serverFrame {
	return serverFrame{Type: FrameState, State: &st}
}

func errorFrame(code, message string) serverFrame {
	return serverFrame{Type: FrameError, Code: code, Message: message}
}
