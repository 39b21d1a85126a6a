package voice

// Phase is the connection phase of a Manager.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
)

// State is a read-only snapshot of a Manager's session state.
type State struct {
	Phase          Phase  `json:"phase"`
	IsListening    bool   `json:"is_listening"`
	IsSpeaking     bool   `json:"is_speaking"`
	LastError      string `json:"last_error,omitempty"`
	Language       string `json:"language"`
	ContextKey     string `json:"context_key,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Idle reports whether no session is open or opening.
func (s State) Idle() bool {
	return s.Phase == PhaseIdle
}
