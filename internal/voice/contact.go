package voice

import (
	"context"
	"encoding/json"
	"fmt"
)

// RecordContactToolName is the client tool the agent calls to hand over visitor contact details.
const RecordContactToolName = "record_contact"

// ContactRequest is the payload of a record_contact call, enriched with session identity.
type ContactRequest struct {
	SessionID  string `json:"-"`
	ContextKey string `json:"-"`
	Language   string `json:"-"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Notes      string `json:"notes"`
}

// ContactHandler persists contact details collected during a session.
type ContactHandler func(ctx context.Context, req ContactRequest) error

// RecordContactTool returns the tool definition advertised to the backend for configurations
// that collect contact information.
func RecordContactTool() Tool {
	return Tool{
		Name:        RecordContactToolName,
		Description: "Save the visitor's contact details so the team can follow up. Call once, after confirming the details with the visitor.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":  map[string]any{"type": "string", "description": "Visitor's name"},
				"email": map[string]any{"type": "string", "description": "Email address, read back to the visitor"},
				"phone": map[string]any{"type": "string", "description": "Phone number, if given"},
				"notes": map[string]any{"type": "string", "description": "One sentence summary of what the visitor needs"},
			},
		},
	}
}

func parseContactRequest(raw json.RawMessage) (ContactRequest, error) {
	var req ContactRequest
	if len(raw) == 0 {
		return req, fmt.Errorf("missing parameters")
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("invalid parameters: %w", err)
	}
	return req, nil
}
