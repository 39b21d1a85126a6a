// Package models defines the core data structures for SiteVoice.
//
// It includes prompt configurations, captured leads, session audit records and the
// JSON envelope used by every HTTP endpoint. These types are shared across modules.
package models

import (
	"errors"
	"net/mail"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxContextKeyLength defines the maximum allowed length for a context key
	MaxContextKeyLength = 64
	// MaxSystemPromptLength defines the maximum allowed length for a system prompt
	MaxSystemPromptLength = 16384
	// MaxLeadFieldLength defines the maximum allowed length for free-text lead fields
	MaxLeadFieldLength = 512
	// MaxChatMessageLength defines the maximum allowed length for a text-chat message
	MaxChatMessageLength = 4096
	// MaxChatHistoryLength defines the maximum number of prior turns accepted by the text chat
	MaxChatHistoryLength = 40
)

// Error variables for better error handling and testability
var (
	ErrEmptyContextKey      = errors.New("context key cannot be empty")
	ErrContextKeyTooLong    = errors.New("context key exceeds maximum length")
	ErrEmptyDisplayName     = errors.New("display name cannot be empty")
	ErrEmptySystemPrompt    = errors.New("system prompt cannot be empty")
	ErrSystemPromptTooLong  = errors.New("system prompt exceeds maximum length")
	ErrMissingContact       = errors.New("lead requires an email or phone number")
	ErrInvalidEmail         = errors.New("invalid email address")
	ErrLeadFieldTooLong     = errors.New("lead field exceeds maximum length")
	ErrEmptyChatMessage     = errors.New("message cannot be empty")
	ErrChatMessageTooLong   = errors.New("message exceeds maximum length")
	ErrChatHistoryTooLong   = errors.New("history exceeds maximum length")
	ErrInvalidChatRole      = errors.New("history role must be user or assistant")
	ErrInvalidSessionRecord = errors.New("session record requires a session id")
)

// PromptConfiguration is the immutable per-context record handed to the voice backend.
type PromptConfiguration struct {
	ContextKey          string   `json:"context_key" yaml:"key"`
	DisplayName         string   `json:"display_name" yaml:"display_name"`
	SystemPrompt        string   `json:"system_prompt" yaml:"system_prompt"`
	OpeningUtterance    string   `json:"opening_utterance" yaml:"opening_utterance"`
	CollectsContactInfo bool     `json:"collects_contact_info" yaml:"collects_contact_info"`
	Topics              []string `json:"topics,omitempty" yaml:"topics"`
}

// Validate checks that the configuration can be served to the backend.
func (p *PromptConfiguration) Validate() error {
	if strings.TrimSpace(p.ContextKey) == "" {
		return ErrEmptyContextKey
	}
	if len(p.ContextKey) > MaxContextKeyLength {
		return ErrContextKeyTooLong
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return ErrEmptyDisplayName
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return ErrEmptySystemPrompt
	}
	if len(p.SystemPrompt) > MaxSystemPromptLength {
		return ErrSystemPromptTooLong
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate registry-owned slices.
func (p PromptConfiguration) Clone() PromptConfiguration {
	if p.Topics != nil {
		p.Topics = append([]string(nil), p.Topics...)
	}
	return p
}

// Lead holds contact details the assistant collected during a voice session.
// It never carries conversation text beyond the optional notes the visitor dictated.
type Lead struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ContextKey string    `json:"context_key"`
	Language   string    `json:"language,omitempty"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate performs validation on a Lead before it is stored.
func (l *Lead) Validate() error {
	if l.Email == "" && l.Phone == "" {
		return ErrMissingContact
	}
	if l.Email != "" {
		if _, err := mail.ParseAddress(l.Email); err != nil {
			return ErrInvalidEmail
		}
	}
	for _, field := range []string{l.Name, l.Email, l.Phone, l.Notes} {
		if len(field) > MaxLeadFieldLength {
			return ErrLeadFieldTooLong
		}
	}
	return nil
}

// SessionOutcome describes how a voice session ended.
type SessionOutcome string

const (
	// OutcomeStopped indicates the visitor ended the session.
	OutcomeStopped SessionOutcome = "stopped"
	// OutcomeDisconnected indicates the backend closed the session.
	OutcomeDisconnected SessionOutcome = "disconnected"
	// OutcomeConnectFailed indicates the backend could not establish the session.
	OutcomeConnectFailed SessionOutcome = "connect_failed"
	// OutcomeError indicates the backend reported an error mid-session.
	OutcomeError SessionOutcome = "error"
	// OutcomeTimeout indicates the connection attempt exceeded the connect timeout.
	OutcomeTimeout SessionOutcome = "timeout"
	// OutcomeTeardown indicates the hosting panel was discarded.
	OutcomeTeardown SessionOutcome = "teardown"
)

// SessionRecord is the lifecycle audit entry for one voice session.
type SessionRecord struct {
	SessionID   string         `json:"session_id"`
	ContextKey  string         `json:"context_key"`
	Language    string         `json:"language"`
	Outcome     SessionOutcome `json:"outcome"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	ConnectedAt *time.Time     `json:"connected_at,omitempty"`
	EndedAt     time.Time      `json:"ended_at"`
}

// Validate checks the minimum fields required to persist a record.
func (r *SessionRecord) Validate() error {
	if r.SessionID == "" {
		return ErrInvalidSessionRecord
	}
	return nil
}

// ChatTurn is one prior message in a text-chat exchange.
type ChatTurn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the payload for the text-chat fallback.
type ChatRequest struct {
	ContextKey string     `json:"context_key"`
	Message    string     `json:"message"`
	History    []ChatTurn `json:"history,omitempty"`
}

// Validate checks a text-chat request.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyChatMessage
	}
	if len(r.Message) > MaxChatMessageLength {
		return ErrChatMessageTooLong
	}
	if len(r.History) > MaxChatHistoryLength {
		return ErrChatHistoryTooLong
	}
	for _, turn := range r.History {
		if turn.Role != "user" && turn.Role != "assistant" {
			return ErrInvalidChatRole
		}
		if len(turn.Content) > MaxChatMessageLength {
			return ErrChatMessageTooLong
		}
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
