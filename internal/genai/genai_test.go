package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"

	"github.com/BTreeMap/SiteVoice/internal/models"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func newTestClient(svc chatService) *Client {
	return &Client{chat: svc, model: "test-model", temperature: 0.2, maxTokens: 100}
}

var contactConfig = models.PromptConfiguration{
	ContextKey:       "contact",
	DisplayName:      "Contact",
	SystemPrompt:     "You help visitors get in touch.",
	OpeningUtterance: "Hi! How can we reach you?",
}

func TestGenerateWithMessages_Success(t *testing.T) {
	mock := &mockChatService{resp: reply("  Hello World \n")}
	out, err := newTestClient(mock).GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(mock.params) != 1 || string(mock.params[0].Model) != "test-model" {
		t.Errorf("unexpected params: %+v", mock.params)
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := newTestClient(&mockChatService{err: errors.New("service failure")})
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	client := newTestClient(&mockChatService{resp: openai.ChatCompletion{}})
	_, err := client.GenerateWithMessages(context.Background(), nil)
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected ErrNoChoicesReturned, got %v", err)
	}
}

func TestReply_FirstTurnIncludesOpening(t *testing.T) {
	mock := &mockChatService{resp: reply("Sure, what's your email?")}
	out, err := newTestClient(mock).Reply(context.Background(), contactConfig, models.ChatRequest{Message: "I'd like a call back"})
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if out != "Sure, what's your email?" {
		t.Errorf("unexpected reply %q", out)
	}
	msgs := mock.params[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("expected system, opening and user messages, got %d", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfAssistant == nil || msgs[2].OfUser == nil {
		t.Errorf("unexpected message roles: %+v", msgs)
	}
}

func TestReply_WithHistory(t *testing.T) {
	mock := &mockChatService{resp: reply("Thanks!")}
	req := models.ChatRequest{
		Message: "ada@example.com",
		History: []models.ChatTurn{
			{Role: "assistant", Content: "What's your email?"},
			{Role: "user", Content: "Sure"},
		},
	}
	if _, err := newTestClient(mock).Reply(context.Background(), contactConfig, req); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	msgs := mock.params[0].Messages
	if len(msgs) != 4 {
		t.Fatalf("expected system, two history turns and user message, got %d", len(msgs))
	}
	if msgs[1].OfAssistant == nil || msgs[2].OfUser == nil || msgs[3].OfUser == nil {
		t.Errorf("unexpected message roles: %+v", msgs)
	}
}

func TestReply_InvalidRequest(t *testing.T) {
	mock := &mockChatService{resp: reply("unused")}
	_, err := newTestClient(mock).Reply(context.Background(), contactConfig, models.ChatRequest{Message: "  "})
	if !errors.Is(err, models.ErrEmptyChatMessage) {
		t.Errorf("expected ErrEmptyChatMessage, got %v", err)
	}
	if len(mock.params) != 0 {
		t.Error("invalid request should not reach the API")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4.1-mini"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4.1-mini" || cli.maxTokens != DefaultMaxTokens {
		t.Errorf("unexpected client config: model=%s maxTokens=%d", cli.model, cli.maxTokens)
	}
}
