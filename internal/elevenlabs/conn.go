package elevenlabs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/SiteVoice/internal/voice"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// ErrClosed is returned when writing to a closed conversation.
var ErrClosed = errors.New("conversation is closed")

// Conn is an open ElevenLabs conversation. It implements voice.Conn.
type Conn struct {
	ws          *websocket.Conn
	sessionID   string
	quietWindow time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

func newConn(ws *websocket.Conn, sessionID string, quietWindow time.Duration) *Conn {
	return &Conn{
		ws:          ws,
		sessionID:   sessionID,
		quietWindow: quietWindow,
		done:        make(chan struct{}),
	}
}

type readResult struct {
	data []byte
	err  error
}

// Serve delivers events until the conversation ends, then closes the connection.
// Events are delivered from the calling goroutine only.
func (c *Conn) Serve(events voice.Events) {
	defer c.Close()

	frames := make(chan readResult, 64)
	go c.readLoop(frames)

	var quiet *time.Timer
	var quietC <-chan time.Time
	stopQuiet := func() {
		if quiet != nil {
			quiet.Stop()
			quiet, quietC = nil, nil
		}
	}
	defer stopQuiet()
	speaking := false

	for {
		select {
		case res := <-frames:
			if res.err != nil {
				c.terminate(events, res.err)
				return
			}
			var frame serverFrame
			if err := json.Unmarshal(res.data, &frame); err != nil {
				slog.Warn("Conn.Serve: ignoring malformed frame", "session_id", c.sessionID, "error", err)
				continue
			}
			switch frame.Type {
			case frameInitiationMetadata:
				id := ""
				if frame.Metadata != nil {
					id = frame.Metadata.ConversationID
				}
				events.Connected(id)
			case framePing:
				if frame.Ping != nil {
					if err := c.writeJSON(pongFrame{Type: "pong", EventID: frame.Ping.EventID}); err != nil {
						slog.Warn("Conn.Serve: failed to answer ping", "session_id", c.sessionID, "error", err)
					}
				}
			case frameAudio:
				if frame.Audio == nil {
					continue
				}
				chunk, err := base64.StdEncoding.DecodeString(frame.Audio.AudioBase64)
				if err != nil {
					slog.Warn("Conn.Serve: invalid audio payload", "session_id", c.sessionID, "error", err)
					continue
				}
				if !speaking {
					speaking = true
					events.ModeChanged(voice.ModeSpeaking)
				}
				events.Audio(chunk)
				stopQuiet()
				quiet = time.NewTimer(c.quietWindow)
				quietC = quiet.C
			case frameUserTranscript, frameInterruption:
				stopQuiet()
				speaking = false
				events.ModeChanged(voice.ModeListening)
			case frameClientToolCall:
				if frame.ToolCall == nil {
					continue
				}
				events.ToolCall(voice.ToolCall{
					ID:         frame.ToolCall.ToolCallID,
					Name:       frame.ToolCall.ToolName,
					Parameters: frame.ToolCall.Parameters,
				})
			case frameError:
				events.Error(frame.errorMessage())
				return
			case frameAgentResponse:
				// Transcript text is not retained.
			default:
				slog.Debug("Conn.Serve: unhandled frame", "session_id", c.sessionID, "type", frame.Type)
			}
		case <-c.done:
			events.Disconnected("closed")
			return
		case <-quietC:
			quiet, quietC = nil, nil
			if speaking {
				speaking = false
				events.ModeChanged(voice.ModeListening)
			}
		}
	}
}

func (c *Conn) readLoop(out chan<- readResult) {
	for {
		_, data, err := c.ws.ReadMessage()
		select {
		case out <- readResult{data: data, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) terminate(events voice.Events, err error) {
	if c.closed.Load() {
		events.Disconnected("closed")
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway {
			reason := strings.TrimSpace(closeErr.Text)
			if reason == "" {
				reason = fmt.Sprintf("closed (%d)", closeErr.Code)
			}
			events.Disconnected(reason)
			return
		}
		events.Error(fmt.Sprintf("connection closed unexpectedly (%d): %s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
		return
	}
	events.Error(fmt.Sprintf("connection lost: %v", err))
}

// SendAudio relays a chunk of microphone audio.
func (c *Conn) SendAudio(chunk []byte) error {
	return c.writeJSON(audioChunkFrame{UserAudioChunk: base64.StdEncoding.EncodeToString(chunk)})
}

// SendToolResult answers a client tool call.
func (c *Conn) SendToolResult(callID, result string, isError bool) error {
	return c.writeJSON(toolResultFrame{
		Type:       "client_tool_result",
		ToolCallID: callID,
		Result:     result,
		IsError:    isError,
	})
}

func (c *Conn) writeJSON(v any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// Close sends a close frame and closes the connection. It does not wait for Serve to return.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}
