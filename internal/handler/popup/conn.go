package popup

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

const writeWait = 10 * time.Second

// Outbound message types.
const (
	TypeMessage           = "message"
	TypeScroll            = "scroll"
	TypeInput             = "input"
	TypeFocus             = "focus"
	TypeSendEnabled       = "send_enabled"
	TypeResetFileInput    = "reset_file_input"
	TypeOpenFilePicker    = "open_file_picker"
	TypePermissionRequest = "permission_request"
	TypeMicRelease        = "mic_release"
	TypeVoiceState        = "voice_state"
	TypeError             = "error"
)

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// PermissionResult 是客户端对麦克风权限请求的回复。
type PermissionResult struct {
	RequestID string `json:"requestId"`
	Granted   bool   `json:"granted"`
	Error     string `json:"error,omitempty"`
}

// Conn is one popup websocket. It is the controller's view and the
// session's microphone while attached.
type Conn struct {
	sessionID string
	ws        *websocket.Conn

	writeMu sync.Mutex

	permMu  sync.Mutex
	pending map[string]chan PermissionResult

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(sessionID string, ws *websocket.Conn) *Conn {
	return &Conn{
		sessionID: sessionID,
		ws:        ws,
		pending:   make(map[string]chan PermissionResult),
		done:      make(chan struct{}),
	}
}

func (c *Conn) send(msgType string, data interface{}) {
	msg := outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		log.Debug().Str("component", "popup-ws").Str("session", c.sessionID).Str("type", msgType).Err(err).Msg("write failed")
	}
}

func (c *Conn) sendError(message string) {
	c.send(TypeError, map[string]string{"message": message})
}

// Render implements popup.Port.
func (c *Conn) Render(msg chat.Message) { c.send(TypeMessage, msg) }

// ScrollToBottom implements popup.Port.
func (c *Conn) ScrollToBottom() { c.send(TypeScroll, nil) }

// SetInput implements popup.Port.
func (c *Conn) SetInput(text string) { c.send(TypeInput, map[string]string{"text": text}) }

// FocusInput implements popup.Port.
func (c *Conn) FocusInput() { c.send(TypeFocus, nil) }

// SetSendEnabled implements popup.Port.
func (c *Conn) SetSendEnabled(enabled bool) {
	c.send(TypeSendEnabled, map[string]bool{"enabled": enabled})
}

// ResetFileInput implements popup.Port.
func (c *Conn) ResetFileInput() { c.send(TypeResetFileInput, nil) }

// OpenFilePicker implements popup.Port.
func (c *Conn) OpenFilePicker() { c.send(TypeOpenFilePicker, nil) }

// RequestPermission asks the popup for microphone access and waits for the answer.
func (c *Conn) RequestPermission(ctx context.Context) (voice.AudioStream, error) {
	id := uuid.NewString()
	ch := make(chan PermissionResult, 1)

	c.permMu.Lock()
	c.pending[id] = ch
	c.permMu.Unlock()
	defer func() {
		c.permMu.Lock()
		delete(c.pending, id)
		c.permMu.Unlock()
	}()

	c.send(TypePermissionRequest, map[string]string{"requestId": id})

	select {
	case res := <-ch:
		if !res.Granted {
			if res.Error != "" {
				return nil, errors.Wrap(voice.ErrPermissionDenied, res.Error)
			}
			return nil, voice.ErrPermissionDenied
		}
		return releaseStream{c}, nil
	case <-c.done:
		return nil, errors.Wrap(voice.ErrPermissionDenied, "connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolvePermission delivers an answer; unknown request IDs are dropped.
func (c *Conn) resolvePermission(res PermissionResult) bool {
	c.permMu.Lock()
	ch, ok := c.pending[res.RequestID]
	c.permMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- res:
	default:
	}
	return true
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
		_ = c.ws.Close()
	})
}

// releaseStream stands for the probe capture held by the popup.
type releaseStream struct{ c *Conn }

func (s releaseStream) Stop() { s.c.send(TypeMicRelease, nil) }
