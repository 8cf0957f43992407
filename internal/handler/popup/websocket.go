package popup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	popupservice "github.com/zhouzirui/popchat/backend/internal/service/popup"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Inbound message types.
const (
	TypeSubmit           = "submit"
	TypeMicClick         = "mic_click"
	TypeAttachClick      = "attach_click"
	TypePermissionResult = "permission_result"
	TypeAudio            = "audio"
	TypeImageLoaded      = "image_loaded"
)

// Controllers resolves the controller of a live session.
type Controllers interface {
	Get(sessionID string) (*popupservice.Controller, error)
}

// Handler WebSocket 弹窗桥接处理器
type Handler struct {
	controllers Controllers
	hub         *Hub
	upgrader    websocket.Upgrader
}

// New 创建WebSocket处理器
func New(controllers Controllers, hub *Hub) *Handler {
	return &Handler{
		controllers: controllers,
		hub:         hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/popup/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

type submitData struct {
	Text string `json:"text"`
}

type audioData struct {
	Audio []byte `json:"audio"`
}

type imageLoadedData struct {
	ObjectID string `json:"objectId"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	ctrl, err := h.controllers.Get(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "popup-ws").Err(err).Msg("upgrade failed")
		return
	}

	conn := newConn(sessionID, ws)
	if prev := h.hub.attach(sessionID, conn); prev != nil {
		prev.close("replaced by a newer popup")
	}
	log.Info().Str("component", "popup-ws").Str("session", sessionID).Msg("popup connected")

	// 读循环结束前请求上下文可能仍然有效，单独取消。
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		ctrl.Detach(conn)
		h.hub.detach(sessionID, conn)
		conn.close("bye")
		log.Info().Str("component", "popup-ws").Str("session", sessionID).Msg("popup disconnected")
	}()

	ctrl.Voice().OnStateChange(func(s voice.State) {
		if c := h.hub.Current(sessionID); c != nil {
			c.send(TypeVoiceState, map[string]string{"state": s.String()})
		}
	})
	ctrl.Attach(conn)
	conn.send(TypeVoiceState, map[string]string{"state": ctrl.Voice().State().String()})

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go pingLoop(ctx, conn)

	for {
		kind, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Str("component", "popup-ws").Str("session", sessionID).Err(err).Msg("read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		if kind == websocket.BinaryMessage {
			h.feedAudio(conn, ctrl, payload)
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			conn.sendError("invalid message")
			continue
		}
		if msg.SessionID != "" && msg.SessionID != sessionID {
			conn.sendError("session mismatch")
			continue
		}

		h.handleMessage(ctx, conn, ctrl, &msg)
	}
}

// handleMessage dispatches one inbound message. Anything that may wait on
// the popup runs off the read loop so permission answers still arrive.
func (h *Handler) handleMessage(ctx context.Context, conn *Conn, ctrl *popupservice.Controller, msg *inboundMessage) {
	switch msg.Type {
	case TypeSubmit:
		var data submitData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			conn.sendError("invalid submit payload")
			return
		}
		go func() {
			err := ctrl.Submit(ctx, data.Text)
			if errors.Is(err, popupservice.ErrSubmitInFlight) {
				conn.sendError(err.Error())
			} else if err != nil {
				log.Error().Str("component", "popup-ws").Str("session", conn.sessionID).Err(err).Msg("submit failed")
				conn.sendError("submit failed")
			}
		}()
	case TypeMicClick:
		go func() {
			if err := ctrl.ClickMic(ctx); err != nil {
				log.Warn().Str("component", "popup-ws").Str("session", conn.sessionID).Err(err).Msg("mic toggle failed")
			}
		}()
	case TypeAttachClick:
		ctrl.ClickAttach()
	case TypePermissionResult:
		var res PermissionResult
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			conn.sendError("invalid permission payload")
			return
		}
		if !conn.resolvePermission(res) {
			log.Debug().Str("component", "popup-ws").Str("request", res.RequestID).Msg("stale permission result")
		}
	case TypeAudio:
		var data audioData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			conn.sendError("invalid audio payload")
			return
		}
		h.feedAudio(conn, ctrl, data.Audio)
	case TypeImageLoaded:
		var data imageLoadedData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.ObjectID == "" {
			conn.sendError("invalid image_loaded payload")
			return
		}
		ctrl.ImageLoaded(data.ObjectID)
	default:
		conn.sendError("unknown message type: " + msg.Type)
	}
}

func (h *Handler) feedAudio(conn *Conn, ctrl *popupservice.Controller, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if err := ctrl.FeedAudio(chunk); err != nil {
		log.Debug().Str("component", "popup-ws").Str("session", conn.sessionID).Err(err).Msg("feed audio")
	}
}

// pingLoop 定期发送ping消息
func pingLoop(ctx context.Context, conn *Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
