package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/popchat/backend/internal/service/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/popup"
	"github.com/zhouzirui/popchat/backend/pkg/utils"
)

const heartbeatInterval = 15 * time.Second

// Sessions is the part of the popup registry the handler needs.
type Sessions interface {
	Open(ctx context.Context, locale string) (*popup.Controller, error)
	Get(sessionID string) (*popup.Controller, error)
	Close(ctx context.Context, sessionID string) error
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc  *chatService.Service
	sessions Sessions
	replies  popup.Replier
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, sessions Sessions, replies popup.Replier) *Handler {
	return &Handler{
		chatSvc:  chatSvc,
		sessions: sessions,
		replies:  replies,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Route("/session/{sessionID}", func(sr chi.Router) {
		sr.Get("/", h.handleGetSession)
		sr.Delete("/", h.handleDeleteSession)
		sr.Get("/messages", h.handleListMessages)
		sr.Post("/messages", h.handleSubmit)
		sr.Get("/events", h.handleEvents)
	})
	r.Post("/reply", h.handleReply)
}

// handleCreateSession 创建会话，并返回带问候语的记录
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Locale string `json:"locale"`
	}

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ctrl, err := h.sessions.Open(r.Context(), payload.Locale)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session, err := h.chatSvc.GetSession(r.Context(), ctrl.SessionID())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"session":  session,
		"messages": ctrl.Log().Messages(),
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListMessages 返回会话记录，可用 since 参数只取新的消息
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"messages": ctrl.Log().Since(since),
	})
}

// handleSubmit 执行提交流程并返回本次追加的消息
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	before := ctrl.Log().Len()
	if err := ctrl.Submit(r.Context(), payload.Text); err != nil {
		if errors.Is(err, popup.ErrSubmitInFlight) {
			utils.RespondError(w, http.StatusConflict, err.Error())
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"messages": ctrl.Log().Since(before),
	})
}

// handleEvents streams appended messages as Server-Sent Events.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctrl, err := h.sessions.Get(sessionID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	cursor, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid since parameter")
		return
	}
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if seq, err := strconv.Atoi(id); err == nil {
			cursor = seq
		}
	}

	// 通知通道只做唤醒，消息始终从记录里按序号读取，慢客户端不会丢消息。
	wake := make(chan struct{}, 1)
	unsubscribe := ctrl.Log().Subscribe(func(chat.Message) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := log.With().Str("component", "sse").Str("session", sessionID).Logger()
	logger.Debug().Int("since", cursor).Msg("event stream opened")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		for _, msg := range ctrl.Log().Since(cursor) {
			if err := writeMessageEvent(w, flusher, msg); err != nil {
				logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
			cursor = msg.Seq
		}

		select {
		case <-ctx.Done():
			logger.Debug().Msg("event stream closed")
			return
		case <-wake:
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

func writeMessageEvent(w http.ResponseWriter, flusher http.Flusher, msg chat.Message) error {
	if _, err := w.Write([]byte("id: " + strconv.Itoa(msg.Seq) + "\n")); err != nil {
		return err
	}
	return utils.SendSSEEvent(w, flusher, "message", msg)
}

// handleReply 直接调用规则回复引擎，不写入任何会话
func (h *Handler) handleReply(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"reply": h.replies.Reply(payload.Text)})
}

func parseSince(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid since")
	}
	return n, nil
}

func respondServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, chatService.ErrSessionNotFound) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondError(w, http.StatusInternalServerError, err.Error())
}
