package speech

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	chatservice "github.com/zhouzirui/popchat/backend/internal/service/chat"
	speechsvc "github.com/zhouzirui/popchat/backend/internal/service/speech"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
	"github.com/zhouzirui/popchat/backend/pkg/utils"
)

const maxAudioBytes = 32 << 20

// Handler 语音服务的HTTP处理器
type Handler struct {
	recognizers voice.RecognizerFactory
	chatSvc     *chatservice.Service
	interval    time.Duration
}

// New 创建语音处理器
func New(recognizers voice.RecognizerFactory, chatSvc *chatservice.Service) *Handler {
	return &Handler{
		recognizers: recognizers,
		chatSvc:     chatSvc,
		interval:    speechsvc.DefaultChunkInterval,
	}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/speech", func(speechRouter chi.Router) {
		// ASR 端点
		speechRouter.Post("/transcribe", h.handleTranscribe)
		speechRouter.Post("/transcribe/{sessionID}", h.handleTranscribeWithSession)

		// 健康检查
		speechRouter.Get("/health", h.handleHealth)
	})
}

// handleTranscribe 处理语音转文本请求
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	h.processTranscribe(w, r, "")
}

// handleTranscribeWithSession uses the session locale unless the form names a language.
func (h *Handler) handleTranscribeWithSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	h.processTranscribe(w, r, session.Locale)
}

func (h *Handler) processTranscribe(w http.ResponseWriter, r *http.Request, fallbackLanguage string) {
	if h.recognizers == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "speech recognition not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBytes)
	if err := r.ParseMultipartForm(maxAudioBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	language := r.FormValue("language")
	if language == "" {
		language = fallbackLanguage
	}
	if language == "" {
		language = voice.DefaultLanguage
	}

	text, err := speechsvc.Transcribe(r.Context(), h.recognizers, file, speechsvc.TranscribeOptions{
		Language: language,
		Interval: h.interval,
	})
	if err != nil {
		log.Warn().Str("component", "speech").Err(err).Msg("transcription failed")
		var recErr *speechsvc.RecognitionError
		if errors.As(err, &recErr) {
			utils.RespondJSON(w, http.StatusBadGateway, map[string]string{
				"error": "speech recognition failed",
				"code":  recErr.Code,
			})
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, "speech recognition failed")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"text":     text,
		"language": language,
	})
}

// handleHealth 语音服务状态
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"enabled": h.recognizers != nil,
	})
}
