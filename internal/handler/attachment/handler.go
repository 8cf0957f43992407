package attachment

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	attachmentService "github.com/zhouzirui/popchat/backend/internal/service/attachment"
	chatService "github.com/zhouzirui/popchat/backend/internal/service/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/popup"
	"github.com/zhouzirui/popchat/backend/pkg/utils"
)

// FormField is the multipart field carrying the selected file.
const FormField = "file"

// Controllers resolves the controller of a live session.
type Controllers interface {
	Get(sessionID string) (*popup.Controller, error)
}

// Handler 附件上传与临时对象下载
type Handler struct {
	controllers Controllers
	store       *attachmentService.ObjectStore
	maxBytes    int64
}

// New 创建附件处理器
func New(controllers Controllers, store *attachmentService.ObjectStore, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = attachmentService.DefaultMaxBytes
	}
	return &Handler{controllers: controllers, store: store, maxBytes: maxBytes}
}

// RegisterRoutes 注册附件路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session/{sessionID}/attachments", h.handleUpload)
	r.Get("/objects/{objectID}", h.handleObject)
	r.Post("/objects/{objectID}/loaded", h.handleLoaded)
}

// handleUpload 把选择的文件渲染为用户消息
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctrl, err := h.controllers.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, chatService.ErrSessionNotFound) {
			utils.RespondError(w, http.StatusNotFound, "session not found")
			return
		}
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// multipart overhead on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	file, header, err := r.FormFile(FormField)
	if errors.Is(err, http.ErrMissingFile) {
		// 没有选择文件，什么都不做
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "attachment too large")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mediaType
	}

	before := ctrl.Log().Len()
	err = ctrl.SelectFile(r.Context(), &attachmentService.File{
		Name:     header.Filename,
		Size:     header.Size,
		MIMEType: mimeType,
		Data:     file,
	})
	if err != nil {
		if errors.Is(err, attachmentService.ErrTooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "attachment too large")
			return
		}
		log.Error().Str("component", "attachment").Str("session", ctrl.SessionID()).Err(err).Msg("select file failed")
		utils.RespondError(w, http.StatusInternalServerError, "attachment failed")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]any{
		"messages": ctrl.Log().Since(before),
	})
}

// objectCSP keeps uploaded bytes from running as a document on our origin.
const objectCSP = "default-src 'none'; sandbox"

// inlineTypes 可内联展示的位图格式，其余一律按下载处理（含 svg）
var inlineTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

func servedInline(mimeType string) bool {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	return inlineTypes[mediaType]
}

// handleObject serves the bytes behind a reference. One-shot references
// are gone after the first successful read.
func (h *Handler) handleObject(w http.ResponseWriter, r *http.Request) {
	obj, err := h.store.Consume(chi.URLParam(r, "objectID"))
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "object not found")
		return
	}

	contentType := obj.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", objectCSP)
	if !servedInline(obj.MIMEType) {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": obj.Name}))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(obj.Data); err != nil {
		log.Debug().Str("component", "attachment").Str("object", obj.ID).Err(err).Msg("object write failed")
	}
}

// handleLoaded 图片预览加载完成后释放引用
func (h *Handler) handleLoaded(w http.ResponseWriter, r *http.Request) {
	h.store.Revoke(chi.URLParam(r, "objectID"))
	w.WriteHeader(http.StatusNoContent)
}
