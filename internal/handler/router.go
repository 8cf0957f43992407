package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/popchat/backend/internal/handler/attachment"
	"github.com/zhouzirui/popchat/backend/internal/handler/chat"
	"github.com/zhouzirui/popchat/backend/internal/handler/popup"
	"github.com/zhouzirui/popchat/backend/internal/handler/speech"
	middlewarePkg "github.com/zhouzirui/popchat/backend/internal/middleware"
	attachmentService "github.com/zhouzirui/popchat/backend/internal/service/attachment"
	chatService "github.com/zhouzirui/popchat/backend/internal/service/chat"
	popupService "github.com/zhouzirui/popchat/backend/internal/service/popup"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
	"github.com/zhouzirui/popchat/backend/pkg/utils"
)

// Deps 是路由需要的核心服务。
type Deps struct {
	Chat        *chatService.Service
	Sessions    *popupService.Registry
	Replies     popupService.Replier
	Objects     *attachmentService.ObjectStore
	MaxUpload   int64
	Hub         *popup.Hub
	Recognizers voice.RecognizerFactory
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(deps.Chat, deps.Sessions, deps.Replies)
	attachmentHandler := attachment.New(deps.Sessions, deps.Objects, deps.MaxUpload)
	popupHandler := popup.New(deps.Sessions, deps.Hub)
	speechHandler := speech.New(deps.Recognizers, deps.Chat)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]any{
				"status":  "ok",
				"speech":  deps.Recognizers != nil,
				"popups":  deps.Hub.Len(),
				"objects": deps.Objects.Len(),
			})
		})

		chatHandler.RegisterRoutes(api)
		attachmentHandler.RegisterRoutes(api)
		popupHandler.RegisterRoutes(api)
		speechHandler.RegisterRoutes(api)
	})

	return r
}
