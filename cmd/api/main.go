package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/popchat/backend/internal/app"
	"github.com/zhouzirui/popchat/backend/internal/config"
	"github.com/zhouzirui/popchat/backend/internal/handler"
	"github.com/zhouzirui/popchat/backend/internal/handler/popup"
	"github.com/zhouzirui/popchat/backend/internal/logging"
	popupService "github.com/zhouzirui/popchat/backend/internal/service/popup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	services, err := app.Build(cfg, "")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize services")
	}

	hub := popup.NewHub()
	registry := popupService.NewRegistry(services.Chat, popupService.RegistryOptions{
		Replies:     services.Replies,
		External:    services.External,
		Attachments: services.Attachments,
		Recognizers: services.Recognizers,
		Microphones: hub.Microphone,
		OnClose:     hub.Disconnect,
	})

	router := handler.NewRouter(handler.Deps{
		Chat:        services.Chat,
		Sessions:    registry,
		Replies:     services.Replies,
		Objects:     services.Objects,
		MaxUpload:   cfg.Attachment.MaxBytes,
		Hub:         hub,
		Recognizers: services.Recognizers,
	})

	startServer(ctx, cfg.Server, router)

	registry.CloseAll(context.Background())
	log.Info().Msg("all sessions closed")
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("popchat backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
