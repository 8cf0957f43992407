// Package app builds the services shared by the server and the terminal client.
package app

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/popchat/backend/internal/config"
	speechModel "github.com/zhouzirui/popchat/backend/internal/model/speech"
	"github.com/zhouzirui/popchat/backend/internal/service/attachment"
	"github.com/zhouzirui/popchat/backend/internal/service/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/reply"
	"github.com/zhouzirui/popchat/backend/internal/service/speech"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

// ObjectsPath is where object references are served.
const ObjectsPath = "/api/objects"

// Services 汇总各个核心服务
type Services struct {
	Chat        *chat.Service
	Replies     *reply.Engine
	External    *reply.ExternalEngine
	Objects     *attachment.ObjectStore
	Attachments *attachment.Handler
	Recognizers voice.RecognizerFactory
}

// Build wires services from cfg. objectBase prefixes object URLs.
func Build(cfg *config.Config, objectBase string) (*Services, error) {
	opts := []reply.Option{reply.WithLayouts(cfg.Reply.TimeLayout, cfg.Reply.DateLayout)}
	if cfg.Reply.TimeZone != "" {
		loc, err := time.LoadLocation(cfg.Reply.TimeZone)
		if err != nil {
			return nil, errors.Wrapf(err, "load reply time zone %q", cfg.Reply.TimeZone)
		}
		opts = append(opts, reply.WithLocation(loc))
	}

	objects := attachment.NewObjectStore(objectBase + ObjectsPath)
	objects.OnRevoke(func(id string) {
		log.Debug().Str("component", "objects").Str("object", id).Msg("reference revoked")
	})

	svc := &Services{
		Chat:        chat.NewService(),
		Replies:     reply.NewEngine(opts...),
		External:    reply.NewExternalEngine(reply.NewQuoteClient(cfg.Quote.Endpoint, http.DefaultClient)),
		Objects:     objects,
		Attachments: attachment.NewHandler(objects, cfg.Attachment.MaxBytes),
	}

	if cfg.Speech.Enabled {
		svc.Recognizers = speech.NewRecognizerFactory(SpeechConfig(cfg.Speech))
		log.Info().Str("component", "speech").Bool("concurrent", cfg.Speech.ConcurrentMode).Msg("speech recognition enabled")
	} else {
		log.Info().Str("component", "speech").Msg("语音服务凭证未配置，语音输入不可用")
	}
	return svc, nil
}

// SpeechConfig converts the speech section into the recognizer configuration.
func SpeechConfig(sc config.SpeechConfig) *speechModel.SpeechConfig {
	return &speechModel.SpeechConfig{
		AppID:          sc.AppID,
		AccessToken:    sc.AccessToken,
		APIKey:         sc.APIKey,
		BaseURL:        sc.BaseURL,
		ConcurrentMode: sc.ConcurrentMode,
		ASRModel:       sc.ASRModel,
		AudioFormat:    sc.AudioFormat,
		SampleRate:     sc.SampleRate,
		Timeout:        sc.Timeout,
	}
}
