package popup

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/attachment"
	chatservice "github.com/zhouzirui/popchat/backend/internal/service/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

// MicrophoneResolver supplies the microphone for a session, typically the
// popup connection that can ask the user for permission.
type MicrophoneResolver func(sessionID string) voice.Microphone

// Registry owns one controller per live session.
type Registry struct {
	chatSvc     *chatservice.Service
	replies     Replier
	external    ExternalReplier
	attachments *attachment.Handler
	recognizers voice.RecognizerFactory
	microphones MicrophoneResolver
	onClose     func(sessionID string)

	mu          sync.RWMutex
	controllers map[string]*Controller
}

// RegistryOptions collect the shared collaborators of every controller.
type RegistryOptions struct {
	Replies     Replier
	External    ExternalReplier
	Attachments *attachment.Handler
	Recognizers voice.RecognizerFactory
	Microphones MicrophoneResolver

	// OnClose runs after a session's controller is torn down, e.g. to drop its popup connection.
	OnClose func(sessionID string)
}

// NewRegistry creates an empty registry.
func NewRegistry(chatSvc *chatservice.Service, opts RegistryOptions) *Registry {
	return &Registry{
		chatSvc:     chatSvc,
		replies:     opts.Replies,
		external:    opts.External,
		attachments: opts.Attachments,
		recognizers: opts.Recognizers,
		microphones: opts.Microphones,
		onClose:     opts.OnClose,
		controllers: make(map[string]*Controller),
	}
}

// Open creates a session, builds its controller and greets.
func (r *Registry) Open(ctx context.Context, locale string) (*Controller, error) {
	session, err := r.chatSvc.CreateSession(ctx, locale)
	if err != nil {
		return nil, err
	}
	l, err := r.chatSvc.Log(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	c := r.build(session, l)
	r.mu.Lock()
	r.controllers[session.ID] = c
	r.mu.Unlock()

	c.Greet()
	log.Info().Str("component", "popup").Str("session", session.ID).Str("locale", session.Locale).Msg("session opened")
	return c, nil
}

func (r *Registry) build(session chat.Session, l *chatservice.MessageLog) *Controller {
	var mic voice.Microphone
	if r.microphones != nil {
		mic = r.microphones(session.ID)
	}
	return New(Options{
		Session:     session,
		Log:         l,
		Replies:     r.replies,
		External:    r.external,
		Attachments: r.attachments,
		Microphone:  mic,
		Recognizers: r.recognizers,
	})
}

// Get returns the controller of a live session.
func (r *Registry) Get(sessionID string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[sessionID]
	if !ok {
		return nil, chatservice.ErrSessionNotFound
	}
	return c, nil
}

// Close tears a session down: controller, log and object references.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	c, ok := r.controllers[sessionID]
	delete(r.controllers, sessionID)
	r.mu.Unlock()

	if !ok {
		return chatservice.ErrSessionNotFound
	}
	c.Close()
	if r.onClose != nil {
		r.onClose(sessionID)
	}
	log.Info().Str("component", "popup").Str("session", sessionID).Msg("session closed")
	return r.chatSvc.DeleteSession(ctx, sessionID)
}

// CloseAll tears every session down.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Close(ctx, id)
	}
}
