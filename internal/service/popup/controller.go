package popup

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/attachment"
	chatservice "github.com/zhouzirui/popchat/backend/internal/service/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

// User-facing messages owned by the controller.
const (
	GreetingMessage = "Hi! Ask me anything."
	FailureMessage  = "API request failed."
)

// ExpiredSuffix marks a replayed attachment whose reference is already released.
const ExpiredSuffix = " (expired)"

var (
	// ErrSubmitInFlight is returned when a submit arrives while the send control is disabled.
	ErrSubmitInFlight = errors.New("submit already in flight")
	// ErrClosed is returned after the controller has been torn down.
	ErrClosed = errors.New("controller closed")
)

// Replier is the canned reply engine.
type Replier interface {
	Reply(text string) string
}

// ExternalReplier answers some inputs from the network; ok=false defers to Replier.
type ExternalReplier interface {
	Reply(ctx context.Context, text string) (reply string, ok bool, err error)
}

// Options wire a controller.
type Options struct {
	Session     chat.Session
	Log         *chatservice.MessageLog
	Replies     Replier
	External    ExternalReplier
	Attachments *attachment.Handler
	Microphone  voice.Microphone
	Recognizers voice.RecognizerFactory
}

// Controller is the chat session controller of one popup.
type Controller struct {
	session     chat.Session
	log         *chatservice.MessageLog
	replies     Replier
	external    ExternalReplier
	attachments *attachment.Handler
	voice       *voice.Session

	viewMu sync.RWMutex
	view   *view

	submitMu   sync.Mutex
	submitting bool
	closed     bool

	unsubscribe func()
	closeOnce   sync.Once
}

// New builds a controller with a NopPort attached.
func New(opts Options) *Controller {
	c := &Controller{
		session:     opts.Session,
		log:         opts.Log,
		replies:     opts.Replies,
		external:    opts.External,
		attachments: opts.Attachments,
		view:        newView(NopPort{}),
	}
	c.voice = voice.NewSession(opts.Microphone, opts.Recognizers, voiceSink{c}, opts.Session.Locale)
	c.unsubscribe = c.log.Subscribe(func(msg chat.Message) {
		c.currentView().deliver(msg)
	})
	return c
}

// SessionID returns the owning session.
func (c *Controller) SessionID() string {
	return c.session.ID
}

// Log returns the message log.
func (c *Controller) Log() *chatservice.MessageLog {
	return c.log
}

// Voice returns the voice input session.
func (c *Controller) Voice() *voice.Session {
	return c.voice
}

// Attach swaps the active view and replays the log into it. Appends that
// land during the replay are shown after the entries before them.
func (c *Controller) Attach(p Port) {
	if p == nil {
		p = NopPort{}
	}
	v := newView(p)
	c.viewMu.Lock()
	c.view = v
	c.viewMu.Unlock()

	for _, msg := range c.log.Messages() {
		v.deliver(c.replayed(msg))
	}
	p.ScrollToBottom()

	c.submitMu.Lock()
	enabled := !c.submitting
	c.submitMu.Unlock()
	p.SetSendEnabled(enabled)
}

// Detach drops p if it is still the active view.
func (c *Controller) Detach(p Port) {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	if c.view.port == p {
		c.view = newView(NopPort{})
	}
}

func (c *Controller) currentView() *view {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view
}

func (c *Controller) currentPort() Port {
	return c.currentView().port
}

// replayed marks attachments whose object reference is gone, since the
// preview or link would no longer load.
func (c *Controller) replayed(msg chat.Message) chat.Message {
	if c.attachments == nil {
		return msg
	}
	var objectID string
	switch {
	case msg.Content.Kind == chat.KindImage && msg.Content.Preview != nil:
		objectID = msg.Content.Preview.ObjectID
	case msg.Content.Kind == chat.KindFile && msg.Content.Link != nil:
		objectID = msg.Content.Link.ObjectID
	default:
		return msg
	}
	if _, err := c.attachments.Store().Open(objectID); err == nil {
		return msg
	}
	msg.Content = chat.TextContent(msg.PlainText() + ExpiredSuffix)
	return msg
}

// Greet appends the opening bot message.
func (c *Controller) Greet() {
	c.appendBot(GreetingMessage)
}

// Submit runs the submit flow for text. Empty input is ignored.
func (c *Controller) Submit(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c.submitMu.Lock()
	if c.closed {
		c.submitMu.Unlock()
		return ErrClosed
	}
	if c.submitting {
		c.submitMu.Unlock()
		return ErrSubmitInFlight
	}
	c.submitting = true
	c.submitMu.Unlock()

	p := c.currentPort()
	defer func() {
		c.submitMu.Lock()
		c.submitting = false
		c.submitMu.Unlock()

		p := c.currentPort()
		p.SetSendEnabled(true)
		p.FocusInput()
	}()

	p.SetSendEnabled(false)
	if _, err := c.log.AppendText(text, chat.AuthorUser); err != nil {
		return err
	}
	p.SetInput("")

	answer, err := c.answer(ctx, text)
	if err != nil {
		log.Warn().Str("component", "popup").Str("session", c.session.ID).Err(err).Msg("external reply failed")
		c.appendBot(FailureMessage)
		return nil
	}
	c.appendBot(answer)
	return nil
}

func (c *Controller) answer(ctx context.Context, text string) (string, error) {
	if c.external != nil {
		reply, ok, err := c.external.Reply(ctx, text)
		if err != nil {
			return "", err
		}
		if ok && reply != "" {
			return reply, nil
		}
	}
	return c.replies.Reply(text), nil
}

// Submitting reports whether a submit is in flight.
func (c *Controller) Submitting() bool {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	return c.submitting
}

// ClickMic toggles voice input. Denials and unsupported platforms are
// reported in the log, so only unexpected errors are returned.
func (c *Controller) ClickMic(ctx context.Context) error {
	err := c.voice.Toggle(ctx)
	if errors.Is(err, voice.ErrPermissionDenied) || errors.Is(err, voice.ErrUnsupported) || errors.Is(err, voice.ErrClosed) {
		return nil
	}
	return err
}

// FeedAudio forwards captured audio to the listening recognizer.
func (c *Controller) FeedAudio(chunk []byte) error {
	return c.voice.Feed(chunk)
}

// ClickAttach clears the file control so the same file can be chosen again, then opens the picker.
func (c *Controller) ClickAttach() {
	p := c.currentPort()
	p.ResetFileInput()
	p.OpenFilePicker()
}

// SelectFile renders f into the log as a user message. A nil file is ignored.
func (c *Controller) SelectFile(_ context.Context, f *attachment.File) error {
	if c.attachments == nil {
		return errors.New("attachments not configured")
	}
	if c.isClosed() {
		return ErrClosed
	}
	content, ok, err := c.attachments.Render(c.session.ID, f)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = c.log.Append(content, chat.AuthorUser)
	return err
}

// ImageLoaded releases the reference behind a rendered image preview.
func (c *Controller) ImageLoaded(objectID string) {
	if c.attachments != nil {
		c.attachments.Loaded(objectID)
	}
}

func (c *Controller) isClosed() bool {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	return c.closed
}

// Close tears the controller down: voice input stops, the view is dropped
// and object references are released.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.submitMu.Lock()
		c.closed = true
		c.submitMu.Unlock()

		if err := c.voice.Close(); err != nil {
			log.Warn().Str("component", "popup").Str("session", c.session.ID).Err(err).Msg("close voice session")
		}
		c.unsubscribe()
		c.viewMu.Lock()
		c.view = newView(NopPort{})
		c.viewMu.Unlock()
		if c.attachments != nil {
			n := c.attachments.Store().RevokeOwner(c.session.ID)
			log.Debug().Str("component", "popup").Str("session", c.session.ID).Int("revoked", n).Msg("controller closed")
		}
	})
}

func (c *Controller) appendBot(text string) {
	if _, err := c.log.AppendText(text, chat.AuthorBot); err != nil {
		log.Error().Str("component", "popup").Err(err).Msg("append bot message")
	}
}

// voiceSink adapts the controller to voice.Sink.
type voiceSink struct{ c *Controller }

func (s voiceSink) AppendBotMessage(text string) { s.c.appendBot(text) }
func (s voiceSink) SetInput(text string)         { s.c.currentPort().SetInput(text) }
func (s voiceSink) FocusInput()                  { s.c.currentPort().FocusInput() }
