package voice

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// User-facing messages.
const (
	UnsupportedMessage        = "Speech recognition not supported."
	PermissionDeniedMessage   = "Mic permission denied. Please allow microphone access."
	PlatformNotAllowedMessage = "Mic permission denied. Enable microphone for the extension."
	ErrorMessagePrefix        = "Mic error: "
)

// DefaultLanguage is used when the session has no locale.
const DefaultLanguage = "en-US"

// State is the voice input lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingPermission
	StateListening
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPermission:
		return "awaiting-permission"
	case StateListening:
		return "listening"
	default:
		return "unknown"
	}
}

// Sink is where the session reports to the chat view.
type Sink interface {
	AppendBotMessage(text string)
	SetInput(text string)
	FocusInput()
}

// StateObserver is notified on every state transition.
type StateObserver func(State)

// Session wraps one recognizer with a permission check and a click toggle.
type Session struct {
	mic      Microphone
	factory  RecognizerFactory
	sink     Sink
	language string

	mu               sync.Mutex
	state            State
	recognizer       Recognizer
	unsupportedShown bool
	closed           bool
	observer         StateObserver
}

// NewSession creates an idle session. A nil factory marks recognition as unsupported.
func NewSession(mic Microphone, factory RecognizerFactory, sink Sink, language string) *Session {
	language = strings.TrimSpace(language)
	if language == "" {
		language = DefaultLanguage
	}
	return &Session{
		mic:      mic,
		factory:  factory,
		sink:     sink,
		language: language,
		state:    StateIdle,
	}
}

// OnStateChange registers fn for transitions.
func (s *Session) OnStateChange(fn StateObserver) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Supported reports whether a recognizer backend is configured.
func (s *Session) Supported() bool {
	return s.factory != nil && s.mic != nil
}

// Toggle handles a click on the microphone control.
func (s *Session) Toggle(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.Supported() {
		shown := s.unsupportedShown
		s.unsupportedShown = true
		s.mu.Unlock()
		if !shown {
			s.sink.AppendBotMessage(UnsupportedMessage)
		}
		return ErrUnsupported
	}

	switch s.state {
	case StateListening:
		rec := s.recognizer
		s.mu.Unlock()
		// idle is reached through HandleEnd
		if err := rec.Stop(); err != nil {
			return errors.Wrap(err, "stop recognizer")
		}
		return nil
	case StateAwaitingPermission:
		s.mu.Unlock()
		return nil
	}

	s.setStateLocked(StateAwaitingPermission)
	s.mu.Unlock()

	err := s.probePermission(ctx)
	if s.isClosed() {
		return ErrClosed
	}
	if err != nil {
		log.Info().Str("component", "voice").Err(err).Msg("microphone permission refused")
		s.setState(StateIdle)
		s.sink.AppendBotMessage(PermissionDeniedMessage)
		return ErrPermissionDenied
	}

	rec, err := s.ensureRecognizer()
	if errors.Is(err, ErrClosed) {
		return err
	}
	if err != nil {
		log.Warn().Str("component", "voice").Err(err).Msg("create recognizer")
		s.setState(StateIdle)
		s.sink.AppendBotMessage(ErrorMessagePrefix + ErrorCode(err, ErrorServiceNotAllowed))
		return err
	}

	s.setState(StateListening)
	if err := rec.Start(ctx); err != nil {
		log.Warn().Str("component", "voice").Err(err).Msg("start recognizer")
		s.setState(StateIdle)
		s.sink.AppendBotMessage(ErrorMessagePrefix + ErrorCode(err, ErrorNetwork))
		return errors.Wrap(err, "start recognizer")
	}
	if s.isClosed() {
		return errors.Wrap(rec.Stop(), "stop recognizer")
	}
	return nil
}

// Close stops a listening recognizer and refuses further clicks.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rec, state := s.recognizer, s.state
	s.mu.Unlock()

	var err error
	if rec != nil && state == StateListening {
		err = rec.Stop()
	}
	s.setState(StateIdle)
	return errors.Wrap(err, "stop recognizer")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// probePermission acquires and immediately releases a probe stream.
func (s *Session) probePermission(ctx context.Context) error {
	stream, err := s.mic.RequestPermission(ctx)
	if stream != nil {
		defer stream.Stop()
	}
	return err
}

func (s *Session) ensureRecognizer() (Recognizer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// 等待授权期间会话可能已关闭
	if s.closed {
		return nil, ErrClosed
	}
	if s.recognizer != nil {
		return s.recognizer, nil
	}
	rec, err := s.factory(Options{
		Language:        s.language,
		InterimResults:  true,
		MaxAlternatives: 1,
		Continuous:      false,
	}, s)
	if err != nil {
		return nil, errors.Wrap(err, "create recognizer")
	}
	s.recognizer = rec
	return rec, nil
}

// Feed forwards captured audio to the recognizer while listening.
func (s *Session) Feed(chunk []byte) error {
	s.mu.Lock()
	rec, state, closed := s.recognizer, s.state, s.closed
	s.mu.Unlock()

	if closed || state != StateListening || rec == nil {
		return nil
	}
	sink, ok := rec.(AudioSink)
	if !ok {
		return nil
	}
	return sink.Feed(chunk)
}

// HandleStart implements Handlers.
func (s *Session) HandleStart() {
	s.setState(StateListening)
}

// HandleResult writes the running transcript into the input field.
func (s *Session) HandleResult(ev ResultEvent) {
	s.sink.SetInput(ev.Transcript())
	s.sink.FocusInput()
}

// HandleError reports a platform error; the end callback restores idle.
func (s *Session) HandleError(code string) {
	if code == ErrorNotAllowed {
		s.sink.AppendBotMessage(PlatformNotAllowedMessage)
		return
	}
	s.sink.AppendBotMessage(ErrorMessagePrefix + code)
}

// HandleEnd returns the session to idle.
func (s *Session) HandleEnd() {
	s.setState(StateIdle)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.observer != nil {
		s.observer(next)
	}
}
