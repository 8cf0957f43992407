package voice

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by a Microphone when capture is refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrUnsupported means no speech recognition backend is available.
	ErrUnsupported = errors.New("speech recognition not supported")
	// ErrRecognizerBusy is returned by Start on an already running recognizer.
	ErrRecognizerBusy = errors.New("recognizer already started")
	// ErrClosed is returned once the session has been torn down.
	ErrClosed = errors.New("voice session closed")
)

// Platform error codes.
const (
	ErrorNotAllowed        = "not-allowed"
	ErrorNetwork           = "network"
	ErrorServiceNotAllowed = "service-not-allowed"
)

// CodedError is an error that carries a platform error code.
type CodedError interface {
	error
	ErrorCode() string
}

// ErrorCode returns the platform code carried by err, or fallback.
func ErrorCode(err error, fallback string) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return fallback
}

// AudioStream is the probe stream acquired while checking permission.
type AudioStream interface {
	Stop()
}

// Microphone grants access to audio capture.
type Microphone interface {
	// RequestPermission blocks until the user answers. Any error means denial.
	RequestPermission(ctx context.Context) (AudioStream, error)
}

// Options configure a recognizer when it is first constructed.
type Options struct {
	Language        string
	InterimResults  bool
	MaxAlternatives int
	Continuous      bool
}

// Alternative is one transcript hypothesis.
type Alternative struct {
	Transcript string
	Confidence float64
}

// Result is one recognized segment.
type Result struct {
	IsFinal      bool
	Alternatives []Alternative
}

// ResultEvent carries all results of the current utterance; entries before
// ResultIndex are unchanged since the previous event.
type ResultEvent struct {
	ResultIndex int
	Results     []Result
}

// Transcript concatenates the first alternative of every result from ResultIndex on.
func (e ResultEvent) Transcript() string {
	start := e.ResultIndex
	if start < 0 {
		start = 0
	}
	var out string
	for i := start; i < len(e.Results); i++ {
		if len(e.Results[i].Alternatives) == 0 {
			continue
		}
		out += e.Results[i].Alternatives[0].Transcript
	}
	return out
}

// Handlers receive recognizer callbacks.
type Handlers interface {
	HandleStart()
	HandleResult(ev ResultEvent)
	HandleError(code string)
	HandleEnd()
}

// Recognizer is a speech-to-text session. Start and Stop may be called for
// several cycles on the same instance; every cycle ends with HandleEnd.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error
}

// RecognizerFactory constructs the recognizer bound to h.
type RecognizerFactory func(opts Options, h Handlers) (Recognizer, error)

// AudioSink accepts captured audio for a running recognizer.
type AudioSink interface {
	Feed(chunk []byte) error
}
