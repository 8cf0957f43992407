package reply

import (
	"strings"
	"time"
)

// Canned replies.
const (
	PromptMessage   = "Please type something."
	GreetingMessage = "Hello! How can I help?"
	EchoPrefix      = "You said: "
)

// Default layouts mirror the en-US locale rendering of a time and a date.
const (
	DefaultTimeLayout = "3:04:05 PM"
	DefaultDateLayout = "1/2/2006"
)

var greetings = map[string]struct{}{
	"hi":    {},
	"hello": {},
	"hey":   {},
}

// Engine maps input text to a canned response using fixed keyword rules.
type Engine struct {
	now        func() time.Time
	location   *time.Location
	timeLayout string
	dateLayout string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation renders time and date in loc instead of time.Local.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// WithLayouts overrides the time and date layouts. Empty values keep the defaults.
func WithLayouts(timeLayout, dateLayout string) Option {
	return func(e *Engine) {
		if timeLayout != "" {
			e.timeLayout = timeLayout
		}
		if dateLayout != "" {
			e.dateLayout = dateLayout
		}
	}
}

// NewEngine builds an engine with en-US layouts and the local clock.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:        time.Now,
		location:   time.Local,
		timeLayout: DefaultTimeLayout,
		dateLayout: DefaultDateLayout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reply returns the canned response for text. Rules are checked in order
// greeting, time, date, echo; the first match wins.
func (e *Engine) Reply(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return PromptMessage
	}
	if _, ok := greetings[t]; ok {
		return GreetingMessage
	}
	if strings.Contains(t, "time") {
		return e.now().In(e.location).Format(e.timeLayout)
	}
	if strings.Contains(t, "date") {
		return e.now().In(e.location).Format(e.dateLayout)
	}
	return EchoPrefix + text
}

var defaultEngine = NewEngine()

// Reply answers text with the default engine.
func Reply(text string) string {
	return defaultEngine.Reply(text)
}
