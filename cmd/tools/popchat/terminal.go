package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("33")).
			Padding(0, 1)
	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("252")).
			Padding(0, 1)
	attachmentStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("244")).
			Padding(0, 1)
	hintStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
)

// terminalPort renders the conversation as chat bubbles on a terminal.
type terminalPort struct {
	mu    sync.Mutex
	out   io.Writer
	width int

	input       string
	sendEnabled bool
}

func newTerminalPort(out io.Writer, width int) *terminalPort {
	if width <= 0 {
		width = 72
	}
	return &terminalPort{out: out, width: width, sendEnabled: true}
}

func (p *terminalPort) Render(msg chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, p.bubble(msg))
}

func (p *terminalPort) bubble(msg chat.Message) string {
	var body string
	switch msg.Content.Kind {
	case chat.KindImage:
		body = attachmentStyle.Render("🖼  " + msg.Content.Preview.Caption)
	case chat.KindFile:
		body = attachmentStyle.Render(msg.Content.Link.Label)
	default:
		style := botStyle
		if msg.Author == chat.AuthorUser {
			style = userStyle
		}
		if limit := p.width * 3 / 4; lipgloss.Width(msg.Content.Text) > limit {
			style = style.Width(limit)
		}
		body = style.Render(msg.Content.Text)
	}

	if msg.Author == chat.AuthorUser {
		return lipgloss.PlaceHorizontal(p.width, lipgloss.Right, body)
	}
	return body
}

func (p *terminalPort) ScrollToBottom() {}

func (p *terminalPort) SetInput(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = text
	if text != "" {
		fmt.Fprintln(p.out, hintStyle.Render("» "+text))
	}
}

func (p *terminalPort) FocusInput() {}

func (p *terminalPort) SetSendEnabled(enabled bool) {
	p.mu.Lock()
	p.sendEnabled = enabled
	p.mu.Unlock()
}

func (p *terminalPort) ResetFileInput() {}

func (p *terminalPort) OpenFilePicker() {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, hintStyle.Render("attach a file with /attach <path>"))
}

// takeInput returns and clears the pending input text.
func (p *terminalPort) takeInput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	text := p.input
	p.input = ""
	return text
}

func (p *terminalPort) hint(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, hintStyle.Render(fmt.Sprintf(format, args...)))
}

// fileMicrophone grants access when an audio file stands in for the device.
type fileMicrophone struct {
	path string
}

func (m fileMicrophone) RequestPermission(context.Context) (voice.AudioStream, error) {
	if strings.TrimSpace(m.path) == "" {
		return nil, errors.Wrap(voice.ErrPermissionDenied, "no --audio source")
	}
	if _, err := os.Stat(m.path); err != nil {
		return nil, errors.Wrap(voice.ErrPermissionDenied, err.Error())
	}
	return nopStream{}, nil
}

type nopStream struct{}

func (nopStream) Stop() {}
