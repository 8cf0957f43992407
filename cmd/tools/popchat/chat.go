package main

import (
	"bufio"
	"context"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/popchat/backend/internal/service/attachment"
	"github.com/zhouzirui/popchat/backend/internal/service/popup"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

type chatOptions struct {
	locale    string
	audioPath string
	chunkMS   int
	width     int
}

func newChatCommand() *cobra.Command {
	opts := chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Type a message and press enter to send it. Commands:
  /attach <path>  attach a local file
  /mic            toggle voice input (needs --audio)
  /quit           leave the session
An empty line sends the pending voice transcript.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.locale, "locale", "", "recognition language, e.g. en-US")
	cmd.Flags().StringVar(&opts.audioPath, "audio", "", "raw PCM file used as the microphone")
	cmd.Flags().IntVar(&opts.chunkMS, "chunk-ms", 100, "audio chunk duration in milliseconds")
	cmd.Flags().IntVar(&opts.width, "width", 72, "render width")
	return cmd
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, opts chatOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	port := newTerminalPort(out, opts.width)

	registry := popup.NewRegistry(services.Chat, popup.RegistryOptions{
		Replies:     services.Replies,
		External:    services.External,
		Attachments: services.Attachments,
		Recognizers: services.Recognizers,
		Microphones: func(string) voice.Microphone {
			return fileMicrophone{path: opts.audioPath}
		},
	})
	defer registry.CloseAll(context.Background())

	ctrl, err := registry.Open(ctx, opts.locale)
	if err != nil {
		return err
	}
	ctrl.Voice().OnStateChange(func(s voice.State) {
		port.hint("mic: %s", s)
	})
	ctrl.Attach(port)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return nil
		case line == "/mic":
			toggleMic(ctx, ctrl, port, opts)
		case line == "/attach":
			ctrl.ClickAttach()
		case strings.HasPrefix(line, "/attach "):
			if err := attachFile(ctx, ctrl, strings.TrimSpace(strings.TrimPrefix(line, "/attach "))); err != nil {
				port.hint("attach failed: %v", err)
			}
		case line == "":
			if text := port.takeInput(); text != "" {
				submit(ctx, ctrl, port, text)
			}
		default:
			port.takeInput()
			submit(ctx, ctrl, port, line)
		}
	}
	return scanner.Err()
}

func submit(ctx context.Context, ctrl *popup.Controller, port *terminalPort, text string) {
	if err := ctrl.Submit(ctx, text); err != nil {
		port.hint("submit failed: %v", err)
	}
}

func attachFile(ctx context.Context, ctrl *popup.Controller, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open attachment")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat attachment")
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mediaType, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mediaType
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return ctrl.SelectFile(ctx, &attachment.File{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MIMEType: mimeType,
		Data:     f,
	})
}

func toggleMic(ctx context.Context, ctrl *popup.Controller, port *terminalPort, opts chatOptions) {
	if err := ctrl.ClickMic(ctx); err != nil {
		port.hint("mic: %v", err)
		return
	}
	if ctrl.Voice().State() != voice.StateListening {
		return
	}
	go streamAudio(ctx, ctrl, opts.audioPath, chunkBytes(opts.chunkMS), time.Duration(opts.chunkMS)*time.Millisecond)
}

// chunkBytes sizes a chunk of 16-bit mono PCM at the configured sample rate.
func chunkBytes(ms int) int {
	if ms <= 0 {
		ms = 100
	}
	rate := 16000
	if cfg != nil && cfg.Speech.SampleRate > 0 {
		rate = cfg.Speech.SampleRate
	}
	return rate * 2 * ms / 1000
}

// streamAudio plays the file into the recognizer in real time and stops
// listening at the end unless the recognizer already ended the cycle.
func streamAudio(ctx context.Context, ctrl *popup.Controller, path string, size int, interval time.Duration) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Str("component", "cli").Err(err).Msg("open audio source")
		return
	}
	defer f.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	buf := make([]byte, size)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if ferr := ctrl.FeedAudio(chunk); ferr != nil {
				log.Debug().Str("component", "cli").Err(ferr).Msg("feed audio")
			}
		}
		if err != nil {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctrl.Voice().State() != voice.StateListening {
			return
		}
	}

	if ctrl.Voice().State() == voice.StateListening {
		_ = ctrl.ClickMic(ctx)
	}
}
