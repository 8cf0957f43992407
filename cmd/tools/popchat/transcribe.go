package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/popchat/backend/internal/service/speech"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

func newTranscribeCommand() *cobra.Command {
	var (
		language string
		chunkMS  int
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Stream a raw PCM file through the speech recognizer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return runTranscribe(ctx, cmd.OutOrStdout(), args[0], language, chunkMS)
		},
	}
	cmd.Flags().StringVar(&language, "lang", voice.DefaultLanguage, "recognition language")
	cmd.Flags().IntVar(&chunkMS, "chunk-ms", 100, "audio chunk duration in milliseconds")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "overall timeout")
	return cmd
}

func runTranscribe(ctx context.Context, out io.Writer, path, language string, chunkMS int) error {
	if services.Recognizers == nil {
		return errors.New("speech recognition is not configured, set SPEECH_APP_ID and SPEECH_ACCESS_TOKEN")
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open audio file")
	}
	defer f.Close()

	text, err := speech.Transcribe(ctx, services.Recognizers, f, speech.TranscribeOptions{
		Language:  language,
		ChunkSize: chunkBytes(chunkMS),
		Interval:  time.Duration(chunkMS) * time.Millisecond,
		OnResult: func(ev voice.ResultEvent) {
			marker := "partial"
			for _, r := range ev.Results {
				if r.IsFinal {
					marker = "final"
				}
			}
			fmt.Fprintf(out, "[%s] %s\n", marker, ev.Transcript())
		},
	})
	if err != nil {
		return errors.Wrap(err, "recognition failed")
	}
	fmt.Fprintln(out, text)
	return nil
}
