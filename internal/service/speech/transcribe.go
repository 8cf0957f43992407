package speech

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

// Chunking used when TranscribeOptions leave it unset: 100ms of 16kHz 16-bit mono PCM.
const (
	DefaultChunkSize     = 3200
	DefaultChunkInterval = 100 * time.Millisecond
)

// TranscribeOptions 控制一次性转写
type TranscribeOptions struct {
	Language  string
	ChunkSize int
	Interval  time.Duration
	OnResult  func(ev voice.ResultEvent)
}

// Transcribe streams audio through a continuous recognizer from factory and
// returns the final transcript.
func Transcribe(ctx context.Context, factory voice.RecognizerFactory, audio io.Reader, opts TranscribeOptions) (string, error) {
	if factory == nil {
		return "", voice.ErrUnsupported
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Interval < 0 {
		opts.Interval = 0
	}
	if opts.Language == "" {
		opts.Language = voice.DefaultLanguage
	}

	c := &collector{onResult: opts.OnResult, done: make(chan struct{})}
	rec, err := factory(voice.Options{
		Language:        opts.Language,
		InterimResults:  true,
		MaxAlternatives: 1,
		Continuous:      true,
	}, c)
	if err != nil {
		return "", errors.Wrap(err, "create recognizer")
	}
	sink, ok := rec.(voice.AudioSink)
	if !ok {
		return "", errors.New("recognizer does not accept audio")
	}

	if err := rec.Start(ctx); err != nil {
		return "", errors.Wrap(err, "start recognizer")
	}

	if err := feed(ctx, sink, audio, opts); err != nil {
		_ = rec.Stop()
		select {
		case <-c.done:
		case <-ctx.Done():
		}
		return "", err
	}
	if err := rec.Stop(); err != nil {
		return "", errors.Wrap(err, "stop recognizer")
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.result()
}

func feed(ctx context.Context, sink voice.AudioSink, audio io.Reader, opts TranscribeOptions) error {
	buf := make([]byte, opts.ChunkSize)
	for {
		n, rerr := io.ReadFull(audio, buf)
		if n > 0 {
			if err := sink.Feed(append([]byte(nil), buf[:n]...)); err != nil {
				return err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return nil
		}
		if rerr != nil {
			return errors.Wrap(rerr, "read audio")
		}

		if opts.Interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Interval):
			}
		}
	}
}

// collector keeps the latest full transcript of a recognition cycle.
type collector struct {
	onResult func(ev voice.ResultEvent)

	mu      sync.Mutex
	text    string
	errCode string

	done chan struct{}
	once sync.Once
}

func (c *collector) HandleStart() {}

func (c *collector) HandleResult(ev voice.ResultEvent) {
	c.mu.Lock()
	c.text = ev.Transcript()
	c.mu.Unlock()
	if c.onResult != nil {
		c.onResult(ev)
	}
}

func (c *collector) HandleError(code string) {
	c.mu.Lock()
	c.errCode = code
	c.mu.Unlock()
}

func (c *collector) HandleEnd() {
	c.once.Do(func() { close(c.done) })
}

func (c *collector) result() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errCode != "" {
		return "", &RecognitionError{Code: c.errCode}
	}
	return c.text, nil
}
