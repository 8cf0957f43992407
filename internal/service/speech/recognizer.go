package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	speechmodel "github.com/zhouzirui/popchat/backend/internal/model/speech"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

const (
	// DefaultEndpoint 双向流式识别（优化版本）
	DefaultEndpoint = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"

	resourceDuration   = "volc.bigasr.sauc.duration"   // 小时版
	resourceConcurrent = "volc.bigasr.sauc.concurrent" // 并发版

	audioQueueSize = 64
)

// Platform-style error codes reported through voice.Handlers.HandleError.
const (
	ErrorNetwork           = voice.ErrorNetwork
	ErrorNoSpeech          = "no-speech"
	ErrorServiceNotAllowed = voice.ErrorServiceNotAllowed
	ErrorAudioCapture      = "audio-capture"
)

// RecognitionError carries a platform-style error code.
type RecognitionError struct {
	Code string
	Err  error
}

func (e *RecognitionError) Error() string { return e.Code }
func (e *RecognitionError) Unwrap() error { return e.Err }

// ErrorCode implements voice.CodedError.
func (e *RecognitionError) ErrorCode() string { return e.Code }

// Recognizer streams audio to the Volcengine big-model ASR service and
// reports partial transcripts. One instance serves many start/stop cycles.
type Recognizer struct {
	cfg      *speechmodel.SpeechConfig
	opts     voice.Options
	handlers voice.Handlers
	dialer   *websocket.Dialer
	endpoint string

	mu      sync.Mutex
	running bool
	audio   chan []byte
	stopped bool
}

// NewRecognizerFactory returns a factory for voice sessions, or nil when
// credentials are missing so the session reports recognition as unsupported.
func NewRecognizerFactory(cfg *speechmodel.SpeechConfig) voice.RecognizerFactory {
	if _, _, err := resolveCredentials(cfg); err != nil {
		return nil
	}
	return func(opts voice.Options, h voice.Handlers) (voice.Recognizer, error) {
		return NewRecognizer(cfg, opts, h)
	}
}

// NewRecognizer builds an idle recognizer.
func NewRecognizer(cfg *speechmodel.SpeechConfig, opts voice.Options, h voice.Handlers) (*Recognizer, error) {
	if _, _, err := resolveCredentials(cfg); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("recognizer handlers are required")
	}

	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	return &Recognizer{
		cfg:      cfg,
		opts:     opts,
		handlers: h,
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
		endpoint: endpoint,
	}, nil
}

// resolveCredentials 返回规范化后的 AppID 与 AccessToken，缺失时给出明确错误。
func resolveCredentials(cfg *speechmodel.SpeechConfig) (string, string, error) {
	if cfg == nil {
		return "", "", errors.New("speech config is not initialised")
	}
	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", errors.New("speech config is missing AppID or AccessToken")
	}
	return appID, token, nil
}

// Start opens a recognition stream. The stream outlives ctx, which only
// bounds the handshake; it ends on Stop, on a final result in
// non-continuous mode, or on an error.
func (r *Recognizer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return voice.ErrRecognizerBusy
	}
	r.running = true
	r.stopped = false
	r.audio = make(chan []byte, audioQueueSize)
	audio := r.audio
	r.mu.Unlock()

	conn, err := r.connect(ctx)
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}

	r.handlers.HandleStart()
	go r.run(conn, audio)
	return nil
}

func (r *Recognizer) connect(ctx context.Context) (*websocket.Conn, error) {
	appID, token, _ := resolveCredentials(r.cfg)
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	resourceID := resourceDuration
	if r.cfg.ConcurrentMode {
		resourceID = resourceConcurrent
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := r.dialer.DialContext(ctx, r.endpoint, header)
	if err != nil {
		code := ErrorNetwork
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = ErrorServiceNotAllowed
		}
		return nil, &RecognitionError{Code: code, Err: fmt.Errorf("dial asr websocket: %w", err)}
	}
	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Debug().Str("component", "asr").Str("logid", logid).Str("connect_id", connectID).Msg("connected")
		}
	}

	payload, err := json.Marshal(r.buildRequest(connectID))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marshal asr request: %w", err)
	}
	frame, err := NewFullClientRequest(payload)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		conn.Close()
		return nil, &RecognitionError{Code: ErrorNetwork, Err: fmt.Errorf("send asr request: %w", err)}
	}
	return conn, nil
}

func (r *Recognizer) buildRequest(uid string) *speechmodel.ClientRequest {
	req := &speechmodel.ClientRequest{}
	req.User.UID = uid
	req.User.Platform = "popchat"

	req.Audio.Language = r.opts.Language
	req.Audio.Format = r.cfg.AudioFormat
	if req.Audio.Format == "" {
		req.Audio.Format = "pcm"
	}
	req.Audio.Codec = "raw"
	req.Audio.Rate = r.cfg.SampleRate
	if req.Audio.Rate == 0 {
		req.Audio.Rate = 16000
	}
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = r.cfg.ASRModel
	if req.Request.ModelName == "" {
		req.Request.ModelName = "bigmodel"
	}
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	if r.opts.InterimResults {
		req.Request.ResultType = "full"
	} else {
		req.Request.ResultType = "single"
	}
	req.Request.EndWindowSize = 800
	return req
}

// Feed queues one audio chunk. Chunks arriving while stopped are dropped.
func (r *Recognizer) Feed(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.stopped {
		return nil
	}
	select {
	case r.audio <- chunk:
		return nil
	default:
		return &RecognitionError{Code: ErrorAudioCapture, Err: errors.New("audio queue full")}
	}
}

// Stop ends audio capture; the service then sends its final result and the
// end callback fires.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.stopped {
		return nil
	}
	r.stopped = true
	close(r.audio)
	return nil
}

// Running reports whether a stream is open.
func (r *Recognizer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Recognizer) run(conn *websocket.Conn, audio <-chan []byte) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.sendAudio(gctx, conn, audio) })
	g.Go(func() error {
		defer cancel()
		return r.receive(conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		// unblocks a pending read
		conn.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		code := ErrorNetwork
		var recErr *RecognitionError
		if errors.As(err, &recErr) {
			code = recErr.Code
		}
		log.Warn().Str("component", "asr").Err(err).Str("code", code).Msg("recognition failed")
		r.handlers.HandleError(code)
	}

	r.mu.Lock()
	r.running = false
	if !r.stopped {
		r.stopped = true
		close(r.audio)
	}
	r.mu.Unlock()

	r.handlers.HandleEnd()
}

func (r *Recognizer) sendAudio(ctx context.Context, conn *websocket.Conn, audio <-chan []byte) error {
	// sequence 1 belongs to the full client request
	sequence := int32(2)
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-audio:
			frame, err := NewAudioFrame(chunk, sequence, !ok)
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &RecognitionError{Code: ErrorNetwork, Err: fmt.Errorf("send audio: %w", err)}
			}
			if !ok {
				return nil
			}
			sequence++
		}
	}
}

func (r *Recognizer) receive(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			stopped := r.stopped
			r.mu.Unlock()
			if stopped && websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return &RecognitionError{Code: ErrorNetwork, Err: fmt.Errorf("read asr response: %w", err)}
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			return &RecognitionError{Code: ErrorNetwork, Err: err}
		}

		switch frame.Header.Type {
		case ErrorMessage:
			body, _ := frame.Body()
			return &RecognitionError{Code: errorCode(int(frame.ErrorCode)), Err: fmt.Errorf("asr error %d: %s", frame.ErrorCode, body)}
		case FullServerResponse:
			done, err := r.handleResult(frame)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (r *Recognizer) handleResult(frame *Frame) (bool, error) {
	body, err := frame.Body()
	if err != nil {
		return false, &RecognitionError{Code: ErrorNetwork, Err: err}
	}

	var res speechmodel.ServerResult
	if err := json.Unmarshal(body, &res); err != nil {
		log.Debug().Str("component", "asr").Err(err).Msg("skip undecodable result")
		return frame.IsLast(), nil
	}
	if res.Code != 0 && res.Code != 20000000 {
		return false, &RecognitionError{Code: errorCode(res.Code), Err: fmt.Errorf("asr error %d: %s", res.Code, res.Message)}
	}

	ev := resultEvent(res)
	if len(ev.Results) > 0 {
		r.handlers.HandleResult(ev)
	}

	if !r.opts.Continuous && hasFinal(ev) {
		_ = r.Stop()
	}
	return frame.IsLast() || res.Sequence < 0, nil
}

func resultEvent(res speechmodel.ServerResult) voice.ResultEvent {
	var ev voice.ResultEvent
	for _, u := range res.Result.Utterances {
		if u.Text == "" {
			continue
		}
		ev.Results = append(ev.Results, voice.Result{
			IsFinal:      u.Definite,
			Alternatives: []voice.Alternative{{Transcript: u.Text, Confidence: 1}},
		})
	}
	if len(ev.Results) == 0 && res.Result.Text != "" {
		ev.Results = append(ev.Results, voice.Result{
			Alternatives: []voice.Alternative{{Transcript: res.Result.Text, Confidence: 1}},
		})
	}
	return ev
}

func hasFinal(ev voice.ResultEvent) bool {
	for _, res := range ev.Results {
		if res.IsFinal {
			return true
		}
	}
	return false
}

func errorCode(code int) string {
	switch code {
	case 20000003, 45000002:
		return ErrorNoSpeech
	case 45000030, 45000031:
		return ErrorServiceNotAllowed
	default:
		return fmt.Sprintf("asr-%d", code)
	}
}
