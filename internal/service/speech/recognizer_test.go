package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	speechmodel "github.com/zhouzirui/popchat/backend/internal/model/speech"
	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingHandlers struct {
	mu      sync.Mutex
	starts  int
	results []string
	errors  []string
	ended   chan struct{}
}

func newRecordingHandlers() *recordingHandlers {
	return &recordingHandlers{ended: make(chan struct{}, 4)}
}

func (h *recordingHandlers) HandleStart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
}

func (h *recordingHandlers) HandleResult(ev voice.ResultEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append(h.results, ev.Transcript())
}

func (h *recordingHandlers) HandleError(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, code)
}

func (h *recordingHandlers) HandleEnd() { h.ended <- struct{}{} }

func (h *recordingHandlers) waitEnd(t *testing.T) {
	t.Helper()
	select {
	case <-h.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("recognizer did not end")
	}
}

// fakeASR answers every audio frame with a partial transcript and the last
// frame with a definite one.
type fakeASR struct {
	t        *testing.T
	mu       sync.Mutex
	headers  http.Header
	request  speechmodel.ClientRequest
	frames   int
	failWith uint32
	// every reply is definite, as for short single-sentence input
	finalEveryFrame bool
}

func (f *fakeASR) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.headers = r.Header.Clone()
	f.mu.Unlock()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	first, err := DecodeFrame(data)
	if err != nil {
		return
	}
	body, _ := first.Body()
	f.mu.Lock()
	_ = json.Unmarshal(body, &f.request)
	f.mu.Unlock()

	if f.failWith != 0 {
		frame := &Frame{
			Header:    newHeader(ErrorMessage, NoSequenceNumber, JSONSerialization, NoCompression),
			ErrorCode: f.failWith,
			Payload:   []byte("rejected"),
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, frame.Encode())
		return
	}

	var heard []string
	seq := int32(1)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			return
		}
		chunk, _ := frame.Body()
		f.mu.Lock()
		f.frames++
		f.mu.Unlock()
		if len(chunk) > 0 {
			heard = append(heard, string(chunk))
		}

		res := speechmodel.ServerResult{}
		res.Result.Utterances = []speechmodel.Utterance{{Text: strings.Join(heard, " "), Definite: frame.IsLast() || f.finalEveryFrame}}
		payload, _ := json.Marshal(res)
		reply, _ := NewServerResponse(payload, seq, frame.IsLast())
		if err := conn.WriteMessage(websocket.BinaryMessage, reply.Encode()); err != nil {
			return
		}
		seq++
		if frame.IsLast() {
			return
		}
	}
}

func newTestRecognizer(t *testing.T, fake *fakeASR, opts voice.Options) (*Recognizer, *recordingHandlers) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	cfg := &speechmodel.SpeechConfig{
		AppID:       "app",
		AccessToken: "token",
		BaseURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Timeout:     2,
	}
	h := newRecordingHandlers()
	rec, err := NewRecognizer(cfg, opts, h)
	require.NoError(t, err)
	return rec, h
}

func TestRecognizerStreamsPartialResults(t *testing.T) {
	fake := &fakeASR{t: t}
	rec, h := newTestRecognizer(t, fake, voice.Options{Language: "en-US", InterimResults: true, Continuous: true})

	require.NoError(t, rec.Start(context.Background()))
	require.NoError(t, rec.Feed([]byte("hello")))
	require.NoError(t, rec.Feed([]byte("world")))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.results) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, rec.Stop())
	h.waitEnd(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 1, h.starts)
	assert.Equal(t, []string{"hello", "hello world", "hello world"}, h.results)
	assert.Empty(t, h.errors)
	assert.False(t, rec.Running())

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "app", fake.headers.Get("X-Api-App-Key"))
	assert.Equal(t, resourceDuration, fake.headers.Get("X-Api-Resource-Id"))
	assert.NotEmpty(t, fake.headers.Get("X-Api-Connect-Id"))
	assert.Equal(t, "en-US", fake.request.Audio.Language)
	assert.Equal(t, "full", fake.request.Request.ResultType)
	assert.Equal(t, 3, fake.frames)
}

func TestRecognizerIsReusable(t *testing.T) {
	fake := &fakeASR{t: t}
	rec, h := newTestRecognizer(t, fake, voice.Options{InterimResults: true, Continuous: true})

	for i := 0; i < 2; i++ {
		require.NoError(t, rec.Start(context.Background()))
		require.NoError(t, rec.Stop())
		h.waitEnd(t)
	}
	assert.Equal(t, 2, h.starts)
}

func TestRecognizerRejectsDoubleStart(t *testing.T) {
	fake := &fakeASR{t: t}
	rec, h := newTestRecognizer(t, fake, voice.Options{Continuous: true})

	require.NoError(t, rec.Start(context.Background()))
	assert.ErrorIs(t, rec.Start(context.Background()), voice.ErrRecognizerBusy)

	require.NoError(t, rec.Stop())
	h.waitEnd(t)
}

func TestRecognizerStopsAfterFinalWhenNotContinuous(t *testing.T) {
	fake := &fakeASR{t: t, finalEveryFrame: true}
	rec, h := newTestRecognizer(t, fake, voice.Options{InterimResults: true})

	require.NoError(t, rec.Start(context.Background()))
	require.NoError(t, rec.Feed([]byte("hi")))
	h.waitEnd(t)

	assert.False(t, rec.Running())
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"hi", "hi"}, h.results)
	assert.Empty(t, h.errors)
}

func TestRecognizerReportsServiceError(t *testing.T) {
	fake := &fakeASR{t: t, failWith: 20000003}
	rec, h := newTestRecognizer(t, fake, voice.Options{})

	require.NoError(t, rec.Start(context.Background()))
	h.waitEnd(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{ErrorNoSpeech}, h.errors)
}

func TestRecognizerDialFailure(t *testing.T) {
	cfg := &speechmodel.SpeechConfig{AppID: "app", AccessToken: "token", BaseURL: "ws://127.0.0.1:1/asr", Timeout: 1}
	rec, err := NewRecognizer(cfg, voice.Options{}, newRecordingHandlers())
	require.NoError(t, err)

	err = rec.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrorNetwork, err.Error())
	assert.False(t, rec.Running())
}

func TestFactoryRequiresCredentials(t *testing.T) {
	assert.Nil(t, NewRecognizerFactory(&speechmodel.SpeechConfig{}))
	assert.Nil(t, NewRecognizerFactory(nil))
	assert.NotNil(t, NewRecognizerFactory(&speechmodel.SpeechConfig{AppID: "a", APIKey: "k"}))
}

func TestErrorCodeMapping(t *testing.T) {
	assert.Equal(t, ErrorNoSpeech, errorCode(20000003))
	assert.Equal(t, ErrorServiceNotAllowed, errorCode(45000030))
	assert.Equal(t, "asr-55000031", errorCode(55000031))
}
