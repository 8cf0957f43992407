package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/popchat/backend/internal/service/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/popup"
	"github.com/zhouzirui/popchat/backend/internal/service/reply"
)

func setupRouter() (*chi.Mux, *chatservice.Service, *popup.Registry) {
	chatSvc := chatservice.NewService()
	replies := reply.NewEngine()
	registry := popup.NewRegistry(chatSvc, popup.RegistryOptions{Replies: replies})
	handler := New(chatSvc, registry, replies)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, chatSvc, registry
}

type sessionResponse struct {
	Session  chat.Session   `json:"session"`
	Messages []chat.Message `json:"messages"`
}

func createSession(t *testing.T, r http.Handler) sessionResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader(`{"locale":"en-GB"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusCreated, resp.Code)

	var out sessionResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestCreateSessionGreets(t *testing.T) {
	r, _, _ := setupRouter()

	out := createSession(t, r)
	assert.NotEmpty(t, out.Session.ID)
	assert.Equal(t, "en-GB", out.Session.Locale)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, chat.AuthorBot, out.Messages[0].Author)
	assert.Equal(t, popup.GreetingMessage, out.Messages[0].Content.Text)
}

func TestCreateSessionWithoutBody(t *testing.T) {
	r, _, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/session", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusCreated, resp.Code)
	var out sessionResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, chatservice.DefaultLocale, out.Session.Locale)
}

func TestCreateSessionInvalidBody(t *testing.T) {
	r, _, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/session", strings.NewReader("{"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestGetAndDeleteSession(t *testing.T) {
	r, _, registry := setupRouter()
	out := createSession(t, r)
	path := "/session/" + out.Session.ID

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, path, nil))
	assert.Equal(t, http.StatusNoContent, resp.Code)

	_, err := registry.Get(out.Session.ID)
	assert.ErrorIs(t, err, chatservice.ErrSessionNotFound)

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestSubmitAppendsUserAndBot(t *testing.T) {
	r, _, _ := setupRouter()
	out := createSession(t, r)

	body, _ := json.Marshal(map[string]string{"text": "what is the date"})
	req := httptest.NewRequest(http.MethodPost, "/session/"+out.Session.ID+"/messages", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code)

	var got struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, chat.AuthorUser, got.Messages[0].Author)
	assert.Equal(t, "what is the date", got.Messages[0].Content.Text)
	assert.Equal(t, chat.AuthorBot, got.Messages[1].Author)
	assert.Equal(t, 3, got.Messages[1].Seq)
}

func TestSubmitEmptyIsIgnored(t *testing.T) {
	r, _, _ := setupRouter()
	out := createSession(t, r)

	req := httptest.NewRequest(http.MethodPost, "/session/"+out.Session.ID+"/messages", strings.NewReader(`{"text":"   "}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"messages":null}`, resp.Body.String())
}

func TestSubmitUnknownSession(t *testing.T) {
	r, _, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/session/missing/messages", strings.NewReader(`{"text":"hi"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestListMessagesSince(t *testing.T) {
	r, _, registry := setupRouter()
	out := createSession(t, r)
	ctrl, err := registry.Get(out.Session.ID)
	require.NoError(t, err)
	require.NoError(t, ctrl.Submit(context.Background(), "hi"))

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/session/"+out.Session.ID+"/messages?since=1", nil))
	require.Equal(t, http.StatusOK, resp.Code)

	var got struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &got))
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hi", got.Messages[0].Content.Text)
	assert.Equal(t, reply.GreetingMessage, got.Messages[1].Content.Text)

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/session/"+out.Session.ID+"/messages?since=-2", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestReplyEndpoint(t *testing.T) {
	r, _, _ := setupRouter()

	req := httptest.NewRequest(http.MethodPost, "/reply", strings.NewReader(`{"text":"ping"}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"reply":"You said: ping"}`, resp.Body.String())
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	r, _, registry := setupRouter()
	server := httptest.NewServer(r)
	defer server.Close()

	out := createSession(t, r)
	ctrl, err := registry.Get(out.Session.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/session/"+out.Session.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan chat.Message, 8)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var msg chat.Message
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg) == nil {
				events <- msg
			}
		}
	}()

	next := func() chat.Message {
		select {
		case msg, ok := <-events:
			require.True(t, ok, "stream ended early")
			return msg
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return chat.Message{}
		}
	}

	assert.Equal(t, popup.GreetingMessage, next().Content.Text)

	require.NoError(t, ctrl.Submit(context.Background(), "echo me"))
	assert.Equal(t, "echo me", next().Content.Text)
	assert.Equal(t, "You said: echo me", next().Content.Text)
}
