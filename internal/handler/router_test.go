package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/popchat/backend/internal/handler/popup"
	attachmentService "github.com/zhouzirui/popchat/backend/internal/service/attachment"
	chatService "github.com/zhouzirui/popchat/backend/internal/service/chat"
	popupService "github.com/zhouzirui/popchat/backend/internal/service/popup"
	"github.com/zhouzirui/popchat/backend/internal/service/reply"
)

func newTestRouter(t *testing.T) (http.Handler, *popupService.Registry) {
	t.Helper()
	chatSvc := chatService.NewService()
	objects := attachmentService.NewObjectStore("/api/objects")
	hub := popup.NewHub()
	replies := reply.NewEngine()
	registry := popupService.NewRegistry(chatSvc, popupService.RegistryOptions{
		Replies:     replies,
		Attachments: attachmentService.NewHandler(objects, 0),
		Microphones: hub.Microphone,
	})
	t.Cleanup(func() { registry.CloseAll(context.Background()) })

	return NewRouter(Deps{
		Chat:     chatSvc,
		Sessions: registry,
		Replies:  replies,
		Objects:  objects,
		Hub:      hub,
	}), registry
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok","speech":false,"popups":0,"objects":0}`, resp.Body.String())
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
}

func TestRoutesShareSessionPath(t *testing.T) {
	r, registry := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusCreated, resp.Code)

	var out struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	_, err := registry.Get(out.Session.ID)
	require.NoError(t, err)

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/session/"+out.Session.ID+"/messages", nil))
	assert.Equal(t, http.StatusOK, resp.Code)

	// attachments live under the same session prefix as the chat routes
	resp = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/session/"+out.Session.ID+"/attachments", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	r.ServeHTTP(resp, req)
	assert.NotEqual(t, http.StatusNotFound, resp.Code)
	assert.NotEqual(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestSpeechRoutesMounted(t *testing.T) {
	r, _ := newTestRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/speech/health", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"enabled":false}`, resp.Body.String())
}
