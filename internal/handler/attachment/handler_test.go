package attachment

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
	attachmentService "github.com/zhouzirui/popchat/backend/internal/service/attachment"
	chatService "github.com/zhouzirui/popchat/backend/internal/service/chat"
	"github.com/zhouzirui/popchat/backend/internal/service/popup"
	"github.com/zhouzirui/popchat/backend/internal/service/reply"
)

const maxBytes = 1 << 10

func setup(t *testing.T) (*chi.Mux, *popup.Controller, *attachmentService.ObjectStore) {
	t.Helper()
	store := attachmentService.NewObjectStore("/api/objects")
	registry := popup.NewRegistry(chatService.NewService(), popup.RegistryOptions{
		Replies:     reply.NewEngine(),
		Attachments: attachmentService.NewHandler(store, maxBytes),
	})
	ctrl, err := registry.Open(context.Background(), "")
	require.NoError(t, err)

	r := chi.NewRouter()
	New(registry, store, maxBytes).RegisterRoutes(r)
	return r, ctrl, store
}

func multipartBody(t *testing.T, name, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if name != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	} else {
		require.NoError(t, mw.WriteField("note", "nothing selected"))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func upload(t *testing.T, r http.Handler, sessionID, name, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, name, contentType, data)
	req := httptest.NewRequest(http.MethodPost, "/session/"+sessionID+"/attachments", body)
	req.Header.Set("Content-Type", ct)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func decodeMessages(t *testing.T, resp *httptest.ResponseRecorder) []chat.Message {
	t.Helper()
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out.Messages
}

func TestUploadImageRendersPreview(t *testing.T) {
	r, ctrl, store := setup(t)

	resp := upload(t, r, ctrl.SessionID(), "cat.png", "image/png", []byte("png-bytes"))
	require.Equal(t, http.StatusCreated, resp.Code)

	msgs := decodeMessages(t, resp)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.AuthorUser, msgs[0].Author)
	require.Equal(t, chat.KindImage, msgs[0].Content.Kind)
	preview := msgs[0].Content.Preview
	assert.Equal(t, attachmentService.PreviewMaxWidth, preview.MaxWidth)
	assert.Equal(t, "cat.png (1 KB)", preview.Caption)
	assert.Equal(t, 1, store.Len())

	get := httptest.NewRecorder()
	r.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/objects/"+preview.ObjectID, nil))
	assert.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "image/png", get.Header().Get("Content-Type"))
	assert.Empty(t, get.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", get.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "png-bytes", get.Body.String())

	loaded := httptest.NewRecorder()
	r.ServeHTTP(loaded, httptest.NewRequest(http.MethodPost, "/objects/"+preview.ObjectID+"/loaded", nil))
	assert.Equal(t, http.StatusNoContent, loaded.Code)
	assert.Equal(t, 0, store.Len())
}

func TestUploadFileRendersOneShotLink(t *testing.T) {
	r, ctrl, store := setup(t)

	resp := upload(t, r, ctrl.SessionID(), "notes.txt", "text/plain; charset=utf-8", []byte("remember the milk"))
	require.Equal(t, http.StatusCreated, resp.Code)

	msgs := decodeMessages(t, resp)
	require.Len(t, msgs, 1)
	require.Equal(t, chat.KindFile, msgs[0].Content.Kind)
	link := msgs[0].Content.Link
	assert.Equal(t, "notes.txt", link.Download)
	assert.Equal(t, "_blank", link.Target)
	assert.Equal(t, "/api/objects/"+link.ObjectID, link.URL)

	get := httptest.NewRecorder()
	r.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/objects/"+link.ObjectID, nil))
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "text/plain", get.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=notes.txt`, get.Header().Get("Content-Disposition"))
	assert.Equal(t, "remember the milk", get.Body.String())
	assert.Equal(t, 0, store.Len())

	again := httptest.NewRecorder()
	r.ServeHTTP(again, httptest.NewRequest(http.MethodGet, "/objects/"+link.ObjectID, nil))
	assert.Equal(t, http.StatusNotFound, again.Code)
}

func TestObjectServesScriptableImagesAsDownload(t *testing.T) {
	r, ctrl, _ := setup(t)
	svg := []byte(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`)

	resp := upload(t, r, ctrl.SessionID(), "x.svg", "image/svg+xml", svg)
	require.Equal(t, http.StatusCreated, resp.Code)
	msgs := decodeMessages(t, resp)
	require.Len(t, msgs, 1)
	require.Equal(t, chat.KindImage, msgs[0].Content.Kind)

	get := httptest.NewRecorder()
	r.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/objects/"+msgs[0].Content.Preview.ObjectID, nil))
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, `attachment; filename=x.svg`, get.Header().Get("Content-Disposition"))
	assert.Equal(t, "nosniff", get.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "default-src 'none'; sandbox", get.Header().Get("Content-Security-Policy"))
}

func TestServedInline(t *testing.T) {
	for mimeType, want := range map[string]bool{
		"image/png":                true,
		"IMAGE/JPEG":               true,
		"image/webp; q=1":          true,
		"image/gif":                true,
		"image/svg+xml":            false,
		"text/html":                false,
		"application/octet-stream": false,
		"":                         false,
	} {
		assert.Equal(t, want, servedInline(mimeType), mimeType)
	}
}

func TestUploadWithoutFileIsNoop(t *testing.T) {
	r, ctrl, _ := setup(t)
	before := ctrl.Log().Len()

	resp := upload(t, r, ctrl.SessionID(), "", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, before, ctrl.Log().Len())
}

func TestUploadTooLarge(t *testing.T) {
	r, ctrl, store := setup(t)

	resp := upload(t, r, ctrl.SessionID(), "big.bin", "application/octet-stream", bytes.Repeat([]byte("x"), maxBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Equal(t, 0, store.Len())
}

func TestUploadUnknownSession(t *testing.T) {
	r, _, _ := setup(t)

	resp := upload(t, r, "missing", "a.txt", "text/plain", []byte("a"))
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
