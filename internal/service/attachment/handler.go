package attachment

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/popchat/backend/internal/model/chat"
)

// Preview rendering bounds.
const (
	PreviewMaxWidth     = 180
	PreviewBorderRadius = 8
	LinkTarget          = "_blank"
	fileIcon            = "📄 "
)

// DefaultMaxBytes caps a single attachment.
const DefaultMaxBytes = 32 << 20

// ErrTooLarge is returned for files above the size cap.
var ErrTooLarge = errors.New("attachment too large")

// File is a user-selected file.
type File struct {
	Name     string
	Size     int64
	MIMEType string
	Data     io.Reader
}

// SizeKB rounds size to whole kilobytes with a minimum of 1.
func SizeKB(size int64) int64 {
	kb := int64(math.Round(float64(size) / 1024))
	if kb < 1 {
		return 1
	}
	return kb
}

// Label renders "<name> (<KB> KB)".
func Label(name string, size int64) string {
	return fmt.Sprintf("%s (%d KB)", name, SizeKB(size))
}

// IsImage reports whether a MIME type is rendered inline.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/")
}

// Handler turns selected files into message nodes backed by temporary references.
type Handler struct {
	store    *ObjectStore
	maxBytes int64
}

// NewHandler creates a handler. maxBytes <= 0 selects DefaultMaxBytes.
func NewHandler(store *ObjectStore, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Handler{store: store, maxBytes: maxBytes}
}

// Store exposes the reference store for transports serving object URLs.
func (h *Handler) Store() *ObjectStore {
	return h.store
}

// Render reads f and returns the content node for it. ok is false when no
// file was selected.
func (h *Handler) Render(owner string, f *File) (content chat.Content, ok bool, err error) {
	if f == nil {
		return chat.Content{}, false, nil
	}

	data, err := h.read(f)
	if err != nil {
		return chat.Content{}, true, err
	}
	size := f.Size
	if size <= 0 {
		size = int64(len(data))
	}
	label := Label(f.Name, size)

	if IsImage(f.MIMEType) {
		obj := h.store.Create(owner, f.Name, f.MIMEType, data, true)
		log.Debug().Str("component", "attachment").Str("object", obj.ID).Str("name", f.Name).Msg("image preview created")
		return chat.Content{
			Kind: chat.KindImage,
			Preview: &chat.ImagePreview{
				ObjectID:     obj.ID,
				URL:          h.store.URL(obj.ID),
				MaxWidth:     PreviewMaxWidth,
				BorderRadius: PreviewBorderRadius,
				Caption:      label,
			},
		}, true, nil
	}

	// revoked on first download, or with the session at the latest
	obj := h.store.Create(owner, f.Name, f.MIMEType, data, true)
	log.Debug().Str("component", "attachment").Str("object", obj.ID).Str("name", f.Name).Msg("download link created")
	return chat.Content{
		Kind: chat.KindFile,
		Link: &chat.DownloadLink{
			ObjectID: obj.ID,
			URL:      h.store.URL(obj.ID),
			Download: f.Name,
			Label:    fileIcon + label,
			Target:   LinkTarget,
		},
	}, true, nil
}

// Loaded releases an image reference once the preview has rendered.
func (h *Handler) Loaded(objectID string) {
	h.store.Revoke(objectID)
}

func (h *Handler) read(f *File) ([]byte, error) {
	if f.Data == nil {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(f.Data, h.maxBytes+1))
	if err != nil {
		return nil, errors.Wrapf(err, "read attachment %q", f.Name)
	}
	if int64(len(data)) > h.maxBytes {
		return nil, errors.Wrapf(ErrTooLarge, "attachment %q exceeds %d bytes", f.Name, h.maxBytes)
	}
	return data, nil
}
