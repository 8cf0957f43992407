package popup

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhouzirui/popchat/backend/internal/service/voice"
)

// Hub tracks the live popup connection of each session.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub 创建连接表
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// attach makes c the session's connection and returns the one it replaced.
func (h *Hub) attach(sessionID string, c *Conn) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.conns[sessionID]
	h.conns[sessionID] = c
	return prev
}

// detach removes c unless it was already replaced.
func (h *Hub) detach(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[sessionID] == c {
		delete(h.conns, sessionID)
	}
}

// Current returns the session's connection, or nil.
func (h *Hub) Current(sessionID string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[sessionID]
}

// Disconnect closes the session's popup connection, if any.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	c := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.mu.Unlock()
	if c != nil {
		c.close("session closed")
	}
}

// Len 当前连接数
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Microphone returns a microphone that asks whichever popup is attached to
// sessionID at the time of the request.
func (h *Hub) Microphone(sessionID string) voice.Microphone {
	return sessionMicrophone{hub: h, sessionID: sessionID}
}

type sessionMicrophone struct {
	hub       *Hub
	sessionID string
}

func (m sessionMicrophone) RequestPermission(ctx context.Context) (voice.AudioStream, error) {
	c := m.hub.Current(m.sessionID)
	if c == nil {
		return nil, errors.Wrap(voice.ErrPermissionDenied, "no popup attached")
	}
	return c.RequestPermission(ctx)
}
