package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/popchat/backend/internal/model/chat"
)

// DefaultLocale is used when a session is created without one.
const DefaultLocale = "en-US"

var ErrSessionNotFound = errors.New("session not found")

// Service keeps the live popup sessions and their message logs in memory.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	logs     map[string]*MessageLog
}

// NewService bootstraps the in-memory chat service.
func NewService() *Service {
	return &Service{
		sessions: make(map[string]chat.Session),
		logs:     make(map[string]*MessageLog),
	}
}

// CreateSession provisions a session with an empty message log.
func (s *Service) CreateSession(_ context.Context, locale string) (chat.Session, error) {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		locale = DefaultLocale
	}

	session := chat.Session{
		ID:        uuid.NewString(),
		Locale:    locale,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.logs[session.ID] = NewMessageLog(session.ID)
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// Log returns the message log owned by the session.
func (s *Service) Log(_ context.Context, sessionID string) (*MessageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return l, nil
}

// LoadTranscript returns the session's messages in display order.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	l, err := s.Log(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return l.Messages(), nil
}

// DeleteSession tears the session down together with its log.
func (s *Service) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.logs, sessionID)
	return nil
}
