package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// sessionStoreInMemory: in-memory реализация SessionStore для разработки и тестов.
type sessionStoreInMemory struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	now      func() time.Time
}

// NewSessionStore возвращает пустое in-memory хранилище сессий.
func NewSessionStore() domain.SessionStore {
	return &sessionStoreInMemory{
		sessions: make(map[string]domain.Session),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load возвращает копию сессии или ErrSessionNotFound.
func (s *sessionStoreInMemory) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, domain.ErrSessionIDRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Save перезаписывает сессию целиком; побеждает последняя запись.
func (s *sessionStoreInMemory) Save(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	session.ID = strings.TrimSpace(session.ID)
	if session.ID == "" {
		return domain.ErrSessionIDRequired
	}

	stored := session.Clone()
	stored.UpdatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[stored.ID] = stored
	return nil
}

var _ domain.SessionStore = (*sessionStoreInMemory)(nil)
