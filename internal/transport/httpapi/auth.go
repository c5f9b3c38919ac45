package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

// Authenticator определяет, кто выполняет запрос на правку заказа.
type Authenticator interface {
	// Authenticate возвращает идентификатор редактора или domain.ErrUnauthorized.
	Authenticate(r *http.Request) (string, error)
}

// StaticTokenAuthenticator сверяет bearer-токен со списком выданных токенов.
type StaticTokenAuthenticator struct {
	// tokens: токен -> имя редактора.
	tokens map[string]string
}

// NewStaticTokenAuthenticator создаёт аутентификатор. Пустые токены пропускаются.
func NewStaticTokenAuthenticator(tokens map[string]string) *StaticTokenAuthenticator {
	clean := make(map[string]string, len(tokens))
	for token, editor := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		clean[token] = strings.TrimSpace(editor)
	}
	return &StaticTokenAuthenticator{tokens: clean}
}

// Authenticate реализует Authenticator.
func (a *StaticTokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", domain.ErrUnauthorized
	}
	presented := []byte(strings.TrimSpace(header[len(prefix):]))

	for token, editor := range a.tokens {
		if subtle.ConstantTimeCompare(presented, []byte(token)) == 1 {
			return editor, nil
		}
	}
	return "", domain.ErrUnauthorized
}

type editorKey struct{}

// EditorFromContext возвращает редактора, установленного requireEditor.
func EditorFromContext(ctx context.Context) string {
	editor, _ := ctx.Value(editorKey{}).(string)
	return editor
}

func (s *Server) requireEditor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Auth == nil {
			s.writeError(w, r, domain.ErrUnauthorized)
			return
		}
		editor, err := s.deps.Auth.Authenticate(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), editorKey{}, editor)))
	})
}

var _ Authenticator = (*StaticTokenAuthenticator)(nil)
