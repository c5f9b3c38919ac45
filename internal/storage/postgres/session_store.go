package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

type sessionStore struct {
	db *sql.DB
}

// NewSessionStore создаёт PostgreSQL-реализацию SessionStore.
// Корзина и контакты хранятся как JSONB-снимки, одна строка таблицы на сессию.
func NewSessionStore(store *Store) domain.SessionStore {
	return &sessionStore{db: store.DB()}
}

func (s *sessionStore) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, domain.ErrSessionIDRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	var (
		session     domain.Session
		cartRaw     []byte
		customerRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, cart, customer, last_seen_ip, updated_at
		FROM cart_sessions
		WHERE session_id = $1
	`, sessionID).Scan(&session.ID, &cartRaw, &customerRaw, &session.LastSeenIP, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, translateError("select session", err)
	}

	if err := json.Unmarshal(cartRaw, &session.Cart); err != nil {
		return domain.Session{}, fmt.Errorf("decode session cart: %w", err)
	}
	if session.Cart == nil {
		session.Cart = []domain.CartLine{}
	}
	if err := json.Unmarshal(customerRaw, &session.Customer); err != nil {
		return domain.Session{}, fmt.Errorf("decode session customer: %w", err)
	}
	session.UpdatedAt = session.UpdatedAt.UTC()

	return session, nil
}

func (s *sessionStore) Save(ctx context.Context, session domain.Session) error {
	session.ID = strings.TrimSpace(session.ID)
	if session.ID == "" {
		return domain.ErrSessionIDRequired
	}

	cart := session.Cart
	if cart == nil {
		cart = []domain.CartLine{}
	}
	cartRaw, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("encode session cart: %w", err)
	}
	customerRaw, err := json.Marshal(session.Customer)
	if err != nil {
		return fmt.Errorf("encode session customer: %w", err)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO cart_sessions (session_id, cart, customer, last_seen_ip, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE
		SET cart = EXCLUDED.cart,
		    customer = EXCLUDED.customer,
		    last_seen_ip = EXCLUDED.last_seen_ip,
		    updated_at = EXCLUDED.updated_at
	`, session.ID, string(cartRaw), string(customerRaw), session.LastSeenIP, time.Now().UTC()); err != nil {
		return translateError("upsert session", err)
	}

	return nil
}

var _ domain.SessionStore = (*sessionStore)(nil)
