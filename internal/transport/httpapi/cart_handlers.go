package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/service/cart"
)

type saveCartRequest struct {
	SessionID string                  `json:"session_id"`
	Cart      []domain.CartLine       `json:"cart"`
	IPAddress string                  `json:"ip_address"`
	Customer  domain.CustomerSnapshot `json:"customer"`
	// Timestamp: момент снимка на клиенте. Снимок старше уже применённого отбрасывается.
	Timestamp *time.Time              `json:"timestamp,omitempty"`
}

type setQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type cartResponse struct {
	SessionID string                  `json:"session_id"`
	Cart      []domain.CartLine       `json:"cart"`
	Customer  domain.CustomerSnapshot `json:"customer"`
	Total     decimal.Decimal         `json:"total"`
}

type saveCartResponse struct {
	Success bool `json:"success"`
	// Applied равен false, если снимок пришёл позже более нового и был отброшен.
	Applied bool `json:"applied"`
}

func newCartResponse(session domain.Session) cartResponse {
	lines := session.Cart
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return cartResponse{
		SessionID: session.ID,
		Cart:      lines,
		Customer:  session.Customer,
		Total:     domain.CartTotal(lines),
	}
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Carts.Load(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newCartResponse(session))
}

// saveCart принимает полный снимок корзины от клиента.
func (s *Server) saveCart(w http.ResponseWriter, r *http.Request) {
	var req saveCartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ip := strings.TrimSpace(req.IPAddress)
	if ip == "" {
		ip = clientIP(r)
	}

	applied := true
	s.withCart(w, r, req.SessionID, func(ctx context.Context, h *cart.Handle) (domain.Session, error) {
		if req.Timestamp == nil {
			return h.Replace(ctx, req.Cart, req.Customer, ip)
		}
		session, err := h.ReplaceIfNewer(ctx, *req.Timestamp, req.Cart, req.Customer, ip)
		if errors.Is(err, cart.ErrStaleSnapshot) {
			s.logger.WithFields(log.Fields{
				"session_id": h.SessionID(),
				"timestamp":  req.Timestamp.UTC(),
			}).Info("stale cart snapshot ignored")
			applied = false
			return h.Snapshot(), nil
		}
		return session, err
	}, func(domain.Session) any {
		return saveCartResponse{Success: true, Applied: applied}
	})
}

func (s *Server) addLine(w http.ResponseWriter, r *http.Request) {
	var line domain.CartLine
	if !decodeJSON(w, r, &line) {
		return
	}
	s.withCart(w, r, chi.URLParam(r, "sessionId"), func(ctx context.Context, h *cart.Handle) (domain.Session, error) {
		return h.AddLine(ctx, line)
	}, nil)
}

func (s *Server) setLineQuantity(w http.ResponseWriter, r *http.Request) {
	var req setQuantityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := chi.URLParam(r, "lineKey")
	s.withCart(w, r, chi.URLParam(r, "sessionId"), func(ctx context.Context, h *cart.Handle) (domain.Session, error) {
		return h.SetQuantity(ctx, key, req.Quantity)
	}, nil)
}

func (s *Server) removeLine(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "lineKey")
	s.withCart(w, r, chi.URLParam(r, "sessionId"), func(ctx context.Context, h *cart.Handle) (domain.Session, error) {
		return h.RemoveLine(ctx, key)
	}, nil)
}

func (s *Server) setCustomer(w http.ResponseWriter, r *http.Request) {
	var customer domain.CustomerSnapshot
	if !decodeJSON(w, r, &customer) {
		return
	}
	s.withCart(w, r, chi.URLParam(r, "sessionId"), func(ctx context.Context, h *cart.Handle) (domain.Session, error) {
		return h.SetCustomer(ctx, customer)
	}, nil)
}

// withCart открывает сессию на время запроса. Запись в хранилища выполняется позже по
// таймеру debounce; если хранилище недоступно, корзина остаётся в клиентском кэше, а
// Close возвращает ошибку последней записи только для лога.
func (s *Server) withCart(
	w http.ResponseWriter,
	r *http.Request,
	sessionID string,
	mutate func(ctx context.Context, h *cart.Handle) (domain.Session, error),
	render func(domain.Session) any,
) {
	ctx := r.Context()
	h, err := s.deps.Carts.Open(ctx, sessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	h.SetClientIP(clientIP(r))

	session, err := mutate(ctx, h)
	if closeErr := h.Close(); closeErr != nil {
		s.logger.WithError(closeErr).WithFields(log.Fields{
			"session_id": h.SessionID(),
		}).Warn("cart flush degraded to client cache")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if render == nil {
		respondJSON(w, http.StatusOK, newCartResponse(session))
		return
	}
	respondJSON(w, http.StatusOK, render(session))
}
