package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/service/order"
)

type createOrderRequest struct {
	Customer    domain.CustomerSnapshot `json:"customer"`
	Items       []domain.CartLine       `json:"items"`
	SessionID   string                  `json:"session_id"`
	IPAddress   string                  `json:"ip_address"`
	TotalAmount *decimal.Decimal        `json:"total_amount,omitempty"`
}

type createOrderResponse struct {
	Success         bool   `json:"success"`
	OrderNumber     string `json:"order_number"`
	OrderID         string `json:"order_id"`
	BaseOrderNumber string `json:"base_order_number"`
	TotalAmount     string `json:"total_amount"`
}

type lineEditRequest struct {
	Action   order.EditKind   `json:"action"`
	Key      string           `json:"key,omitempty"`
	Quantity int              `json:"quantity,omitempty"`
	Line     *domain.CartLine `json:"line,omitempty"`
}

// reviseOrderRequest принимает либо полный список строк (items), либо явные правки (edits).
type reviseOrderRequest struct {
	Items      []domain.CartLine   `json:"items,omitempty"`
	Edits      []lineEditRequest   `json:"edits,omitempty"`
	EditReason string              `json:"edit_reason"`
	Status     *domain.OrderStatus `json:"status,omitempty"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ip := strings.TrimSpace(req.IPAddress)
	if ip == "" {
		ip = clientIP(r)
	}

	created, err := s.deps.Orders.Create(r.Context(), order.CreateRequest{
		Items:       req.Items,
		Customer:    req.Customer,
		SessionID:   req.SessionID,
		ClientIP:    ip,
		ClientTotal: req.TotalAmount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, createOrderResponse{
		Success:         true,
		OrderNumber:     created.OrderNumber,
		OrderID:         created.ID,
		BaseOrderNumber: created.BaseOrderNumber,
		TotalAmount:     created.TotalAmount.StringFixed(2),
	})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer", nil)
			return
		}
		limit = parsed
	}

	orders, err := s.deps.Queries.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	found, err := s.deps.Queries.Get(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, found)
}

func (s *Server) orderVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Queries.Versions(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, versions)
}

func (s *Server) orderTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Queries.Timeline(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// reviseOrder создаёт новую версию. Версия, с которой сравнивается items, считается
// ожидаемой текущей: если её успели заменить, ответ 409.
func (s *Server) reviseOrder(w http.ResponseWriter, r *http.Request) {
	var req reviseOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.EditReason) == "" {
		s.writeError(w, r, domain.ErrMissingEditReason)
		return
	}
	if req.Items != nil && len(req.Edits) > 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "items and edits are mutually exclusive", nil)
		return
	}

	ctx := r.Context()
	base, err := s.deps.Queries.Get(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var edits []order.LineEdit
	if req.Items != nil {
		edits, err = order.EditsFromItems(base.Items, req.Items)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		edits = make([]order.LineEdit, 0, len(req.Edits))
		for _, e := range req.Edits {
			edit := order.LineEdit{Kind: e.Action, Key: e.Key, Quantity: e.Quantity}
			if e.Line != nil {
				edit.Line = *e.Line
			}
			edits = append(edits, edit)
		}
	}

	revised, err := s.deps.Revisions.Revise(ctx, order.ReviseRequest{
		OrderID:  base.ID,
		Edits:    edits,
		Reason:   req.EditReason,
		Status:   req.Status,
		EditedBy: EditorFromContext(ctx),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, revised)
}
