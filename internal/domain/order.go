package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа. Статус не зависит от номера версии.
type OrderStatus string

const (
	// OrderStatusPending: заказ оформлен покупателем и ждёт подтверждения.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed: заказ подтверждён менеджером.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusFulfilled: заказ выполнен.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusCancelled: заказ отменён.
	OrderStatusCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusFulfilled, OrderStatusCancelled},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusFulfilled, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFulfilled || s == OrderStatusCancelled
}

// CanTransitionTo проверяет переход по таблице статусов. Переход в тот же статус допустим.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderLine копирует строку корзины и хранит остаток на момент последней проверки.
type OrderLine struct {
	CartLine
	AvailableQuantityAtEdit *int `json:"available_quantity_at_edit,omitempty"`
}

// Clone возвращает глубокую копию строки заказа.
func (l OrderLine) Clone() OrderLine {
	dst := OrderLine{CartLine: l.CartLine.Clone()}
	if l.AvailableQuantityAtEdit != nil {
		v := *l.AvailableQuantityAtEdit
		dst.AvailableQuantityAtEdit = &v
	}
	return dst
}

// CloneOrderLines копирует строки заказа.
func CloneOrderLines(lines []OrderLine) []OrderLine {
	out := make([]OrderLine, len(lines))
	for i, line := range lines {
		out[i] = line.Clone()
	}
	return out
}

// Order: неизменяемый снимок одной версии заказа.
type Order struct {
	// ID уникален для каждой версии.
	ID string `json:"id"`
	// BaseOrderNumber общий для всех версий одного заказа.
	BaseOrderNumber   string           `json:"base_order_number"`
	OrderNumber       string           `json:"order_number"`
	Version           int              `json:"version"`
	Status            OrderStatus      `json:"status"`
	Items             []OrderLine      `json:"items"`
	Customer          CustomerSnapshot `json:"customer"`
	TotalAmount       decimal.Decimal  `json:"total_amount"`
	CreatedAt         time.Time        `json:"created_at"`
	EditReason        string           `json:"edit_reason,omitempty"`
	PreviousVersionID *string          `json:"previous_version_id"`
	SessionID         string           `json:"session_id,omitempty"`
	ClientIP          string           `json:"ip_address,omitempty"`
	EditedBy          string           `json:"edited_by,omitempty"`
}

// Clone возвращает глубокую копию версии.
func (o Order) Clone() Order {
	dst := o
	dst.Items = CloneOrderLines(o.Items)
	if o.PreviousVersionID != nil {
		v := *o.PreviousVersionID
		dst.PreviousVersionID = &v
	}
	return dst
}

// OrderNumberFor собирает отображаемый номер: базовый для первой версии, base-vN для остальных.
func OrderNumberFor(base string, version int) string {
	if version <= 1 {
		return base
	}
	return fmt.Sprintf("%s-v%d", base, version)
}

// ComputeTotal возвращает сумму строк заказа, округлённую до двух знаков.
func ComputeTotal(lines []OrderLine) decimal.Decimal {
	return sumSubtotals(lines)
}

// LinesFromCart превращает строки корзины в строки заказа.
func LinesFromCart(lines []CartLine) []OrderLine {
	out := make([]OrderLine, len(lines))
	for i, line := range lines {
		out[i] = OrderLine{CartLine: line.Clone()}
	}
	return out
}

// ValidateInvariants проверяет базовые инварианты версии и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.BaseOrderNumber) == "" {
		errs = append(errs, ErrBaseOrderNumberRequired)
	}
	if o.Version < 1 {
		errs = append(errs, ErrVersionInvalid)
	}
	if o.OrderNumber != OrderNumberFor(o.BaseOrderNumber, o.Version) {
		errs = append(errs, ErrOrderNumberMismatch)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range o.Items {
		if err := item.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if !ComputeTotal(o.Items).Equal(o.TotalAmount) {
		errs = append(errs, ErrTotalMismatch)
	}

	// Первая версия не имеет причины и предка, последующие обязаны иметь оба.
	if o.Version == 1 {
		if o.EditReason != "" || o.PreviousVersionID != nil {
			errs = append(errs, ErrVersionChainBroken)
		}
	} else if o.Version > 1 {
		if strings.TrimSpace(o.EditReason) == "" {
			errs = append(errs, ErrMissingEditReason)
		}
		if o.PreviousVersionID == nil || *o.PreviousVersionID == "" {
			errs = append(errs, ErrVersionChainBroken)
		}
	}

	return errs
}
