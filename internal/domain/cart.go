package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CartLine: позиция корзины. Хранится в сессии и копируется в заказ.
type CartLine struct {
	// VariantID пустой для товаров без вариантов; тогда ключом строки служит ProductID.
	VariantID   *string         `json:"variant_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	VariantName string          `json:"variant_name,omitempty"`
	VariantCode string          `json:"variant_code,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	// Quantity никогда не сохраняется равным нулю: ноль означает удаление строки.
	Quantity int    `json:"quantity"`
	ImageURL string `json:"image_url,omitempty"`
}

// Key возвращает идентификатор строки: вариант, если он есть, иначе товар.
func (l CartLine) Key() string {
	if l.VariantID != nil && strings.TrimSpace(*l.VariantID) != "" {
		return *l.VariantID
	}
	return l.ProductID
}

// Subtotal возвращает стоимость строки без округления.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Validate проверяет инварианты одной строки.
func (l CartLine) Validate() error {
	if strings.TrimSpace(l.ProductID) == "" {
		return ErrProductRequired
	}
	if l.Quantity < 1 {
		return ErrItemQtyInvalid
	}
	if l.UnitPrice.IsNegative() {
		return ErrItemPriceInvalid
	}
	return nil
}

// Clone возвращает глубокую копию строки.
func (l CartLine) Clone() CartLine {
	dst := l
	if l.VariantID != nil {
		v := *l.VariantID
		dst.VariantID = &v
	}
	return dst
}

// CloneLines копирует срез строк, чтобы хранилища не делили память с вызывающим кодом.
func CloneLines(lines []CartLine) []CartLine {
	if lines == nil {
		return nil
	}
	out := make([]CartLine, len(lines))
	for i, line := range lines {
		out[i] = line.Clone()
	}
	return out
}

// IndexOfLine ищет строку по ключу; -1, если её нет.
func IndexOfLine(lines []CartLine, key string) int {
	for i, line := range lines {
		if line.Key() == key {
			return i
		}
	}
	return -1
}

// CartTotal возвращает сумму корзины, округлённую до копеек.
func CartTotal(lines []CartLine) decimal.Decimal {
	return sumSubtotals(lines)
}

// sumSubtotals складывает стоимости строк и округляет результат до двух знаков.
// Корзина и заказ считают сумму одинаково.
func sumSubtotals[L interface{ Subtotal() decimal.Decimal }](lines []L) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.Subtotal())
	}
	return total.Round(2)
}

// CustomerSnapshot: контактные данные покупателя.
type CustomerSnapshot struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// HasContact сообщает, указан ли хотя бы один способ связи.
func (c CustomerSnapshot) HasContact() bool {
	return strings.TrimSpace(c.Email) != "" || strings.TrimSpace(c.Phone) != ""
}

// IsZero сообщает, что снимок полностью пуст.
func (c CustomerSnapshot) IsZero() bool {
	return strings.TrimSpace(c.Name) == "" && !c.HasContact()
}

// Session связывает анонимного покупателя с его корзиной.
type Session struct {
	ID         string           `json:"session_id"`
	Cart       []CartLine       `json:"cart"`
	Customer   CustomerSnapshot `json:"customer"`
	LastSeenIP string           `json:"ip_address,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewSession создаёт пустую сессию.
func NewSession(id string) Session {
	return Session{ID: id, Cart: []CartLine{}}
}

// Clone возвращает глубокую копию сессии.
func (s Session) Clone() Session {
	dst := s
	dst.Cart = CloneLines(s.Cart)
	if dst.Cart == nil {
		dst.Cart = []CartLine{}
	}
	return dst
}
