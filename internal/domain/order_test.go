package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
)

func strPtr(v string) *string { return &v }

// helper для создания первой версии заказа с двумя позициями.
func makeOrder() domain.Order {
	items := []domain.OrderLine{
		{CartLine: domain.CartLine{
			VariantID:   strPtr("var-red-m"),
			ProductID:   "prod-shirt",
			ProductName: "Shirt",
			UnitPrice:   decimal.RequireFromString("19.99"),
			Quantity:    2,
		}},
		{CartLine: domain.CartLine{
			ProductID:   "prod-mug",
			ProductName: "Mug",
			UnitPrice:   decimal.RequireFromString("5.005"),
			Quantity:    3,
		}},
	}
	return domain.Order{
		ID:              "version-1",
		BaseOrderNumber: "ORD-20260101-ABC",
		OrderNumber:     "ORD-20260101-ABC",
		Version:         1,
		Status:          domain.OrderStatusPending,
		Items:           items,
		Customer:        domain.CustomerSnapshot{Email: "a@example.com"},
		TotalAmount:     domain.ComputeTotal(items),
		CreatedAt:       time.Now().UTC(),
	}
}

func TestComputeTotalRoundsToCents(t *testing.T) {
	order := makeOrder()
	// 2*19.99 + 3*5.005 = 39.98 + 15.015 = 54.995 -> 55.00
	want := decimal.RequireFromString("55.00")
	if !order.TotalAmount.Equal(want) {
		t.Fatalf("expected total %s, got %s", want, order.TotalAmount)
	}
}

func TestOrderNumberFor(t *testing.T) {
	if got := domain.OrderNumberFor("ORD-1", 1); got != "ORD-1" {
		t.Fatalf("v1 number = %q", got)
	}
	if got := domain.OrderNumberFor("ORD-1", 3); got != "ORD-1-v3" {
		t.Fatalf("v3 number = %q", got)
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}

	next := order.Clone()
	next.ID = "version-2"
	next.Version = 2
	next.OrderNumber = domain.OrderNumberFor(next.BaseOrderNumber, 2)
	next.EditReason = "customer called"
	next.PreviousVersionID = strPtr(order.ID)
	if errs := next.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors for v2, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{
			name: "no base number",
			mut:  func(o *domain.Order) { o.BaseOrderNumber = ""; o.OrderNumber = "" },
			want: domain.ErrBaseOrderNumberRequired,
		},
		{
			name: "no items",
			mut:  func(o *domain.Order) { o.Items = nil; o.TotalAmount = decimal.Zero },
			want: domain.ErrItemsRequired,
		},
		{
			name: "qty invalid",
			mut:  func(o *domain.Order) { o.Items[0].Quantity = 0 },
			want: domain.ErrItemQtyInvalid,
		},
		{
			name: "price invalid",
			mut:  func(o *domain.Order) { o.Items[1].UnitPrice = decimal.NewFromInt(-1) },
			want: domain.ErrItemPriceInvalid,
		},
		{
			name: "total mismatch",
			mut:  func(o *domain.Order) { o.TotalAmount = decimal.NewFromInt(1) },
			want: domain.ErrTotalMismatch,
		},
		{
			name: "number mismatch",
			mut:  func(o *domain.Order) { o.OrderNumber = "ORD-20260101-ABC-v1" },
			want: domain.ErrOrderNumberMismatch,
		},
		{
			name: "v1 with reason",
			mut:  func(o *domain.Order) { o.EditReason = "nope" },
			want: domain.ErrVersionChainBroken,
		},
		{
			name: "v2 without reason",
			mut: func(o *domain.Order) {
				o.Version = 2
				o.OrderNumber = domain.OrderNumberFor(o.BaseOrderNumber, 2)
				o.PreviousVersionID = strPtr("version-1")
			},
			want: domain.ErrMissingEditReason,
		},
		{
			name: "v2 without previous",
			mut: func(o *domain.Order) {
				o.Version = 2
				o.OrderNumber = domain.OrderNumberFor(o.BaseOrderNumber, 2)
				o.EditReason = "fix"
			},
			want: domain.ErrVersionChainBroken,
		},
		{
			name: "unknown status",
			mut:  func(o *domain.Order) { o.Status = "archived" },
			want: domain.ErrInvalidStatus,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			errs := order.ValidateInvariants()
			if len(errs) == 0 {
				t.Fatalf("expected validation errors")
			}
			found := false
			for _, err := range errs {
				if errors.Is(err, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %v among %v", tc.want, errs)
			}
		})
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.OrderStatus
		want     bool
	}{
		{domain.OrderStatusPending, domain.OrderStatusConfirmed, true},
		{domain.OrderStatusPending, domain.OrderStatusCancelled, true},
		{domain.OrderStatusPending, domain.OrderStatusFulfilled, false},
		{domain.OrderStatusConfirmed, domain.OrderStatusFulfilled, true},
		{domain.OrderStatusConfirmed, domain.OrderStatusCancelled, true},
		{domain.OrderStatusConfirmed, domain.OrderStatusPending, false},
		{domain.OrderStatusFulfilled, domain.OrderStatusCancelled, false},
		{domain.OrderStatusCancelled, domain.OrderStatusPending, false},
		{domain.OrderStatusCancelled, domain.OrderStatusCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}

	if !domain.OrderStatusFulfilled.Terminal() || !domain.OrderStatusCancelled.Terminal() {
		t.Fatalf("fulfilled and cancelled must be terminal")
	}
	if domain.OrderStatusPending.Terminal() {
		t.Fatalf("pending is not terminal")
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	order := makeOrder()
	qty := 7
	order.Items[0].AvailableQuantityAtEdit = &qty

	clone := order.Clone()
	*clone.Items[0].VariantID = "changed"
	*clone.Items[0].AvailableQuantityAtEdit = 1
	clone.Items[1].Quantity = 99

	if *order.Items[0].VariantID != "var-red-m" {
		t.Fatalf("variant id leaked through clone")
	}
	if *order.Items[0].AvailableQuantityAtEdit != 7 {
		t.Fatalf("available quantity leaked through clone")
	}
	if order.Items[1].Quantity != 3 {
		t.Fatalf("quantity leaked through clone")
	}
}
