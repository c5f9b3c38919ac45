package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCartLineKeyPrefersVariant(t *testing.T) {
	variant := "var-1"
	empty := "  "

	require.Equal(t, "var-1", CartLine{ProductID: "p-1", VariantID: &variant}.Key())
	require.Equal(t, "p-1", CartLine{ProductID: "p-1"}.Key())
	require.Equal(t, "p-1", CartLine{ProductID: "p-1", VariantID: &empty}.Key())
}

func TestCartLineValidate(t *testing.T) {
	ok := CartLine{ProductID: "p", UnitPrice: decimal.NewFromInt(1), Quantity: 1}
	require.NoError(t, ok.Validate())

	zero := ok
	zero.Quantity = 0
	require.ErrorIs(t, zero.Validate(), ErrItemQtyInvalid)

	negative := ok
	negative.UnitPrice = decimal.NewFromFloat(-0.01)
	require.ErrorIs(t, negative.Validate(), ErrItemPriceInvalid)

	noProduct := ok
	noProduct.ProductID = ""
	require.ErrorIs(t, noProduct.Validate(), ErrProductRequired)
}

func TestCartTotalAndIndex(t *testing.T) {
	lines := []CartLine{
		{ProductID: "a", UnitPrice: decimal.RequireFromString("1.10"), Quantity: 3},
		{ProductID: "b", UnitPrice: decimal.RequireFromString("0.333"), Quantity: 1},
	}
	require.True(t, CartTotal(lines).Equal(decimal.RequireFromString("3.63")))
	require.Equal(t, 1, IndexOfLine(lines, "b"))
	require.Equal(t, -1, IndexOfLine(lines, "c"))
}

func TestCartAndOrderTotalsAgree(t *testing.T) {
	lines := []CartLine{
		{ProductID: "a", UnitPrice: decimal.RequireFromString("0.005"), Quantity: 1},
		{ProductID: "b", UnitPrice: decimal.RequireFromString("19.999"), Quantity: 2},
	}
	cartTotal := CartTotal(lines)
	require.True(t, cartTotal.Equal(decimal.RequireFromString("40.00")), cartTotal.String())
	require.True(t, ComputeTotal(LinesFromCart(lines)).Equal(cartTotal))

	require.True(t, CartTotal(nil).IsZero())
	require.True(t, ComputeTotal(nil).IsZero())
}

func TestCustomerSnapshotContact(t *testing.T) {
	require.False(t, CustomerSnapshot{Name: "Ann"}.HasContact())
	require.True(t, CustomerSnapshot{Phone: "+100"}.HasContact())
	require.True(t, CustomerSnapshot{}.IsZero())
	require.False(t, CustomerSnapshot{Name: "Ann"}.IsZero())
}

func TestSessionJSONShape(t *testing.T) {
	variant := "v-9"
	session := NewSession("s-1")
	session.Cart = append(session.Cart, CartLine{
		VariantID:   &variant,
		ProductID:   "p-9",
		ProductName: "Lamp",
		UnitPrice:   decimal.RequireFromString("12.50"),
		Quantity:    2,
	})
	session.Customer = CustomerSnapshot{Email: "x@example.com"}

	raw, err := json.Marshal(session)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, "s-1", decoded["session_id"])
	cart := decoded["cart"].([]any)
	require.Len(t, cart, 1)
	line := cart[0].(map[string]any)
	require.Equal(t, "v-9", line["variant_id"])
	require.Equal(t, "12.5", line["unit_price"])
	require.EqualValues(t, 2, line["quantity"])

	clone := session.Clone()
	*clone.Cart[0].VariantID = "other"
	require.Equal(t, "v-9", *session.Cart[0].VariantID)
}
