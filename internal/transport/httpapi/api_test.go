package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartengine/internal/domain"
	"github.com/vladislavdragonenkov/cartengine/internal/metrics"
	"github.com/vladislavdragonenkov/cartengine/internal/service/cart"
	"github.com/vladislavdragonenkov/cartengine/internal/service/idempotency"
	"github.com/vladislavdragonenkov/cartengine/internal/service/inventory"
	"github.com/vladislavdragonenkov/cartengine/internal/service/order"
	"github.com/vladislavdragonenkov/cartengine/internal/storage/memory"
)

const adminToken = "secret-token"

type testAPI struct {
	handler    http.Handler
	sessions   *countingSessionStore
	reconciler *cart.Reconciler
}

// countingSessionStore считает записи в хранилище сессий.
type countingSessionStore struct {
	domain.SessionStore
	saves atomic.Int32
}

func (s *countingSessionStore) Save(ctx context.Context, session domain.Session) error {
	s.saves.Add(1)
	return s.SessionStore.Save(ctx, session)
}

func newTestAPI(t *testing.T) *testAPI {
	return newTestAPIWithDebounce(t, 10*time.Millisecond)
}

func newTestAPIWithDebounce(t *testing.T, debounce time.Duration) *testAPI {
	t.Helper()

	m := metrics.NewEngineMetricsWithRegisterer(prometheus.NewRegistry())
	guard := inventory.NewGuard(memory.NewInventoryLevels(map[string]int{"A": 10, "B": 10, "C": 1}), nil)
	sessions := &countingSessionStore{SessionStore: memory.NewSessionStore()}
	reconciler := cart.NewReconciler(sessions, memory.NewClientCache(30*24*time.Hour), guard,
		cart.WithDebounce(debounce), cart.WithMetrics(m))
	t.Cleanup(func() { _ = reconciler.Shutdown() })

	versions := memory.NewVersionStore()
	timeline := memory.NewTimelineRepository()
	deps := order.Dependencies{
		Versions: versions,
		Guard:    guard,
		Outbox:   memory.NewOutboxRepository(),
		Timeline: timeline,
		Metrics:  m,
	}

	handler := NewRouter(Dependencies{
		Carts:       reconciler,
		Orders:      order.NewFactory(deps, reconciler),
		Revisions:   order.NewRevisionManager(deps),
		Queries:     order.NewQueries(versions, timeline),
		Idempotency: idempotency.NewService(memory.NewIdempotencyRepository(), time.Hour, nil),
		Auth:        NewStaticTokenAuthenticator(map[string]string{adminToken: "admin@shop"}),
	})
	return &testAPI{handler: handler, sessions: sessions, reconciler: reconciler}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func orderPayload(sessionID string) map[string]any {
	return map[string]any{
		"session_id": sessionID,
		"customer":   map[string]any{"name": "Ann", "email": "ann@example.com"},
		"items": []map[string]any{
			{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": 2},
			{"variant_id": "B", "product_id": "p-b", "product_name": "Beta", "unit_price": "25.00", "quantity": 1},
		},
		"total_amount": "45.00",
	}
}

func TestCartSaveAndLoad(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/cart/save", map[string]any{
		"session_id": "s-1",
		"cart": []map[string]any{
			{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": 2},
		},
		"customer":   map[string]any{"email": "ann@example.com"},
		"ip_address": "198.51.100.4",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[saveCartResponse](t, rec)
	require.True(t, saved.Success)
	require.True(t, saved.Applied)

	require.Eventually(t, func() bool { return api.sessions.saves.Load() == 1 }, time.Second, 5*time.Millisecond)
	stored, err := api.sessions.Load(t.Context(), "s-1")
	require.NoError(t, err)
	require.Len(t, stored.Cart, 1)
	require.Equal(t, "198.51.100.4", stored.LastSeenIP)

	rec = api.do(t, http.MethodGet, "/cart/s-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[cartResponse](t, rec)
	require.Equal(t, "s-1", got.SessionID)
	require.Len(t, got.Cart, 1)
	require.Equal(t, "ann@example.com", got.Customer.Email)
	require.Equal(t, "20", got.Total.String())
}

func TestCartSaveBurstWritesStoreOnce(t *testing.T) {
	api := newTestAPIWithDebounce(t, 300*time.Millisecond)

	for qty := 1; qty <= 5; qty++ {
		rec := api.do(t, http.MethodPost, "/cart/save", map[string]any{
			"session_id": "s-burst",
			"cart": []map[string]any{
				{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": qty},
			},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	require.Zero(t, api.sessions.saves.Load(), "requests must not write before the debounce window ends")

	rec := api.do(t, http.MethodGet, "/cart/s-burst", nil)
	require.Equal(t, 5, decode[cartResponse](t, rec).Cart[0].Quantity)

	require.Eventually(t, func() bool { return api.reconciler.OpenSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, api.sessions.saves.Load())

	stored, err := api.sessions.Load(t.Context(), "s-burst")
	require.NoError(t, err)
	require.Equal(t, 5, stored.Cart[0].Quantity)
}

func TestCartSaveIgnoresOlderSnapshot(t *testing.T) {
	api := newTestAPIWithDebounce(t, time.Hour)
	takenAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	snapshot := func(qty int, at time.Time) map[string]any {
		return map[string]any{
			"session_id": "s-late",
			"cart": []map[string]any{
				{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": qty},
			},
			"timestamp": at.Format(time.RFC3339),
		}
	}

	rec := api.do(t, http.MethodPost, "/cart/save", snapshot(3, takenAt))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decode[saveCartResponse](t, rec).Applied)

	rec = api.do(t, http.MethodPost, "/cart/save", snapshot(1, takenAt.Add(-time.Minute)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	late := decode[saveCartResponse](t, rec)
	require.True(t, late.Success)
	require.False(t, late.Applied)

	rec = api.do(t, http.MethodGet, "/cart/s-late", nil)
	require.Equal(t, 3, decode[cartResponse](t, rec).Cart[0].Quantity)
}

func TestCartUnknownSessionStartsEmpty(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/cart/fresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[cartResponse](t, rec)
	require.Empty(t, got.Cart)
	require.NotNil(t, got.Cart)
}

func TestCartLineOperations(t *testing.T) {
	api := newTestAPI(t)
	line := map[string]any{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": 3}

	rec := api.do(t, http.MethodPost, "/cart/s-2/lines", line)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 3, decode[cartResponse](t, rec).Cart[0].Quantity)

	rec = api.do(t, http.MethodPatch, "/cart/s-2/lines/A", map[string]any{"quantity": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 5, decode[cartResponse](t, rec).Cart[0].Quantity)

	rec = api.do(t, http.MethodPatch, "/cart/s-2/lines/A", map[string]any{"quantity": 11})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	require.Equal(t, "insufficient_inventory", errResp.Code)
	require.NotNil(t, errResp.Details)

	rec = api.do(t, http.MethodPut, "/cart/s-2/customer", map[string]any{"name": "Bob", "phone": "+15550100"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Bob", decode[cartResponse](t, rec).Customer.Name)

	rec = api.do(t, http.MethodDelete, "/cart/s-2/lines/A", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[cartResponse](t, rec).Cart)

	rec = api.do(t, http.MethodDelete, "/cart/s-2/lines/A", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "line_not_found", decode[ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodPost, "/cart/s-2/lines", "{not json")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrderClearsCart(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/cart/s-3/lines",
		map[string]any{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": 2})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/orders", orderPayload("s-3"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[createOrderResponse](t, rec)
	require.True(t, created.Success)
	require.Equal(t, created.BaseOrderNumber, created.OrderNumber)
	require.Equal(t, "45.00", created.TotalAmount)

	rec = api.do(t, http.MethodGet, "/cart/s-3", nil)
	require.Empty(t, decode[cartResponse](t, rec).Cart)

	rec = api.do(t, http.MethodGet, "/orders/"+created.OrderNumber, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decode[domain.Order](t, rec)
	require.Equal(t, created.OrderID, fetched.ID)
	require.Equal(t, "192.0.2.1", fetched.ClientIP)
}

func TestCreateOrderValidationErrors(t *testing.T) {
	api := newTestAPI(t)

	empty := orderPayload("s-4")
	empty["items"] = []any{}
	rec := api.do(t, http.MethodPost, "/orders", empty)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "empty_cart", decode[ErrorResponse](t, rec).Code)

	noContact := orderPayload("s-4")
	noContact["customer"] = map[string]any{"name": "Ann"}
	rec = api.do(t, http.MethodPost, "/orders", noContact)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "contact_required", decode[ErrorResponse](t, rec).Code)

	mismatch := orderPayload("s-4")
	mismatch["total_amount"] = "40.00"
	rec = api.do(t, http.MethodPost, "/orders", mismatch)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "total_mismatch", decode[ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodGet, "/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, decode[[]domain.Order](t, rec))
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	api := newTestAPI(t)

	first := api.do(t, http.MethodPost, "/orders", orderPayload("s-5"), IdempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	replay := api.do(t, http.MethodPost, "/orders", orderPayload("s-5"), IdempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get(IdempotentReplayHeader))
	require.JSONEq(t, first.Body.String(), replay.Body.String())

	other := orderPayload("s-5")
	other["session_id"] = "s-other"
	rec := api.do(t, http.MethodPost, "/orders", other, IdempotencyKeyHeader, "key-1")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "idempotency_key_reused", decode[ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodGet, "/orders?limit=10", nil)
	require.Len(t, decode[[]domain.Order](t, rec), 1)
}

func TestReviseOrderFlow(t *testing.T) {
	api := newTestAPI(t)
	auth := []string{"Authorization", "Bearer " + adminToken}

	rec := api.do(t, http.MethodPost, "/orders", orderPayload("s-6"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[createOrderResponse](t, rec)

	update := map[string]any{
		"edit_reason": "customer request",
		"items": []map[string]any{
			{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": 1},
			{"variant_id": "B", "product_id": "p-b", "product_name": "Beta", "unit_price": "25.00", "quantity": 1},
		},
	}
	path := "/orders/" + created.OrderNumber + "/update"

	rec = api.do(t, http.MethodPut, path, update)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodPut, path, update, "Authorization", "Bearer wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	noReason := map[string]any{"items": update["items"], "edit_reason": "  "}
	rec = api.do(t, http.MethodPut, path, noReason, auth...)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "missing_edit_reason", decode[ErrorResponse](t, rec).Code)

	repeated := map[string]any{
		"edit_reason": "customer request",
		"items": []map[string]any{
			{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": 1},
			{"variant_id": "A", "product_id": "p-a", "product_name": "Alpha", "unit_price": "10.00", "quantity": 3},
		},
	}
	rec = api.do(t, http.MethodPut, path, repeated, auth...)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "duplicate_line", decode[ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodPut, path, update, auth...)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	revised := decode[domain.Order](t, rec)
	require.Equal(t, 2, revised.Version)
	require.Equal(t, created.BaseOrderNumber+"-v2", revised.OrderNumber)
	require.Equal(t, "35", revised.TotalAmount.String())
	require.Equal(t, "admin@shop", revised.EditedBy)
	require.Equal(t, created.OrderID, *revised.PreviousVersionID)

	// Правка от устаревшей версии проигрывает.
	rec = api.do(t, http.MethodPut, "/orders/"+created.OrderID+"/update", update, auth...)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "concurrent_modification", decode[ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodGet, "/orders/"+created.BaseOrderNumber+"/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	versions := decode[[]domain.Order](t, rec)
	require.Len(t, versions, 2)
	require.Equal(t, 2, versions[0].Version)
	require.Equal(t, 1, versions[1].Version)

	rec = api.do(t, http.MethodGet, "/orders/"+created.BaseOrderNumber+"/timeline", nil)
	events := decode[[]domain.TimelineEvent](t, rec)
	require.Len(t, events, 2)
	require.Equal(t, "admin@shop", events[1].Actor)

	tooMany := map[string]any{
		"edit_reason": "more",
		"edits":       []map[string]any{{"action": "set_quantity", "key": "B", "quantity": 50}},
	}
	rec = api.do(t, http.MethodPut, path, tooMany, auth...)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestConcurrentRevisionsOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	auth := []string{"Authorization", "Bearer " + adminToken}

	rec := api.do(t, http.MethodPost, "/orders", orderPayload("s-7"))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[createOrderResponse](t, rec)

	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := map[string]any{
				"edit_reason": "parallel edit",
				"edits":       []map[string]any{{"action": "set_quantity", "key": "B", "quantity": 2 + i%3}},
			}
			// Все правки адресуют первую версию, поэтому выиграть может только одна.
			r := api.do(t, http.MethodPut, "/orders/"+created.OrderID+"/update", body, auth...)
			mu.Lock()
			codes[r.Code]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, codes[http.StatusOK])
	require.Equal(t, workers-1, codes[http.StatusConflict])
}

func TestUnknownOrderAndBadLimit(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/orders/ORD-NOPE", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "order_not_found", decode[ErrorResponse](t, rec).Code)

	rec = api.do(t, http.MethodGet, "/orders?limit=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStaticTokenAuthenticator(t *testing.T) {
	auth := NewStaticTokenAuthenticator(map[string]string{"t-1": "alice", " ": "nobody"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := auth.Authenticate(req)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	req.Header.Set("Authorization", "bearer t-1")
	editor, err := auth.Authenticate(req)
	require.NoError(t, err)
	require.Equal(t, "alice", editor)

	req.Header.Set("Authorization", "Basic "+strings.Repeat("x", 8))
	_, err = auth.Authenticate(req)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}
