package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	idempotencyHeader = "Idempotency-Key"
	reviseReason      = "load-test revision"
)

// apiClient: минимальный HTTP-клиент к REST API cart engine.
type apiClient struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

func newAPIClient(opts options, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        opts.connections,
				MaxIdleConnsPerHost: opts.connections,
				MaxConnsPerHost:     opts.connections,
			},
		}
	}
	return &apiClient{
		baseURL: strings.TrimRight(opts.baseURL, "/"),
		token:   opts.token,
		timeout: opts.timeout,
		http:    httpClient,
	}
}

type orderLine struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
}

type createOrderBody struct {
	Items    []orderLine       `json:"items"`
	Customer map[string]string `json:"customer"`
}

type createOrderResult struct {
	OrderID string `json:"order_id"`
}

type lineEdit struct {
	Action   string `json:"action"`
	Key      string `json:"key"`
	Quantity int    `json:"quantity"`
}

type reviseBody struct {
	Edits      []lineEdit `json:"edits"`
	EditReason string     `json:"edit_reason"`
}

// do выполняет запрос и декодирует 2xx-ответ в out. Статус возвращается всегда, когда
// ответ получен; statusTransportError означает, что ответа не было.
func (c *apiClient) do(method, path string, headers map[string]string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return statusTransportError, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return statusTransportError, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return statusTransportError, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) createOrder(opts options, index int, runID string, quantity int, col *collector) (string, error) {
	body := createOrderBody{
		Items: []orderLine{{
			ProductID:   opts.sku,
			ProductName: "load item",
			UnitPrice:   opts.unitPrice,
			Quantity:    quantity,
		}},
		Customer: map[string]string{
			"email": fmt.Sprintf("%s-%s-%d@example.com", opts.customerTag, runID, index),
		},
	}
	headers := map[string]string{
		idempotencyHeader: fmt.Sprintf("lt-create-%s-%d", runID, index),
	}

	var result createOrderResult
	start := time.Now()
	status, err := c.do(http.MethodPost, "/orders", headers, body, &result)
	col.record("CreateOrder", time.Since(start), status, err == nil)
	if err != nil {
		return "", err
	}
	if result.OrderID == "" {
		return "", errors.New("create response returned empty order id")
	}
	return result.OrderID, nil
}

// reviseOrder возвращает статус ответа. Конфликт версий (409) ожидаем и ошибкой не считается.
func (c *apiClient) reviseOrder(versionID, key string, quantity int, col *collector) (int, error) {
	body := reviseBody{
		Edits:      []lineEdit{{Action: "set_quantity", Key: key, Quantity: quantity}},
		EditReason: reviseReason,
	}
	headers := map[string]string{}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}

	start := time.Now()
	status, err := c.do(http.MethodPut, "/orders/"+versionID+"/update", headers, body, nil)
	expected := err == nil || status == http.StatusConflict
	col.record("ReviseOrder", time.Since(start), status, expected)
	if expected {
		return status, nil
	}
	return status, err
}

func runScenario(client *apiClient, opts options, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	defer func() {
		col.record(scenarioCall, time.Since(scenarioStart), statusTransportError, err == nil)
	}()

	// Каждый участник гонки уменьшает количество до своего значения, поэтому правки
	// различаются и не упираются в остатки.
	quantity := 1
	if opts.mode == modeRevise {
		quantity = opts.contenders + 1
	}

	versionID, err := client.createOrder(opts, index, runID, quantity, col)
	if err != nil {
		return err
	}
	if opts.mode == modeCreate {
		return nil
	}

	return raceRevisions(client, opts, versionID, col)
}

// raceRevisions запускает contenders правок одной и той же версии. Принята должна быть ровно одна.
func raceRevisions(client *apiClient, opts options, versionID string, col *collector) error {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		applied   int
		conflicts int
		errs      []error
	)
	start := make(chan struct{})

	for i := 0; i < opts.contenders; i++ {
		wg.Add(1)
		go func(quantity int) {
			defer wg.Done()
			<-start
			status, err := client.reviseOrder(versionID, opts.sku, quantity, col)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case status == http.StatusConflict:
				conflicts++
			default:
				applied++
			}
		}(i + 1)
	}
	close(start)
	wg.Wait()

	col.recordRevisions(applied, conflicts)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	if applied != 1 {
		return fmt.Errorf("order %s: %d revisions applied to the same version, want exactly 1", versionID, applied)
	}
	return nil
}
