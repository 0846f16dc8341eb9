package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	orders map[string]Order
	err    error
}

func (f *fakeService) Create(_ context.Context, in CreateOrder) (Order, error) {
	if f.err != nil {
		return Order{}, f.err
	}
	o := Order{
		ID: uuid.NewString(), CustomerID: in.CustomerID, AmountCents: in.AmountCents, Currency: in.Currency,
		Status: StatusCreated, EventID: uuid.NewString(), CreatedAt: time.Now(),
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeService) Cancel(_ context.Context, id, _ string) (Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status == StatusCancelled {
		return Order{}, ErrAlreadyCancelled
	}
	now := time.Now()
	o.Status, o.CancelledAt = StatusCancelled, &now
	f.orders[id] = o
	return o, nil
}

func (f *fakeService) Get(_ context.Context, id string) (Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func newMux() (*http.ServeMux, *fakeService) {
	svc := &fakeService{orders: map[string]Order{}}
	mux := http.NewServeMux()
	NewHandler(svc, nil).Register(mux)
	return mux, svc
}

func send(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rw
}

func TestCreateOrder(t *testing.T) {
	mux, _ := newMux()
	rw := send(mux, http.MethodPost, "/orders", `{"customer_id":" cust-1 ","amount_cents":1250,"currency":"eur"}`)
	require.Equal(t, http.StatusCreated, rw.Code)

	var resp orderResponse
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &resp))
	assert.Equal(t, "cust-1", resp.CustomerID)
	assert.Equal(t, "EUR", resp.Currency)
	assert.Equal(t, StatusCreated, resp.Status)
	assert.NotEmpty(t, resp.EventID)
}

func TestCreateOrderValidation(t *testing.T) {
	mux, _ := newMux()
	for name, body := range map[string]string{
		"missing customer": `{"amount_cents":1,"currency":"EUR"}`,
		"zero amount":      `{"customer_id":"c","amount_cents":0,"currency":"EUR"}`,
		"bad currency":     `{"customer_id":"c","amount_cents":1,"currency":"EURO"}`,
		"unknown field":    `{"customer_id":"c","amount_cents":1,"currency":"EUR","coupon":"x"}`,
		"not json":         `customer=c`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, send(mux, http.MethodPost, "/orders", body).Code)
		})
	}
}

func TestCreateOrderStoreFailure(t *testing.T) {
	mux, svc := newMux()
	svc.err = errors.New("connection refused")
	rw := send(mux, http.MethodPost, "/orders", `{"customer_id":"c","amount_cents":1,"currency":"EUR"}`)
	assert.Equal(t, http.StatusInternalServerError, rw.Code)
}

func TestCancelOrder(t *testing.T) {
	mux, svc := newMux()
	o, err := svc.Create(context.Background(), CreateOrder{CustomerID: "c", AmountCents: 5, Currency: "USD"})
	require.NoError(t, err)

	rw := send(mux, http.MethodPost, "/orders/"+o.ID+"/cancel", `{"reason":"changed mind"}`)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), `"status":"cancelled"`)

	assert.Equal(t, http.StatusConflict, send(mux, http.MethodPost, "/orders/"+o.ID+"/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, send(mux, http.MethodPost, "/orders/"+uuid.NewString()+"/cancel", "").Code)
	assert.Equal(t, http.StatusBadRequest, send(mux, http.MethodPost, "/orders/42/cancel", "").Code)
}

func TestGetOrder(t *testing.T) {
	mux, svc := newMux()
	o, err := svc.Create(context.Background(), CreateOrder{CustomerID: "c", AmountCents: 5, Currency: "USD"})
	require.NoError(t, err)

	rw := send(mux, http.MethodGet, "/orders/"+o.ID, "")
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Contains(t, rw.Body.String(), o.EventID)
	assert.Equal(t, http.StatusNotFound, send(mux, http.MethodGet, "/orders/"+uuid.NewString(), "").Code)
}
