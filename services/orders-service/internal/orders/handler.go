package orders

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/eventpipe/libs/httpx"
	"github.com/md-rashed-zaman/eventpipe/libs/runtime"
)

type Service interface {
	Create(ctx context.Context, in CreateOrder) (Order, error)
	Cancel(ctx context.Context, id, reason string) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func NewHandler(svc Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: runtime.OrDiscard(logger)}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", h.Create)
	mux.HandleFunc("GET /orders/{id}", h.Get)
	mux.HandleFunc("POST /orders/{id}/cancel", h.Cancel)
}

type createOrderRequest struct {
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type orderResponse struct {
	ID          string `json:"id"`
	CustomerID  string `json:"customer_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	EventID     string `json:"event_id"`
	CreatedAt   string `json:"created_at"`
	CancelledAt string `json:"cancelled_at,omitempty"`
}

func toResponse(o Order) orderResponse {
	resp := orderResponse{
		ID:          o.ID,
		CustomerID:  o.CustomerID,
		AmountCents: o.AmountCents,
		Currency:    o.Currency,
		Status:      o.Status,
		EventID:     o.EventID,
		CreatedAt:   o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if o.CancelledAt != nil {
		resp.CancelledAt = o.CancelledAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid json body")
		return
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))

	switch {
	case req.CustomerID == "":
		httpx.WriteError(w, r, http.StatusBadRequest, "customer_id is required")
		return
	case req.AmountCents <= 0:
		httpx.WriteError(w, r, http.StatusBadRequest, "amount_cents must be positive")
		return
	case !currencyPattern.MatchString(req.Currency):
		httpx.WriteError(w, r, http.StatusBadRequest, "currency must be an ISO 4217 code")
		return
	}

	o, err := h.svc.Create(r.Context(), CreateOrder{
		CustomerID:  req.CustomerID,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "create order failed", "err", err, "customer_id", req.CustomerID)
		httpx.WriteError(w, r, http.StatusInternalServerError, "db error")
		return
	}
	h.logger.InfoContext(r.Context(), "order created", "order_id", o.ID, "event_id", o.EventID)
	httpx.WriteJSON(w, http.StatusCreated, toResponse(o))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, "get order failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toResponse(o))
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req cancelOrderRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, r, http.StatusBadRequest, "invalid json body")
			return
		}
	}

	o, err := h.svc.Cancel(r.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeErr(w, r, "cancel order failed", err)
		return
	}
	h.logger.InfoContext(r.Context(), "order cancelled", "order_id", o.ID)
	httpx.WriteJSON(w, http.StatusOK, toResponse(o))
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyCancelled):
		httpx.WriteError(w, r, http.StatusConflict, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), msg, "err", err)
		httpx.WriteError(w, r, http.StatusInternalServerError, "db error")
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid order id")
		return "", false
	}
	return id.String(), true
}
