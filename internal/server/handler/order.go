package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	CreateAsk(ctx context.Context, assets domain.AssetPair, timeout domain.Timeout) (*domain.Order, error)
	CreateBid(ctx context.Context, assets domain.AssetPair, timeout domain.Timeout) (*domain.Order, error)
	CancelOrder(ctx context.Context, id domain.OrderID) (*domain.Order, error)
	Orders(ctx context.Context) ([]*domain.Order, error)
}

// OrderHandler serves this node's orders.
type OrderHandler struct {
	orders         OrderService
	self           domain.TraderID
	defaultTimeout domain.Timeout
	logger         *slog.Logger
}

// NewOrderHandler creates an OrderHandler. Orders placed without a timeout
// get defaultTimeout.
func NewOrderHandler(orders OrderService, self domain.TraderID, defaultTimeout domain.Timeout, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:         orders,
		self:           self,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Orders []domain.OrderDict `json:"orders"`
}

// ListOrders returns own orders, optionally filtered by status.
// GET /api/orders?status=open&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.Orders(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	status := domain.OrderStatus(r.URL.Query().Get("status"))
	out := make([]domain.OrderDict, 0, len(orders))
	for _, o := range orders {
		if status != "" && o.Status() != status {
			continue
		}
		out = append(out, o.ToDictionary())
	}

	limit, offset := listWindow(r)
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: page(out, limit, offset)})
}

// placeOrderRequest is the POST /api/orders body. Timeout is in seconds.
type placeOrderRequest struct {
	Side    string               `json:"side"`
	Assets  domain.AssetPairDict `json:"assets"`
	Timeout *int64               `json:"timeout"`
}

// PlaceOrder creates an ask or a bid.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Side != "ask" && req.Side != "bid" {
		writeError(w, http.StatusBadRequest, `side must be "ask" or "bid"`)
		return
	}
	assets, err := domain.AssetPairFromDictionary(req.Assets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout := h.defaultTimeout
	if req.Timeout != nil {
		if timeout, err = domain.NewTimeout(*req.Timeout); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	var order *domain.Order
	if req.Side == "ask" {
		order, err = h.orders.CreateAsk(r.Context(), assets, timeout)
	} else {
		order, err = h.orders.CreateBid(r.Context(), assets, timeout)
	}
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: place order failed",
				slog.String("side", req.Side),
				slog.String("error", err.Error()),
			)
			writeError(w, status, "failed to place order")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, order.ToDictionary())
}

// CancelOrder cancels an own order by its number.
// DELETE /api/orders/{number}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	raw := pathParam(r, "number")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "order number must be an integer")
		return
	}
	number, err := domain.NewOrderNumber(n)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := domain.OrderID{TraderID: h.self, OrderNumber: number}

	order, err := h.orders.CancelOrder(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusNotFound {
			writeError(w, status, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
			slog.String("order_id", id.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "failed to cancel order")
		return
	}

	writeJSON(w, http.StatusOK, order.ToDictionary())
}
