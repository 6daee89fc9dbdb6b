package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/orderbook"
	"github.com/jverbraeken/UniversalMarket/internal/service"
)

// BookReader gives read access to the order book.
type BookReader interface {
	Snapshot(first, second domain.Urn) service.BookSnapshot
}

// TransactionLister lists settled and pending transactions.
type TransactionLister interface {
	Transactions(ctx context.Context) ([]*domain.Transaction, error)
}

// MarketHandler serves the order book and the transaction history.
type MarketHandler struct {
	book   BookReader
	txs    TransactionLister
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given services and logger.
func NewMarketHandler(book BookReader, txs TransactionLister, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		book:   book,
		txs:    txs,
		logger: logger,
	}
}

type priceView struct {
	Price    string     `json:"price"`
	NumUrn   domain.Urn `json:"num_urn"`
	DenomUrn domain.Urn `json:"denom_urn"`
}

func viewPrice(p domain.Price) priceView {
	return priceView{Price: p.Decimal(), NumUrn: p.NumUrn(), DenomUrn: p.DenomUrn()}
}

type depthView struct {
	Price string   `json:"price"`
	Depth *big.Int `json:"depth"`
}

type orderBookResponse struct {
	PriceUrn    domain.Urn        `json:"price_urn"`
	QuantityUrn domain.Urn        `json:"quantity_urn"`
	Spread      priceView         `json:"spread"`
	AskProfile  []depthView       `json:"ask_profile"`
	BidProfile  []depthView       `json:"bid_profile"`
	Asks        []domain.TickDict `json:"asks"`
	Bids        []domain.TickDict `json:"bids"`
}

func depthViews(points []orderbook.DepthPoint) []depthView {
	out := make([]depthView, 0, len(points))
	for _, p := range points {
		out = append(out, depthView{Price: p.Price.Decimal(), Depth: p.Depth})
	}
	return out
}

// OrderBook returns the spread, depth profiles and resting ticks of the
// market trading first for second.
// GET /api/orderbook?first=<urn>&second=<urn>
func (h *MarketHandler) OrderBook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	first, err := domain.ParseUrn(q.Get("first"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "first: "+err.Error())
		return
	}
	second, err := domain.ParseUrn(q.Get("second"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "second: "+err.Error())
		return
	}

	snap := h.book.Snapshot(first, second)
	resp := orderBookResponse{
		PriceUrn:    snap.Market.PriceUrn,
		QuantityUrn: snap.Market.QuantityUrn,
		Spread:      viewPrice(snap.Spread),
		AskProfile:  depthViews(snap.AskProfile),
		BidProfile:  depthViews(snap.BidProfile),
		Asks:        snap.Asks,
		Bids:        snap.Bids,
	}
	if resp.Asks == nil {
		resp.Asks = []domain.TickDict{}
	}
	if resp.Bids == nil {
		resp.Bids = []domain.TickDict{}
	}
	writeJSON(w, http.StatusOK, resp)
}

type listTransactionsResponse struct {
	Transactions []domain.TransactionDict `json:"transactions"`
}

// ListTransactions returns transactions, oldest first, optionally filtered
// by status.
// GET /api/transactions?status=completed&limit=50&offset=0
func (h *MarketHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.txs.Transactions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list transactions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}

	status := domain.TransactionStatus(r.URL.Query().Get("status"))
	out := make([]domain.TransactionDict, 0, len(txs))
	for _, tx := range txs {
		if status != "" && tx.Status() != status {
			continue
		}
		out = append(out, tx.ToDictionary())
	}

	limit, offset := listWindow(r)
	writeJSON(w, http.StatusOK, listTransactionsResponse{Transactions: page(out, limit, offset)})
}
