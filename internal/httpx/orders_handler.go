package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
)

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		if b, ok, err := h.Cache.Get(ctx, id); err == nil && ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b)
			return
		}
	}

	ord, err := h.Orders.Get(ctx, id)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	b, _ := json.Marshal(ord)
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, id, b); err != nil {
			h.log().Warn("cache order", zap.String("order_id", id), zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (h *Handler) userOrders(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	size, err := queryInt(r, "page_size")
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	f := orders.ListFilter{
		UserID:   chi.URLParam(r, "id"),
		Status:   orders.Status(r.URL.Query().Get("status")),
		Page:     page,
		PageSize: size,
	}
	list, err := h.Orders.ListUserOrders(r.Context(), f)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	if list == nil {
		list = []orders.Order{}
	}
	writeJSON(w, http.StatusOK, list)
}

type statusReq struct {
	Status orders.Status `json:"status"`
}

// updateStatus moves an order along fulfilment. Cancelling goes through
// POST /orders/{id}/cancel so payments and stock are unwound too.
func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.log(), err)
		return
	}
	switch req.Status {
	case orders.StatusCancelled, orders.StatusRefunded, orders.StatusPaid:
		writeError(w, h.log(), apperr.Validation("status "+string(req.Status)+" is set by the settlement flow"))
		return
	}
	id := chi.URLParam(r, "id")
	ord, err := h.Orders.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	h.drop(r.Context(), id)
	writeJSON(w, http.StatusOK, ord)
}

func (h *Handler) addShipping(w http.ResponseWriter, r *http.Request) {
	var req orders.TrackingInfo
	if err := decode(r, &req); err != nil {
		writeError(w, h.log(), err)
		return
	}
	id := chi.URLParam(r, "id")
	ord, err := h.Orders.AddShipping(r.Context(), id, req)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	h.drop(r.Context(), id)
	writeJSON(w, http.StatusOK, ord)
}

func (h *Handler) drop(ctx context.Context, orderID string) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(ctx, orderID); err != nil {
		h.log().Warn("invalidate order cache", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Products.ListProducts(ctx)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
