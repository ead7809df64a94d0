package httpx

import (
	"context"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/catalog"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/payment"
	"github.com/ariefcatur/go-order-settlement/internal/settlement"
)

// StatusCache holds serialized order views. redisx.StatusCache and
// redisx.MemoryCache satisfy it.
type StatusCache interface {
	Get(ctx context.Context, orderID string) ([]byte, bool, error)
	Set(ctx context.Context, orderID string, v []byte) error
	Invalidate(ctx context.Context, orderID string) error
}

// ProductLister is the catalog view behind GET /products.
type ProductLister interface {
	ListProducts(ctx context.Context) ([]catalog.Product, error)
}

type Handler struct {
	Settlement *settlement.Orchestrator
	Orders     *orders.Assembler
	Payments   *payment.Coordinator
	Products   ProductLister
	Cache      StatusCache
	Log        *zap.Logger
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/purchases", h.purchase)
	r.Get("/reservations/{id}", h.reservationStatus)

	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Patch("/orders/{id}/status", h.updateStatus)
	r.Post("/orders/{id}/shipping", h.addShipping)
	r.Get("/orders/{id}/payments", h.orderPayments)
	r.Get("/users/{id}/orders", h.userOrders)

	r.Get("/payments/{id}", h.getPayment)
	r.Post("/payments/{id}/confirm", h.confirmPayment)
	r.Post("/payments/{id}/refunds", h.refundPayment)
	r.Get("/payments/{id}/refunds", h.listRefunds)
	r.Post("/refunds/{id}/complete", h.completeRefund)

	if h.Products != nil {
		r.Get("/products", h.listProducts)
	}
}

func (h *Handler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}
