package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-order-settlement/internal/payment"
	"github.com/ariefcatur/go-order-settlement/internal/settlement"
)

// IdempotencyHeader overrides the idempotency_key field of a purchase body.
const IdempotencyHeader = "Idempotency-Key"

func purchaseStatus(res settlement.PurchaseResult) int {
	switch res.Status {
	case settlement.OutcomeSettled:
		if res.Replayed {
			return http.StatusOK
		}
		return http.StatusCreated
	case settlement.OutcomeAwaitingPayment:
		return http.StatusAccepted
	case settlement.OutcomeInsufficientStock:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *Handler) purchase(w http.ResponseWriter, r *http.Request) {
	var req settlement.PurchaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.log(), err)
		return
	}
	if k := r.Header.Get(IdempotencyHeader); k != "" {
		req.IdempotencyKey = k
	}

	res, err := h.Settlement.Purchase(r.Context(), req)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, purchaseStatus(res), res)
}

func (h *Handler) reservationStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.Settlement.GetReservationStatus(r.Context(), id)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reservation_id": id, "status": string(st)})
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, h.log(), err)
			return
		}
	}
	res, err := h.Settlement.CancelSettledOrder(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	code := http.StatusOK
	if res.RefundStatus == payment.StatusFailed {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}
