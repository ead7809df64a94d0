package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-order-settlement/internal/payment"
)

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) orderPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Payments.ListOrderPayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	if ps == nil {
		ps = []payment.Payment{}
	}
	writeJSON(w, http.StatusOK, ps)
}

type confirmResp struct {
	OrderID     string         `json:"order_id"`
	OrderStatus string         `json:"order_status"`
	PaymentID   string         `json:"payment_id"`
	Status      payment.Status `json:"status"`
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ord, p, err := h.Settlement.ConfirmDeferredPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResp{
		OrderID:     ord.ID,
		OrderStatus: string(ord.Status),
		PaymentID:   p.ID,
		Status:      p.Status,
	})
}

type refundReq struct {
	// Amount in minor units; zero refunds the whole refundable balance.
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *Handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	var req refundReq
	if err := decode(r, &req); err != nil {
		writeError(w, h.log(), err)
		return
	}
	ref, err := h.Payments.RefundPayment(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	code := http.StatusCreated
	switch ref.Status {
	case payment.StatusPending, payment.StatusProcessing:
		code = http.StatusAccepted
	case payment.StatusFailed:
		code = http.StatusBadGateway
	}
	writeJSON(w, code, ref)
}

func (h *Handler) listRefunds(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Payments.ListRefunds(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	if rs == nil {
		rs = []payment.Refund{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *Handler) completeRefund(w http.ResponseWriter, r *http.Request) {
	ref, err := h.Payments.CompleteManualRefund(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}
