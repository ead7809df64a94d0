package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
)

type ChargeRequest struct {
	Amount         int64
	Currency       string
	Token          string
	IdempotencyKey string
	Description    string
}

// ChargeResult is a definite gateway answer. Approved false is a decline.
type ChargeResult struct {
	Approved      bool
	GatewayID     string
	CardBrand     string
	Last4         string
	DeclineCode   string
	DeclineReason string
}

type RefundRequest struct {
	GatewayPaymentID string
	Amount           int64
	IdempotencyKey   string
}

type RefundResult struct {
	Success         bool
	RefundGatewayID string
	FailureReason   string
}

// Gateway is the external payment processor. Errors mean no definite answer
// was received; retryable ones wrap apperr.ErrGatewayTransient.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Sandbox tokens.
const (
	TokenDecline     = "tok_decline"
	TokenTimeout     = "tok_timeout"
	TokenUnavailable = "tok_unavailable"
)

// SandboxGateway approves every charge except the sandbox tokens above and
// replays stored answers for a repeated idempotency key.
type SandboxGateway struct {
	mu       sync.Mutex
	charges  map[string]ChargeResult
	amounts  map[string]int64
	refunds  map[string]RefundResult
	refunded map[string]int64
}

func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		charges:  map[string]ChargeResult{},
		amounts:  map[string]int64{},
		refunds:  map[string]RefundResult{},
		refunded: map[string]int64{},
	}
}

func sandboxID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func (g *SandboxGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	switch req.Token {
	case TokenTimeout:
		<-ctx.Done()
		return ChargeResult{}, ctx.Err()
	case TokenUnavailable:
		return ChargeResult{}, fmt.Errorf("sandbox: %w", apperr.ErrGatewayTransient)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	res := ChargeResult{Approved: true, GatewayID: sandboxID("ch_"), CardBrand: "visa", Last4: "4242"}
	if req.Token == TokenDecline {
		res = ChargeResult{DeclineCode: "card_declined", DeclineReason: "Your card was declined."}
	}
	if req.IdempotencyKey != "" {
		g.charges[req.IdempotencyKey] = res
	}
	if res.Approved {
		g.amounts[res.GatewayID] = req.Amount
	}
	return res, nil
}

func (g *SandboxGateway) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if res, ok := g.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	charged, ok := g.amounts[req.GatewayPaymentID]
	var res RefundResult
	switch {
	case !ok:
		res = RefundResult{FailureReason: "no such charge"}
	case g.refunded[req.GatewayPaymentID]+req.Amount > charged:
		res = RefundResult{FailureReason: "amount exceeds charge"}
	default:
		g.refunded[req.GatewayPaymentID] += req.Amount
		res = RefundResult{Success: true, RefundGatewayID: sandboxID("re_")}
	}
	if req.IdempotencyKey != "" {
		g.refunds[req.IdempotencyKey] = res
	}
	return res, nil
}
