package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tessilab/swapbridge/internal/model"
)

// PaymentResult is the outcome of a first-leg initiation: the external
// reference used to correlate later callbacks and the target (checkout URL
// or deposit address) presented to the user.
type PaymentResult struct {
	ExternalRef    string
	CheckoutTarget string
}

// PayoutResult is the synchronous acknowledgment of a payout submission.
type PayoutResult struct {
	ExternalRef string
	Status      string
}

// FiatGateway fronts the mobile-money rail.
type FiatGateway interface {
	InitiatePayment(ctx context.Context, amount decimal.Decimal, payer model.WalletRef, idemRef string) (PaymentResult, error)
	InitiatePayout(ctx context.Context, amount decimal.Decimal, payee model.WalletRef, idemRef string) (PayoutResult, error)
}

// CryptoGateway fronts the crypto rail.
type CryptoGateway interface {
	InitiatePayment(ctx context.Context, amount decimal.Decimal, payer model.WalletRef, idemRef string) (PaymentResult, error)
	InitiatePayout(ctx context.Context, amount decimal.Decimal, payee model.WalletRef, idemRef string) (PayoutResult, error)
}

// IdempotencyRef derives the reference sent with every gateway call from
// the transaction id and attempt count. Re-submitting the same attempt
// yields the same reference, so a deduplicating gateway will not
// double-spend on retry.
func IdempotencyRef(txID string, attempt int) string {
	return fmt.Sprintf("%s-p%d", txID, attempt)
}
