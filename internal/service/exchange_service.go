package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tessilab/swapbridge/internal/gateway"
	"github.com/tessilab/swapbridge/internal/model"
	"github.com/tessilab/swapbridge/internal/pricing"
	"github.com/tessilab/swapbridge/internal/repo"
	"go.uber.org/zap"
)

// ErrValidation covers malformed or missing request fields; nothing is
// mutated when it is returned.
var ErrValidation = errors.New("invalid request")

// errPayoutClaimed aborts a payout claim whose transaction already holds a
// claimed attempt or a recorded destination reference. It never escapes
// dispatchPayout.
var errPayoutClaimed = errors.New("payout attempt already claimed")

// ExchangeService owns the transaction lifecycle: intake, first-leg
// initiation, callback ingestion and the payout chaining in between.
type ExchangeService struct {
	repo        repo.RepositoryInterface
	fiat        gateway.FiatGateway
	crypto      gateway.CryptoGateway
	rates       pricing.RateConfig
	callTimeout time.Duration
	log         *zap.SugaredLogger
}

// NewExchangeService returns ExchangeService.
func NewExchangeService(r repo.RepositoryInterface, fiat gateway.FiatGateway, crypto gateway.CryptoGateway, rates pricing.RateConfig, callTimeout time.Duration, logger *zap.SugaredLogger) *ExchangeService {
	if callTimeout == 0 {
		callTimeout = 20 * time.Second
	}
	return &ExchangeService{repo: r, fiat: fiat, crypto: crypto, rates: rates, callTimeout: callTimeout, log: logger}
}

// CreateRequest is the intake input. Amount is crypto-denominated for both
// directions: the crypto bought, or the crypto to be deposited.
type CreateRequest struct {
	Direction         string
	Amount            decimal.Decimal
	SourceWallet      model.WalletRef
	DestinationWallet model.WalletRef
}

// CreateTransaction quotes the exchange and stores it in pending. The
// exchange rate is captured here and never re-read for this transaction.
func (s *ExchangeService) CreateTransaction(ctx context.Context, req CreateRequest) (*model.Transaction, error) {
	rc := s.rates
	if ov, ok, err := s.repo.RateOverride(ctx); err != nil {
		s.log.Warnf("rate override read: %v", err)
	} else if ok {
		rc.Rate = ov
	}

	var quote pricing.Quote
	var err error
	switch req.Direction {
	case model.DirectionFiatToCrypto:
		if req.SourceWallet.Kind != model.WalletKindMobileMoney || !req.SourceWallet.Valid() {
			return nil, fmt.Errorf("%w: source wallet must be a valid mobile-money account", ErrValidation)
		}
		if req.DestinationWallet.Kind != model.WalletKindCrypto {
			return nil, fmt.Errorf("%w: destination wallet must be a crypto address", ErrValidation)
		}
		quote, err = pricing.QuoteCryptoPurchase(req.Amount, rc)
	case model.DirectionCryptoToFiat:
		if req.SourceWallet.Kind != model.WalletKindCrypto || !req.SourceWallet.Valid() {
			return nil, fmt.Errorf("%w: source wallet must be a valid crypto address", ErrValidation)
		}
		if req.DestinationWallet.Kind != model.WalletKindMobileMoney {
			return nil, fmt.Errorf("%w: destination wallet must be a mobile-money account", ErrValidation)
		}
		quote, err = pricing.QuoteCryptoSale(req.Amount, rc)
	default:
		return nil, fmt.Errorf("%w: unknown direction %q", ErrValidation, req.Direction)
	}
	if err != nil {
		return nil, err
	}

	t := &model.Transaction{
		ID:                     uuid.NewString(),
		Direction:              req.Direction,
		SourceAmount:           quote.SourceAmount,
		DestinationAmount:      quote.DestinationAmount,
		ExchangeRate:           quote.Rate,
		GatewayFee:             quote.GatewayFee,
		PlatformFee:            quote.PlatformFee,
		FinalSourceAmount:      quote.FinalSourceAmount,
		FinalDestinationAmount: quote.FinalDestinationAmount,
		SourceWallet:           req.SourceWallet,
		DestinationWallet:      req.DestinationWallet,
		Status:                 model.StatusPending,
	}
	if err := s.repo.CreateTransaction(ctx, t); err != nil {
		return nil, err
	}
	s.log.Infof("transaction %s created: %s %s", t.ID, t.Direction, t.SourceAmount)
	return t, nil
}

// GetTransaction loads a single record, serving status from cache when warm.
func (s *ExchangeService) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	return s.repo.GetTransaction(ctx, id)
}

// PublicStatus returns the client-visible status, preferring the cache.
func (s *ExchangeService) PublicStatus(ctx context.Context, id string) (string, error) {
	if st, err := s.repo.GetCachedStatus(ctx, id); err == nil && st != "" {
		return st, nil
	}
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return "", err
	}
	st := t.PublicStatus()
	if err := s.repo.CacheStatus(ctx, id, st); err != nil {
		s.log.Warnf("cache status %s: %v", id, err)
	}
	return st, nil
}

// Initiate performs the first-leg gateway call and moves the transaction
// from pending to processing. It returns the checkout URL (purchase) or the
// deposit address (sale) to present to the user.
func (s *ExchangeService) Initiate(ctx context.Context, id string) (*model.Transaction, string, error) {
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if t.Status != model.StatusPending {
		return nil, "", repo.ErrConflict
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var res gateway.PaymentResult
	switch t.Direction {
	case model.DirectionFiatToCrypto:
		res, err = s.fiat.InitiatePayment(callCtx, t.FinalSourceAmount, t.SourceWallet, gateway.IdempotencyRef(t.ID, 0))
	case model.DirectionCryptoToFiat:
		// the order id doubles as the deposit callback correlation key,
		// so the transaction id itself goes on the wire
		res, err = s.crypto.InitiatePayment(callCtx, t.SourceAmount, t.SourceWallet, t.ID)
	}
	if err != nil {
		s.log.Warnf("initiate %s: %v", t.ID, err)
		return nil, "", err
	}

	t, err = s.repo.CompareAndTransition(ctx, t.ID, model.StatusPending, func(t *model.Transaction) error {
		t.Status = model.StatusProcessing
		ref := res.ExternalRef
		if t.Direction == model.DirectionFiatToCrypto {
			t.FiatGatewayRef = &ref
		} else {
			t.CryptoGatewayRef = &ref
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return t, res.CheckoutTarget, nil
}

// FiatCallback is the asynchronous event delivered by the mobile-money
// gateway for both collections and transfers.
type FiatCallback struct {
	Event             string
	ExternalReference string
	Status            string
	Metadata          map[string]string
}

// HandleFiatCallback ingests a fiat-gateway settlement callback. Unknown
// references and duplicates resolve to a nil error so the transport layer
// can acknowledge them and stop gateway-side retries.
func (s *ExchangeService) HandleFiatCallback(ctx context.Context, ev FiatCallback) error {
	if ev.ExternalReference == "" {
		return fmt.Errorf("%w: missing external_reference", ErrValidation)
	}
	t, err := s.repo.FindByFiatRef(ctx, ev.ExternalReference)
	if errors.Is(err, repo.ErrNotFound) {
		s.log.Infof("fiat callback %s: no matching transaction, ignoring", ev.ExternalReference)
		return nil
	}
	if err != nil {
		return err
	}
	if t.Terminal() || t.Status == model.StatusPendingAdminValidation || t.Status == model.StatusFailed {
		return nil
	}

	outcome := normalizeStatus(ev.Status)
	if outcome == outcomeIgnore {
		return nil
	}

	if t.Direction == model.DirectionFiatToCrypto {
		// source leg: fiat collection settled
		if outcome == outcomeFailure {
			return s.recordLegFailure(ctx, t, "fiat payment", ev.Status)
		}
		if t.CryptoGatewayRef != nil {
			// payout already dispatched, duplicate delivery
			return nil
		}
		settled := settledFiat(ev.Metadata, t.FinalSourceAmount)
		return s.dispatchPayout(ctx, t, settled)
	}

	// sale: the fiat leg is the payout
	switch outcome {
	case outcomeSuccess:
		return s.completePayout(ctx, t)
	default:
		return s.recordLegFailure(ctx, t, "fiat payout", ev.Status)
	}
}

// CryptoCallback is the asynchronous event delivered by the crypto gateway.
// OrderID correlates to the transaction id directly.
type CryptoCallback struct {
	PaymentStatus     string
	OrderID           string
	ExternalPaymentID string
	SettledAmount     string
}

// HandleCryptoCallback ingests a crypto-gateway settlement callback.
func (s *ExchangeService) HandleCryptoCallback(ctx context.Context, ev CryptoCallback) error {
	if ev.OrderID == "" && ev.ExternalPaymentID == "" {
		return fmt.Errorf("%w: missing order_id", ErrValidation)
	}
	t, err := s.repo.GetTransaction(ctx, ev.OrderID)
	if errors.Is(err, repo.ErrNotFound) {
		t, err = s.repo.FindByCryptoRef(ctx, ev.ExternalPaymentID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		s.log.Infof("crypto callback %s/%s: no matching transaction, ignoring", ev.OrderID, ev.ExternalPaymentID)
		return nil
	}
	if err != nil {
		return err
	}
	if t.Terminal() || t.Status == model.StatusPendingAdminValidation || t.Status == model.StatusFailed {
		return nil
	}

	outcome := normalizeStatus(ev.PaymentStatus)
	if outcome == outcomeIgnore {
		return nil
	}

	if t.Direction == model.DirectionCryptoToFiat {
		// source leg: crypto deposit settled. A payload carrying a payment
		// id must match the recorded one; an omitted id is accepted since
		// order_id already correlated.
		if t.CryptoGatewayRef == nil || (ev.ExternalPaymentID != "" && *t.CryptoGatewayRef != ev.ExternalPaymentID) {
			s.log.Infof("crypto callback for %s: reference %q does not match, ignoring", t.ID, ev.ExternalPaymentID)
			return nil
		}
		if outcome == outcomeFailure {
			return s.recordLegFailure(ctx, t, "crypto deposit", ev.PaymentStatus)
		}
		if t.FiatGatewayRef != nil {
			return nil
		}
		settled := t.SourceAmount
		if d, err := decimal.NewFromString(ev.SettledAmount); err == nil && d.IsPositive() {
			settled = d
		}
		return s.dispatchPayout(ctx, t, settled)
	}

	// purchase: the crypto leg is the payout. An early callback that beats
	// the recorded payout reference is unmatched and ignored; an omitted
	// payment id is accepted once the reference exists.
	if t.CryptoGatewayRef == nil || (ev.ExternalPaymentID != "" && *t.CryptoGatewayRef != ev.ExternalPaymentID) {
		s.log.Infof("crypto payout callback for %s: reference %q not recorded yet, ignoring", t.ID, ev.ExternalPaymentID)
		return nil
	}
	switch outcome {
	case outcomeSuccess:
		return s.completePayout(ctx, t)
	default:
		return s.recordLegFailure(ctx, t, "crypto payout", ev.PaymentStatus)
	}
}

// dispatchPayout is the named chaining action: the source leg has settled
// and the destination leg must be paid out through the other adapter. The
// attempt is claimed with a conditional update before the gateway call so a
// racing duplicate produces exactly one payout submission.
func (s *ExchangeService) dispatchPayout(ctx context.Context, t *model.Transaction, settled decimal.Decimal) error {
	if !t.DestinationWallet.Valid() {
		_, err := s.repo.CompareAndTransition(ctx, t.ID, model.StatusProcessing, func(t *model.Transaction) error {
			t.Status = model.StatusPendingAdminValidation
			appendNote(t, "destination descriptor missing or malformed, payout withheld")
			return nil
		})
		if errors.Is(err, repo.ErrConflict) {
			return nil
		}
		return err
	}

	// recompute amounts from the settled figure: real settlement may differ
	// from the quote
	payout, err := s.settleAmounts(t, settled)
	if err != nil {
		_, cerr := s.repo.CompareAndTransition(ctx, t.ID, model.StatusProcessing, func(t *model.Transaction) error {
			t.Status = model.StatusPendingAdminValidation
			appendNote(t, fmt.Sprintf("settlement of %s rejected: %v", settled, err))
			return nil
		})
		if errors.Is(cerr, repo.ErrConflict) {
			return nil
		}
		return cerr
	}

	claimed, err := s.repo.CompareAndTransition(ctx, t.ID, model.StatusProcessing, func(t *model.Transaction) error {
		// the claim is the dedupe point: a duplicate delivery racing the
		// gateway call re-reads fresh state here and must not claim a
		// second attempt while the first is still in flight
		if t.PayoutAttempts > 0 || destinationRef(t) != nil {
			return errPayoutClaimed
		}
		t.PayoutAttempts++
		return nil
	})
	if errors.Is(err, repo.ErrConflict) || errors.Is(err, errPayoutClaimed) {
		return nil
	}
	if err != nil {
		return err
	}

	ref := gateway.IdempotencyRef(claimed.ID, claimed.PayoutAttempts)
	res, callErr := s.callPayout(ctx, claimed, payout, ref)
	if callErr != nil {
		return s.recordPayoutFailure(ctx, claimed.ID, model.StatusProcessing, callErr)
	}

	_, err = s.repo.CompareAndTransition(ctx, claimed.ID, model.StatusProcessing, func(t *model.Transaction) error {
		externalRef := res.ExternalRef
		if t.Direction == model.DirectionFiatToCrypto {
			t.CryptoGatewayRef = &externalRef
		} else {
			t.FiatGatewayRef = &externalRef
		}
		t.SourceAmount = settled
		t.FinalDestinationAmount = payout
		appendNote(t, fmt.Sprintf("payout of %s dispatched, ref %s", payout, externalRef))
		return nil
	})
	if err != nil {
		// the gateway accepted the payout but the outcome was not recorded;
		// park the record for operators and acknowledge the callback so a
		// gateway redelivery cannot dispatch the money a second time
		s.log.Errorf("transaction %s: payout %s dispatched but not recorded: %v", claimed.ID, ref, err)
		s.parkOrphanedPayout(ctx, claimed.ID, ref, err)
		return nil
	}
	s.log.Infof("transaction %s: payout dispatched, ref %s", claimed.ID, res.ExternalRef)
	return nil
}

// destinationRef returns the recorded payout-leg reference, nil until the
// payout outcome has been recorded.
func destinationRef(t *model.Transaction) *string {
	if t.Direction == model.DirectionFiatToCrypto {
		return t.CryptoGatewayRef
	}
	return t.FiatGatewayRef
}

// parkOrphanedPayout moves a dispatched-but-unrecorded payout to admin
// validation with the idempotency reference in the audit trail, so the
// money trail is reconciled by an operator instead of being re-dispatched.
func (s *ExchangeService) parkOrphanedPayout(ctx context.Context, id, ref string, cause error) {
	_, err := s.repo.CompareAndTransition(ctx, id, model.StatusProcessing, func(t *model.Transaction) error {
		t.Status = model.StatusPendingAdminValidation
		appendNote(t, fmt.Sprintf("payout %s dispatched but outcome not recorded [%s]: %v", ref, gateway.CodeOrphanedPayout, cause))
		return nil
	})
	if err != nil && !errors.Is(err, repo.ErrConflict) {
		s.log.Errorf("transaction %s: orphaned payout %s could not be parked: %v", id, ref, err)
	}
}

// settleAmounts derives the destination-leg amount from the settled source
// amount, holding the rate captured at creation.
func (s *ExchangeService) settleAmounts(t *model.Transaction, settled decimal.Decimal) (decimal.Decimal, error) {
	switch t.Direction {
	case model.DirectionFiatToCrypto:
		if settled.LessThan(t.FinalSourceAmount) {
			return decimal.Zero, fmt.Errorf("short settlement: got %s, expected %s", settled, t.FinalSourceAmount)
		}
		return t.FinalDestinationAmount, nil
	default:
		rc := s.rates
		rc.Rate = t.ExchangeRate
		q, err := pricing.QuoteCryptoSale(settled, rc)
		if err != nil {
			return decimal.Zero, err
		}
		return q.FinalDestinationAmount, nil
	}
}

func (s *ExchangeService) callPayout(ctx context.Context, t *model.Transaction, amount decimal.Decimal, idemRef string) (gateway.PayoutResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	if t.Direction == model.DirectionFiatToCrypto {
		return s.crypto.InitiatePayout(callCtx, amount, t.DestinationWallet, idemRef)
	}
	return s.fiat.InitiatePayout(callCtx, amount, t.DestinationWallet, idemRef)
}

// recordPayoutFailure routes a classified payout failure: balance shortfalls
// are operator-recoverable and go to admin validation, everything else fails
// the transaction.
func (s *ExchangeService) recordPayoutFailure(ctx context.Context, id, expected string, callErr error) error {
	target := model.StatusFailed
	code := gateway.CodeUnknown
	if ge, ok := gateway.AsError(callErr); ok {
		code = ge.Code
		if ge.Code == gateway.CodeInsufficientBalance || ge.Code == gateway.CodeOrphanedPayout {
			target = model.StatusPendingAdminValidation
		}
	}
	_, err := s.repo.CompareAndTransition(ctx, id, expected, func(t *model.Transaction) error {
		t.Status = target
		appendNote(t, fmt.Sprintf("payout failed [%s]: %v", code, callErr))
		return nil
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Warnf("transaction %s: payout failed [%s], now %s", id, code, target)
	return nil
}

// completePayout finishes a transaction on a successful destination-leg
// callback.
func (s *ExchangeService) completePayout(ctx context.Context, t *model.Transaction) error {
	_, err := s.repo.CompareAndTransition(ctx, t.ID, model.StatusProcessing, func(t *model.Transaction) error {
		t.Status = model.StatusCompleted
		appendNote(t, "destination leg settled")
		return nil
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Infof("transaction %s completed", t.ID)
	return nil
}

// recordLegFailure fails a transaction on a gateway-reported leg failure,
// classifying the reported status so retries can recover the cause.
func (s *ExchangeService) recordLegFailure(ctx context.Context, t *model.Transaction, leg, reported string) error {
	code := legFailureCode(reported)
	_, err := s.repo.CompareAndTransition(ctx, t.ID, model.StatusProcessing, func(t *model.Transaction) error {
		t.Status = model.StatusFailed
		appendNote(t, fmt.Sprintf("leg failure [%s]: %s reported %s", code, leg, reported))
		return nil
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	s.log.Warnf("transaction %s failed: %s reported %s [%s]", t.ID, leg, reported, code)
	return nil
}

// legFailureCode maps a gateway-reported terminal status onto the failure
// vocabulary.
func legFailureCode(reported string) gateway.FailureCode {
	switch strings.ToLower(strings.TrimSpace(reported)) {
	case "expired":
		return gateway.CodeTimeout
	case "cancelled", "canceled", "refunded", "rejected", "declined":
		return gateway.CodeRejected
	default:
		return gateway.CodeUnknown
	}
}

type callbackOutcome int

const (
	outcomeIgnore callbackOutcome = iota
	outcomeSuccess
	outcomeFailure
)

func normalizeStatus(raw string) callbackOutcome {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "success", "succeeded", "completed", "finished", "confirmed":
		return outcomeSuccess
	case "failed", "failure", "cancelled", "canceled", "expired", "refunded":
		return outcomeFailure
	}
	return outcomeIgnore
}

func settledFiat(meta map[string]string, fallback decimal.Decimal) decimal.Decimal {
	if meta == nil {
		return fallback
	}
	if raw, ok := meta["amount"]; ok {
		if d, err := decimal.NewFromString(raw); err == nil && d.IsPositive() {
			return d
		}
	}
	return fallback
}
