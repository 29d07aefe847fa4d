package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tessilab/swapbridge/internal/gateway"
	"github.com/tessilab/swapbridge/internal/model"
	"github.com/tessilab/swapbridge/internal/repo"
	"go.uber.org/zap"
)

// ErrUnauthorized means the authorization port denied the operator.
var ErrUnauthorized = errors.New("operator is not an administrator")

// AuthPort affirms whether an operator holds the administrative capability.
type AuthPort interface {
	IsAdmin(ctx context.Context, operatorID string) (bool, error)
}

// AdminService processes the manual-override actions. Every action checks
// the authorization port first and commits through a conditional transition
// keyed on the required starting status, so a double-submitted action has
// exactly one winner.
type AdminService struct {
	repo     repo.RepositoryInterface
	exchange *ExchangeService
	auth     AuthPort
	log      *zap.SugaredLogger
}

// NewAdminService returns AdminService.
func NewAdminService(r repo.RepositoryInterface, exchange *ExchangeService, auth AuthPort, logger *zap.SugaredLogger) *AdminService {
	return &AdminService{repo: r, exchange: exchange, auth: auth, log: logger}
}

func (s *AdminService) authorize(ctx context.Context, operatorID string) error {
	if operatorID == "" {
		return fmt.Errorf("%w: missing operator id", ErrValidation)
	}
	ok, err := s.auth.IsAdmin(ctx, operatorID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// Confirm re-attempts the payout for a transaction held in admin
// validation. Success completes the transaction; a classified gateway
// failure moves it to failed.
func (s *AdminService) Confirm(ctx context.Context, id, operatorID string) (*model.Transaction, error) {
	if err := s.authorize(ctx, operatorID); err != nil {
		return nil, err
	}
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusPendingAdminValidation {
		return nil, repo.ErrConflict
	}
	return s.attemptPayout(ctx, t, operatorID, fmt.Sprintf("confirmed by %s", operatorID))
}

// Reject closes a transaction held in admin validation without any gateway
// call.
func (s *AdminService) Reject(ctx context.Context, id, operatorID string) (*model.Transaction, error) {
	if err := s.authorize(ctx, operatorID); err != nil {
		return nil, err
	}
	now := time.Now()
	t, err := s.repo.CompareAndTransition(ctx, id, model.StatusPendingAdminValidation, func(t *model.Transaction) error {
		t.Status = model.StatusRejected
		t.ProcessedBy = &operatorID
		t.ProcessedAt = &now
		appendNote(t, fmt.Sprintf("rejected by %s", operatorID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Infof("transaction %s rejected by %s", id, operatorID)
	return t, nil
}

// Retry resurrects a failed or rejected transaction by re-attempting the
// payout leg. The prior failure classification from the audit trail is
// carried into the new note.
func (s *AdminService) Retry(ctx context.Context, id, operatorID string) (*model.Transaction, error) {
	if err := s.authorize(ctx, operatorID); err != nil {
		return nil, err
	}
	t, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != model.StatusFailed && t.Status != model.StatusRejected {
		return nil, repo.ErrConflict
	}
	note := fmt.Sprintf("retry by %s", operatorID)
	if code, ok := failureCodeFromNotes(t.AdminNotes); ok {
		note = fmt.Sprintf("retry by %s after prior failure [%s]", operatorID, code)
	}
	return s.attemptPayout(ctx, t, operatorID, note)
}

// attemptPayout claims a new payout attempt from the transaction's current
// status, submits it, and records the outcome. The claim is a conditional
// update, so the losing half of a double-submission sees ErrConflict and
// never reaches the gateway.
func (s *AdminService) attemptPayout(ctx context.Context, t *model.Transaction, operatorID, note string) (*model.Transaction, error) {
	fromStatus := t.Status
	if !t.DestinationWallet.Valid() {
		return nil, fmt.Errorf("%w: destination descriptor is missing or malformed", ErrValidation)
	}

	claimed, err := s.repo.CompareAndTransition(ctx, t.ID, fromStatus, func(t *model.Transaction) error {
		t.PayoutAttempts++
		return nil
	})
	if err != nil {
		return nil, err
	}

	ref := gateway.IdempotencyRef(claimed.ID, claimed.PayoutAttempts)
	res, callErr := s.exchange.callPayout(ctx, claimed, claimed.FinalDestinationAmount, ref)

	now := time.Now()
	if callErr != nil {
		code := gateway.CodeUnknown
		if ge, ok := gateway.AsError(callErr); ok {
			code = ge.Code
		}
		failed, err := s.repo.CompareAndTransition(ctx, claimed.ID, fromStatus, func(t *model.Transaction) error {
			t.Status = model.StatusFailed
			t.ProcessedBy = &operatorID
			t.ProcessedAt = &now
			appendNote(t, note)
			appendNote(t, fmt.Sprintf("payout failed [%s]: %v", code, callErr))
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.log.Warnf("transaction %s: admin payout failed [%s]", claimed.ID, code)
		return failed, callErr
	}

	done, err := s.repo.CompareAndTransition(ctx, claimed.ID, fromStatus, func(t *model.Transaction) error {
		t.Status = model.StatusCompleted
		t.ProcessedBy = &operatorID
		t.ProcessedAt = &now
		externalRef := res.ExternalRef
		if t.Direction == model.DirectionFiatToCrypto {
			t.CryptoGatewayRef = &externalRef
		} else {
			t.FiatGatewayRef = &externalRef
		}
		appendNote(t, note)
		appendNote(t, fmt.Sprintf("payout of %s dispatched, ref %s", t.FinalDestinationAmount, externalRef))
		return nil
	})
	if err != nil {
		// the payout went out; park the record for reconciliation rather
		// than leaving it where a retry could dispatch again
		s.log.Errorf("transaction %s: payout %s dispatched but not recorded: %v", claimed.ID, ref, err)
		parked, perr := s.repo.CompareAndTransition(ctx, claimed.ID, fromStatus, func(t *model.Transaction) error {
			t.Status = model.StatusPendingAdminValidation
			t.ProcessedBy = &operatorID
			t.ProcessedAt = &now
			appendNote(t, note)
			appendNote(t, fmt.Sprintf("payout %s dispatched but outcome not recorded [%s]: %v", ref, gateway.CodeOrphanedPayout, err))
			return nil
		})
		if perr != nil {
			s.log.Errorf("transaction %s: orphaned payout %s could not be parked: %v", claimed.ID, ref, perr)
		}
		return parked, &gateway.Error{Code: gateway.CodeOrphanedPayout, Op: "admin.payout.record", Err: err}
	}
	s.log.Infof("transaction %s completed by %s", done.ID, operatorID)
	return done, nil
}

// ListTransactions serves the admin console view.
func (s *AdminService) ListTransactions(ctx context.Context, operatorID, status string, limit int) ([]model.Transaction, error) {
	if err := s.authorize(ctx, operatorID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListByStatus(ctx, status, limit)
}
