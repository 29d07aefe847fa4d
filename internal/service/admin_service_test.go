package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessilab/swapbridge/internal/gateway"
	"github.com/tessilab/swapbridge/internal/model"
	"github.com/tessilab/swapbridge/internal/repo"
)

type fakeAuth struct {
	admins map[string]bool
}

func (a *fakeAuth) IsAdmin(ctx context.Context, operatorID string) (bool, error) {
	return a.admins[operatorID], nil
}

func newAdminEnv(t *testing.T) (*testEnv, *AdminService) {
	env := newTestEnv(t)
	auth := &fakeAuth{admins: map[string]bool{"op-1": true, "op-2": true}}
	admin := NewAdminService(env.repo, env.svc, auth, env.log)
	return env, admin
}

// drives a purchase into failed via an invalid-recipient payout rejection
func failedPurchase(t *testing.T, env *testEnv) *model.Transaction {
	env.crypto.payoutErr = &gateway.Error{Code: gateway.CodeInvalidRecipient, Op: "crypto.payout"}
	tx := createPurchase(t, env)
	tx, _, err := env.svc.Initiate(env.ctx, tx.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.HandleFiatCallback(env.ctx, FiatCallback{
		ExternalReference: env.fiat.paymentRef,
		Status:            "success",
	}))
	cur, err := env.repo.GetTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, cur.Status)
	require.Contains(t, cur.AdminNotes, "[invalid_recipient]")
	return cur
}

// drives a sale into pending_admin_validation via a balance shortfall
func heldSale(t *testing.T, env *testEnv) *model.Transaction {
	env.fiat.payoutErr = &gateway.Error{Code: gateway.CodeInsufficientBalance, Op: "fiat.payout"}
	tx := createSale(t, env)
	tx, _, err := env.svc.Initiate(env.ctx, tx.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.HandleCryptoCallback(env.ctx, CryptoCallback{
		PaymentStatus:     "finished",
		OrderID:           tx.ID,
		ExternalPaymentID: env.crypto.paymentRef,
		SettledAmount:     "20",
	}))
	cur, err := env.repo.GetTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPendingAdminValidation, cur.Status)
	return cur
}

func TestRetryAfterFailure(t *testing.T) {
	env, admin := newAdminEnv(t)
	tx := failedPurchase(t, env)

	// recipient corrected out-of-band, gateway accepts now
	env.crypto.payoutErr = nil
	done, err := admin.Retry(env.ctx, tx.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	require.NotNil(t, done.ProcessedBy)
	assert.Equal(t, "op-1", *done.ProcessedBy)
	assert.NotNil(t, done.ProcessedAt)
	assert.Contains(t, done.AdminNotes, "retry by op-1 after prior failure [invalid_recipient]")

	// each attempt carries a fresh deterministic reference
	calls := env.crypto.payouts
	require.Len(t, calls, 2)
	assert.Equal(t, tx.ID+"-p1", calls[0].idemRef)
	assert.Equal(t, tx.ID+"-p2", calls[1].idemRef)

	// a second retry finds the transaction already completed
	_, err = admin.Retry(env.ctx, tx.ID, "op-2")
	assert.ErrorIs(t, err, repo.ErrConflict)
}

func TestRetryFailsAgain(t *testing.T) {
	env, admin := newAdminEnv(t)
	tx := failedPurchase(t, env)

	env.crypto.payoutErr = &gateway.Error{Code: gateway.CodeTimeout, Op: "crypto.payout"}
	got, err := admin.Retry(env.ctx, tx.ID, "op-1")
	require.Error(t, err)
	ge, ok := gateway.AsError(err)
	require.True(t, ok)
	assert.Equal(t, gateway.CodeTimeout, ge.Code)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Contains(t, got.AdminNotes, "[timeout]")
}

func TestConfirmHeldTransaction(t *testing.T) {
	env, admin := newAdminEnv(t)
	tx := heldSale(t, env)

	// gateway balance replenished
	env.fiat.payoutErr = nil
	done, err := admin.Confirm(env.ctx, tx.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	require.NotNil(t, done.FiatGatewayRef)
	assert.Equal(t, env.fiat.payoutRef, *done.FiatGatewayRef)
	assert.Contains(t, done.AdminNotes, "confirmed by op-1")
}

func TestConfirmRequiresHeldState(t *testing.T) {
	env, admin := newAdminEnv(t)
	tx := createPurchase(t, env)

	_, err := admin.Confirm(env.ctx, tx.ID, "op-1")
	assert.ErrorIs(t, err, repo.ErrConflict)
}

func TestReject(t *testing.T) {
	env, admin := newAdminEnv(t)
	tx := heldSale(t, env)

	done, err := admin.Reject(env.ctx, tx.ID, "op-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, done.Status)
	assert.Contains(t, done.AdminNotes, "rejected by op-1")
	assert.Equal(t, 1, env.fiat.payoutCount(), "reject makes no gateway call")

	// double submission: the second operator sees "already processed"
	_, err = admin.Reject(env.ctx, tx.ID, "op-2")
	assert.ErrorIs(t, err, repo.ErrConflict)
}

func TestRetryAfterReject(t *testing.T) {
	env, admin := newAdminEnv(t)
	tx := heldSale(t, env)

	_, err := admin.Reject(env.ctx, tx.ID, "op-1")
	require.NoError(t, err)

	env.fiat.payoutErr = nil
	done, err := admin.Retry(env.ctx, tx.ID, "op-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Contains(t, done.AdminNotes, "after prior failure [insufficient_balance]")
}

func TestAdminActionsRequireAuthorization(t *testing.T) {
	env, admin := newAdminEnv(t)
	tx := heldSale(t, env)

	_, err := admin.Confirm(env.ctx, tx.ID, "intruder")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = admin.Reject(env.ctx, tx.ID, "intruder")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = admin.Retry(env.ctx, tx.ID, "")
	assert.ErrorIs(t, err, ErrValidation)

	cur, _ := env.repo.GetTransaction(env.ctx, tx.ID)
	assert.Equal(t, model.StatusPendingAdminValidation, cur.Status, "denied actions mutate nothing")
}

func TestRetryRequiresRecoverableState(t *testing.T) {
	env, admin := newAdminEnv(t)
	tx := createPurchase(t, env)

	_, err := admin.Retry(env.ctx, tx.ID, "op-1")
	assert.ErrorIs(t, err, repo.ErrConflict)

	_, err = admin.Retry(env.ctx, "no-such-id", "op-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestFailureCodeFromNotes(t *testing.T) {
	notes := "2024-01-01T00:00:00Z payout failed [timeout]: dial tcp\n" +
		"2024-01-02T00:00:00Z payout failed [insufficient_balance]: low funds"
	code, ok := failureCodeFromNotes(notes)
	require.True(t, ok)
	assert.Equal(t, gateway.CodeInsufficientBalance, code)

	_, ok = failureCodeFromNotes("no markers here")
	assert.False(t, ok)
}

func TestConfirmRecordFailureParksTransaction(t *testing.T) {
	env, _ := newAdminEnv(t)
	tx := heldSale(t, env)

	flaky := &flakyRepo{RepositoryInterface: env.repo}
	svc := NewExchangeService(flaky, env.fiat, env.crypto, testRates(t), 0, env.log)
	auth := &fakeAuth{admins: map[string]bool{"op-1": true}}
	admin := NewAdminService(flaky, svc, auth, env.log)

	// gateway accepts this time, but recording the outcome fails once
	env.fiat.payoutErr = nil
	flaky.arm(1, 1)
	sent := env.fiat.payoutCount()

	parked, err := admin.Confirm(env.ctx, tx.ID, "op-1")
	ge, ok := gateway.AsError(err)
	require.True(t, ok)
	assert.Equal(t, gateway.CodeOrphanedPayout, ge.Code)
	require.NotNil(t, parked)
	assert.Equal(t, model.StatusPendingAdminValidation, parked.Status)
	assert.Contains(t, parked.AdminNotes, "[orphaned_payout]")
	assert.Equal(t, sent+1, env.fiat.payoutCount())

	cur, err := env.repo.GetTransaction(env.ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPendingAdminValidation, cur.Status)
	assert.Contains(t, cur.AdminNotes, "[orphaned_payout]")
}
