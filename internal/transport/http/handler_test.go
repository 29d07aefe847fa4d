package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tessilab/swapbridge/internal/config"
	"github.com/tessilab/swapbridge/internal/gateway"
	"github.com/tessilab/swapbridge/internal/logger"
	"github.com/tessilab/swapbridge/internal/model"
	"github.com/tessilab/swapbridge/internal/pricing"
	"github.com/tessilab/swapbridge/internal/repo"
	"github.com/tessilab/swapbridge/internal/service"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubGateway struct {
	paymentRef string
	target     string
	payoutRef  string
}

func (g *stubGateway) InitiatePayment(ctx context.Context, amount decimal.Decimal, payer model.WalletRef, idemRef string) (gateway.PaymentResult, error) {
	return gateway.PaymentResult{ExternalRef: g.paymentRef, CheckoutTarget: g.target}, nil
}

func (g *stubGateway) InitiatePayout(ctx context.Context, amount decimal.Decimal, payee model.WalletRef, idemRef string) (gateway.PayoutResult, error) {
	return gateway.PayoutResult{ExternalRef: g.payoutRef, Status: "submitted"}, nil
}

type allowAll struct{}

func (allowAll) IsAdmin(ctx context.Context, operatorID string) (bool, error) {
	return strings.HasPrefix(operatorID, "op-"), nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	return newLimitedTestRouter(t, config.RateLimitConfig{RPS: 1000, Burst: 1000})
}

func newLimitedTestRouter(t *testing.T, rl config.RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Transaction{}, &model.NotificationEvent{}))

	log, err := logger.NewLogger()
	require.NoError(t, err)
	r := repo.NewRepository(db, nil, &kafka.Writer{}, log)

	rates, err := pricing.FromPricing(config.PricingConfig{
		Rate: "660", GatewayFeePercent: "0.03", GatewayFeeFixed: "100",
		PlatformWithdrawFee: "1", CryptoDepositFee: "3",
		FiatPayoutFeePercent: "0.015", MinCrypto: "5", MinFiat: "1000",
	})
	require.NoError(t, err)

	fiat := &stubGateway{paymentRef: "FIAT-1", target: "https://pay.example/1", payoutRef: "FIAT-OUT-1"}
	crypto := &stubGateway{paymentRef: "DEP-1", target: "TAddr1", payoutRef: "CRYPTO-OUT-1"}
	svc := service.NewExchangeService(r, fiat, crypto, rates, 0, log)
	admin := service.NewAdminService(r, svc, allowAll{}, log)

	return NewRouter(svc, admin, rl, log)
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateInitiateAndGet(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/transactions", gin.H{
		"direction": "fiat_to_crypto",
		"amount":    "15",
		"source_wallet": gin.H{
			"kind": "mobile_money", "number": "+22961234567", "operator": "mtn",
		},
		"destination_wallet": gin.H{
			"kind": "crypto", "address": "TXYZabc123", "network": "trc20",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		FinalSourceAmount string `json:"final_source_amount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "10297", created.FinalSourceAmount)

	w = doJSON(router, http.MethodPost, "/v1/transactions/"+created.ID+"/initiate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var initiated struct {
		CheckoutTarget string `json:"checkout_target"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &initiated))
	assert.Equal(t, "https://pay.example/1", initiated.CheckoutTarget)

	// double initiation surfaces a conflict
	w = doJSON(router, http.MethodPost, "/v1/transactions/"+created.ID+"/initiate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/transactions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processing"`)
}

func TestWebhookAcknowledgesUnknownReference(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/callbacks/fiat", gin.H{
		"event":              "payment.updated",
		"external_reference": "NEVER-SEEN",
		"status":             "success",
	})
	assert.Equal(t, http.StatusOK, w.Code, "unknown references must still be acknowledged")

	w = doJSON(router, http.MethodPost, "/v1/callbacks/crypto", gin.H{
		"payment_status":      "finished",
		"order_id":            "no-such-tx",
		"external_payment_id": "no-such-ref",
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/callbacks/fiat", gin.H{"event": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/callbacks/crypto", gin.H{"order_id": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHiddenAdminSubstate(t *testing.T) {
	router := newTestRouter(t)

	// create a sale with an unusable destination so the payout is withheld
	w := doJSON(router, http.MethodPost, "/v1/transactions", gin.H{
		"direction": "crypto_to_fiat",
		"amount":    "20",
		"source_wallet": gin.H{
			"kind": "crypto", "address": "TXYZabc123", "network": "trc20",
		},
		"destination_wallet": gin.H{"kind": "mobile_money"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodPost, "/v1/transactions/"+created.ID+"/initiate", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/callbacks/crypto", gin.H{
		"payment_status":      "finished",
		"order_id":            created.ID,
		"external_payment_id": "DEP-1",
		"settled_amount":      "20",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// the client never sees pending_admin_validation
	w = doJSON(router, http.MethodGet, "/v1/transactions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processing"`)

	// but an operator can reject it
	w = doJSON(router, http.MethodPost, "/v1/admin/actions", gin.H{
		"transaction_id": created.ID,
		"action":         "reject",
		"operator_id":    "op-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Contains(t, w.Body.String(), "rejected")
}

func TestAdminActionUnauthorized(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/admin/actions", gin.H{
		"transaction_id": "whatever",
		"action":         "retry",
		"operator_id":    "intruder",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/admin/transactions?operator_id=intruder", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateValidationErrors(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/transactions", gin.H{
		"direction": "fiat_to_crypto",
		"amount":    "not-a-number",
		"source_wallet": gin.H{
			"kind": "mobile_money", "number": "+22961234567", "operator": "mtn",
		},
		"destination_wallet": gin.H{"kind": "crypto", "address": "a", "network": "n"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// below the configured floor
	w = doJSON(router, http.MethodPost, "/v1/transactions", gin.H{
		"direction": "fiat_to_crypto",
		"amount":    "1",
		"source_wallet": gin.H{
			"kind": "mobile_money", "number": "+22961234567", "operator": "mtn",
		},
		"destination_wallet": gin.H{"kind": "crypto", "address": "a", "network": "n"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
