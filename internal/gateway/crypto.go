package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tessilab/swapbridge/internal/config"
	"github.com/tessilab/swapbridge/internal/model"
	"go.uber.org/zap"
)

// CryptoClient talks to the crypto payment processor over HTTP.
type CryptoClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.SugaredLogger
}

func NewCryptoClient(cfg config.GatewayConfig, log *zap.SugaredLogger) *CryptoClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &CryptoClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type cryptoPaymentRequest struct {
	PayAmount string `json:"pay_amount"`
	Currency  string `json:"pay_currency"`
	Network   string `json:"network"`
	OrderID   string `json:"order_id"`
}

type cryptoPaymentResponse struct {
	PaymentID  string `json:"payment_id"`
	PayAddress string `json:"pay_address"`
}

type cryptoPayoutRequest struct {
	Address    string `json:"address"`
	Network    string `json:"network"`
	Amount     string `json:"amount"`
	ExternalID string `json:"unique_external_id"`
}

type cryptoPayoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type cryptoErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InitiatePayment creates a deposit order and returns the address the user
// must send funds to. The order id doubles as the callback correlation key.
func (c *CryptoClient) InitiatePayment(ctx context.Context, amount decimal.Decimal, payer model.WalletRef, idemRef string) (PaymentResult, error) {
	const op = "crypto.payment"
	body := cryptoPaymentRequest{
		PayAmount: amount.StringFixed(8),
		Currency:  "usdt",
		Network:   payer.Network,
		OrderID:   idemRef,
	}
	var out cryptoPaymentResponse
	if err := c.post(ctx, op, "/v1/payment", body, &out); err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{ExternalRef: out.PaymentID, CheckoutTarget: out.PayAddress}, nil
}

// InitiatePayout submits an on-chain withdrawal to the payee address.
func (c *CryptoClient) InitiatePayout(ctx context.Context, amount decimal.Decimal, payee model.WalletRef, idemRef string) (PayoutResult, error) {
	const op = "crypto.payout"
	body := cryptoPayoutRequest{
		Address:    payee.Address,
		Network:    payee.Network,
		Amount:     amount.StringFixed(8),
		ExternalID: idemRef,
	}
	var out cryptoPayoutResponse
	if err := c.post(ctx, op, "/v1/payout", body, &out); err != nil {
		return PayoutResult{}, err
	}
	return PayoutResult{ExternalRef: out.ID, Status: out.Status}, nil
}

func (c *CryptoClient) post(ctx context.Context, op, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Code: CodeUnknown, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Code: CodeUnknown, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ge cryptoErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&ge)
		cerr := classifyResponse(op, resp.StatusCode, ge.Code, ge.Message)
		c.log.Warnf("%s rejected: status=%d code=%s", op, resp.StatusCode, cerr.Code)
		return cerr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Code: CodeUnknown, Op: op, Err: err}
	}
	return nil
}
