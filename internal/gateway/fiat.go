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

// FiatClient talks to the mobile-money aggregator over HTTP.
type FiatClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.SugaredLogger
}

func NewFiatClient(cfg config.GatewayConfig, log *zap.SugaredLogger) *FiatClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &FiatClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

type fiatCollectRequest struct {
	Amount    string `json:"amount"`
	Phone     string `json:"phone_number"`
	Operator  string `json:"operator"`
	Reference string `json:"reference"`
}

type fiatCollectResponse struct {
	TransactionID string `json:"transaction_id"`
	PaymentURL    string `json:"payment_url"`
}

type fiatTransferRequest struct {
	Amount    string `json:"amount"`
	Phone     string `json:"phone_number"`
	Operator  string `json:"operator"`
	Reference string `json:"reference"`
}

type fiatTransferResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

type fiatErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InitiatePayment opens a mobile-money collection and returns the hosted
// checkout URL the payer must visit.
func (c *FiatClient) InitiatePayment(ctx context.Context, amount decimal.Decimal, payer model.WalletRef, idemRef string) (PaymentResult, error) {
	const op = "fiat.payment"
	body := fiatCollectRequest{
		Amount:    amount.StringFixed(0),
		Phone:     payer.Number,
		Operator:  payer.Operator,
		Reference: idemRef,
	}
	var out fiatCollectResponse
	if err := c.post(ctx, op, "/v1/collect", body, &out); err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{ExternalRef: out.TransactionID, CheckoutTarget: out.PaymentURL}, nil
}

// InitiatePayout submits a mobile-money transfer to the payee.
func (c *FiatClient) InitiatePayout(ctx context.Context, amount decimal.Decimal, payee model.WalletRef, idemRef string) (PayoutResult, error) {
	const op = "fiat.payout"
	body := fiatTransferRequest{
		Amount:    amount.StringFixed(0),
		Phone:     payee.Number,
		Operator:  payee.Operator,
		Reference: idemRef,
	}
	var out fiatTransferResponse
	if err := c.post(ctx, op, "/v1/transfer", body, &out); err != nil {
		return PayoutResult{}, err
	}
	return PayoutResult{ExternalRef: out.TransactionID, Status: out.Status}, nil
}

func (c *FiatClient) post(ctx context.Context, op, path string, in, out interface{}) error {
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
		var ge fiatErrorResponse
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
