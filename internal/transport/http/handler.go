package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tessilab/swapbridge/internal/gateway"
	"github.com/tessilab/swapbridge/internal/model"
	"github.com/tessilab/swapbridge/internal/pricing"
	"github.com/tessilab/swapbridge/internal/repo"
	"github.com/tessilab/swapbridge/internal/service"
)

func RegisterHandlers(r *gin.Engine, svc *service.ExchangeService, admin *service.AdminService) {
	v1 := r.Group("/v1")
	{
		v1.POST("/transactions", createHandler(svc))
		v1.POST("/transactions/:id/initiate", initiateHandler(svc))
		v1.GET("/transactions/:id", getHandler(svc))
		v1.POST("/callbacks/fiat", fiatCallbackHandler(svc))
		v1.POST("/callbacks/crypto", cryptoCallbackHandler(svc))
		v1.POST("/admin/actions", adminActionHandler(admin))
		v1.GET("/admin/transactions", adminListHandler(admin))
	}
}

type walletRefBody struct {
	Kind     string `json:"kind" binding:"required"`
	Number   string `json:"number"`
	Operator string `json:"operator"`
	Address  string `json:"address"`
	Network  string `json:"network"`
}

func (w walletRefBody) toModel() model.WalletRef {
	return model.WalletRef{
		Kind: w.Kind, Number: w.Number, Operator: w.Operator,
		Address: w.Address, Network: w.Network,
	}
}

type createReq struct {
	Direction         string        `json:"direction" binding:"required"`
	Amount            string        `json:"amount" binding:"required"`
	SourceWallet      walletRefBody `json:"source_wallet" binding:"required"`
	DestinationWallet walletRefBody `json:"destination_wallet" binding:"required"`
}

type transactionView struct {
	ID                     string `json:"id"`
	Direction              string `json:"direction"`
	Status                 string `json:"status"`
	SourceAmount           string `json:"source_amount"`
	DestinationAmount      string `json:"destination_amount"`
	GatewayFee             string `json:"gateway_fee"`
	PlatformFee            string `json:"platform_fee"`
	FinalSourceAmount      string `json:"final_source_amount"`
	FinalDestinationAmount string `json:"final_destination_amount"`
	ExchangeRate           string `json:"exchange_rate"`
}

func viewOf(t *model.Transaction) transactionView {
	return transactionView{
		ID:                     t.ID,
		Direction:              t.Direction,
		Status:                 t.PublicStatus(),
		SourceAmount:           t.SourceAmount.String(),
		DestinationAmount:      t.DestinationAmount.String(),
		GatewayFee:             t.GatewayFee.String(),
		PlatformFee:            t.PlatformFee.String(),
		FinalSourceAmount:      t.FinalSourceAmount.String(),
		FinalDestinationAmount: t.FinalDestinationAmount.String(),
		ExchangeRate:           t.ExchangeRate.String(),
	}
}

func createHandler(svc *service.ExchangeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil || !amt.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		t, err := svc.CreateTransaction(c, service.CreateRequest{
			Direction:         req.Direction,
			Amount:            amt,
			SourceWallet:      req.SourceWallet.toModel(),
			DestinationWallet: req.DestinationWallet.toModel(),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, viewOf(t))
	}
}

func initiateHandler(svc *service.ExchangeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, target, err := svc.Initiate(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transaction": viewOf(t), "checkout_target": target})
	}
}

func getHandler(svc *service.ExchangeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTransaction(c, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, viewOf(t))
	}
}

type fiatCallbackReq struct {
	Event             string            `json:"event"`
	ExternalReference string            `json:"external_reference" binding:"required"`
	Status            string            `json:"status" binding:"required"`
	Metadata          map[string]string `json:"metadata"`
}

// fiatCallbackHandler acknowledges every well-formed event with 200, no-ops
// included, so the gateway stops redelivering.
func fiatCallbackHandler(svc *service.ExchangeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fiatCallbackReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := svc.HandleFiatCallback(c, service.FiatCallback{
			Event:             req.Event,
			ExternalReference: req.ExternalReference,
			Status:            req.Status,
			Metadata:          req.Metadata,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

type cryptoCallbackReq struct {
	PaymentStatus     string `json:"payment_status" binding:"required"`
	OrderID           string `json:"order_id"`
	ExternalPaymentID string `json:"external_payment_id"`
	SettledAmount     string `json:"settled_amount"`
}

func cryptoCallbackHandler(svc *service.ExchangeService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cryptoCallbackReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := svc.HandleCryptoCallback(c, service.CryptoCallback{
			PaymentStatus:     req.PaymentStatus,
			OrderID:           req.OrderID,
			ExternalPaymentID: req.ExternalPaymentID,
			SettledAmount:     req.SettledAmount,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}

type adminActionReq struct {
	TransactionID string `json:"transaction_id" binding:"required"`
	Action        string `json:"action" binding:"required"`
	OperatorID    string `json:"operator_id" binding:"required"`
}

func adminActionHandler(admin *service.AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req adminActionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var t *model.Transaction
		var err error
		switch req.Action {
		case "confirm":
			t, err = admin.Confirm(c, req.TransactionID, req.OperatorID)
		case "reject":
			t, err = admin.Reject(c, req.TransactionID, req.OperatorID)
		case "retry":
			t, err = admin.Retry(c, req.TransactionID, req.OperatorID)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
			return
		}
		if err != nil {
			// a classified payout failure still processed the action: the
			// transaction moved to failed and the operator gets the reason
			if t != nil {
				if ge, ok := gateway.AsError(err); ok {
					c.JSON(http.StatusOK, gin.H{
						"success": false,
						"message": "payout failed [" + string(ge.Code) + "]",
						"status":  t.Status,
					})
					return
				}
			}
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "status": t.Status, "message": "action " + req.Action + " applied"})
	}
}

func adminListHandler(admin *service.AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		txs, err := admin.ListTransactions(c, c.Query("operator_id"), c.Query("status"), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, pricing.ErrBelowMinimum):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "already processed"})
	default:
		if ge, ok := gateway.AsError(err); ok {
			c.JSON(http.StatusBadGateway, gin.H{"error": "gateway failure [" + string(ge.Code) + "]"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
