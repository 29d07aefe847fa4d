package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction of an exchange, fixed at creation.
const (
	DirectionFiatToCrypto = "fiat_to_crypto"
	DirectionCryptoToFiat = "crypto_to_fiat"
)

// Transaction statuses. Completed and Rejected are terminal for automatic
// processing; Failed and PendingAdminValidation recover only through an
// explicit admin action.
const (
	StatusPending                = "pending"
	StatusProcessing             = "processing"
	StatusPendingAdminValidation = "pending_admin_validation"
	StatusCompleted              = "completed"
	StatusFailed                 = "failed"
	StatusRejected               = "rejected"
)

type Transaction struct {
	ID        string `gorm:"primaryKey;size:36"`
	Direction string `gorm:"size:16;not null;index"`

	SourceAmount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	DestinationAmount decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	ExchangeRate      decimal.Decimal `gorm:"type:numeric(20,8);not null"`

	GatewayFee             decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PlatformFee            decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	FinalSourceAmount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	FinalDestinationAmount decimal.Decimal `gorm:"type:numeric(20,8);not null"`

	SourceWallet      WalletRef `gorm:"type:jsonb;serializer:json"`
	DestinationWallet WalletRef `gorm:"type:jsonb;serializer:json"`

	Status string `gorm:"size:32;not null;index"`

	FiatGatewayRef   *string `gorm:"size:128;index"`
	CryptoGatewayRef *string `gorm:"size:128;index"`

	AdminNotes     string  `gorm:"type:text;not null;default:''"`
	ProcessedBy    *string `gorm:"size:64"`
	ProcessedAt    *time.Time
	PayoutAttempts int `gorm:"not null;default:0"`

	Version   uint64    `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "exchange_transaction" }

// Terminal reports whether automatic processing may still touch the record.
func (t *Transaction) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusRejected
}

// PublicStatus collapses the admin-only substate for client-facing reads.
func (t *Transaction) PublicStatus() string {
	if t.Status == StatusPendingAdminValidation {
		return StatusProcessing
	}
	return t.Status
}

var autoTransitions = map[string][]string{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusPendingAdminValidation},
}

// CanTransition checks the automatic transition graph. Admin actions use
// their own start-state checks and are not covered here.
func CanTransition(from, to string) bool {
	for _, s := range autoTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
