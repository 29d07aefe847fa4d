package model

import "strings"

// WalletRef is an opaque payment destination: a mobile-money account for
// the fiat rail or an on-chain address for the crypto rail.
type WalletRef struct {
	Kind     string `json:"kind"` // "mobile_money" | "crypto"
	Number   string `json:"number,omitempty"`
	Operator string `json:"operator,omitempty"`
	Address  string `json:"address,omitempty"`
	Network  string `json:"network,omitempty"`
}

const (
	WalletKindMobileMoney = "mobile_money"
	WalletKindCrypto      = "crypto"
)

// Valid reports whether the descriptor carries enough to attempt a payout.
func (w WalletRef) Valid() bool {
	switch w.Kind {
	case WalletKindMobileMoney:
		return strings.TrimSpace(w.Number) != "" && strings.TrimSpace(w.Operator) != ""
	case WalletKindCrypto:
		return strings.TrimSpace(w.Address) != "" && strings.TrimSpace(w.Network) != ""
	}
	return false
}
