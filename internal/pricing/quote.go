package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/tessilab/swapbridge/internal/config"
)

// ErrBelowMinimum is returned when the requested amount is under the
// configured floor for its currency.
var ErrBelowMinimum = errors.New("amount below configured minimum")

// CryptoPrecision is the fractional precision carried by crypto amounts.
// Fiat amounts are integral.
const CryptoPrecision = 8

// RateConfig is the immutable pricing snapshot a quote is computed from.
// It is captured once per transaction and never re-read afterwards.
type RateConfig struct {
	Rate                 decimal.Decimal // fiat per crypto unit
	GatewayFeePercent    decimal.Decimal // fiat collection fee, percent part
	GatewayFeeFixed      decimal.Decimal // fiat collection fee, fixed part
	PlatformWithdrawFee  decimal.Decimal // crypto, deducted from delivered amount
	CryptoDepositFee     decimal.Decimal // crypto, deducted from deposited amount
	FiatPayoutFeePercent decimal.Decimal // percent of the fiat payout
	MinCrypto            decimal.Decimal
	MinFiat              decimal.Decimal
}

// FromPricing parses the yaml pricing block into a RateConfig.
func FromPricing(p config.PricingConfig) (RateConfig, error) {
	var rc RateConfig
	var err error
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rc.Rate, p.Rate},
		{&rc.GatewayFeePercent, p.GatewayFeePercent},
		{&rc.GatewayFeeFixed, p.GatewayFeeFixed},
		{&rc.PlatformWithdrawFee, p.PlatformWithdrawFee},
		{&rc.CryptoDepositFee, p.CryptoDepositFee},
		{&rc.FiatPayoutFeePercent, p.FiatPayoutFeePercent},
		{&rc.MinCrypto, p.MinCrypto},
		{&rc.MinFiat, p.MinFiat},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return RateConfig{}, err
		}
	}
	return rc, nil
}

// Quote holds both legs of a priced exchange. Source/Destination follow the
// transaction direction; Final amounts are post-fee.
type Quote struct {
	SourceAmount           decimal.Decimal
	DestinationAmount      decimal.Decimal
	GatewayFee             decimal.Decimal
	PlatformFee            decimal.Decimal
	FinalSourceAmount      decimal.Decimal
	FinalDestinationAmount decimal.Decimal
	Rate                   decimal.Decimal
}

// QuoteCryptoPurchase prices a fiat->crypto exchange: the client pays fiat
// (gross cost plus a percent+fixed collection fee) and receives the
// requested crypto minus the fixed platform withdrawal fee.
func QuoteCryptoPurchase(desiredCrypto decimal.Decimal, rc RateConfig) (Quote, error) {
	if desiredCrypto.LessThan(rc.MinCrypto) {
		return Quote{}, ErrBelowMinimum
	}
	grossFiat := desiredCrypto.Mul(rc.Rate).Round(0)
	gatewayFee := grossFiat.Mul(rc.GatewayFeePercent).Add(rc.GatewayFeeFixed).Round(0)
	delivered := desiredCrypto.Sub(rc.PlatformWithdrawFee).Round(CryptoPrecision)
	if delivered.IsNegative() {
		return Quote{}, ErrBelowMinimum
	}
	return Quote{
		SourceAmount:           grossFiat,
		DestinationAmount:      desiredCrypto.Round(CryptoPrecision),
		GatewayFee:             gatewayFee,
		PlatformFee:            rc.PlatformWithdrawFee,
		FinalSourceAmount:      grossFiat.Add(gatewayFee),
		FinalDestinationAmount: delivered,
		Rate:                   rc.Rate,
	}, nil
}

// QuoteCryptoSale prices a crypto->fiat exchange: the deposited crypto loses
// the fixed network/deposit fee, the remainder converts at the configured
// rate, and the fiat payout fee comes off the converted amount.
func QuoteCryptoSale(depositedCrypto decimal.Decimal, rc RateConfig) (Quote, error) {
	if depositedCrypto.LessThan(rc.MinCrypto) {
		return Quote{}, ErrBelowMinimum
	}
	netCrypto := depositedCrypto.Sub(rc.CryptoDepositFee).Round(CryptoPrecision)
	if netCrypto.IsNegative() {
		return Quote{}, ErrBelowMinimum
	}
	grossFiat := netCrypto.Mul(rc.Rate).Round(0)
	payoutFee := grossFiat.Mul(rc.FiatPayoutFeePercent).Round(0)
	finalFiat := grossFiat.Sub(payoutFee)
	if finalFiat.IsNegative() || finalFiat.LessThan(rc.MinFiat) {
		return Quote{}, ErrBelowMinimum
	}
	return Quote{
		SourceAmount:           depositedCrypto.Round(CryptoPrecision),
		DestinationAmount:      grossFiat,
		GatewayFee:             rc.CryptoDepositFee,
		PlatformFee:            payoutFee,
		FinalSourceAmount:      depositedCrypto.Round(CryptoPrecision),
		FinalDestinationAmount: finalFiat,
		Rate:                   rc.Rate,
	}, nil
}
