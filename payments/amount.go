package payments

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	ivxp "github.com/ivxp-foundation/ivxp-go"
)

// ParseUSDC converts a decimal USDC string into integer smallest units.
// The conversion is exact: amounts with more than six fractional digits or
// non-positive values are rejected, never rounded.
func ParseUSDC(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, ivxp.NewMalformedRequestError(fmt.Sprintf("unparseable USDC amount %q", amount))
	}
	if d.Sign() <= 0 {
		return nil, ivxp.NewMalformedRequestError("USDC amount must be positive")
	}
	shifted := d.Shift(DefaultDecimals)
	if !shifted.IsInteger() {
		return nil, ivxp.NewMalformedRequestError(fmt.Sprintf("USDC amount %q has more than %d decimal places", amount, DefaultDecimals))
	}
	return shifted.BigInt(), nil
}

// FormatUSDC renders smallest units as a decimal string with the token's
// full six-digit precision, e.g. 100000 → "0.100000".
func FormatUSDC(units *big.Int) string {
	if units == nil {
		return "0.000000"
	}
	return decimal.NewFromBigInt(units, -DefaultDecimals).StringFixed(DefaultDecimals)
}
