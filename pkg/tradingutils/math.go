package tradingutils

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RoundPrice rounds a price to the specified decimals
func RoundPrice(price decimal.Decimal, priceDecimals int) decimal.Decimal {
	return price.Round(int32(priceDecimals))
}

// FloorQuantity rounds a quantity down to the specified decimals.
// Order quantities are never rounded up: an oversized order is rejected
// by the exchange, an undersized one merely trades slightly less.
func FloorQuantity(qty decimal.Decimal, qtyDecimals int) decimal.Decimal {
	return qty.RoundDown(int32(qtyDecimals))
}

// PnLPercent computes the signed unrealized PnL percentage of price against
// a reference entry. Sign is +1 for LONG, -1 for SHORT. Returns zero when
// the reference is not positive.
func PnLPercent(price, reference, sign decimal.Decimal) decimal.Decimal {
	if !reference.IsPositive() {
		return decimal.Zero
	}
	return sign.Mul(price.Sub(reference)).Div(reference).Mul(hundred)
}

// OrderQuantity sizes a market order from margin, leverage and the relative
// volume share of the current grid step, floored to the symbol's precision.
func OrderQuantity(marginSize, leverage, volumeShare, price decimal.Decimal, qtyDecimals int) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	notional := marginSize.Mul(leverage).Mul(volumeShare).Div(hundred)
	return FloorQuantity(notional.Div(price), qtyDecimals)
}

// ShiftedPrice moves a reference price by shift percent in the direction given
// by sign, rounded to the symbol's price precision. Used for TP/SL targets.
func ShiftedPrice(reference, shiftPct, sign decimal.Decimal, priceDecimals int) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(sign.Mul(shiftPct).Div(hundred))
	return RoundPrice(reference.Mul(factor), priceDecimals)
}
