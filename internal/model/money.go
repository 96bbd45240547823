package model

import "github.com/shopspring/decimal"

// DollarString renders integer cents as a fixed 2-decimal dollar string.
// The engine itself never computes in decimal or float — this is the one
// formatting helper (spec §6). No handler calls it: API responses carry
// integer cents.
func DollarString(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

// ReservationCents computes the cash a BUY order must lock on acceptance.
// MARKET buys reserve at the aggressive ceiling (spec §4.4 step 2); the
// unused portion is refunded once the order finishes matching.
func ReservationCents(side OrderSide, otype OrderType, limitPrice *int, qty int) int64 {
	if side != SideBuy {
		return 0
	}
	price := MarketBuyCeilingCents
	if otype == TypeLimit && limitPrice != nil {
		price = *limitPrice
	}
	return int64(price) * int64(qty)
}
