package engine

import "wager-exchange/internal/model"

// PlannedFill is one resting order an incoming order will trade against.
// It is a pure description of a fill — no ledger or persistence side
// effects — so the whole plan for an incoming order can be computed,
// reviewed, and only then applied atomically by the engine (spec §4.3's
// "matching produces a sequence of trades" kept as a data value instead
// of being interleaved with ledger calls).
type PlannedFill struct {
	Type       model.TradeType
	Contract   model.Contract // the incoming order's contract
	Resting    *OrderEntry
	Qty        int
	// RestingPriceCents is what the resting order is filled at — its own
	// resting price always wins, per price-time priority.
	RestingPriceCents int
	// IncomingPriceCents is what the incoming (aggressor) order is
	// filled at. Equal to RestingPriceCents for DIRECT. For MINT it is
	// 100-RestingPriceCents, refunding the aggressor any surplus above
	// the $1 complete-set cost (spec §4.3 MINT worked example). For
	// MERGE it is the aggressor's own price — any shortfall below the
	// resting leg's ask is simply not paid out by either side, i.e.
	// retained by the system (spec §4.3 MERGE worked example).
	IncomingPriceCents int
}

// FillPlan is the full result of matching one incoming order against
// the book: zero or more fills in priority order, plus whatever
// quantity is left to rest or cancel.
type FillPlan struct {
	Fills        []PlannedFill
	RemainingQty int
}

// PlanFill matches incoming order o against book, trying DIRECT first
// and then MINT (for a BUY) or MERGE (for a SELL) for any quantity
// DIRECT couldn't fill (spec §4.3's priority: same-contract opposite
// side first, cross-contract mint/merge second). A MARKET order has no
// DIRECT price limit — it walks the book until exhausted or filled —
// but mint/merge crossing always uses its effective ceiling/floor price
// (model.Order.EffectivePrice), since MINT/MERGE crossing is never
// price-unbounded.
func PlanFill(book *OrderBook, o model.Order) FillPlan {
	remaining := o.RemainingQty()
	var fills []PlannedFill

	var directLimit *int
	if o.Type == model.TypeLimit {
		p := o.EffectivePrice()
		directLimit = &p
	}
	for _, m := range book.FindDirectMatches(o.Side, o.Contract, directLimit, remaining, o.UserID) {
		fills = append(fills, PlannedFill{
			Type:               model.TradeDirect,
			Contract:           o.Contract,
			Resting:            m.Entry,
			Qty:                m.FillQty,
			RestingPriceCents:  m.FillPrice,
			IncomingPriceCents: m.FillPrice,
		})
		remaining -= m.FillQty
	}
	if remaining <= 0 {
		return FillPlan{Fills: fills, RemainingQty: remaining}
	}

	incomingPrice := o.EffectivePrice()
	switch o.Side {
	case model.SideBuy:
		for _, m := range book.FindMintMatches(o.Contract, incomingPrice, remaining, o.UserID) {
			fills = append(fills, PlannedFill{
				Type:               model.TradeMint,
				Contract:           o.Contract,
				Resting:            m.Entry,
				Qty:                m.FillQty,
				RestingPriceCents:  m.FillPrice,
				IncomingPriceCents: model.SettlementPriceCents - m.FillPrice,
			})
			remaining -= m.FillQty
		}
	case model.SideSell:
		for _, m := range book.FindMergeMatches(o.Contract, incomingPrice, remaining, o.UserID) {
			fills = append(fills, PlannedFill{
				Type:               model.TradeMerge,
				Contract:           o.Contract,
				Resting:            m.Entry,
				Qty:                m.FillQty,
				RestingPriceCents:  m.FillPrice,
				IncomingPriceCents: incomingPrice,
			})
			remaining -= m.FillQty
		}
	}
	return FillPlan{Fills: fills, RemainingQty: remaining}
}
