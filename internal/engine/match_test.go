package engine

import (
	"testing"

	"wager-exchange/internal/model"
)

func limitOrder(userID string, side model.OrderSide, c model.Contract, price, qty int) model.Order {
	p := price
	return model.Order{
		ID: "incoming", UserID: userID, Side: side, Contract: c,
		Type: model.TypeLimit, LimitPrice: &p, Qty: qty,
	}
}

func TestPlanFillDirectSimple(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "maker", PriceCents: 60, RemainingQty: 5, Seq: 1})

	plan := PlanFill(b, limitOrder("taker", model.SideBuy, model.ContractYes, 65, 5))
	if len(plan.Fills) != 1 || plan.RemainingQty != 0 {
		t.Fatalf("expected 1 full fill, got %+v", plan)
	}
	f := plan.Fills[0]
	if f.Type != model.TradeDirect || f.RestingPriceCents != 60 || f.IncomingPriceCents != 60 {
		t.Fatalf("expected DIRECT fill at resting price 60, got %+v", f)
	}
}

func TestPlanFillPartialThenRests(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "maker", PriceCents: 60, RemainingQty: 3, Seq: 1})

	plan := PlanFill(b, limitOrder("taker", model.SideBuy, model.ContractYes, 65, 10))
	if plan.RemainingQty != 7 {
		t.Fatalf("expected 7 remaining to rest, got %d", plan.RemainingQty)
	}
	if len(plan.Fills) != 1 || plan.Fills[0].Qty != 3 {
		t.Fatalf("expected a single 3-qty fill, got %+v", plan.Fills)
	}
}

// MINT worked example: a resting BUY NO at 55c crosses an incoming BUY
// YES at 50c. The aggressor only ever pays 100-restingPrice, refunding
// the 5c surplus of its own bid (spec §4.3 MINT worked example).
func TestPlanFillMintRefundsAggressorSurplus(t *testing.T) {
	b := NewOrderBook()
	b.Bids(model.ContractNo).Add(&OrderEntry{OrderID: "n1", UserID: "maker", PriceCents: 55, RemainingQty: 10, Seq: 1})

	plan := PlanFill(b, limitOrder("taker", model.SideBuy, model.ContractYes, 50, 10))
	if len(plan.Fills) != 1 {
		t.Fatalf("expected 1 mint fill, got %+v", plan)
	}
	f := plan.Fills[0]
	if f.Type != model.TradeMint {
		t.Fatalf("expected MINT, got %s", f.Type)
	}
	if f.RestingPriceCents != 55 {
		t.Fatalf("resting leg should keep its own price 55, got %d", f.RestingPriceCents)
	}
	if f.IncomingPriceCents != 45 {
		t.Fatalf("aggressor should pay 100-55=45 not its own bid of 50, got %d", f.IncomingPriceCents)
	}
}

// MERGE worked example: a resting SELL NO at 45c crosses an incoming
// SELL YES at 50c. The incoming leg is paid exactly its own ask price;
// the 5c shortfall below what the resting leg would need is retained by
// the system, not drawn from either side (spec §4.3 MERGE worked example).
func TestPlanFillMergeRetainsShortfall(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractNo).Add(&OrderEntry{OrderID: "n1", UserID: "maker", PriceCents: 45, RemainingQty: 10, Seq: 1})

	plan := PlanFill(b, limitOrder("taker", model.SideSell, model.ContractYes, 50, 10))
	if len(plan.Fills) != 1 {
		t.Fatalf("expected 1 merge fill, got %+v", plan)
	}
	f := plan.Fills[0]
	if f.Type != model.TradeMerge {
		t.Fatalf("expected MERGE, got %s", f.Type)
	}
	if f.RestingPriceCents != 45 {
		t.Fatalf("resting leg should keep its own price 45, got %d", f.RestingPriceCents)
	}
	if f.IncomingPriceCents != 50 {
		t.Fatalf("incoming leg should receive exactly its own ask of 50, got %d", f.IncomingPriceCents)
	}
}

func TestPlanFillDirectBeforeMint(t *testing.T) {
	b := NewOrderBook()
	// A same-contract resting ask that DIRECT-crosses must be matched
	// before any cross-contract MINT is considered (spec §4.3 priority).
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "maker1", PriceCents: 50, RemainingQty: 4, Seq: 1})
	b.Bids(model.ContractNo).Add(&OrderEntry{OrderID: "n1", UserID: "maker2", PriceCents: 55, RemainingQty: 10, Seq: 2})

	plan := PlanFill(b, limitOrder("taker", model.SideBuy, model.ContractYes, 50, 6))
	if len(plan.Fills) != 2 {
		t.Fatalf("expected DIRECT then MINT, got %+v", plan.Fills)
	}
	if plan.Fills[0].Type != model.TradeDirect || plan.Fills[0].Qty != 4 {
		t.Fatalf("expected DIRECT fill first for 4, got %+v", plan.Fills[0])
	}
	if plan.Fills[1].Type != model.TradeMint || plan.Fills[1].Qty != 2 {
		t.Fatalf("expected MINT fill second for remaining 2, got %+v", plan.Fills[1])
	}
	if plan.RemainingQty != 0 {
		t.Fatalf("expected fully filled, got remaining %d", plan.RemainingQty)
	}
}

func TestPlanFillMarketOrderWalksBookUnbounded(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "maker", PriceCents: 90, RemainingQty: 5, Seq: 1})

	order := model.Order{ID: "taker", UserID: "taker", Side: model.SideBuy, Contract: model.ContractYes, Type: model.TypeMarket, Qty: 5}
	plan := PlanFill(b, order)
	if len(plan.Fills) != 1 || plan.Fills[0].Qty != 5 || plan.Fills[0].RestingPriceCents != 90 {
		t.Fatalf("expected MARKET order to cross at resting price 90, got %+v", plan)
	}
	if plan.RemainingQty != 0 {
		t.Fatalf("expected fully filled, got remaining %d", plan.RemainingQty)
	}
}

func TestPlanFillSelfTradeSkipped(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "taker", PriceCents: 50, RemainingQty: 5, Seq: 1})
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a2", UserID: "other", PriceCents: 55, RemainingQty: 5, Seq: 2})

	plan := PlanFill(b, limitOrder("taker", model.SideBuy, model.ContractYes, 99, 5))
	if len(plan.Fills) != 1 || plan.Fills[0].Resting.OrderID != "a2" {
		t.Fatalf("expected the taker's own resting order skipped, got %+v", plan.Fills)
	}
}
