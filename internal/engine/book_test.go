package engine

import (
	"testing"

	"wager-exchange/internal/model"
)

func TestAddAndBestBidAsk(t *testing.T) {
	b := NewOrderBook()
	b.Bids(model.ContractYes).Add(&OrderEntry{OrderID: "b1", UserID: "u1", PriceCents: 40, RemainingQty: 10, Seq: 1})
	b.Bids(model.ContractYes).Add(&OrderEntry{OrderID: "b2", UserID: "u1", PriceCents: 45, RemainingQty: 5, Seq: 2})
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "u2", PriceCents: 55, RemainingQty: 10, Seq: 3})
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a2", UserID: "u2", PriceCents: 60, RemainingQty: 5, Seq: 4})

	if b.YesBids.Len() != 2 {
		t.Fatalf("expected 2 resting bids, got %d", b.YesBids.Len())
	}
	if bb := b.Bids(model.ContractYes).Best(); bb == nil || *bb != 45 {
		t.Fatalf("expected best bid 45, got %v", bb)
	}
	if ba := b.Asks(model.ContractYes).Best(); ba == nil || *ba != 55 {
		t.Fatalf("expected best ask 55, got %v", ba)
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "u2", PriceCents: 50, RemainingQty: 3, Seq: 1})
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a2", UserID: "u2", PriceCents: 50, RemainingQty: 3, Seq: 2})

	price := 50
	matches := b.FindDirectMatches(model.SideBuy, model.ContractYes, &price, 4, "u1")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Entry.OrderID != "a1" || matches[0].FillQty != 3 {
		t.Fatalf("expected first match a1 for 3, got %s for %d", matches[0].Entry.OrderID, matches[0].FillQty)
	}
	if matches[1].Entry.OrderID != "a2" || matches[1].FillQty != 1 {
		t.Fatalf("expected second match a2 for 1, got %s for %d", matches[1].Entry.OrderID, matches[1].FillQty)
	}
}

func TestPartialFillAcrossLevels(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "u2", PriceCents: 50, RemainingQty: 2, Seq: 1})
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a2", UserID: "u2", PriceCents: 55, RemainingQty: 3, Seq: 2})
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a3", UserID: "u2", PriceCents: 60, RemainingQty: 5, Seq: 3})

	price := 60
	matches := b.FindDirectMatches(model.SideBuy, model.ContractYes, &price, 6, "u1")
	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	total := 0
	for _, m := range matches {
		total += m.FillQty
	}
	if total != 6 {
		t.Fatalf("expected total fill 6, got %d", total)
	}
	if matches[2].FillQty != 1 {
		t.Fatalf("expected partial fill 1 at 60, got %d", matches[2].FillQty)
	}
}

func TestMarketOrderNoPriceLimit(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "u2", PriceCents: 50, RemainingQty: 10, Seq: 1})

	matches := b.FindDirectMatches(model.SideBuy, model.ContractYes, nil, 5, "u1")
	if len(matches) != 1 || matches[0].FillQty != 5 {
		t.Fatalf("expected 1 match for 5 qty, got %d matches", len(matches))
	}
}

func TestSelfTradePreventionSkips(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "u1", PriceCents: 50, RemainingQty: 5, Seq: 1})
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a2", UserID: "u2", PriceCents: 55, RemainingQty: 5, Seq: 2})

	price := 99
	matches := b.FindDirectMatches(model.SideBuy, model.ContractYes, &price, 3, "u1")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match (skipping self), got %d", len(matches))
	}
	if matches[0].Entry.UserID != "u2" {
		t.Fatalf("expected match with u2, got %s", matches[0].Entry.UserID)
	}
}

func TestRemoveOrder(t *testing.T) {
	b := NewOrderBook()
	b.Bids(model.ContractYes).Add(&OrderEntry{OrderID: "b1", UserID: "u1", PriceCents: 50, RemainingQty: 5, Seq: 1})
	b.Bids(model.ContractYes).Add(&OrderEntry{OrderID: "b2", UserID: "u1", PriceCents: 50, RemainingQty: 3, Seq: 2})

	removed := b.Remove("b1")
	if removed == nil || removed.OrderID != "b1" {
		t.Fatal("expected to remove b1")
	}
	if b.YesBids.Len() != 1 {
		t.Fatalf("expected 1 resting bid after remove, got %d", b.YesBids.Len())
	}
	if bb := b.Bids(model.ContractYes).Best(); bb == nil || *bb != 50 {
		t.Fatal("best bid should still be 50")
	}
}

func TestRemoveLastAtLevel(t *testing.T) {
	b := NewOrderBook()
	b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: "a1", UserID: "u1", PriceCents: 50, RemainingQty: 5, Seq: 1})
	b.Remove("a1")

	if b.Asks(model.ContractYes).Best() != nil {
		t.Fatal("expected no best ask after removing only order")
	}
	if b.YesAsks.Len() != 0 {
		t.Fatal("expected empty side")
	}
}

func TestApplyFillPartial(t *testing.T) {
	s := newSide(false)
	s.Add(&OrderEntry{OrderID: "a1", UserID: "u1", PriceCents: 50, RemainingQty: 10, Seq: 1})

	rem := s.ApplyFill("a1", 3)
	if rem != 7 {
		t.Fatalf("expected remaining 7, got %d", rem)
	}
	if s.Len() != 1 {
		t.Fatal("order should still be in book")
	}
}

func TestApplyFillFull(t *testing.T) {
	s := newSide(false)
	s.Add(&OrderEntry{OrderID: "a1", UserID: "u1", PriceCents: 50, RemainingQty: 5, Seq: 1})

	rem := s.ApplyFill("a1", 5)
	if rem != 0 {
		t.Fatalf("expected remaining 0, got %d", rem)
	}
	if s.Len() != 0 {
		t.Fatal("order should be removed from book")
	}
}

func TestSnapshotDepth(t *testing.T) {
	b := NewOrderBook()
	for i := 1; i <= 5; i++ {
		b.Bids(model.ContractYes).Add(&OrderEntry{OrderID: idFor("b", i), UserID: "u1", PriceCents: 40 + i, RemainingQty: 1, Seq: int64(i)})
	}
	for i := 1; i <= 5; i++ {
		b.Asks(model.ContractYes).Add(&OrderEntry{OrderID: idFor("a", i), UserID: "u2", PriceCents: 50 + i, RemainingQty: 1, Seq: int64(5 + i)})
	}

	snap := b.Snapshot(3)
	if len(snap.YesBids) != 3 {
		t.Fatalf("expected 3 bid levels, got %d", len(snap.YesBids))
	}
	if len(snap.YesAsks) != 3 {
		t.Fatalf("expected 3 ask levels, got %d", len(snap.YesAsks))
	}
	if snap.YesBids[0].PriceCents != 45 {
		t.Fatalf("expected top bid 45, got %d", snap.YesBids[0].PriceCents)
	}
	if snap.YesAsks[0].PriceCents != 51 {
		t.Fatalf("expected top ask 51, got %d", snap.YesAsks[0].PriceCents)
	}
}

func TestDuplicateAddIgnored(t *testing.T) {
	s := newSide(true)
	s.Add(&OrderEntry{OrderID: "b1", UserID: "u1", PriceCents: 50, RemainingQty: 5, Seq: 1})
	s.Add(&OrderEntry{OrderID: "b1", UserID: "u1", PriceCents: 50, RemainingQty: 5, Seq: 2})

	if s.Len() != 1 {
		t.Fatalf("expected size 1 (dup ignored), got %d", s.Len())
	}
}

func TestFindMatchesSellSide(t *testing.T) {
	b := NewOrderBook()
	b.Bids(model.ContractYes).Add(&OrderEntry{OrderID: "b1", UserID: "u1", PriceCents: 60, RemainingQty: 5, Seq: 1})
	b.Bids(model.ContractYes).Add(&OrderEntry{OrderID: "b2", UserID: "u1", PriceCents: 55, RemainingQty: 5, Seq: 2})

	price := 55
	matches := b.FindDirectMatches(model.SideSell, model.ContractYes, &price, 8, "u2")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].FillPrice != 60 {
		t.Fatalf("expected first fill at 60, got %d", matches[0].FillPrice)
	}
	total := 0
	for _, m := range matches {
		total += m.FillQty
	}
	if total != 8 {
		t.Fatalf("expected total 8, got %d", total)
	}
}

func TestMintMatchesCrossOppositeContract(t *testing.T) {
	b := NewOrderBook()
	// Resting BUY NO at 55c. An incoming BUY YES at 50c mints: 55+50 >= 100.
	b.Bids(model.ContractNo).Add(&OrderEntry{OrderID: "n1", UserID: "u1", PriceCents: 55, RemainingQty: 10, Seq: 1})

	matches := b.FindMintMatches(model.ContractYes, 50, 5, "u2")
	if len(matches) != 1 || matches[0].FillQty != 5 || matches[0].FillPrice != 55 {
		t.Fatalf("expected 1 mint match at 55 for 5, got %+v", matches)
	}
}

func TestMintMatchesRejectBelowThreshold(t *testing.T) {
	b := NewOrderBook()
	// 40 + 50 = 90 < 100, no mint possible.
	b.Bids(model.ContractNo).Add(&OrderEntry{OrderID: "n1", UserID: "u1", PriceCents: 40, RemainingQty: 10, Seq: 1})

	matches := b.FindMintMatches(model.ContractYes, 50, 5, "u2")
	if len(matches) != 0 {
		t.Fatalf("expected no mint matches, got %+v", matches)
	}
}

func TestMergeMatchesCrossOppositeContract(t *testing.T) {
	b := NewOrderBook()
	// Resting SELL NO at 45c. An incoming SELL YES at 50c merges: 45+50 <= 100.
	b.Asks(model.ContractNo).Add(&OrderEntry{OrderID: "n1", UserID: "u1", PriceCents: 45, RemainingQty: 10, Seq: 1})

	matches := b.FindMergeMatches(model.ContractYes, 50, 5, "u2")
	if len(matches) != 1 || matches[0].FillQty != 5 || matches[0].FillPrice != 45 {
		t.Fatalf("expected 1 merge match at 45 for 5, got %+v", matches)
	}
}

func idFor(prefix string, i int) string {
	return prefix + string(rune('0'+i))
}
