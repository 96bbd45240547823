package engine

import (
	"github.com/tidwall/btree"

	"wager-exchange/internal/model"
)

// OrderEntry is a resting order sitting in one side of one book.
type OrderEntry struct {
	OrderID      string
	UserID       string
	PriceCents   int
	RemainingQty int
	FilledQty    int
	Seq          int64
}

// Level is a price level with a FIFO queue of orders.
type Level struct {
	Price  int
	Orders []*OrderEntry
}

func (l *Level) TotalQty() int {
	t := 0
	for _, o := range l.Orders {
		t += o.RemainingQty
	}
	return t
}

// Match represents a potential fill against a resting order, returned by
// the Find*Matches queries without mutating the book.
type Match struct {
	Entry     *OrderEntry
	FillQty   int
	FillPrice int
}

// Side is one price-time-priority queue — YES-bid, YES-ask, NO-bid, or
// NO-ask. Price levels live in a btree.BTreeG ordered so the best price
// is always the minimum per the side's comparator, giving O(log N)
// insert/remove and O(1) best-price lookup (spec §4.2 Accuracy).
type Side struct {
	levels  *btree.BTreeG[*Level]
	index   map[string]*OrderEntry
	priceOf map[string]int
	// isBid marks a resting-BUY side (YesBids/NoBids) so callers can tell
	// a maker's side without threading an extra flag through matching.
	isBid bool
}

// newSide builds one side of a book. isBid orders levels best-price-
// first for bids (highest price is best); otherwise it's an ask side
// ordered lowest-price-first.
func newSide(isBid bool) *Side {
	less := func(a, b *Level) bool { return a.Price < b.Price }
	if isBid {
		less = func(a, b *Level) bool { return a.Price > b.Price }
	}
	return &Side{
		levels:  btree.NewBTreeG(less),
		index:   make(map[string]*OrderEntry),
		priceOf: make(map[string]int),
		isBid:   isBid,
	}
}

func (s *Side) Len() int { return len(s.index) }

// Best returns the side's best resting price, if any.
func (s *Side) Best() *int {
	lvl, ok := s.levels.Min()
	if !ok {
		return nil
	}
	p := lvl.Price
	return &p
}

func (s *Side) Add(e *OrderEntry) {
	if _, exists := s.index[e.OrderID]; exists {
		return
	}
	s.index[e.OrderID] = e
	s.priceOf[e.OrderID] = e.PriceCents
	lvl, ok := s.levels.Get(&Level{Price: e.PriceCents})
	if !ok {
		lvl = &Level{Price: e.PriceCents}
		s.levels.Set(lvl)
	}
	lvl.Orders = append(lvl.Orders, e)
}

func (s *Side) Remove(orderID string) *OrderEntry {
	e, ok := s.index[orderID]
	if !ok {
		return nil
	}
	price := s.priceOf[orderID]
	delete(s.index, orderID)
	delete(s.priceOf, orderID)

	lvl, ok := s.levels.Get(&Level{Price: price})
	if !ok {
		return e
	}
	for i, o := range lvl.Orders {
		if o.OrderID == orderID {
			lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
			break
		}
	}
	if len(lvl.Orders) == 0 {
		s.levels.Delete(&Level{Price: price})
	}
	return e
}

// ApplyFill reduces the remaining qty of a resting order, removing it
// from the book once fully filled. Returns the remaining qty.
func (s *Side) ApplyFill(orderID string, fillQty int) int {
	e, ok := s.index[orderID]
	if !ok {
		return 0
	}
	e.RemainingQty -= fillQty
	e.FilledQty += fillQty
	if e.RemainingQty <= 0 {
		s.Remove(orderID)
		return 0
	}
	return e.RemainingQty
}

// findMatches walks levels best-first, FIFO within a level, collecting
// fills against limitCents (nil = no limit, i.e. an aggressive MARKET
// order) up to maxQty, skipping resting orders owned by excludeUserID
// (self-trade prevention, spec §4.5 — the aggressor is never skipped,
// only its own resting orders are).
func (s *Side) findMatches(limitCents *int, crosses func(restingPrice, limitPrice int) bool, maxQty int, excludeUserID string) []Match {
	var matches []Match
	rem := maxQty
	s.levels.Scan(func(lvl *Level) bool {
		if rem <= 0 {
			return false
		}
		if limitCents != nil && !crosses(lvl.Price, *limitCents) {
			return false
		}
		for _, entry := range lvl.Orders {
			if rem <= 0 {
				break
			}
			if entry.UserID == excludeUserID {
				continue
			}
			fq := minInt(rem, entry.RemainingQty)
			matches = append(matches, Match{Entry: entry, FillQty: fq, FillPrice: lvl.Price})
			rem -= fq
		}
		return true
	})
	return matches
}

func (s *Side) snapshot(depth int) []model.BookLevel {
	var out []model.BookLevel
	s.levels.Scan(func(lvl *Level) bool {
		out = append(out, model.BookLevel{PriceCents: lvl.Price, Qty: lvl.TotalQty()})
		return len(out) < depth
	})
	return out
}

// OrderBook is the complete four-sided book for one market: a resting
// BUY and resting SELL queue for each of YES and NO.
type OrderBook struct {
	YesBids *Side
	YesAsks *Side
	NoBids  *Side
	NoAsks  *Side
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		YesBids: newSide(true),
		YesAsks: newSide(false),
		NoBids:  newSide(true),
		NoAsks:  newSide(false),
	}
}

// Bids returns the resting-BUY side for contract c.
func (b *OrderBook) Bids(c model.Contract) *Side {
	if c == model.ContractYes {
		return b.YesBids
	}
	return b.NoBids
}

// Asks returns the resting-SELL side for contract c.
func (b *OrderBook) Asks(c model.Contract) *Side {
	if c == model.ContractYes {
		return b.YesAsks
	}
	return b.NoAsks
}

// MakerSide returns the Side a fill's resting order belongs to, given
// the incoming order it matched against. Used by the engine to decide
// whether the maker pays cash or delivers shares when applying a fill.
func (b *OrderBook) MakerSide(incomingSide model.OrderSide, incomingContract model.Contract, fillType model.TradeType) *Side {
	switch fillType {
	case model.TradeDirect:
		if incomingSide == model.SideBuy {
			return b.Asks(incomingContract)
		}
		return b.Bids(incomingContract)
	case model.TradeMint:
		return b.Bids(incomingContract.Other())
	default: // TradeMerge
		return b.Asks(incomingContract.Other())
	}
}

// Remove deletes orderID from whichever side it rests on, if any.
func (b *OrderBook) Remove(orderID string) *OrderEntry {
	for _, s := range []*Side{b.YesBids, b.YesAsks, b.NoBids, b.NoAsks} {
		if e := s.Remove(orderID); e != nil {
			return e
		}
	}
	return nil
}

// FindDirectMatches finds resting orders on the opposite side of the
// same contract that cross an incoming order (spec §4.3 DIRECT).
func (b *OrderBook) FindDirectMatches(side model.OrderSide, contract model.Contract, limitCents *int, maxQty int, excludeUserID string) []Match {
	if side == model.SideBuy {
		return b.Asks(contract).findMatches(limitCents, func(ask, limit int) bool { return ask <= limit }, maxQty, excludeUserID)
	}
	return b.Bids(contract).findMatches(limitCents, func(bid, limit int) bool { return bid >= limit }, maxQty, excludeUserID)
}

// FindMintMatches finds resting BUY orders on the opposite contract that
// the incoming BUY order's price can MINT against: restingPrice +
// incomingPrice >= 100 (spec §4.3 MINT). Scanning the opposite book
// best-first (highest resting price first) visits the easiest-to-cross
// levels first, exactly like DIRECT matching.
func (b *OrderBook) FindMintMatches(contract model.Contract, incomingPriceCents, maxQty int, excludeUserID string) []Match {
	limit := incomingPriceCents
	return b.Bids(contract.Other()).findMatches(&limit, func(restingPrice, incoming int) bool {
		return restingPrice+incoming >= model.SettlementPriceCents
	}, maxQty, excludeUserID)
}

// FindMergeMatches finds resting SELL orders on the opposite contract
// that the incoming SELL order's price can MERGE against: restingPrice
// + incomingPrice <= 100 (spec §4.3 MERGE).
func (b *OrderBook) FindMergeMatches(contract model.Contract, incomingPriceCents, maxQty int, excludeUserID string) []Match {
	limit := incomingPriceCents
	return b.Asks(contract.Other()).findMatches(&limit, func(restingPrice, incoming int) bool {
		return restingPrice+incoming <= model.SettlementPriceCents
	}, maxQty, excludeUserID)
}

func (b *OrderBook) Snapshot(depth int) model.BookSnapshot {
	return model.BookSnapshot{
		YesBids: b.YesBids.snapshot(depth),
		YesAsks: b.YesAsks.snapshot(depth),
		NoBids:  b.NoBids.snapshot(depth),
		NoAsks:  b.NoAsks.snapshot(depth),
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
