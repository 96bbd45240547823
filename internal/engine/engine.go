package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/tomb.v2"

	"wager-exchange/internal/apperr"
	"wager-exchange/internal/db"
	"wager-exchange/internal/ledger"
	"wager-exchange/internal/model"
)

// nowFunc is overridable in tests that need to pin "now" against a
// market's CloseDate.
var nowFunc = time.Now

// PublishFunc broadcasts a WS message for a market.
type PublishFunc func(marketID, msgType string, data any)

// ── Manager ──────────────────────────────────────────

// Manager owns one MarketEngine per active market and supervises their
// goroutines with a root tomb.Tomb, so a clean shutdown can wait for
// every in-flight matching event to finish (spec §5's single-writer
// requirement extended to process lifecycle).
type Manager struct {
	engines map[string]*MarketEngine
	mu      sync.RWMutex
	store   *db.Store
	publish PublishFunc
	t       tomb.Tomb
}

func NewManager(store *db.Store, pub PublishFunc) *Manager {
	return &Manager{
		engines: make(map[string]*MarketEngine),
		store:   store,
		publish: pub,
	}
}

// Boot starts one engine per currently-active market, rebuilding each
// book from persisted OPEN/PARTIALLY_FILLED orders (spec §5 crash
// recovery: "the matching engine rebuilds the in-memory book ... by
// replaying persisted open orders in seq order").
func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.store.GetActiveMarkets(ctx)
	if err != nil {
		return err
	}
	for _, mkt := range markets {
		if err := m.StartEngine(ctx, mkt.ID); err != nil {
			return apperr.New(apperr.Internal, "boot engine for market %s: %v", mkt.ID, err)
		}
	}
	log.Info().Int("markets", len(markets)).Msg("engine manager booted")
	return nil
}

func (m *Manager) StartEngine(ctx context.Context, marketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[marketID]; ok {
		return nil
	}
	eng, err := newMarketEngine(ctx, marketID, m.store, m.publish)
	if err != nil {
		return err
	}
	m.engines[marketID] = eng
	m.t.Go(func() error {
		eng.run(m.t.Context(nil))
		return nil
	})
	return nil
}

func (m *Manager) GetEngine(marketID string) *MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[marketID]
}

func (m *Manager) GetBook(marketID string) model.BookSnapshot {
	eng := m.GetEngine(marketID)
	if eng == nil {
		return model.BookSnapshot{}
	}
	return eng.book.Snapshot(20)
}

// Shutdown stops every market engine and waits for in-flight commands
// to finish draining.
func (m *Manager) Shutdown() error {
	m.t.Kill(nil)
	return m.t.Wait()
}

// ── MarketEngine ─────────────────────────────────────

// MarketEngine is the single-writer matching loop for one market: all
// state mutation happens on its goroutine via the cmdCh queue, so the
// in-memory book and the DB transaction that persists each event never
// race (spec §5).
type MarketEngine struct {
	marketID string
	book     *OrderBook
	seq      int64
	cmdCh    chan command
	store    *db.Store
	publish  PublishFunc
}

func newMarketEngine(ctx context.Context, marketID string, store *db.Store, pub PublishFunc) (*MarketEngine, error) {
	book := NewOrderBook()
	orders, err := store.GetOpenOrders(ctx, marketID)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		o := &orders[i]
		price := o.EffectivePrice()
		if o.LimitPrice == nil {
			continue // a resting order always has a limit price; MARKET orders never rest
		}
		entry := &OrderEntry{OrderID: o.ID, UserID: o.UserID, PriceCents: price, RemainingQty: o.RemainingQty(), Seq: o.Seq}
		if o.Side == model.SideBuy {
			book.Bids(o.Contract).Add(entry)
		} else {
			book.Asks(o.Contract).Add(entry)
		}
	}
	seq, err := store.MaxSeq(ctx, marketID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("market_id", marketID).Int("orders", len(orders)).Int64("seq", seq).Msg("market engine loaded")
	return &MarketEngine{
		marketID: marketID,
		book:     book,
		seq:      seq,
		cmdCh:    make(chan command, 64),
		store:    store,
		publish:  pub,
	}, nil
}

func (e *MarketEngine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

func (e *MarketEngine) nextSeq() int64 {
	e.seq++
	return e.seq
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *MarketEngine) }

type placeCmd struct {
	req    model.PlaceOrderReq
	userID string
	ch     chan<- placeResult
}

type cancelCmd struct {
	orderID string
	userID  string
	ch      chan<- error
}

type resolveCmd struct {
	resolution model.Contract
	ch         chan<- error
}

type mintRedeemCmd struct {
	userID string
	qty    int
	redeem bool
	ch     chan<- error
}

type placeResult struct {
	result model.PlaceOrderResult
	err    error
}

func (c placeCmd) exec(e *MarketEngine) {
	res, err := e.processOrder(c.userID, c.req)
	c.ch <- placeResult{result: res, err: err}
}
func (c cancelCmd) exec(e *MarketEngine) { c.ch <- e.cancelOrder(c.orderID, c.userID) }
func (c resolveCmd) exec(e *MarketEngine) { c.ch <- e.settleMarket(c.resolution) }
func (c mintRedeemCmd) exec(e *MarketEngine) {
	if c.redeem {
		c.ch <- e.redeemSet(c.userID, c.qty)
	} else {
		c.ch <- e.mintSet(c.userID, c.qty)
	}
}

// PlaceOrder sends a place-order command to the market goroutine and waits.
func (e *MarketEngine) PlaceOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (model.PlaceOrderResult, error) {
	ch := make(chan placeResult, 1)
	select {
	case e.cmdCh <- placeCmd{req: req, userID: userID, ch: ch}:
	case <-ctx.Done():
		return model.PlaceOrderResult{}, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		return model.PlaceOrderResult{}, ctx.Err()
	}
}

func (e *MarketEngine) CancelOrder(ctx context.Context, orderID, userID string) error {
	ch := make(chan error, 1)
	e.cmdCh <- cancelCmd{orderID: orderID, userID: userID, ch: ch}
	return <-ch
}

func (e *MarketEngine) SettleMarket(resolution model.Contract) error {
	ch := make(chan error, 1)
	e.cmdCh <- resolveCmd{resolution: resolution, ch: ch}
	return <-ch
}

func (e *MarketEngine) MintSet(userID string, qty int) error {
	ch := make(chan error, 1)
	e.cmdCh <- mintRedeemCmd{userID: userID, qty: qty, redeem: false, ch: ch}
	return <-ch
}

func (e *MarketEngine) RedeemSet(userID string, qty int) error {
	ch := make(chan error, 1)
	e.cmdCh <- mintRedeemCmd{userID: userID, qty: qty, redeem: true, ch: ch}
	return <-ch
}

func (e *MarketEngine) publishBook() {
	if e.publish == nil {
		return
	}
	e.publish(e.marketID, "book_snapshot", e.book.Snapshot(20))
}

func (e *MarketEngine) publishTrades(trades []model.Trade) {
	if e.publish == nil {
		return
	}
	for _, t := range trades {
		e.publish(e.marketID, "trade", t)
	}
}

// ── Place order ──────────────────────────────────────

func (e *MarketEngine) processOrder(userID string, req model.PlaceOrderReq) (model.PlaceOrderResult, error) {
	ctx := context.Background()

	mkt, err := e.store.GetMarket(ctx, e.marketID)
	if err != nil {
		return model.PlaceOrderResult{}, err
	}
	if mkt == nil || !mkt.IsTradingActive(nowFunc()) {
		return model.PlaceOrderResult{}, apperr.New(apperr.MarketNotActive, "market %s is not accepting orders", e.marketID)
	}
	if req.Type == model.TypeLimit {
		if req.LimitPrice == nil || *req.LimitPrice < model.MinPriceCents || *req.LimitPrice > model.MaxPriceCents {
			return model.PlaceOrderResult{}, apperr.New(apperr.InvalidPrice, "limit price must be %d-%d cents", model.MinPriceCents, model.MaxPriceCents)
		}
	}
	if req.Qty < 1 {
		return model.PlaceOrderResult{}, apperr.New(apperr.InvalidQuantity, "qty must be >= 1")
	}

	orderID := uuid.New().String()
	seq := e.nextSeq()
	order := model.Order{
		ID: orderID, MarketID: e.marketID, UserID: userID,
		Side: req.Side, Contract: req.Contract, Type: req.Type,
		LimitPrice: req.LimitPrice, Qty: req.Qty, Seq: seq,
		Status: model.StatusOpen,
	}

	plan := PlanFill(e.book, order)
	filledQty := order.Qty - plan.RemainingQty

	switch {
	case plan.RemainingQty == 0:
		order.Status = model.StatusFilled
	case filledQty > 0 && req.Type == model.TypeLimit:
		order.Status = model.StatusPartial
	case req.Type == model.TypeMarket:
		// Unfilled remainder of a MARKET order never rests — spec §4.4.
		// The remainder is cancelled and its reservation released below.
		order.Status = model.StatusCancelled
		plan.RemainingQty = 0
	default:
		order.Status = model.StatusOpen
	}
	order.FilledQty = filledQty

	restingQty := plan.RemainingQty
	var restingReserve int64
	if restingQty > 0 {
		restingReserve = model.ReservationCents(req.Side, model.TypeLimit, req.LimitPrice, restingQty)
	}
	initialReserve := model.ReservationCents(req.Side, req.Type, req.LimitPrice, req.Qty)

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return model.PlaceOrderResult{}, err
	}
	defer tx.Rollback()

	if req.Side == model.SideBuy {
		if err := ledger.ReserveFunds(tx, userID, initialReserve, &e.marketID, "order reserve"); err != nil {
			return model.PlaceOrderResult{}, err
		}
	} else {
		if err := ledger.ReserveShares(tx, e.marketID, userID, req.Contract, req.Qty); err != nil {
			return model.PlaceOrderResult{}, err
		}
	}

	order.ReservedCents = initialReserve
	if req.Side == model.SideSell {
		order.ReservedCents = 0
		order.ReservedQty = req.Qty
	}
	if err := db.InsertOrder(tx, &order); err != nil {
		return model.PlaceOrderResult{}, err
	}
	if err := db.AppendEvent(tx, &e.marketID, &seq, "OrderAccepted", map[string]any{
		"order_id": orderID, "side": req.Side, "contract": req.Contract, "type": req.Type,
		"limit_price_cents": req.LimitPrice, "qty": req.Qty, "user_id": userID,
	}); err != nil {
		return model.PlaceOrderResult{}, err
	}

	trades, err := e.applyFills(tx, &order, plan)
	if err != nil {
		return model.PlaceOrderResult{}, err
	}

	// Release whatever of the initial reservation the fills and the
	// new resting amount didn't consume.
	if req.Side == model.SideBuy {
		consumed := int64(0)
		for _, f := range plan.Fills {
			consumed += int64(f.IncomingPriceCents) * int64(f.Qty)
		}
		unused := initialReserve - consumed - restingReserve
		if unused > 0 {
			if err := ledger.ReleaseFunds(tx, userID, unused, &e.marketID, "unused reservation release"); err != nil {
				return model.PlaceOrderResult{}, err
			}
		}
	} else {
		unused := int64(req.Qty - filledQty - restingQty)
		if unused > 0 {
			if err := ledger.ReleaseShares(tx, e.marketID, userID, req.Contract, int(unused)); err != nil {
				return model.PlaceOrderResult{}, err
			}
		}
	}

	if err := db.UpdateOrderFill(tx, orderID, filledQty, restingReserve, restingQty, order.Status); err != nil {
		return model.PlaceOrderResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.PlaceOrderResult{}, err
	}

	if restingQty > 0 {
		entry := &OrderEntry{OrderID: orderID, UserID: userID, PriceCents: order.EffectivePrice(), RemainingQty: restingQty, Seq: seq}
		if req.Side == model.SideBuy {
			e.book.Bids(req.Contract).Add(entry)
		} else {
			e.book.Asks(req.Contract).Add(entry)
		}
	}

	e.publishBook()
	e.publishTrades(trades)

	order.ReservedCents = restingReserve
	order.ReservedQty = restingQty
	return model.PlaceOrderResult{Order: order, Trades: trades}, nil
}

// applyFills persists every leg of a FillPlan: updates the maker's
// resting order and ledger rows, charges/credits the incoming order's
// side, and inserts one Trade row per fill (spec §4.3/§6). A resting
// LIMIT order's reservation is always exactly price×remaining-qty
// (BUY) or remaining-qty shares (SELL), so the maker's new reservation
// after a fill is recomputed rather than tracked incrementally.
func (e *MarketEngine) applyFills(tx *sql.Tx, order *model.Order, plan FillPlan) ([]model.Trade, error) {
	var trades []model.Trade
	for _, f := range plan.Fills {
		tradeSeq := e.nextSeq()
		maker := f.Resting
		makerSide := e.book.MakerSide(order.Side, order.Contract, f.Type)
		makerSide.ApplyFill(maker.OrderID, f.Qty)

		makerStatus := model.StatusPartial
		if maker.RemainingQty == 0 {
			makerStatus = model.StatusFilled
		}
		makerReservedCents, makerReservedQty := int64(0), 0
		if makerSide.isBid {
			makerReservedCents = int64(maker.PriceCents) * int64(maker.RemainingQty)
		} else {
			makerReservedQty = maker.RemainingQty
		}

		trade := model.Trade{
			ID: uuid.New().String(), MarketID: e.marketID, Type: f.Type,
			Qty: f.Qty, Seq: tradeSeq,
		}

		switch f.Type {
		case model.TradeDirect:
			trade.Contract = f.Contract
			trade.PriceCents = f.RestingPriceCents
			var buyerOrder, sellerOrder, buyerUser, sellerUser string
			if order.Side == model.SideBuy {
				buyerOrder, sellerOrder, buyerUser, sellerUser = order.ID, maker.OrderID, order.UserID, maker.UserID
			} else {
				buyerOrder, sellerOrder, buyerUser, sellerUser = maker.OrderID, order.ID, maker.UserID, order.UserID
			}
			trade.BuyerOrderID, trade.SellerOrderID, trade.BuyerUserID, trade.SellerUserID = buyerOrder, sellerOrder, buyerUser, sellerUser

			buyer, seller := buyerUser, sellerUser
			if err := ledger.ConsumeFunds(tx, buyer, int64(f.RestingPriceCents)*int64(f.Qty), &e.marketID, model.TxTradeBuy, "direct trade buy"); err != nil {
				return nil, err
			}
			if err := ledger.CreditShares(tx, e.marketID, buyer, f.Contract, f.Qty, f.RestingPriceCents); err != nil {
				return nil, err
			}
			if err := ledger.ConsumeShares(tx, e.marketID, seller, f.Contract, f.Qty, false); err != nil {
				return nil, err
			}
			if err := ledger.CreditFunds(tx, seller, int64(f.RestingPriceCents)*int64(f.Qty), &e.marketID, model.TxTradeSell, "direct trade sell"); err != nil {
				return nil, err
			}
			if err := db.UpdateMarketLastPrice(tx, e.marketID, f.Contract, f.RestingPriceCents); err != nil {
				return nil, err
			}

		case model.TradeMint:
			other := order.Contract.Other()
			if order.Contract == model.ContractYes {
				trade.YesOrderID, trade.YesUserID, trade.YesPriceCents = order.ID, order.UserID, f.IncomingPriceCents
				trade.NoOrderID, trade.NoUserID, trade.NoPriceCents = maker.OrderID, maker.UserID, f.RestingPriceCents
			} else {
				trade.NoOrderID, trade.NoUserID, trade.NoPriceCents = order.ID, order.UserID, f.IncomingPriceCents
				trade.YesOrderID, trade.YesUserID, trade.YesPriceCents = maker.OrderID, maker.UserID, f.RestingPriceCents
			}
			trade.PriceCents = f.IncomingPriceCents + f.RestingPriceCents

			if err := ledger.ConsumeFunds(tx, order.UserID, int64(f.IncomingPriceCents)*int64(f.Qty), &e.marketID, model.TxMintMatch, "mint match"); err != nil {
				return nil, err
			}
			if err := ledger.CreditShares(tx, e.marketID, order.UserID, order.Contract, f.Qty, f.IncomingPriceCents); err != nil {
				return nil, err
			}
			if err := ledger.ConsumeFunds(tx, maker.UserID, int64(f.RestingPriceCents)*int64(f.Qty), &e.marketID, model.TxMintMatch, "mint match"); err != nil {
				return nil, err
			}
			if err := ledger.CreditShares(tx, e.marketID, maker.UserID, other, f.Qty, f.RestingPriceCents); err != nil {
				return nil, err
			}
			if err := db.UpdateMarketLastPrice(tx, e.marketID, order.Contract, f.IncomingPriceCents); err != nil {
				return nil, err
			}
			if err := db.UpdateMarketLastPrice(tx, e.marketID, other, f.RestingPriceCents); err != nil {
				return nil, err
			}

		case model.TradeMerge:
			other := order.Contract.Other()
			if order.Contract == model.ContractYes {
				trade.YesOrderID, trade.YesUserID, trade.YesPriceCents = order.ID, order.UserID, f.IncomingPriceCents
				trade.NoOrderID, trade.NoUserID, trade.NoPriceCents = maker.OrderID, maker.UserID, f.RestingPriceCents
			} else {
				trade.NoOrderID, trade.NoUserID, trade.NoPriceCents = order.ID, order.UserID, f.IncomingPriceCents
				trade.YesOrderID, trade.YesUserID, trade.YesPriceCents = maker.OrderID, maker.UserID, f.RestingPriceCents
			}
			// MERGE trades record no consideration of their own (spec §3,
			// §4.3(C)) — each leg's real price lives on Yes/NoPriceCents
			// above; the qty of complete sets destroyed is what matters.
			trade.PriceCents = 0

			if err := ledger.ConsumeShares(tx, e.marketID, order.UserID, order.Contract, f.Qty, false); err != nil {
				return nil, err
			}
			if err := ledger.CreditFunds(tx, order.UserID, int64(f.IncomingPriceCents)*int64(f.Qty), &e.marketID, model.TxMergeMatch, "merge match"); err != nil {
				return nil, err
			}
			if err := ledger.ConsumeShares(tx, e.marketID, maker.UserID, other, f.Qty, false); err != nil {
				return nil, err
			}
			if err := ledger.CreditFunds(tx, maker.UserID, int64(f.RestingPriceCents)*int64(f.Qty), &e.marketID, model.TxMergeMatch, "merge match"); err != nil {
				return nil, err
			}
			if err := db.UpdateMarketLastPrice(tx, e.marketID, order.Contract, f.IncomingPriceCents); err != nil {
				return nil, err
			}
			if err := db.UpdateMarketLastPrice(tx, e.marketID, other, f.RestingPriceCents); err != nil {
				return nil, err
			}
		}

		if err := db.UpdateOrderFill(tx, maker.OrderID, maker.FilledQty, makerReservedCents, makerReservedQty, makerStatus); err != nil {
			return nil, err
		}
		if err := db.InsertTrade(tx, &trade); err != nil {
			return nil, err
		}
		if err := db.AppendEvent(tx, &e.marketID, &tradeSeq, "TradeExecuted", map[string]any{
			"trade_id": trade.ID, "type": trade.Type, "qty": trade.Qty, "price_cents": trade.PriceCents,
		}); err != nil {
			return nil, err
		}

		trades = append(trades, trade)
	}
	return trades, nil
}

// ── Cancel ───────────────────────────────────────────

func (e *MarketEngine) cancelOrder(orderID, userID string) error {
	ctx := context.Background()
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o == nil {
		return apperr.New(apperr.OrderNotFound, "order %s not found", orderID)
	}
	if o.UserID != userID {
		return apperr.New(apperr.Unauthorized, "order %s does not belong to this user", orderID)
	}
	if o.Status.Terminal() {
		return apperr.New(apperr.OrderNotCancellable, "order %s is already %s", orderID, o.Status)
	}

	e.book.Remove(orderID)

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := db.CancelOrderRow(tx, orderID); err != nil {
		return err
	}
	if o.Side == model.SideBuy {
		if err := ledger.ReleaseFunds(tx, userID, o.ReservedCents, &e.marketID, "order cancel"); err != nil {
			return err
		}
	} else {
		if err := ledger.ReleaseShares(tx, e.marketID, userID, o.Contract, o.ReservedQty); err != nil {
			return err
		}
	}
	seq := e.nextSeq()
	if err := db.AppendEvent(tx, &e.marketID, &seq, "OrderCanceled", map[string]any{"order_id": orderID, "user_id": userID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publishBook()
	return nil
}

// ── Mint / Redeem ────────────────────────────────────

// mintSet creates qty complete sets directly: $1.00/share debited,
// qty credited to both YES and NO (spec §3's direct minting, distinct
// from a MINT match produced by crossing orders).
func (e *MarketEngine) mintSet(userID string, qty int) error {
	ctx := context.Background()
	mkt, err := e.store.GetMarket(ctx, e.marketID)
	if err != nil {
		return err
	}
	if mkt == nil || !mkt.IsTradingActive(nowFunc()) {
		return apperr.New(apperr.MarketNotActive, "market %s is not accepting mints", e.marketID)
	}
	cost := int64(qty) * model.SettlementPriceCents

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ledger.ReserveFunds(tx, userID, cost, &e.marketID, "mint reserve"); err != nil {
		return err
	}
	if err := ledger.ConsumeFunds(tx, userID, cost, &e.marketID, model.TxMint, "mint complete set"); err != nil {
		return err
	}
	if err := ledger.CreditShares(tx, e.marketID, userID, model.ContractYes, qty, model.SettlementPriceCents); err != nil {
		return err
	}
	if err := ledger.CreditShares(tx, e.marketID, userID, model.ContractNo, qty, 0); err != nil {
		return err
	}
	seq := e.nextSeq()
	if err := db.AppendEvent(tx, &e.marketID, &seq, "SetMinted", map[string]any{"user_id": userID, "qty": qty}); err != nil {
		return err
	}
	return tx.Commit()
}

// redeemSet destroys qty complete sets directly, crediting $1.00/share.
// Requires q unreserved YES and q unreserved NO shares (spec §4.6) — a
// share still backing a resting SELL order is not eligible, since that
// order's reservation accounting has no idea the share was just burned.
func (e *MarketEngine) redeemSet(userID string, qty int) error {
	ctx := context.Background()
	mkt, err := e.store.GetMarket(ctx, e.marketID)
	if err != nil {
		return err
	}
	if mkt == nil || !mkt.IsTradingActive(nowFunc()) {
		return apperr.New(apperr.MarketNotActive, "market %s is not accepting redeems", e.marketID)
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ledger.ConsumeShares(tx, e.marketID, userID, model.ContractYes, qty, true); err != nil {
		return err
	}
	if err := ledger.ConsumeShares(tx, e.marketID, userID, model.ContractNo, qty, true); err != nil {
		return err
	}
	payout := int64(qty) * model.SettlementPriceCents
	if err := ledger.CreditFunds(tx, userID, payout, &e.marketID, model.TxRedeem, "redeem complete set"); err != nil {
		return err
	}
	seq := e.nextSeq()
	if err := db.AppendEvent(tx, &e.marketID, &seq, "SetRedeemed", map[string]any{"user_id": userID, "qty": qty}); err != nil {
		return err
	}
	return tx.Commit()
}

// ── Settlement ───────────────────────────────────────

func (e *MarketEngine) settleMarket(resolution model.Contract) error {
	ctx := context.Background()

	openOrders, err := e.store.GetOpenOrders(ctx, e.marketID)
	if err != nil {
		return err
	}
	for _, o := range openOrders {
		if err := e.cancelOrder(o.ID, o.UserID); err != nil {
			log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel during settlement failed")
		}
	}

	positions, err := e.store.ListPositions(ctx, e.marketID)
	if err != nil {
		return err
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	losing := resolution.Other()
	var totalPayout int64
	settled := 0
	for _, pos := range positions {
		if pos.YesQty == 0 && pos.NoQty == 0 {
			continue
		}
		winQty := pos.Qty(resolution)
		if winQty > 0 {
			payout := int64(winQty) * model.SettlementPriceCents
			if err := ledger.CreditFunds(tx, pos.UserID, payout, &e.marketID, model.TxSettlementWin, "settlement payout"); err != nil {
				return err
			}
			totalPayout += payout
		}
		if pos.Qty(losing) > 0 {
			if err := ledger.CreditFunds(tx, pos.UserID, 0, &e.marketID, model.TxSettlementLoss, "settlement loss"); err != nil {
				return err
			}
		}
		if err := ledger.ZeroShares(tx, e.marketID, pos.UserID, model.ContractYes); err != nil {
			return err
		}
		if err := ledger.ZeroShares(tx, e.marketID, pos.UserID, model.ContractNo); err != nil {
			return err
		}
		settled++
	}

	if err := db.ResolveMarket(tx, e.marketID, resolution); err != nil {
		return err
	}
	if err := db.AppendEvent(tx, &e.marketID, nil, "MarketResolved", map[string]any{
		"resolution": resolution, "settled_positions": settled, "total_payout": totalPayout,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Str("market_id", e.marketID).Str("resolution", string(resolution)).
		Int("positions", settled).Int64("total_payout_cents", totalPayout).Msg("market settled")
	return nil
}
