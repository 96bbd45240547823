// Package model defines the domain entities and enums of the trading engine.
package model

import (
	"time"

	"github.com/golang-sql/civil"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type MarketStatus string

const (
	MarketActive    MarketStatus = "ACTIVE"
	MarketSettled   MarketStatus = "SETTLED"
	MarketCancelled MarketStatus = "CANCELLED"
)

// Contract is the binary outcome side a share is denominated in.
type Contract string

const (
	ContractYes Contract = "YES"
	ContractNo  Contract = "NO"
)

// Other returns the contract on the opposite side of the same market.
func (c Contract) Other() Contract {
	if c == ContractYes {
		return ContractNo
	}
	return ContractYes
}

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status can never change again.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

type TradeType string

const (
	TradeDirect TradeType = "DIRECT"
	TradeMint   TradeType = "MINT"
	TradeMerge  TradeType = "MERGE"
)

// TxType enumerates ledger transaction kinds (spec §6).
type TxType string

const (
	TxDeposit        TxType = "DEPOSIT"
	TxWithdrawal     TxType = "WITHDRAWAL"
	TxTradeBuy       TxType = "TRADE_BUY"
	TxTradeSell      TxType = "TRADE_SELL"
	TxSettlementWin  TxType = "SETTLEMENT_WIN"
	TxSettlementLoss TxType = "SETTLEMENT_LOSS"
	TxOrderReserve   TxType = "ORDER_RESERVE"
	TxOrderRelease   TxType = "ORDER_RELEASE"
	TxRefund         TxType = "REFUND"
	TxMint           TxType = "MINT"
	TxRedeem         TxType = "REDEEM"
	TxMintMatch      TxType = "MINT_MATCH"
	TxMergeMatch     TxType = "MERGE_MATCH"
)

// ── Price bounds ─────────────────────────────────────

const (
	MinPriceCents = 1
	MaxPriceCents = 99
	// MarketBuyCeilingCents is the reservation ceiling for an aggressive
	// MARKET BUY: 99 cents, the most a share can ever legally cost.
	MarketBuyCeilingCents = 99
	// MarketSellFloorCents is the most aggressive bound for a MARKET SELL.
	MarketSellFloorCents = 1
	// SettlementPriceCents is what a winning share pays out at.
	SettlementPriceCents = 100
)

// ── Domain objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account is the ledger's authoritative view of a user's cash.
type Account struct {
	UserID           string `json:"user_id"`
	BalanceCents     int64  `json:"balance_cents"`
	ReservedCents    int64  `json:"reserved_cents"`
}

// Available is balance not earmarked by any resting order reservation.
func (a Account) Available() int64 { return a.BalanceCents - a.ReservedCents }

type Market struct {
	ID            string       `json:"id"`
	Slug          string       `json:"slug"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Status        MarketStatus `json:"status"`
	Resolution    *Contract    `json:"resolution,omitempty"`
	LastYesPrice  int          `json:"last_yes_price_cents"`
	LastNoPrice   int          `json:"last_no_price_cents"`
	CloseDate     *civil.Date  `json:"close_date,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

// IsTradingActive reports whether new orders, mints, and redeems may be
// accepted — false once settled/cancelled or past the close date.
func (m Market) IsTradingActive(now time.Time) bool {
	if m.Status != MarketActive {
		return false
	}
	if m.CloseDate != nil {
		today := civil.DateOf(now)
		if today.After(*m.CloseDate) {
			return false
		}
	}
	return true
}

// Position tracks one user's holdings of both contracts in one market.
type Position struct {
	MarketID        string `json:"market_id"`
	UserID          string `json:"user_id"`
	YesQty          int    `json:"yes_qty"`
	NoQty           int    `json:"no_qty"`
	ReservedYesQty  int    `json:"reserved_yes_qty"`
	ReservedNoQty   int    `json:"reserved_no_qty"`
	YesCostBasis    int64  `json:"yes_cost_basis_cents"`
	NoCostBasis     int64  `json:"no_cost_basis_cents"`
}

// Qty returns the held quantity of the given contract.
func (p Position) Qty(c Contract) int {
	if c == ContractYes {
		return p.YesQty
	}
	return p.NoQty
}

// ReservedQty returns the reserved (locked-for-sale) quantity of c.
func (p Position) ReservedQty(c Contract) int {
	if c == ContractYes {
		return p.ReservedYesQty
	}
	return p.ReservedNoQty
}

// AvailableQty returns shares of c not earmarked by a resting sell order.
func (p Position) AvailableQty(c Contract) int {
	return p.Qty(c) - p.ReservedQty(c)
}

type Order struct {
	ID            string      `json:"id"`
	MarketID      string      `json:"market_id"`
	UserID        string      `json:"user_id"`
	Side          OrderSide   `json:"side"`
	Contract      Contract    `json:"contract"`
	Type          OrderType   `json:"order_type"`
	LimitPrice    *int        `json:"limit_price_cents"`
	Qty           int         `json:"qty"`
	FilledQty     int         `json:"filled_qty"`
	ReservedCents int64       `json:"reserved_cents"` // BUY: cash still locked
	ReservedQty   int         `json:"reserved_qty"`   // SELL: shares still locked
	Status        OrderStatus `json:"status"`
	Seq           int64       `json:"seq"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// RemainingQty is the unfilled portion of the order.
func (o Order) RemainingQty() int { return o.Qty - o.FilledQty }

// EffectivePrice is the limit price, or for a MARKET order the aggressive
// bound (BUY 99, SELL 1). PlanFill uses that bound for a MARKET order's
// MINT/MERGE crossing; its DIRECT matching has no price limit.
func (o Order) EffectivePrice() int {
	if o.LimitPrice != nil {
		return *o.LimitPrice
	}
	if o.Side == SideBuy {
		return MarketBuyCeilingCents
	}
	return MarketSellFloorCents
}

type Trade struct {
	ID         string    `json:"id"`
	MarketID   string    `json:"market_id"`
	Type       TradeType `json:"type"`
	Contract   Contract  `json:"contract,omitempty"` // DIRECT only
	PriceCents int       `json:"price_cents"`
	Qty        int       `json:"qty"`
	Seq        int64     `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`

	// DIRECT legs.
	BuyerOrderID  string `json:"buyer_order_id,omitempty"`
	SellerOrderID string `json:"seller_order_id,omitempty"`
	BuyerUserID   string `json:"buyer_user_id,omitempty"`
	SellerUserID  string `json:"seller_user_id,omitempty"`

	// MINT/MERGE legs — both sides are BUY orders (MINT) or SELL orders (MERGE).
	YesOrderID    string `json:"yes_order_id,omitempty"`
	NoOrderID     string `json:"no_order_id,omitempty"`
	YesUserID     string `json:"yes_user_id,omitempty"`
	NoUserID      string `json:"no_user_id,omitempty"`
	YesPriceCents int    `json:"yes_price_cents,omitempty"`
	NoPriceCents  int    `json:"no_price_cents,omitempty"`
}

// Transaction is one append-only ledger entry.
type Transaction struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Type           TxType    `json:"type"`
	AmountCents    int64     `json:"amount_cents"`
	BalanceAfter   int64     `json:"balance_after_cents"`
	MarketID       *string   `json:"market_id,omitempty"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}

type EventLog struct {
	ID          int64     `json:"id"`
	MarketID    *string   `json:"market_id,omitempty"`
	Seq         *int64    `json:"seq,omitempty"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── API types ────────────────────────────────────────

type PlaceOrderReq struct {
	Side       OrderSide `json:"side" validate:"required,oneof=BUY SELL"`
	Contract   Contract  `json:"contract" validate:"required,oneof=YES NO"`
	Type       OrderType `json:"type" validate:"required,oneof=LIMIT MARKET"`
	LimitPrice *int      `json:"limit_price_cents"`
	Qty        int       `json:"qty" validate:"required,min=1"`
}

type PlaceOrderResult struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

type BookLevel struct {
	PriceCents int `json:"price_cents"`
	Qty        int `json:"qty"`
}

type BookSnapshot struct {
	YesBids []BookLevel `json:"yes_bids"`
	YesAsks []BookLevel `json:"yes_asks"`
	NoBids  []BookLevel `json:"no_bids"`
	NoAsks  []BookLevel `json:"no_asks"`
}
