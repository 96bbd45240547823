// Package db is the Postgres persistence layer: schema migrations and
// plain query/scan methods. Row-level locking for the accounting
// invariants lives in internal/ledger, which takes the *sql.Tx this
// package hands out.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-sql/civil"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"wager-exchange/internal/model"
)

type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	conn.SetMaxOpenConns(20)
	conn.SetConnMaxLifetime(5 * time.Minute)
	if err := conn.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping")
	}
	return &Store{DB: conn}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "migration source")
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "migrate up")
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, role model.Role) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role) VALUES ($1,$2,$3)
		 RETURNING id, email, password_hash, role, created_at`, email, hash, role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "create user")
	}
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO accounts (user_id) VALUES ($1)`, u.ID); err != nil {
		return nil, errors.Wrap(err, "create account")
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE email=$1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, errors.Wrap(err, "get user by email")
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	u := &model.User{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, created_at FROM users WHERE id=$1`, id,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, errors.Wrap(err, "get user")
}

// ── Accounts ─────────────────────────────────────────

func (s *Store) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	a := &model.Account{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, balance_cents, reserved_cents FROM accounts WHERE user_id=$1`, userID,
	).Scan(&a.UserID, &a.BalanceCents, &a.ReservedCents)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, errors.Wrap(err, "get account")
}

func (s *Store) DepositAccount(ctx context.Context, userID string, cents int64) (*model.Account, error) {
	a := &model.Account{}
	err := s.DB.QueryRowContext(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + $1 WHERE user_id=$2
		 RETURNING user_id, balance_cents, reserved_cents`, cents, userID,
	).Scan(&a.UserID, &a.BalanceCents, &a.ReservedCents)
	return a, errors.Wrap(err, "deposit account")
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]model.Transaction, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, type, amount_cents, balance_after_cents, market_id, description, created_at
		 FROM transactions WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list transactions")
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.AmountCents, &t.BalanceAfter, &t.MarketID, &t.Description, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		out = append(out, t)
	}
	return out, nil
}

// ── Markets ──────────────────────────────────────────

func (s *Store) CreateMarket(ctx context.Context, slug, title, desc string, closeDate *civil.Date) (*model.Market, error) {
	m := &model.Market{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO markets (slug,title,description,close_date)
		 VALUES ($1,$2,$3,$4)
		 RETURNING id,slug,title,description,status,resolution,last_yes_price_cents,last_no_price_cents,close_date,created_at,resolved_at`,
		slug, title, desc, closeDate,
	).Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.Resolution, &m.LastYesPrice, &m.LastNoPrice, &m.CloseDate, &m.CreatedAt, &m.ResolvedAt)
	return m, errors.Wrap(err, "create market")
}

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,slug,title,description,status,resolution,last_yes_price_cents,last_no_price_cents,close_date,created_at,resolved_at
		 FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "list markets")
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.Resolution, &m.LastYesPrice, &m.LastNoPrice, &m.CloseDate, &m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, errors.Wrap(err, "scan market")
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m := &model.Market{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id,slug,title,description,status,resolution,last_yes_price_cents,last_no_price_cents,close_date,created_at,resolved_at
		 FROM markets WHERE id=$1`, id,
	).Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.Resolution, &m.LastYesPrice, &m.LastNoPrice, &m.CloseDate, &m.CreatedAt, &m.ResolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, errors.Wrap(err, "get market")
}

func (s *Store) GetActiveMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,slug,title,description,status,resolution,last_yes_price_cents,last_no_price_cents,close_date,created_at,resolved_at
		 FROM markets WHERE status='ACTIVE'`)
	if err != nil {
		return nil, errors.Wrap(err, "get active markets")
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Status, &m.Resolution, &m.LastYesPrice, &m.LastNoPrice, &m.CloseDate, &m.CreatedAt, &m.ResolvedAt); err != nil {
			return nil, errors.Wrap(err, "scan market")
		}
		out = append(out, m)
	}
	return out, nil
}

func UpdateMarketLastPrice(tx *sql.Tx, marketID string, c model.Contract, priceCents int) error {
	col := "last_yes_price_cents"
	if c == model.ContractNo {
		col = "last_no_price_cents"
	}
	_, err := tx.Exec(`UPDATE markets SET `+col+` = $1 WHERE id=$2`, priceCents, marketID)
	return errors.Wrap(err, "update market last price")
}

func ResolveMarket(tx *sql.Tx, marketID string, resolution model.Contract) error {
	_, err := tx.Exec(
		`UPDATE markets SET status='SETTLED', resolution=$1, resolved_at=now() WHERE id=$2`,
		string(resolution), marketID,
	)
	return errors.Wrap(err, "resolve market")
}

// ── Orders ───────────────────────────────────────────

func InsertOrder(tx *sql.Tx, o *model.Order) error {
	_, err := tx.Exec(
		`INSERT INTO orders (id,market_id,user_id,side,contract,order_type,limit_price_cents,qty,filled_qty,reserved_cents,reserved_qty,status,seq)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		o.ID, o.MarketID, o.UserID, o.Side, o.Contract, o.Type, o.LimitPrice, o.Qty, o.FilledQty, o.ReservedCents, o.ReservedQty, o.Status, o.Seq,
	)
	return errors.Wrap(err, "insert order")
}

func UpdateOrderFill(tx *sql.Tx, orderID string, filledQty int, reservedCents int64, reservedQty int, status model.OrderStatus) error {
	_, err := tx.Exec(
		`UPDATE orders SET filled_qty=$1, reserved_cents=$2, reserved_qty=$3, status=$4, updated_at=now() WHERE id=$5`,
		filledQty, reservedCents, reservedQty, status, orderID,
	)
	return errors.Wrap(err, "update order fill")
}

func CancelOrderRow(tx *sql.Tx, orderID string) error {
	_, err := tx.Exec(
		`UPDATE orders SET status='CANCELLED', reserved_cents=0, reserved_qty=0, updated_at=now() WHERE id=$1`, orderID,
	)
	return errors.Wrap(err, "cancel order row")
}

func (s *Store) GetOpenOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,market_id,user_id,side,contract,order_type,limit_price_cents,qty,filled_qty,reserved_cents,reserved_qty,status,seq,created_at,updated_at
		 FROM orders WHERE market_id=$1 AND status IN ('OPEN','PARTIALLY_FILLED') ORDER BY seq`, marketID)
	if err != nil {
		return nil, errors.Wrap(err, "get open orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) GetUserOrders(ctx context.Context, marketID, userID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,market_id,user_id,side,contract,order_type,limit_price_cents,qty,filled_qty,reserved_cents,reserved_qty,status,seq,created_at,updated_at
		 FROM orders WHERE market_id=$1 AND user_id=$2 ORDER BY created_at DESC LIMIT 100`, marketID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "get user orders")
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id,market_id,user_id,side,contract,order_type,limit_price_cents,qty,filled_qty,reserved_cents,reserved_qty,status,seq,created_at,updated_at
		 FROM orders WHERE id=$1`, id)
	o := &model.Order{}
	err := row.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.Contract, &o.Type, &o.LimitPrice, &o.Qty, &o.FilledQty, &o.ReservedCents, &o.ReservedQty, &o.Status, &o.Seq, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, errors.Wrap(err, "get order")
}

func (s *Store) MaxSeq(ctx context.Context, marketID string) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM (
			SELECT seq FROM orders WHERE market_id=$1
			UNION ALL SELECT seq FROM trades WHERE market_id=$1
			UNION ALL SELECT seq FROM event_log WHERE market_id=$1 AND seq IS NOT NULL
		 ) t`, marketID,
	).Scan(&seq)
	return seq, errors.Wrap(err, "max seq")
}

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Side, &o.Contract, &o.Type, &o.LimitPrice, &o.Qty, &o.FilledQty, &o.ReservedCents, &o.ReservedQty, &o.Status, &o.Seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		out = append(out, o)
	}
	return out, nil
}

// ── Trades ───────────────────────────────────────────

func InsertTrade(tx *sql.Tx, t *model.Trade) error {
	_, err := tx.Exec(
		`INSERT INTO trades (id,market_id,type,contract,price_cents,qty,seq,
			buyer_order_id,seller_order_id,buyer_user_id,seller_user_id,
			yes_order_id,no_order_id,yes_user_id,no_user_id,yes_price_cents,no_price_cents)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.MarketID, t.Type, t.Contract, t.PriceCents, t.Qty, t.Seq,
		nullStr(t.BuyerOrderID), nullStr(t.SellerOrderID), nullStr(t.BuyerUserID), nullStr(t.SellerUserID),
		nullStr(t.YesOrderID), nullStr(t.NoOrderID), nullStr(t.YesUserID), nullStr(t.NoUserID), t.YesPriceCents, t.NoPriceCents,
	)
	return errors.Wrap(err, "insert trade")
}

func (s *Store) ListTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,market_id,type,contract,price_cents,qty,seq,
			buyer_order_id,seller_order_id,buyer_user_id,seller_user_id,
			yes_order_id,no_order_id,yes_user_id,no_user_id,yes_price_cents,no_price_cents,created_at
		 FROM trades WHERE market_id=$1 ORDER BY seq DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list trades")
	}
	defer rows.Close()
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var buyerOrder, sellerOrder, buyerUser, sellerUser, yesOrder, noOrder, yesUser, noUser sql.NullString
		if err := rows.Scan(&t.ID, &t.MarketID, &t.Type, &t.Contract, &t.PriceCents, &t.Qty, &t.Seq,
			&buyerOrder, &sellerOrder, &buyerUser, &sellerUser,
			&yesOrder, &noOrder, &yesUser, &noUser, &t.YesPriceCents, &t.NoPriceCents, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		t.BuyerOrderID, t.SellerOrderID, t.BuyerUserID, t.SellerUserID = buyerOrder.String, sellerOrder.String, buyerUser.String, sellerUser.String
		t.YesOrderID, t.NoOrderID, t.YesUserID, t.NoUserID = yesOrder.String, noOrder.String, yesUser.String, noUser.String
		out = append(out, t)
	}
	return out, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ── Positions ────────────────────────────────────────

func (s *Store) ListPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT market_id, user_id, yes_qty, no_qty, reserved_yes_qty, reserved_no_qty, yes_cost_basis_cents, no_cost_basis_cents
		 FROM positions WHERE market_id=$1`, marketID)
	if err != nil {
		return nil, errors.Wrap(err, "list positions")
	}
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.MarketID, &p.UserID, &p.YesQty, &p.NoQty, &p.ReservedYesQty, &p.ReservedNoQty, &p.YesCostBasis, &p.NoCostBasis); err != nil {
			return nil, errors.Wrap(err, "scan position")
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) GetPosition(ctx context.Context, marketID, userID string) (*model.Position, error) {
	p := &model.Position{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT market_id, user_id, yes_qty, no_qty, reserved_yes_qty, reserved_no_qty, yes_cost_basis_cents, no_cost_basis_cents
		 FROM positions WHERE market_id=$1 AND user_id=$2`, marketID, userID,
	).Scan(&p.MarketID, &p.UserID, &p.YesQty, &p.NoQty, &p.ReservedYesQty, &p.ReservedNoQty, &p.YesCostBasis, &p.NoCostBasis)
	if err == sql.ErrNoRows {
		return &model.Position{MarketID: marketID, UserID: userID}, nil
	}
	return p, errors.Wrap(err, "get position")
}

// ── Event Log ────────────────────────────────────────

func AppendEvent(tx *sql.Tx, marketID *string, seq *int64, evType string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}
	_, err = tx.Exec(
		`INSERT INTO event_log (market_id, seq, type, payload_json) VALUES ($1,$2,$3,$4)`,
		marketID, seq, evType, b,
	)
	return errors.Wrap(err, "append event")
}

func (s *Store) ListEvents(ctx context.Context, marketID *string, limit int) ([]model.EventLog, error) {
	q := `SELECT id, market_id, seq, type, payload_json, created_at FROM event_log`
	var args []any
	if marketID != nil {
		q += ` WHERE market_id=$1`
		args = append(args, *marketID)
	}
	q += ` ORDER BY created_at DESC LIMIT ` + fmt.Sprintf("%d", limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()
	var out []model.EventLog
	for rows.Next() {
		var e model.EventLog
		var raw []byte
		if err := rows.Scan(&e.ID, &e.MarketID, &e.Seq, &e.Type, &raw, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		if err := json.Unmarshal(raw, &e.PayloadJSON); err != nil {
			log.Warn().Err(err).Str("event_type", e.Type).Msg("unmarshal event payload")
		}
		out = append(out, e)
	}
	return out, nil
}
