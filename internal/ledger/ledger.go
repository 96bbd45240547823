// Package ledger is the authoritative accounting primitive (spec §4.1).
// Every primitive here runs inside the caller's *sql.Tx so that an engine
// event — order acceptance with its matches, one cancel — commits or rolls
// back as a unit. Settlement is not one unit: it cancels the market's open
// orders one transaction each, then commits payouts in a final transaction.
// Each cash primitive appends a Transaction row, even reservations which
// move no cash (amount 0, logged for audit); ReserveFunds, ReleaseFunds
// and ConsumeFunds write nothing when asked for zero cents. The
// share primitives update positions only and append no Transaction row.
package ledger

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"wager-exchange/internal/apperr"
	"wager-exchange/internal/model"
)

// Tx is the subset of *sql.Tx the ledger needs. QueryRow returns a
// *sql.Row, which has no exported constructor, so an implementation still
// needs a real database connection behind it.
type Tx interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// ── Accounts (cash) ──────────────────────────────────

func GetAccountForUpdate(tx Tx, userID string) (model.Account, error) {
	var a model.Account
	err := tx.QueryRow(
		`SELECT user_id, balance_cents, reserved_cents FROM accounts WHERE user_id=$1 FOR UPDATE`, userID,
	).Scan(&a.UserID, &a.BalanceCents, &a.ReservedCents)
	if err != nil {
		return a, errors.Wrap(err, "get account for update")
	}
	return a, nil
}

// ReserveFunds earmarks cents of the user's available balance. Fails with
// apperr.InsufficientFunds if available < cents; nothing is persisted on
// that path.
func ReserveFunds(tx Tx, userID string, cents int64, marketID *string, desc string) error {
	if cents == 0 {
		return nil
	}
	acct, err := GetAccountForUpdate(tx, userID)
	if err != nil {
		return err
	}
	if acct.Available() < cents {
		return apperr.New(apperr.InsufficientFunds, "need %d cents, have %d available", cents, acct.Available())
	}
	if _, err := tx.Exec(`UPDATE accounts SET reserved_cents = reserved_cents + $1 WHERE user_id=$2`, cents, userID); err != nil {
		return errors.Wrap(err, "reserve funds")
	}
	return record(tx, userID, model.TxOrderReserve, 0, acct.BalanceCents, marketID, desc)
}

// ReleaseFunds gives back a reservation without touching balance.
func ReleaseFunds(tx Tx, userID string, cents int64, marketID *string, desc string) error {
	if cents == 0 {
		return nil
	}
	if _, err := tx.Exec(`UPDATE accounts SET reserved_cents = reserved_cents - $1 WHERE user_id=$2`, cents, userID); err != nil {
		return errors.Wrap(err, "release funds")
	}
	bal, err := currentBalance(tx, userID)
	if err != nil {
		return err
	}
	return record(tx, userID, model.TxOrderRelease, 0, bal, marketID, desc)
}

// ConsumeFunds removes cents from both balance and reservation — the
// buy-side fill path. txType lets callers distinguish TRADE_BUY from
// MINT_MATCH / MINT debits while sharing this one code path.
func ConsumeFunds(tx Tx, userID string, cents int64, marketID *string, txType model.TxType, desc string) error {
	if cents == 0 {
		return nil
	}
	if _, err := tx.Exec(
		`UPDATE accounts SET balance_cents = balance_cents - $1, reserved_cents = reserved_cents - $1 WHERE user_id=$2`,
		cents, userID,
	); err != nil {
		return errors.Wrap(err, "consume funds")
	}
	bal, err := currentBalance(tx, userID)
	if err != nil {
		return err
	}
	return record(tx, userID, txType, -cents, bal, marketID, desc)
}

// CreditFunds increments balance only — sell-side fills, settlement wins,
// redeems, refunds, deposits.
func CreditFunds(tx Tx, userID string, cents int64, marketID *string, txType model.TxType, desc string) error {
	if cents == 0 {
		bal, err := currentBalance(tx, userID)
		if err != nil {
			return err
		}
		return record(tx, userID, txType, 0, bal, marketID, desc) // e.g. SETTLEMENT_LOSS
	}
	if _, err := tx.Exec(`UPDATE accounts SET balance_cents = balance_cents + $1 WHERE user_id=$2`, cents, userID); err != nil {
		return errors.Wrap(err, "credit funds")
	}
	bal, err := currentBalance(tx, userID)
	if err != nil {
		return err
	}
	return record(tx, userID, txType, cents, bal, marketID, desc)
}

func currentBalance(tx Tx, userID string) (int64, error) {
	var bal int64
	if err := tx.QueryRow(`SELECT balance_cents FROM accounts WHERE user_id=$1`, userID).Scan(&bal); err != nil {
		return 0, errors.Wrap(err, "read balance")
	}
	return bal, nil
}

func record(tx Tx, userID string, txType model.TxType, amount, balanceAfter int64, marketID *string, desc string) error {
	_, err := tx.Exec(
		`INSERT INTO transactions (id, user_id, type, amount_cents, balance_after_cents, market_id, description)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.New().String(), userID, string(txType), amount, balanceAfter, marketID, desc,
	)
	return errors.Wrap(err, "record transaction")
}

// ── Positions (shares) ───────────────────────────────

func GetPositionForUpdate(tx Tx, marketID, userID string) (model.Position, error) {
	_, err := tx.Exec(
		`INSERT INTO positions (market_id, user_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, marketID, userID,
	)
	if err != nil {
		return model.Position{}, errors.Wrap(err, "ensure position row")
	}
	var p model.Position
	err = tx.QueryRow(
		`SELECT market_id, user_id, yes_qty, no_qty, reserved_yes_qty, reserved_no_qty, yes_cost_basis_cents, no_cost_basis_cents
		 FROM positions WHERE market_id=$1 AND user_id=$2 FOR UPDATE`, marketID, userID,
	).Scan(&p.MarketID, &p.UserID, &p.YesQty, &p.NoQty, &p.ReservedYesQty, &p.ReservedNoQty, &p.YesCostBasis, &p.NoCostBasis)
	if err != nil {
		return p, errors.Wrap(err, "get position for update")
	}
	return p, nil
}

// ReserveShares earmarks qty of contract c for a resting SELL order.
func ReserveShares(tx Tx, marketID, userID string, c model.Contract, qty int) error {
	if qty == 0 {
		return nil
	}
	pos, err := GetPositionForUpdate(tx, marketID, userID)
	if err != nil {
		return err
	}
	if pos.AvailableQty(c) < qty {
		return apperr.New(apperr.InsufficientPosition, "need %d %s shares, have %d available", qty, c, pos.AvailableQty(c))
	}
	col := reservedCol(c)
	_, err = tx.Exec(`UPDATE positions SET `+col+` = `+col+` + $1 WHERE market_id=$2 AND user_id=$3`, qty, marketID, userID)
	return errors.Wrap(err, "reserve shares")
}

// ReleaseShares gives back a share reservation without destroying shares.
func ReleaseShares(tx Tx, marketID, userID string, c model.Contract, qty int) error {
	if qty == 0 {
		return nil
	}
	col := reservedCol(c)
	_, err := tx.Exec(`UPDATE positions SET `+col+` = `+col+` - $1 WHERE market_id=$2 AND user_id=$3`, qty, marketID, userID)
	return errors.Wrap(err, "release shares")
}

// ConsumeShares burns qty of contract c — the sell-side fill, MERGE, and
// redeem path. A fill or MERGE takes qty from both held and reserved qty; a
// redeem takes it from held qty only. Cost basis is drawn down
// proportionally to the destroyed fraction of the position.
//
// requireAvailable distinguishes the two callers: a fill/MERGE consumes
// shares a resting SELL order already reserved, so only the held total
// matters. A direct redeem (spec §4.6) has no standing reservation of its
// own and must not dip into shares a resting SELL order is still counting
// on, so it checks AvailableQty instead.
func ConsumeShares(tx Tx, marketID, userID string, c model.Contract, qty int, requireAvailable bool) error {
	if qty == 0 {
		return nil
	}
	pos, err := GetPositionForUpdate(tx, marketID, userID)
	if err != nil {
		return err
	}
	held := pos.Qty(c)
	if requireAvailable {
		if avail := pos.AvailableQty(c); avail < qty {
			return apperr.New(apperr.InsufficientPosition, "need %d %s shares unreserved, have %d available", qty, c, avail)
		}
	} else if held < qty {
		return apperr.New(apperr.InsufficientPosition, "need %d %s shares, have %d", qty, c, held)
	}
	basis := costBasis(pos, c)
	var basisDrawdown int64
	if held > 0 {
		basisDrawdown = basis * int64(qty) / int64(held)
	}
	reservedDelta := qty
	if requireAvailable {
		reservedDelta = 0 // a redeem burns unreserved shares only
	}
	qtyCol, reservedCol, basisCol := qtyCol(c), reservedCol(c), basisCol(c)
	_, err = tx.Exec(
		`UPDATE positions SET `+qtyCol+` = `+qtyCol+` - $1, `+reservedCol+` = `+reservedCol+` - $2, `+basisCol+` = `+basisCol+` - $3
		 WHERE market_id=$4 AND user_id=$5`,
		qty, reservedDelta, basisDrawdown, marketID, userID,
	)
	return errors.Wrap(err, "consume shares")
}

// CreditShares mints qty of contract c into the user's position at the
// given fill price, growing cost basis by price×qty.
func CreditShares(tx Tx, marketID, userID string, c model.Contract, qty int, priceCents int) error {
	if qty == 0 {
		return nil
	}
	if _, err := GetPositionForUpdate(tx, marketID, userID); err != nil {
		return err
	}
	qtyCol, basisCol := qtyCol(c), basisCol(c)
	_, err := tx.Exec(
		`UPDATE positions SET `+qtyCol+` = `+qtyCol+` + $1, `+basisCol+` = `+basisCol+` + $2
		 WHERE market_id=$3 AND user_id=$4`,
		qty, int64(priceCents)*int64(qty), marketID, userID,
	)
	return errors.Wrap(err, "credit shares")
}

// ZeroShares wipes qty, reservation and cost basis of contract c. Settlement
// calls it for both contracts of every position, after crediting the
// winning side's payout (a loss is recorded via the SETTLEMENT_LOSS
// transaction, amount 0).
func ZeroShares(tx Tx, marketID, userID string, c model.Contract) error {
	qtyCol, reservedCol, basisCol := qtyCol(c), reservedCol(c), basisCol(c)
	_, err := tx.Exec(
		`UPDATE positions SET `+qtyCol+` = 0, `+reservedCol+` = 0, `+basisCol+` = 0 WHERE market_id=$1 AND user_id=$2`,
		marketID, userID,
	)
	return errors.Wrap(err, "zero shares")
}

func costBasis(p model.Position, c model.Contract) int64 {
	if c == model.ContractYes {
		return p.YesCostBasis
	}
	return p.NoCostBasis
}

func qtyCol(c model.Contract) string {
	if c == model.ContractYes {
		return "yes_qty"
	}
	return "no_qty"
}

func reservedCol(c model.Contract) string {
	if c == model.ContractYes {
		return "reserved_yes_qty"
	}
	return "reserved_no_qty"
}

func basisCol(c model.Contract) string {
	if c == model.ContractYes {
		return "yes_cost_basis_cents"
	}
	return "no_cost_basis_cents"
}
