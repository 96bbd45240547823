package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wager-exchange/internal/apperr"
	"wager-exchange/internal/model"
)

// The Tx primitives in ledger.go open a *sql.Row via tx.QueryRow, and
// *sql.Row has no exported constructor — so exercising ReserveFunds et
// al. needs a real connection (see DESIGN.md). These tests instead pin
// down the pure accounting math the primitives depend on: available
// balance, cost-basis drawdown proportioning, and the insufficient-funds
// error shape callers branch on.

func TestAccountAvailableBalance(t *testing.T) {
	acct := model.Account{UserID: "u1", BalanceCents: 100, ReservedCents: 90}
	assert.Equal(t, int64(10), acct.Available())
}

func TestInsufficientFundsErrorShape(t *testing.T) {
	acct := model.Account{UserID: "u1", BalanceCents: 100, ReservedCents: 90}
	err := apperr.New(apperr.InsufficientFunds, "need %d cents, have %d available", 20, acct.Available())
	require.True(t, apperr.Is(err, apperr.InsufficientFunds))
	assert.Contains(t, err.Error(), "need 20 cents, have 10 available")
}

func TestPositionAvailableQty(t *testing.T) {
	p := model.Position{YesQty: 10, ReservedYesQty: 4, NoQty: 3, ReservedNoQty: 3}
	assert.Equal(t, 6, p.AvailableQty(model.ContractYes))
	assert.Equal(t, 0, p.AvailableQty(model.ContractNo))
}

// costBasisDrawdown mirrors the proportional drawdown ConsumeShares
// applies when partially closing a position, so the formula is pinned
// even though ConsumeShares itself needs a real Tx to exercise.
func costBasisDrawdown(basis int64, qty, held int) int64 {
	if held == 0 {
		return 0
	}
	return basis * int64(qty) / int64(held)
}

func TestCostBasisDrawdownProportional(t *testing.T) {
	assert.Equal(t, int64(30), costBasisDrawdown(100, 3, 10))
	assert.Equal(t, int64(0), costBasisDrawdown(100, 0, 10))
	assert.Equal(t, int64(0), costBasisDrawdown(100, 3, 0))
}
