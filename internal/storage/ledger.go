package storage

import (
	"fmt"

	"github.com/goodtune/kcafe/internal/billing"
)

// MaxBalance is the largest balance an account may hold. It is the largest
// integer a Redis Lua number represents exactly.
const MaxBalance billing.Money = 1<<53 - 1

// CreditOutcome returns the balance after crediting entry, or ErrBalanceLimit
// when the result would pass MaxBalance.
func CreditOutcome(balance billing.Money, entry Entry) (billing.Money, error) {
	after, err := balance.AddChecked(entry.Amount)
	if err != nil || after > MaxBalance {
		return 0, fmt.Errorf("%w: balance %s, credit %s", ErrBalanceLimit, balance, entry.Amount)
	}
	return after, nil
}

// DebitOutcome works out how much of entry can be collected from balance.
// Without AllowPartial an uncovered entry fails with ErrInsufficientFunds and
// nothing is collected.
func DebitOutcome(balance billing.Money, entry Entry) (collected, shortfall billing.Money, err error) {
	if balance >= entry.Amount {
		return entry.Amount, 0, nil
	}
	if !entry.AllowPartial {
		return 0, 0, fmt.Errorf("%w: balance %s, charge %s", ErrInsufficientFunds, balance, entry.Amount)
	}
	collected = balance
	if collected < 0 {
		collected = 0
	}
	return collected, entry.Amount - collected, nil
}

// NewDebitTransaction builds the transaction record for a debit.
func NewDebitTransaction(entry Entry, collected, shortfall, balanceAfter billing.Money) Transaction {
	return Transaction{
		ID:           entry.TransactionID,
		PatronID:     entry.PatronID,
		Amount:       -collected,
		Kind:         entry.Kind,
		Description:  entry.Description,
		Reference:    entry.Reference,
		Shortfall:    shortfall,
		BalanceAfter: balanceAfter,
		CreatedAt:    entry.CreatedAt,
	}
}

// NewCreditTransaction builds the transaction record for a credit.
func NewCreditTransaction(entry Entry, balanceAfter billing.Money) Transaction {
	return Transaction{
		ID:           entry.TransactionID,
		PatronID:     entry.PatronID,
		Amount:       entry.Amount,
		Kind:         entry.Kind,
		Description:  entry.Description,
		Reference:    entry.Reference,
		BalanceAfter: balanceAfter,
		CreatedAt:    entry.CreatedAt,
	}
}
