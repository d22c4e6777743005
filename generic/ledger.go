/*
ledger.go - Append-only transaction log with balance derivation

PURPOSE:
  The Ledger is the audit trail for every balance change. Every earn and
  redemption is recorded here. The member's stored balance is a cache of
  the ledger sum; Reconcile proves the two agree.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. CONSISTENT: sum(member transactions) == member.PointsBalance
  4. IDEMPOTENT: An EARN description ("Ticket #N") is credited once

CORRECTIONS:
  There is no edit path. A mistaken credit is offset by a new transaction.

SEE ALSO:
  - store.go: Low-level persistence interface
  - loyalty/engine.go: Appends + balance writes under one critical section
*/
package generic

import (
	"context"
	"fmt"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the source of truth for all balance changes.
type Ledger interface {
	// Append adds a validated transaction. EARN transactions are rejected
	// with DuplicateTicketError if their description is already recorded
	// within scope.
	Append(ctx context.Context, tx Transaction, scope MemberID) error

	// Transactions returns a member's history, oldest first.
	Transactions(ctx context.Context, memberID MemberID) ([]Transaction, error)

	// Balance is the sum of a member's transactions.
	Balance(ctx context.Context, memberID MemberID) (Points, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, tx Transaction, scope MemberID) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	if tx.Kind == TxEarn {
		dup, err := l.IsDuplicate(ctx, scope, tx.Description)
		if err != nil {
			return err
		}
		if dup {
			return &DuplicateTicketError{MemberID: tx.MemberID, Description: tx.Description}
		}
	}
	return l.Store.Append(ctx, tx)
}

// IsDuplicate reports whether an EARN with this description exists in scope.
func (l *DefaultLedger) IsDuplicate(ctx context.Context, scope MemberID, description string) (bool, error) {
	exists, err := l.Store.ExistsWithDescription(ctx, scope, description)
	if err != nil {
		return false, fmt.Errorf("duplicate lookup: %w", err)
	}
	return exists, nil
}

func (l *DefaultLedger) Transactions(ctx context.Context, memberID MemberID) ([]Transaction, error) {
	return l.Store.Transactions(ctx, memberID)
}

func (l *DefaultLedger) Balance(ctx context.Context, memberID MemberID) (Points, error) {
	txs, err := l.Store.Transactions(ctx, memberID)
	if err != nil {
		return 0, err
	}
	return SumPoints(txs), nil
}

// Reconcile compares the member's stored balance with the ledger sum.
// Returns BalanceMismatchError on divergence.
func (l *DefaultLedger) Reconcile(ctx context.Context, memberID MemberID) (Member, Points, error) {
	m, err := l.Store.GetMember(ctx, memberID)
	if err != nil {
		return Member{}, 0, err
	}
	sum, err := l.Balance(ctx, memberID)
	if err != nil {
		return m, 0, err
	}
	if sum != m.PointsBalance {
		return m, sum, &BalanceMismatchError{MemberID: memberID, Stored: m.PointsBalance, Ledger: sum}
	}
	return m, sum, nil
}
