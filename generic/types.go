/*
Package generic provides the core types and interfaces of the points ledger.

PURPOSE:
  This package holds the backend-agnostic building blocks: point amounts,
  members, rewards, ledger transactions, the storage contracts every backend
  implements, and the error taxonomy. The domain rules (conversion rate,
  ticket descriptions, award/redeem orchestration) live in package loyalty.

KEY CONCEPTS IN THIS FILE (types.go):
  - Points: A signed whole number of loyalty points
  - Transaction: An immutable ledger entry (EARN or REDEEM)
  - Member: The balance holder
  - Reward: A catalog item with a point cost

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted
  2. Consistency: sum(transactions of member) == member.PointsBalance
  3. Type Safety: Distinct ID types prevent mixing member/reward/tx IDs
  4. Auditability: Every transaction has a human-readable description

USAGE:
  tx := generic.Transaction{
      MemberID:    "m-123",
      Kind:        generic.TxEarn,
      Amount:      12,
      Description: "Ticket #A-1001",
  }

SEE ALSO:
  - store.go: Persistence contracts
  - ledger.go: Transaction log wrapper
  - errors.go: Error taxonomy
*/
package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// POINTS
// =============================================================================

// Points is a whole number of loyalty points. Positive for credits,
// negative for debits.
type Points int64

func (p Points) IsPositive() bool { return p > 0 }
func (p Points) IsNegative() bool { return p < 0 }
func (p Points) Neg() Points      { return -p }

func (p Points) String() string { return fmt.Sprintf("%d pts", int64(p)) }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type RewardID string
type TransactionID string

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

// TxKind classifies a balance-changing event.
type TxKind string

const (
	TxEarn   TxKind = "EARN"   // points credited from a purchase ticket
	TxRedeem TxKind = "REDEEM" // points debited for a reward
)

// OpeningBalanceDescription marks the EARN that backs a seeded balance.
// Opening balances are not counted as points issued.
const OpeningBalanceDescription = "Opening balance"

func (k TxKind) Valid() bool {
	return k == TxEarn || k == TxRedeem
}

// Transaction is an immutable record of one balance change.
// Once appended it is never updated or deleted.
type Transaction struct {
	ID       TransactionID
	MemberID MemberID
	Kind     TxKind

	// Amount is positive for TxEarn and negative for TxRedeem.
	Amount Points

	// Description doubles as the idempotency key for TxEarn
	// ("Ticket #<n>"). For TxRedeem it names the reward.
	Description string

	CreatedAt time.Time
}

// Validate checks the sign convention for the transaction kind.
func (t Transaction) Validate() error {
	switch {
	case t.MemberID == "":
		return fmt.Errorf("transaction %s: member id required", t.ID)
	case !t.Kind.Valid():
		return fmt.Errorf("transaction %s: unknown kind %q", t.ID, t.Kind)
	case t.Kind == TxEarn && !t.Amount.IsPositive():
		return fmt.Errorf("transaction %s: earn amount must be positive, got %d", t.ID, t.Amount)
	case t.Kind == TxRedeem && !t.Amount.IsNegative():
		return fmt.Errorf("transaction %s: redeem amount must be negative, got %d", t.ID, t.Amount)
	case t.Description == "":
		return fmt.Errorf("transaction %s: description required", t.ID)
	}
	return nil
}

// SumPoints totals the amounts of txs.
func SumPoints(txs []Transaction) Points {
	var total Points
	for _, tx := range txs {
		total += tx.Amount
	}
	return total
}

// =============================================================================
// MEMBER
// =============================================================================

// Member is a program participant. Only PointsBalance is load-bearing for
// the ledger; the rest is display data.
type Member struct {
	ID            MemberID
	DocumentID    string // national ID ("DNI"), unique per member
	FullName      string
	Phone         string
	Specialty     string // free-form trade, e.g. "Mason", "Plumber"
	PointsBalance Points
	CreatedAt     time.Time
}

// =============================================================================
// REWARD
// =============================================================================

// Reward is a catalog item. The ledger reads Title and PointsCost only.
type Reward struct {
	ID          RewardID
	Title       string
	Description string
	PointsCost  Points
	ImageURL    string
	Stock       *int // nil when the catalog does not track stock
}
