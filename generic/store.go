/*
store.go - Persistence contracts for members, transactions and rewards

PURPOSE:
  Defines the interface between the ledger engine and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage;
  the engine never knows which one it talks to.

KEY INTERFACES:
  MemberStore:     Read a member, conditionally write its balance
  TransactionLog:  Append-only transaction persistence + duplicate lookup
  Store:           MemberStore + TransactionLog
  TxStore:         Store with an atomic multi-write boundary
  RewardCatalog:   Read-only reward lookup
  MemberDirectory: Registration and search (display data only)

APPEND-ONLY CONTRACT:
  TransactionLog has Append and read methods. There is NO Update or Delete.

CONDITIONAL BALANCE WRITE:
  CompareAndSetBalance(id, expected, next) only writes when the stored
  balance still equals expected. A plain "set balance" is deliberately absent:
  read-then-blind-write from the caller is how updates get lost.

ATOMICITY:
  TxStore.WithTx runs fn against a transactional view. If fn returns an
  error every write made through the view is discarded.

IMPLEMENTATIONS:
  - generic/store/memory.go: In-memory (demo mode and tests)
  - store/sqlite/sqlite.go:  Embedded SQLite
  - store/postgres/postgres.go: PostgreSQL via pgx

SEE ALSO:
  - ledger.go: Higher-level wrapper over TransactionLog
  - loyalty/engine.go: The only writer of balances
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// MEMBER STORE
// =============================================================================

// MemberStore holds member identity and current balance.
type MemberStore interface {
	// GetMember returns ErrMemberNotFound if the member doesn't exist.
	GetMember(ctx context.Context, id MemberID) (Member, error)

	// CompareAndSetBalance sets the balance to next only if it currently
	// equals expected. Returns ErrBalanceConflict or ErrMemberNotFound.
	CompareAndSetBalance(ctx context.Context, id MemberID, expected, next Points) error
}

// =============================================================================
// TRANSACTION LOG - Append-only
// =============================================================================

// TransactionLog is the append-only record of balance changes.
type TransactionLog interface {
	// Append persists a transaction. This is the ONLY write operation.
	Append(ctx context.Context, tx Transaction) error

	// ExistsWithDescription reports whether an EARN transaction with exactly
	// this description exists. An empty memberScope searches program-wide.
	ExistsWithDescription(ctx context.Context, memberScope MemberID, description string) (bool, error)

	// Transactions returns a member's transactions, oldest first.
	Transactions(ctx context.Context, memberID MemberID) ([]Transaction, error)
}

// Store is everything the engine needs inside one critical section.
type Store interface {
	MemberStore
	TransactionLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// REWARD CATALOG - Read-only
// =============================================================================

type RewardCatalog interface {
	// GetReward returns ErrRewardNotFound if the reward doesn't exist.
	GetReward(ctx context.Context, id RewardID) (Reward, error)
	ListRewards(ctx context.Context) ([]Reward, error)
}

// CatalogWriter loads rewards into a backend. The engine never uses it;
// it exists for seeding and administration.
type CatalogWriter interface {
	SaveReward(ctx context.Context, r Reward) error
}

// =============================================================================
// MEMBER DIRECTORY - Registration and search
// =============================================================================

// MemberDirectory covers the non-ledger member operations.
// Members are always created with a zero balance.
type MemberDirectory interface {
	// CreateMember returns ErrDuplicateMember if the document ID is taken.
	CreateMember(ctx context.Context, m Member) error
	ListMembers(ctx context.Context) ([]Member, error)
	// FindMemberByDocument returns ErrMemberNotFound if no member matches.
	FindMemberByDocument(ctx context.Context, documentID string) (Member, error)
}

// StatsReader answers the dashboard queries.
type StatsReader interface {
	CountMembers(ctx context.Context) (int, error)
	// PointsEarnedSince sums EARN amounts created at or after since,
	// excluding opening balances.
	PointsEarnedSince(ctx context.Context, since time.Time) (Points, error)
}

// Backend is what every concrete storage implementation provides.
type Backend interface {
	TxStore
	RewardCatalog
	CatalogWriter
	MemberDirectory
	StatsReader
	Close() error
}
