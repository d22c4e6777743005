/*
errors.go - Centralized error types for the points ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Backends and the loyalty engine return these (or wrap them) so callers
  can branch with errors.Is / errors.As regardless of storage.

ERROR CATEGORIES:
  1. Validation errors - Terminal, reported verbatim, never retried by the engine
     (AmountTooLow, AmountTooHigh, InvalidTicket, DuplicateTicket,
      InsufficientPoints)
  2. Lookup errors - Missing member or reward
  3. Transient errors - Safe to retry the whole operation
     (CommitFailed, LockTimeout)

RETRY SAFETY:
  AwardPoints is idempotent by ticket: a retry after CommitFailed either
  commits once or fails with DuplicateTicket. RedeemReward re-evaluates the
  balance from scratch on every attempt.

SEE ALSO:
  - ledger.go: Uses these errors
  - store.go: Backends return ErrMemberNotFound / ErrBalanceConflict
  - loyalty/engine.go: Wraps storage failures in CommitError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAmountTooLow is returned when a purchase converts to zero points.
	ErrAmountTooLow = errors.New("amount too low to earn points")

	// ErrAmountTooHigh is returned when a purchase earns more points than a
	// balance can hold, or when crediting them would overflow the balance.
	ErrAmountTooHigh = errors.New("amount too high to credit")

	// ErrInvalidTicket is returned when the ticket number is blank.
	ErrInvalidTicket = errors.New("invalid ticket number")

	// ErrDuplicateTicket is returned when a ticket was already credited.
	// Replaying a ticket must never double-credit.
	ErrDuplicateTicket = errors.New("ticket already used")

	// ErrMemberNotFound is returned when a referenced member doesn't exist.
	ErrMemberNotFound = errors.New("member not found")

	// ErrDuplicateMember is returned when registering an existing document ID.
	ErrDuplicateMember = errors.New("member already registered")

	// ErrInvalidMember is returned when registration data is incomplete.
	ErrInvalidMember = errors.New("invalid member")

	// ErrInsufficientPoints is returned when a redemption exceeds the balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrRewardNotFound is returned when a referenced reward doesn't exist.
	ErrRewardNotFound = errors.New("reward not found")

	// ErrCommitFailed is returned when storage fails after validation passed.
	// Nothing was applied; the caller may retry the whole operation.
	ErrCommitFailed = errors.New("commit failed")

	// ErrLockTimeout is returned when the member's critical section could not
	// be acquired within the configured wait.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrBalanceConflict is returned by CompareAndSetBalance when the stored
	// balance differs from the expected value.
	ErrBalanceConflict = errors.New("balance changed concurrently")

	// ErrBalanceMismatch is returned by reconciliation when the stored balance
	// differs from the sum of the member's transactions.
	ErrBalanceMismatch = errors.New("balance does not match transaction log")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError provides details about a balance shortage.
type InsufficientPointsError struct {
	MemberID  MemberID
	Available Points
	Requested Points
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientPointsError) Shortfall() Points {
	return e.Requested - e.Available
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// DuplicateTicketError names the ticket and the transaction that already
// credited it.
type DuplicateTicketError struct {
	MemberID    MemberID
	Description string
}

func (e *DuplicateTicketError) Error() string {
	return fmt.Sprintf("ticket already used: %q", e.Description)
}

func (e *DuplicateTicketError) Unwrap() error {
	return ErrDuplicateTicket
}

// CommitError wraps a storage failure that happened after validation.
// It matches both ErrCommitFailed and the underlying cause.
type CommitError struct {
	Op       string // "award" or "redeem"
	MemberID MemberID
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s for member %s: commit failed: %v", e.Op, e.MemberID, e.Err)
}

func (e *CommitError) Unwrap() []error {
	return []error{ErrCommitFailed, e.Err}
}

// BalanceMismatchError reports a ledger-balance invariant violation.
type BalanceMismatchError struct {
	MemberID MemberID
	Stored   Points
	Ledger   Points
}

func (e *BalanceMismatchError) Error() string {
	return fmt.Sprintf("member %s: stored balance %d, ledger sum %d", e.MemberID, e.Stored, e.Ledger)
}

func (e *BalanceMismatchError) Unwrap() error {
	return ErrBalanceMismatch
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may be retried as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCommitFailed) || errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to invalid operator input.
func IsClientError(err error) bool {
	if IsRetryable(err) {
		return false
	}
	return errors.Is(err, ErrAmountTooLow) ||
		errors.Is(err, ErrAmountTooHigh) ||
		errors.Is(err, ErrInvalidTicket) ||
		errors.Is(err, ErrDuplicateTicket) ||
		errors.Is(err, ErrDuplicateMember) ||
		errors.Is(err, ErrInvalidMember) ||
		errors.Is(err, ErrInsufficientPoints)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrRewardNotFound)
}
