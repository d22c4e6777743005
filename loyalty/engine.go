/*
engine.go - Award and redemption orchestration

PURPOSE:
  The Engine is the only component that changes a member's balance.
  Each operation validates, appends exactly one transaction and moves the
  balance by the same delta, all inside one storage transaction and one
  per-member critical section.

CRITICAL SECTION:
  1. Acquire the member lock (bounded wait → ErrLockTimeout).
     Under ScopeGlobal an award first takes the ticket lock so two members
     cannot claim the same ticket concurrently.
  2. Inside TxStore.WithTx:
       award:  duplicate-ticket check → member read → append → CAS balance
       redeem: member read → sufficiency check → append → CAS balance
  3. Release locks on every exit path.

  The duplicate check MUST stay inside the same critical section as the
  append.

FAILURE MODEL:
  Validation failures come back as-is (DuplicateTicket, MemberNotFound,
  InsufficientPoints). Anything else the storage returns after the lock is
  held becomes a CommitError (errors.Is ErrCommitFailed). WithTx rolls back,
  so the append and the balance write land together or not at all.

EXAMPLE:
  engine := loyalty.NewEngine(store, store, loyalty.WithLogger(logger))
  pts, err := engine.AwardPoints(ctx, "m-1", decimal.NewFromInt(12500), "A-1001")
  // pts == 12

SEE ALSO:
  - policy.go: Conversion rate and descriptions
  - generic/lock.go: Keyed critical sections
  - generic/errors.go: Error taxonomy
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/generic"
)

// DefaultLockTimeout bounds how long an operation waits for a member lock.
const DefaultLockTimeout = 5 * time.Second

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store       generic.TxStore
	catalog     generic.RewardCatalog
	policy      Policy
	locks       *generic.KeyedLock
	lockTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
	newID       func() generic.TransactionID
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(f func() generic.TransactionID) Option {
	return func(e *Engine) { e.newID = f }
}

func NewEngine(store generic.TxStore, catalog generic.RewardCatalog, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		catalog:     catalog,
		policy:      DefaultPolicy(),
		locks:       generic.NewKeyedLock(),
		lockTimeout: DefaultLockTimeout,
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() generic.TransactionID { return generic.TransactionID(uuid.NewString()) },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// =============================================================================
// AWARD
// =============================================================================

// AwardPoints credits floor(purchase / rate) points for ticketNumber and
// returns the points credited. Replaying a ticket fails with
// DuplicateTicketError and changes nothing.
func (e *Engine) AwardPoints(ctx context.Context, memberID generic.MemberID, purchase decimal.Decimal, ticketNumber string) (generic.Points, error) {
	if strings.TrimSpace(ticketNumber) == "" {
		return 0, generic.ErrInvalidTicket
	}
	points, err := e.policy.PointsFor(purchase)
	if err != nil {
		e.logger.Debug("award rejected",
			zap.String("member_id", string(memberID)),
			zap.String("purchase", purchase.String()),
			zap.Error(err))
		return 0, err
	}
	if !points.IsPositive() {
		e.logger.Debug("award rejected: amount too low",
			zap.String("member_id", string(memberID)),
			zap.String("purchase", purchase.String()))
		return 0, fmt.Errorf("%w: purchase %s at rate %s earns %d points",
			generic.ErrAmountTooLow, purchase, e.policy.Rate, points)
	}

	description := TicketDescription(ticketNumber)
	scope := e.policy.scopeFor(memberID)

	keys := []string{memberKey(memberID)}
	if scope == "" {
		keys = []string{ticketKey(description), memberKey(memberID)}
	}
	release, err := e.acquire(ctx, keys...)
	if err != nil {
		return 0, err
	}
	defer release()

	tx := generic.Transaction{
		ID:          e.newID(),
		MemberID:    memberID,
		Kind:        generic.TxEarn,
		Amount:      points,
		Description: description,
		CreatedAt:   e.now(),
	}

	var balance generic.Points
	err = e.store.WithTx(ctx, func(s generic.Store) error {
		ledger := generic.NewLedger(s)
		dup, err := ledger.IsDuplicate(ctx, scope, description)
		if err != nil {
			return err
		}
		if dup {
			return &generic.DuplicateTicketError{MemberID: memberID, Description: description}
		}
		m, err := s.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if m.PointsBalance > math.MaxInt64-points {
			return fmt.Errorf("%w: balance %d plus %d points overflows",
				generic.ErrAmountTooHigh, m.PointsBalance, points)
		}
		if err := s.Append(ctx, tx); err != nil {
			return err
		}
		balance = m.PointsBalance + points
		return s.CompareAndSetBalance(ctx, memberID, m.PointsBalance, balance)
	})
	if err != nil {
		return 0, e.fail("award", memberID, err, zap.String("ticket", description))
	}

	e.logger.Info("points awarded",
		zap.String("member_id", string(memberID)),
		zap.String("tx_id", string(tx.ID)),
		zap.String("ticket", description),
		zap.Int64("points", int64(points)),
		zap.Int64("balance", int64(balance)))
	return points, nil
}

// =============================================================================
// REDEEM
// =============================================================================

// RedeemReward debits reward.PointsCost from the member. Fails with
// InsufficientPointsError, leaving the balance untouched, when the member
// cannot afford it.
func (e *Engine) RedeemReward(ctx context.Context, memberID generic.MemberID, reward generic.Reward) error {
	tx := generic.Transaction{
		ID:          e.newID(),
		MemberID:    memberID,
		Kind:        generic.TxRedeem,
		Amount:      reward.PointsCost.Neg(),
		Description: RedemptionDescription(reward),
		CreatedAt:   e.now(),
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("reward %s: %w", reward.ID, err)
	}

	release, err := e.acquire(ctx, memberKey(memberID))
	if err != nil {
		return err
	}
	defer release()

	var balance generic.Points
	err = e.store.WithTx(ctx, func(s generic.Store) error {
		m, err := s.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if m.PointsBalance < reward.PointsCost {
			return &generic.InsufficientPointsError{
				MemberID:  memberID,
				Available: m.PointsBalance,
				Requested: reward.PointsCost,
			}
		}
		if err := s.Append(ctx, tx); err != nil {
			return err
		}
		balance = m.PointsBalance - reward.PointsCost
		return s.CompareAndSetBalance(ctx, memberID, m.PointsBalance, balance)
	})
	if err != nil {
		return e.fail("redeem", memberID, err, zap.String("reward_id", string(reward.ID)))
	}

	e.logger.Info("reward redeemed",
		zap.String("member_id", string(memberID)),
		zap.String("tx_id", string(tx.ID)),
		zap.String("reward_id", string(reward.ID)),
		zap.Int64("points", int64(reward.PointsCost)),
		zap.Int64("balance", int64(balance)))
	return nil
}

// RedeemRewardByID resolves the reward in the catalog, then redeems it.
func (e *Engine) RedeemRewardByID(ctx context.Context, memberID generic.MemberID, rewardID generic.RewardID) (generic.Reward, error) {
	reward, err := e.catalog.GetReward(ctx, rewardID)
	if err != nil {
		if errors.Is(err, generic.ErrRewardNotFound) {
			return generic.Reward{}, err
		}
		return generic.Reward{}, fmt.Errorf("reward lookup %s: %w", rewardID, err)
	}
	return reward, e.RedeemReward(ctx, memberID, reward)
}

// =============================================================================
// READS
// =============================================================================

// History returns the member's transactions, oldest first.
func (e *Engine) History(ctx context.Context, memberID generic.MemberID) ([]generic.Transaction, error) {
	if _, err := e.store.GetMember(ctx, memberID); err != nil {
		return nil, err
	}
	return generic.NewLedger(e.store).Transactions(ctx, memberID)
}

// ReconcileReport compares a stored balance with the ledger sum.
type ReconcileReport struct {
	Member     generic.Member
	LedgerSum  generic.Points
	Consistent bool
}

// Reconcile checks the ledger-balance invariant for one member under the
// member lock. A mismatch is reported in the report, not as an error.
func (e *Engine) Reconcile(ctx context.Context, memberID generic.MemberID) (ReconcileReport, error) {
	release, err := e.acquire(ctx, memberKey(memberID))
	if err != nil {
		return ReconcileReport{}, err
	}
	defer release()

	m, sum, err := generic.NewLedger(e.store).Reconcile(ctx, memberID)
	var mismatch *generic.BalanceMismatchError
	switch {
	case errors.As(err, &mismatch):
		e.logger.Error("ledger balance mismatch",
			zap.String("member_id", string(memberID)),
			zap.Int64("stored", int64(mismatch.Stored)),
			zap.Int64("ledger", int64(mismatch.Ledger)))
		return ReconcileReport{Member: m, LedgerSum: sum}, nil
	case err != nil:
		return ReconcileReport{}, err
	}
	return ReconcileReport{Member: m, LedgerSum: sum, Consistent: true}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func memberKey(id generic.MemberID) string { return "member:" + string(id) }
func ticketKey(description string) string { return "ticket:" + description }

// acquire takes keys in order and returns a func releasing all of them.
// Callers must pass keys in a consistent order (ticket before member).
func (e *Engine) acquire(ctx context.Context, keys ...string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	defer cancel()

	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, k := range keys {
		release, err := e.locks.Acquire(lockCtx, k)
		if err != nil {
			releaseAll()
			e.logger.Warn("lock wait exceeded", zap.String("key", k), zap.Duration("timeout", e.lockTimeout))
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// fail classifies an error returned from inside the critical section.
func (e *Engine) fail(op string, memberID generic.MemberID, err error, fields ...zap.Field) error {
	if isValidation(err) {
		e.logger.Debug(op+" rejected",
			append(fields, zap.String("member_id", string(memberID)), zap.Error(err))...)
		return err
	}
	e.logger.Warn(op+" commit failed",
		append(fields, zap.String("member_id", string(memberID)), zap.Error(err))...)
	return &generic.CommitError{Op: op, MemberID: memberID, Err: err}
}

func isValidation(err error) bool {
	return errors.Is(err, generic.ErrDuplicateTicket) ||
		errors.Is(err, generic.ErrAmountTooHigh) ||
		errors.Is(err, generic.ErrMemberNotFound) ||
		errors.Is(err, generic.ErrInsufficientPoints)
}
