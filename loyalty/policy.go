/*
Package loyalty implements the points-earning and redemption rules.

PURPOSE:
  The generic package knows how to store transactions and balances. This
  package knows what they mean for the membership program:
  - How many points a purchase earns (Policy)
  - How a purchase ticket is written into the ledger (TicketDescription)
  - How an award or redemption is applied exactly once (Engine)

CONVERSION:
  points = floor(purchase / rate), rate = 1000 by default.
  A purchase of 999 earns 0 points (rejected), 1999 earns 1.
  The quotient is computed exactly; a result that does not fit in Points
  is rejected with ErrAmountTooHigh.

TICKET SCOPE:
  ScopeGlobal: a ticket number credits at most one member, program-wide.
  ScopeMember: a ticket number credits each member at most once.

SEE ALSO:
  - engine.go: AwardPoints / RedeemReward
  - generic/ledger.go: Append-only log
*/
package loyalty

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/generic"
)

// DefaultRate is the purchase amount that earns one point.
var DefaultRate = decimal.NewFromInt(1000)

var (
	maxPoints = decimal.NewFromInt(math.MaxInt64)
	minPoints = decimal.NewFromInt(math.MinInt64)
)

const (
	ticketPrefix = "Ticket #"
	redeemPrefix = "Redeemed: "
)

// TicketScope decides where a ticket number must be unique.
type TicketScope string

const (
	ScopeGlobal TicketScope = "global"
	ScopeMember TicketScope = "member"
)

func ParseTicketScope(s string) (TicketScope, error) {
	switch TicketScope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeGlobal, "":
		return ScopeGlobal, nil
	case ScopeMember:
		return ScopeMember, nil
	}
	return "", fmt.Errorf("unknown ticket scope %q (want %q or %q)", s, ScopeGlobal, ScopeMember)
}

// Policy holds the program-wide earning rules.
type Policy struct {
	Rate  decimal.Decimal
	Scope TicketScope
}

func DefaultPolicy() Policy {
	return Policy{Rate: DefaultRate, Scope: ScopeGlobal}
}

// PointsFor converts a purchase amount to whole points, rounding down.
// Zero or negative results mean the purchase earns nothing.
func (p Policy) PointsFor(purchase decimal.Decimal) (generic.Points, error) {
	rate := p.Rate
	if !rate.IsPositive() {
		rate = DefaultRate
	}
	q, r := purchase.QuoRem(rate, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	switch {
	case q.GreaterThan(maxPoints):
		return 0, fmt.Errorf("%w: purchase %s at rate %s exceeds %d points",
			generic.ErrAmountTooHigh, purchase, rate, int64(math.MaxInt64))
	case q.LessThan(minPoints):
		return 0, fmt.Errorf("%w: purchase %s", generic.ErrAmountTooLow, purchase)
	}
	return generic.Points(q.IntPart()), nil
}

// scopeFor returns the member scope passed to duplicate lookups.
func (p Policy) scopeFor(memberID generic.MemberID) generic.MemberID {
	if p.Scope == ScopeMember {
		return memberID
	}
	return ""
}

// =============================================================================
// DESCRIPTIONS
// =============================================================================

// TicketDescription is the EARN description and idempotency key for a ticket.
func TicketDescription(ticketNumber string) string {
	return ticketPrefix + strings.TrimSpace(ticketNumber)
}

// ParseTicketDescription extracts the ticket number from an EARN description.
func ParseTicketDescription(description string) (string, bool) {
	if !strings.HasPrefix(description, ticketPrefix) {
		return "", false
	}
	n := strings.TrimPrefix(description, ticketPrefix)
	return n, n != ""
}

// RedemptionDescription is the REDEEM description for a reward.
func RedemptionDescription(r generic.Reward) string {
	return redeemPrefix + r.Title
}
