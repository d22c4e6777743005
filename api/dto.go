/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Operation results

TYPES:
  Members:      MemberDTO, RegisterMemberRequest
  Ledger:       AwardPointsRequest/Response, RedeemRequest/Response,
                TransactionDTO, ReconcileDTO
  Catalog:      RewardDTO
  Dashboard:    StatsDTO
  Errors:       ErrorResponse

VALIDATION:
  Validation is done in handlers and the loyalty package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/points-ledger/generic"
	"github.com/warp/points-ledger/loyalty"
)

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID            string `json:"id"`
	DNI           string `json:"dni"`
	FullName      string `json:"full_name"`
	Phone         string `json:"phone,omitempty"`
	Specialty     string `json:"specialty,omitempty"`
	PointsBalance int64  `json:"points_balance"`
	CreatedAt     string `json:"created_at,omitempty"`
}

type RegisterMemberRequest struct {
	DNI       string `json:"dni"`
	FullName  string `json:"full_name"`
	Phone     string `json:"phone"`
	Specialty string `json:"specialty"`
}

func toMemberDTO(m generic.Member) MemberDTO {
	dto := MemberDTO{
		ID:            string(m.ID),
		DNI:           m.DocumentID,
		FullName:      m.FullName,
		Phone:         m.Phone,
		Specialty:     m.Specialty,
		PointsBalance: int64(m.PointsBalance),
	}
	if !m.CreatedAt.IsZero() {
		dto.CreatedAt = m.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

// AwardPointsRequest accepts purchase_amount as a JSON number or string.
type AwardPointsRequest struct {
	PurchaseAmount decimal.Decimal `json:"purchase_amount"`
	TicketNumber   string          `json:"ticket_number"`
}

type AwardPointsResponse struct {
	MemberID      string `json:"member_id"`
	Points        int64  `json:"points"`
	PointsBalance int64  `json:"points_balance"`
	Message       string `json:"message"`
}

type RedeemRequest struct {
	RewardID string `json:"reward_id"`
}

type RedeemResponse struct {
	MemberID      string `json:"member_id"`
	RewardID      string `json:"reward_id"`
	PointsSpent   int64  `json:"points_spent"`
	PointsBalance int64  `json:"points_balance"`
}

type TransactionDTO struct {
	ID          string `json:"id"`
	MemberID    string `json:"member_id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount_points"`
	Description string `json:"description"`
	Ticket      string `json:"ticket_number,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:          string(tx.ID),
		MemberID:    string(tx.MemberID),
		Type:        string(tx.Kind),
		Amount:      int64(tx.Amount),
		Description: tx.Description,
		CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.Kind == generic.TxEarn {
		if n, ok := loyalty.ParseTicketDescription(tx.Description); ok {
			dto.Ticket = n
		}
	}
	return dto
}

type ReconcileDTO struct {
	MemberID      string `json:"member_id"`
	PointsBalance int64  `json:"points_balance"`
	LedgerSum     int64  `json:"ledger_sum"`
	Consistent    bool   `json:"consistent"`
}

// =============================================================================
// CATALOG
// =============================================================================

type RewardDTO struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	PointsCost  int64  `json:"points_cost"`
	ImageURL    string `json:"image_url,omitempty"`
	Stock       *int   `json:"stock,omitempty"`
}

func toRewardDTO(r generic.Reward) RewardDTO {
	return RewardDTO{
		ID:          string(r.ID),
		Title:       r.Title,
		Description: r.Description,
		PointsCost:  int64(r.PointsCost),
		ImageURL:    r.ImageURL,
		Stock:       r.Stock,
	}
}

// =============================================================================
// DASHBOARD
// =============================================================================

type StatsDTO struct {
	TotalMembers      int   `json:"total_members"`
	PointsIssuedToday int64 `json:"points_issued_today"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse carries a machine-readable code per error kind.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
