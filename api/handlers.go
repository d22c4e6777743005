/*
handlers.go - HTTP API handlers for the points ledger

PURPOSE:
  Exposes the ledger engine and member directory to operators via REST.
  Handles HTTP request/response, JSON serialization, and delegates to the
  loyalty package.

ENDPOINTS:
  Members:
    GET    /api/members                     List members (newest first)
    POST   /api/members                     Register member
    GET    /api/members/search?dni=         Find member by document
    GET    /api/members/{id}                Get member
    GET    /api/members/{id}/transactions   Transaction history
    GET    /api/members/{id}/reconcile      Ledger-balance check

  Ledger:
    POST   /api/members/{id}/points         Award points for a ticket
    POST   /api/members/{id}/redemptions    Redeem a reward

  Catalog:
    GET    /api/rewards                     List rewards
    GET    /api/rewards/{id}                Get reward

  Dashboard:
    GET    /api/stats                       Members + points issued today
    GET    /api/reconciliation              Last reconciliation sweep
    POST   /api/reconciliation              Run a sweep now

ERROR HANDLING:
  Errors are returned as JSON with a distinct code per kind:
  - 400 invalid_request, invalid_ticket, invalid_member
  - 404 member_not_found, reward_not_found
  - 409 duplicate_ticket, duplicate_member
  - 422 amount_too_low, amount_too_high, insufficient_points
  - 503 commit_failed, lock_timeout (retryable: true)
  - 500 internal

SECURITY NOTE:
  No operator authentication. Put the service behind an authenticating proxy.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/generic"
	"github.com/warp/points-ledger/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *loyalty.Engine
	Directory *loyalty.Directory
	Members   generic.MemberStore
	Catalog   generic.RewardCatalog
	Logger    *zap.Logger

	// Reconciler sweeps all members; its interval is set by the caller.
	Reconciler *ReconciliationScheduler
}

// NewHandler wires handlers to a backend and the engine built on it.
func NewHandler(backend generic.Backend, engine *loyalty.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		Engine:    engine,
		Directory: loyalty.NewDirectory(backend, backend),
		Members:   backend,
		Catalog:   backend,
		Logger:    logger,
	}
	h.Reconciler = NewReconciliationScheduler(h, 0)
	return h
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns all members.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Directory.List(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list members", err)
		return
	}

	dtos := make([]MemberDTO, len(members))
	for i, m := range members {
		dtos[i] = toMemberDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMember returns a single member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id := generic.MemberID(chi.URLParam(r, "id"))

	m, err := h.Members.GetMember(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

// SearchMember finds a member by document number (?dni=).
func (h *Handler) SearchMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Directory.FindByDocument(r.Context(), r.URL.Query().Get("dni"))
	if err != nil {
		h.writeLedgerError(w, r, "Member lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

// RegisterMember creates a member with a zero balance.
func (h *Handler) RegisterMember(w http.ResponseWriter, r *http.Request) {
	var req RegisterMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}

	m, err := h.Directory.Register(r.Context(), loyalty.Registration{
		DocumentID: req.DNI,
		FullName:   req.FullName,
		Phone:      req.Phone,
		Specialty:  req.Specialty,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to register member", err)
		return
	}

	h.Logger.Info("member registered", zap.String("member_id", string(m.ID)))
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

// GetTransactions returns a member's history, oldest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := generic.MemberID(chi.URLParam(r, "id"))

	txs, err := h.Engine.History(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get transactions", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Reconcile compares the stored balance with the ledger sum.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id := generic.MemberID(chi.URLParam(r, "id"))

	report, err := h.Engine.Reconcile(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, "Reconciliation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{
		MemberID:      string(report.Member.ID),
		PointsBalance: int64(report.Member.PointsBalance),
		LedgerSum:     int64(report.LedgerSum),
		Consistent:    report.Consistent,
	})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// AwardPoints credits points for a purchase ticket.
func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	id := generic.MemberID(chi.URLParam(r, "id"))

	var req AwardPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}

	points, err := h.Engine.AwardPoints(r.Context(), id, req.PurchaseAmount, req.TicketNumber)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to award points", err)
		return
	}

	resp := AwardPointsResponse{
		MemberID: string(id),
		Points:   int64(points),
	}
	if m, err := h.Members.GetMember(r.Context(), id); err == nil {
		resp.PointsBalance = int64(m.PointsBalance)
		resp.Message = fmt.Sprintf("Successfully added %d points to %s.", points, m.FullName)
	}
	writeJSON(w, http.StatusOK, resp)
}

// RedeemReward spends points on a catalog reward.
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	id := generic.MemberID(chi.URLParam(r, "id"))

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", err)
		return
	}
	if req.RewardID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "reward_id is required", nil)
		return
	}

	reward, err := h.Engine.RedeemRewardByID(r.Context(), id, generic.RewardID(req.RewardID))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to redeem reward", err)
		return
	}

	resp := RedeemResponse{
		MemberID:    string(id),
		RewardID:    string(reward.ID),
		PointsSpent: int64(reward.PointsCost),
	}
	if m, err := h.Members.GetMember(r.Context(), id); err == nil {
		resp.PointsBalance = int64(m.PointsBalance)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Catalog.ListRewards(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list rewards", err)
		return
	}

	dtos := make([]RewardDTO, len(rewards))
	for i, rw := range rewards {
		dtos[i] = toRewardDTO(rw)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	rw, err := h.Catalog.GetReward(r.Context(), generic.RewardID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get reward", err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(rw))
}

// =============================================================================
// DASHBOARD
// =============================================================================

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Directory.Stats(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Failed to load stats", err)
		return
	}
	writeJSON(w, http.StatusOK, StatsDTO{
		TotalMembers:      stats.TotalMembers,
		PointsIssuedToday: int64(stats.PointsIssuedToday),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// errorKinds maps ledger errors to HTTP status and code. Order matters:
// CommitError also unwraps to its cause, so transient kinds come first.
var errorKinds = []struct {
	target error
	status int
	code   string
}{
	{generic.ErrCommitFailed, http.StatusServiceUnavailable, "commit_failed"},
	{generic.ErrLockTimeout, http.StatusServiceUnavailable, "lock_timeout"},
	{generic.ErrInvalidTicket, http.StatusBadRequest, "invalid_ticket"},
	{generic.ErrInvalidMember, http.StatusBadRequest, "invalid_member"},
	{generic.ErrMemberNotFound, http.StatusNotFound, "member_not_found"},
	{generic.ErrRewardNotFound, http.StatusNotFound, "reward_not_found"},
	{generic.ErrDuplicateTicket, http.StatusConflict, "duplicate_ticket"},
	{generic.ErrDuplicateMember, http.StatusConflict, "duplicate_member"},
	{generic.ErrAmountTooLow, http.StatusUnprocessableEntity, "amount_too_low"},
	{generic.ErrAmountTooHigh, http.StatusUnprocessableEntity, "amount_too_high"},
	{generic.ErrInsufficientPoints, http.StatusUnprocessableEntity, "insufficient_points"},
}

// writeLedgerError reports err with the status and code of its kind.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			resp := ErrorResponse{
				Error:     message + ": " + k.target.Error(),
				Code:      k.code,
				Details:   err.Error(),
				Retryable: generic.IsRetryable(err),
			}
			writeJSON(w, k.status, resp)
			return
		}
	}

	h.Logger.Error(message, zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal", message, err)
}
