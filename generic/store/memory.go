// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-ledger/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (demo mode and tests)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	members      map[generic.MemberID]generic.Member
	memberSeq    map[generic.MemberID]int // insertion order for stable listing
	transactions map[generic.MemberID][]generic.Transaction
	earned       map[string]map[generic.MemberID]bool // EARN description -> members
	rewards      map[generic.RewardID]generic.Reward
	rewardSeq    []generic.RewardID
}

var _ generic.Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		members:      make(map[generic.MemberID]generic.Member),
		memberSeq:    make(map[generic.MemberID]int),
		transactions: make(map[generic.MemberID][]generic.Transaction),
		earned:       make(map[string]map[generic.MemberID]bool),
		rewards:      make(map[generic.RewardID]generic.Reward),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// =============================================================================
// MEMBER STORE
// =============================================================================

func (m *Memory) GetMember(_ context.Context, id generic.MemberID) (generic.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getMemberLocked(id)
}

func (m *Memory) getMemberLocked(id generic.MemberID) (generic.Member, error) {
	mem, ok := m.members[id]
	if !ok {
		return generic.Member{}, generic.ErrMemberNotFound
	}
	return mem, nil
}

func (m *Memory) CompareAndSetBalance(_ context.Context, id generic.MemberID, expected, next generic.Points) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, expected, next)
}

func (m *Memory) casLocked(id generic.MemberID, expected, next generic.Points) error {
	mem, ok := m.members[id]
	if !ok {
		return generic.ErrMemberNotFound
	}
	if mem.PointsBalance != expected {
		return generic.ErrBalanceConflict
	}
	mem.PointsBalance = next
	m.members[id] = mem
	return nil
}

// =============================================================================
// TRANSACTION LOG
// =============================================================================

// Append adds a single transaction. Append-only.
func (m *Memory) Append(_ context.Context, tx generic.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx generic.Transaction) error {
	if _, ok := m.members[tx.MemberID]; !ok {
		return generic.ErrMemberNotFound
	}
	if tx.Kind == generic.TxEarn {
		if m.earned[tx.Description][tx.MemberID] {
			return &generic.DuplicateTicketError{MemberID: tx.MemberID, Description: tx.Description}
		}
		if m.earned[tx.Description] == nil {
			m.earned[tx.Description] = make(map[generic.MemberID]bool)
		}
		m.earned[tx.Description][tx.MemberID] = true
	}
	m.transactions[tx.MemberID] = append(m.transactions[tx.MemberID], tx)
	return nil
}

func (m *Memory) ExistsWithDescription(_ context.Context, scope generic.MemberID, description string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existsLocked(scope, description), nil
}

func (m *Memory) existsLocked(scope generic.MemberID, description string) bool {
	holders := m.earned[description]
	if scope == "" {
		return len(holders) > 0
	}
	return holders[scope]
}

func (m *Memory) Transactions(_ context.Context, memberID generic.MemberID) ([]generic.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsLocked(memberID), nil
}

func (m *Memory) transactionsLocked(memberID generic.MemberID) []generic.Transaction {
	result := make([]generic.Transaction, len(m.transactions[memberID]))
	copy(result, m.transactions[memberID])
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, writes made through the view are undone in reverse
// order when fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := &txMemoryView{parent: m}
	if err := fn(view); err != nil {
		view.rollback()
		return err
	}
	return nil
}

// txMemoryView runs under the parent's write lock held by WithTx.
type txMemoryView struct {
	parent *Memory
	undo   []func()
}

func (tv *txMemoryView) rollback() {
	for i := len(tv.undo) - 1; i >= 0; i-- {
		tv.undo[i]()
	}
	tv.undo = nil
}

func (tv *txMemoryView) GetMember(_ context.Context, id generic.MemberID) (generic.Member, error) {
	return tv.parent.getMemberLocked(id)
}

func (tv *txMemoryView) CompareAndSetBalance(_ context.Context, id generic.MemberID, expected, next generic.Points) error {
	if err := tv.parent.casLocked(id, expected, next); err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() {
		mem := tv.parent.members[id]
		mem.PointsBalance = expected
		tv.parent.members[id] = mem
	})
	return nil
}

func (tv *txMemoryView) Append(_ context.Context, tx generic.Transaction) error {
	if err := tv.parent.appendLocked(tx); err != nil {
		return err
	}
	tv.undo = append(tv.undo, func() { tv.parent.unappendLocked(tx) })
	return nil
}

// unappendLocked removes tx, which must be the member's latest transaction.
func (m *Memory) unappendLocked(tx generic.Transaction) {
	txs := m.transactions[tx.MemberID]
	if n := len(txs); n > 0 {
		txs[n-1] = generic.Transaction{}
		m.transactions[tx.MemberID] = txs[:n-1]
	}
	if len(m.transactions[tx.MemberID]) == 0 {
		delete(m.transactions, tx.MemberID)
	}
	if tx.Kind == generic.TxEarn {
		delete(m.earned[tx.Description], tx.MemberID)
		if len(m.earned[tx.Description]) == 0 {
			delete(m.earned, tx.Description)
		}
	}
}

func (tv *txMemoryView) ExistsWithDescription(_ context.Context, scope generic.MemberID, description string) (bool, error) {
	return tv.parent.existsLocked(scope, description), nil
}

func (tv *txMemoryView) Transactions(_ context.Context, memberID generic.MemberID) ([]generic.Transaction, error) {
	return tv.parent.transactionsLocked(memberID), nil
}

// =============================================================================
// MEMBER DIRECTORY
// =============================================================================

func (m *Memory) CreateMember(_ context.Context, mem generic.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[mem.ID]; ok {
		return generic.ErrDuplicateMember
	}
	for _, existing := range m.members {
		if mem.DocumentID != "" && existing.DocumentID == mem.DocumentID {
			return generic.ErrDuplicateMember
		}
	}
	mem.PointsBalance = 0
	m.members[mem.ID] = mem
	m.memberSeq[mem.ID] = len(m.memberSeq)
	return nil
}

// ListMembers returns members newest first.
func (m *Memory) ListMembers(_ context.Context) ([]generic.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]generic.Member, 0, len(m.members))
	for _, mem := range m.members {
		result = append(result, mem)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return m.memberSeq[result[i].ID] > m.memberSeq[result[j].ID]
	})
	return result, nil
}

func (m *Memory) FindMemberByDocument(_ context.Context, documentID string) (generic.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mem := range m.members {
		if mem.DocumentID == documentID {
			return mem, nil
		}
	}
	return generic.Member{}, generic.ErrMemberNotFound
}

// =============================================================================
// STATS
// =============================================================================

func (m *Memory) CountMembers(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.members), nil
}

func (m *Memory) PointsEarnedSince(_ context.Context, since time.Time) (generic.Points, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total generic.Points
	for _, txs := range m.transactions {
		for _, tx := range txs {
			if tx.Kind == generic.TxEarn && !tx.CreatedAt.Before(since) &&
				tx.Description != generic.OpeningBalanceDescription {
				total += tx.Amount
			}
		}
	}
	return total, nil
}

// =============================================================================
// REWARD CATALOG
// =============================================================================

func (m *Memory) SaveReward(_ context.Context, r generic.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rewards[r.ID]; !ok {
		m.rewardSeq = append(m.rewardSeq, r.ID)
	}
	m.rewards[r.ID] = r
	return nil
}

func (m *Memory) GetReward(_ context.Context, id generic.RewardID) (generic.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rewards[id]
	if !ok {
		return generic.Reward{}, generic.ErrRewardNotFound
	}
	return r, nil
}

// ListRewards returns rewards in the order they were added.
func (m *Memory) ListRewards(_ context.Context) ([]generic.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]generic.Reward, 0, len(m.rewardSeq))
	for _, id := range m.rewardSeq {
		result = append(result, m.rewards[id])
	}
	return result, nil
}
