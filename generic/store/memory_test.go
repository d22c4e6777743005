package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/generic"
	"github.com/warp/points-ledger/generic/store"
)

func newMemberStore(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.CreateMember(ctx, generic.Member{ID: "m1", DocumentID: "111", FullName: "Ana", CreatedAt: base}))
	require.NoError(t, m.CreateMember(ctx, generic.Member{ID: "m2", DocumentID: "222", FullName: "Luis", CreatedAt: base.Add(time.Hour)}))
	return m
}

func earnTx(id string, member generic.MemberID, pts generic.Points, desc string, at time.Time) generic.Transaction {
	return generic.Transaction{
		ID:          generic.TransactionID(id),
		MemberID:    member,
		Kind:        generic.TxEarn,
		Amount:      pts,
		Description: desc,
		CreatedAt:   at,
	}
}

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A member with a zero balance
	// WHEN: A transaction appends and moves the balance, then fails
	// THEN: Neither the append nor the balance write is visible

	m := newMemberStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s generic.Store) error {
		require.NoError(t, s.Append(ctx, earnTx("t1", "m1", 10, "Ticket #1", time.Now())))
		require.NoError(t, s.CompareAndSetBalance(ctx, "m1", 0, 10))
		return boom
	})
	require.ErrorIs(t, err, boom)

	mem, err := m.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, generic.Points(0), mem.PointsBalance)

	txs, err := m.Transactions(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, txs)

	exists, err := m.ExistsWithDescription(ctx, "", "Ticket #1")
	require.NoError(t, err)
	assert.False(t, exists, "rolled-back ticket must be reusable")
}

func TestMemory_WithTx_RollbackKeepsEarlierCommits(t *testing.T) {
	// GIVEN: A committed ticket for m1
	// WHEN: A later transaction writes to m1 and m2, then fails
	// THEN: Only the later writes are undone

	m := newMemberStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.WithTx(ctx, func(s generic.Store) error {
		if err := s.Append(ctx, earnTx("t1", "m1", 10, "Ticket #1", now)); err != nil {
			return err
		}
		return s.CompareAndSetBalance(ctx, "m1", 0, 10)
	}))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s generic.Store) error {
		require.NoError(t, s.Append(ctx, earnTx("t2", "m1", 4, "Ticket #2", now)))
		require.NoError(t, s.CompareAndSetBalance(ctx, "m1", 10, 14))
		require.NoError(t, s.Append(ctx, earnTx("t3", "m2", 6, "Ticket #2", now)))
		require.NoError(t, s.CompareAndSetBalance(ctx, "m2", 0, 6))
		require.ErrorIs(t, s.CompareAndSetBalance(ctx, "m2", 0, 99), generic.ErrBalanceConflict)
		return boom
	})
	require.ErrorIs(t, err, boom)

	mem, err := m.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, generic.Points(10), mem.PointsBalance)
	mem, err = m.GetMember(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, generic.Points(0), mem.PointsBalance)

	txs, err := m.Transactions(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, generic.TransactionID("t1"), txs[0].ID)

	txs, err = m.Transactions(ctx, "m2")
	require.NoError(t, err)
	assert.Empty(t, txs)

	exists, err := m.ExistsWithDescription(ctx, "", "Ticket #1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = m.ExistsWithDescription(ctx, "", "Ticket #2")
	require.NoError(t, err)
	assert.False(t, exists)

	// The rolled-back ticket can be credited afterwards.
	require.NoError(t, m.Append(ctx, earnTx("t4", "m2", 6, "Ticket #2", now)))
}

func TestMemory_WithTx_CommitsOnSuccess(t *testing.T) {
	m := newMemberStore(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(s generic.Store) error {
		if err := s.Append(ctx, earnTx("t1", "m1", 10, "Ticket #1", time.Now())); err != nil {
			return err
		}
		return s.CompareAndSetBalance(ctx, "m1", 0, 10)
	})
	require.NoError(t, err)

	mem, err := m.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, generic.Points(10), mem.PointsBalance)
}

func TestMemory_CompareAndSetBalance(t *testing.T) {
	m := newMemberStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, m.CompareAndSetBalance(ctx, "m1", 5, 10), generic.ErrBalanceConflict)
	assert.ErrorIs(t, m.CompareAndSetBalance(ctx, "ghost", 0, 10), generic.ErrMemberNotFound)
	assert.NoError(t, m.CompareAndSetBalance(ctx, "m1", 0, 10))
}

func TestMemory_Append_UnknownMember(t *testing.T) {
	m := newMemberStore(t)
	err := m.Append(context.Background(), earnTx("t1", "ghost", 10, "Ticket #1", time.Now()))
	assert.ErrorIs(t, err, generic.ErrMemberNotFound)
}

func TestMemory_ExistsWithDescription_Scopes(t *testing.T) {
	m := newMemberStore(t)
	ctx := context.Background()
	require.NoError(t, m.Append(ctx, earnTx("t1", "m1", 10, "Ticket #7", time.Now())))

	exists, _ := m.ExistsWithDescription(ctx, "", "Ticket #7")
	assert.True(t, exists)
	exists, _ = m.ExistsWithDescription(ctx, "m1", "Ticket #7")
	assert.True(t, exists)
	exists, _ = m.ExistsWithDescription(ctx, "m2", "Ticket #7")
	assert.False(t, exists)

	// Redemptions are not idempotency keys.
	require.NoError(t, m.Append(ctx, generic.Transaction{
		ID: "t2", MemberID: "m1", Kind: generic.TxRedeem, Amount: -5, Description: "Redeemed: Vest", CreatedAt: time.Now(),
	}))
	exists, _ = m.ExistsWithDescription(ctx, "", "Redeemed: Vest")
	assert.False(t, exists)
}

func TestMemory_Directory(t *testing.T) {
	m := newMemberStore(t)
	ctx := context.Background()

	err := m.CreateMember(ctx, generic.Member{ID: "m3", DocumentID: "111", FullName: "Dup"})
	assert.ErrorIs(t, err, generic.ErrDuplicateMember)

	err = m.CreateMember(ctx, generic.Member{ID: "m1", DocumentID: "999", FullName: "Dup"})
	assert.ErrorIs(t, err, generic.ErrDuplicateMember)

	members, err := m.ListMembers(ctx)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, generic.MemberID("m2"), members[0].ID, "newest first")

	found, err := m.FindMemberByDocument(ctx, "222")
	require.NoError(t, err)
	assert.Equal(t, generic.MemberID("m2"), found.ID)

	_, err = m.FindMemberByDocument(ctx, "000")
	assert.ErrorIs(t, err, generic.ErrMemberNotFound)
}

func TestMemory_CreateMember_ForcesZeroBalance(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateMember(ctx, generic.Member{ID: "m1", DocumentID: "1", FullName: "A", PointsBalance: 999}))

	mem, err := m.GetMember(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, generic.Points(0), mem.PointsBalance)
}

func TestMemory_PointsEarnedSince(t *testing.T) {
	m := newMemberStore(t)
	ctx := context.Background()
	today := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.Append(ctx, earnTx("t1", "m1", 10, "Ticket #1", today.Add(-time.Hour))))
	require.NoError(t, m.Append(ctx, earnTx("t2", "m1", 7, "Ticket #2", today.Add(time.Hour))))
	require.NoError(t, m.Append(ctx, earnTx("t3", "m2", 3, "Ticket #3", today)))
	require.NoError(t, m.Append(ctx, earnTx("t5", "m2", 900, generic.OpeningBalanceDescription, today)))
	require.NoError(t, m.Append(ctx, generic.Transaction{
		ID: "t4", MemberID: "m1", Kind: generic.TxRedeem, Amount: -5, Description: "Redeemed: Vest", CreatedAt: today.Add(2 * time.Hour),
	}))

	total, err := m.PointsEarnedSince(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, generic.Points(10), total)

	count, err := m.CountMembers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMemory_Rewards(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.SaveReward(ctx, generic.Reward{ID: "r2", Title: "Drill", PointsCost: 2500}))
	require.NoError(t, m.SaveReward(ctx, generic.Reward{ID: "r1", Title: "Hammer", PointsCost: 500}))
	require.NoError(t, m.SaveReward(ctx, generic.Reward{ID: "r2", Title: "Drill Set", PointsCost: 2400}))

	rewards, err := m.ListRewards(ctx)
	require.NoError(t, err)
	require.Len(t, rewards, 2)
	assert.Equal(t, "Drill Set", rewards[0].Title)
	assert.Equal(t, generic.RewardID("r1"), rewards[1].ID)

	_, err = m.GetReward(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrRewardNotFound)
}
