package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/points-ledger/generic"
)

// OpeningBalanceDescription marks the EARN that backs a seeded balance.
const OpeningBalanceDescription = generic.OpeningBalanceDescription

type demoMember struct {
	member  generic.Member
	opening generic.Points
}

var demoMembers = []demoMember{
	{generic.Member{ID: "1", DocumentID: "12345678", FullName: "Roberto Gomez", Phone: "555-0101", Specialty: "Mason"}, 1500},
	{generic.Member{ID: "2", DocumentID: "87654321", FullName: "Maria Rodriguez", Phone: "555-0202", Specialty: "Electrician"}, 320},
	{generic.Member{ID: "3", DocumentID: "11223344", FullName: "Carlos Silva", Phone: "555-0303", Specialty: "Plumber"}, 850},
}

var demoRewards = []generic.Reward{
	{ID: "1", Title: "Professional Hammer", PointsCost: 500, ImageURL: "https://picsum.photos/300/200?random=1"},
	{ID: "2", Title: "Power Drill Set", PointsCost: 2500, ImageURL: "https://picsum.photos/300/200?random=2"},
	{ID: "3", Title: "Safety Vest", PointsCost: 200, ImageURL: "https://picsum.photos/300/200?random=3"},
	{ID: "4", Title: "Angle Grinder", PointsCost: 1800, ImageURL: "https://picsum.photos/300/200?random=4"},
}

// DemoRewards returns a copy of the demo catalog.
func DemoRewards() []generic.Reward {
	return append([]generic.Reward(nil), demoRewards...)
}

// SeedDemo loads the demo catalog and members into b. Members already
// present (by document ID) are skipped, so seeding a persistent backend on
// every start is harmless. Each opening balance is written as an EARN so
// the ledger sum matches the balance from the first read.
func SeedDemo(ctx context.Context, b generic.Backend, now time.Time) error {
	for _, r := range demoRewards {
		if err := b.SaveReward(ctx, r); err != nil {
			return fmt.Errorf("seed reward %s: %w", r.ID, err)
		}
	}
	for _, dm := range demoMembers {
		_, err := b.FindMemberByDocument(ctx, dm.member.DocumentID)
		if err == nil {
			continue
		}
		if !errors.Is(err, generic.ErrMemberNotFound) {
			return fmt.Errorf("seed member %s: %w", dm.member.ID, err)
		}

		m := dm.member
		m.CreatedAt = now
		if err := b.CreateMember(ctx, m); err != nil {
			return fmt.Errorf("seed member %s: %w", m.ID, err)
		}
		if dm.opening == 0 {
			continue
		}
		opening := generic.Transaction{
			ID:          generic.TransactionID("opening-" + string(m.ID)),
			MemberID:    m.ID,
			Kind:        generic.TxEarn,
			Amount:      dm.opening,
			Description: OpeningBalanceDescription,
			CreatedAt:   now,
		}
		err = b.WithTx(ctx, func(s generic.Store) error {
			if err := s.Append(ctx, opening); err != nil {
				return err
			}
			return s.CompareAndSetBalance(ctx, m.ID, 0, dm.opening)
		})
		if err != nil {
			return fmt.Errorf("seed opening balance %s: %w", m.ID, err)
		}
	}
	return nil
}
