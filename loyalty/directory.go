package loyalty

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/points-ledger/generic"
)

// Directory handles member registration and lookup. It never touches
// balances; new members always start at zero.
type Directory struct {
	members generic.MemberDirectory
	stats   generic.StatsReader
	now     func() time.Time
}

func NewDirectory(members generic.MemberDirectory, stats generic.StatsReader) *Directory {
	return &Directory{
		members: members,
		stats:   stats,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Registration is the operator-supplied data for a new member.
type Registration struct {
	DocumentID string
	FullName   string
	Phone      string
	Specialty  string
}

func (r Registration) validate() error {
	var missing []string
	if strings.TrimSpace(r.DocumentID) == "" {
		missing = append(missing, "document id")
	}
	if strings.TrimSpace(r.FullName) == "" {
		missing = append(missing, "full name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", generic.ErrInvalidMember, strings.Join(missing, ", "))
	}
	return nil
}

// Register creates a member with a zero balance.
func (d *Directory) Register(ctx context.Context, r Registration) (generic.Member, error) {
	if err := r.validate(); err != nil {
		return generic.Member{}, err
	}
	m := generic.Member{
		ID:         generic.MemberID(uuid.NewString()),
		DocumentID: strings.TrimSpace(r.DocumentID),
		FullName:   strings.TrimSpace(r.FullName),
		Phone:      strings.TrimSpace(r.Phone),
		Specialty:  strings.TrimSpace(r.Specialty),
		CreatedAt:  d.now(),
	}
	if err := d.members.CreateMember(ctx, m); err != nil {
		return generic.Member{}, err
	}
	return m, nil
}

func (d *Directory) List(ctx context.Context) ([]generic.Member, error) {
	return d.members.ListMembers(ctx)
}

// FindByDocument looks a member up by national ID.
func (d *Directory) FindByDocument(ctx context.Context, documentID string) (generic.Member, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return generic.Member{}, generic.ErrMemberNotFound
	}
	return d.members.FindMemberByDocument(ctx, documentID)
}

// Stats is the dashboard summary.
type Stats struct {
	TotalMembers      int
	PointsIssuedToday generic.Points
}

// Stats counts members and sums EARN points since the start of the
// current UTC day.
func (d *Directory) Stats(ctx context.Context) (Stats, error) {
	count, err := d.stats.CountMembers(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count members: %w", err)
	}
	now := d.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	earned, err := d.stats.PointsEarnedSince(ctx, midnight)
	if err != nil {
		return Stats{}, fmt.Errorf("points issued today: %w", err)
	}
	return Stats{TotalMembers: count, PointsIssuedToday: earned}, nil
}
