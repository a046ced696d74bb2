package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/seatplan/seatplan/libs/db"

	"github.com/seatplan/seatplan/internal/model"
	"github.com/seatplan/seatplan/internal/timeslot"
)

// VenueRepository reads venue-owned configuration: tables, join groups,
// booking windows with blackouts, allocation priorities, and the deposit
// policy. Staff tooling mutates these elsewhere; the booking flow only reads.
type VenueRepository struct {
	pool *db.Pool
}

func NewVenueRepository(pool *db.Pool) *VenueRepository {
	return &VenueRepository{pool: pool}
}

func (r *VenueRepository) ListActiveTables(ctx context.Context, venueID string) ([]model.Table, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, venue_id::text, label, seats, status, online_bookable, priority_rank
		FROM tables
		WHERE venue_id = $1 AND status = 'active'
		ORDER BY priority_rank, id
	`, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Table
	for rows.Next() {
		var t model.Table
		if err := rows.Scan(&t.ID, &t.VenueID, &t.Label, &t.Seats, &t.Status, &t.OnlineBookable, &t.PriorityRank); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *VenueRepository) ListJoinGroups(ctx context.Context, venueID string) ([]model.JoinGroup, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, venue_id::text, name, table_ids, min_party_size, max_party_size
		FROM join_groups
		WHERE venue_id = $1
		ORDER BY id
	`, venueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.JoinGroup
	for rows.Next() {
		var g model.JoinGroup
		if err := rows.Scan(&g.ID, &g.VenueID, &g.Name, &g.TableIDs, &g.MinPartySize, &g.MaxPartySize); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListBookingWindows returns the venue's windows, with blackout periods
// attached. serviceID narrows to one service when non-empty.
func (r *VenueRepository) ListBookingWindows(ctx context.Context, venueID, serviceID string) ([]model.BookingWindow, error) {
	query := `
		SELECT id, venue_id::text, service_id, days, start_minute, end_minute, start_date, end_date
		FROM booking_windows
		WHERE venue_id = $1
	`
	args := []any{venueID}
	if serviceID != "" {
		query += ` AND service_id = $2`
		args = append(args, serviceID)
	}
	query += ` ORDER BY id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []model.BookingWindow
	var ids []int64
	for rows.Next() {
		var w model.BookingWindow
		var days []string
		if err := rows.Scan(&w.ID, &w.VenueID, &w.ServiceID, &days, &w.StartMinute, &w.EndMinute, &w.StartDate, &w.EndDate); err != nil {
			return nil, err
		}
		for _, d := range days {
			wd, err := timeslot.ParseWeekday(d)
			if err != nil {
				return nil, fmt.Errorf("window %d: %w", w.ID, err)
			}
			w.Days = append(w.Days, wd)
		}
		windows = append(windows, w)
		ids = append(ids, w.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, nil
	}

	blackouts, err := r.listBlackouts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range windows {
		windows[i].Blackouts = blackouts[windows[i].ID]
	}
	return windows, nil
}

func (r *VenueRepository) listBlackouts(ctx context.Context, windowIDs []int64) (map[int64][]model.BlackoutPeriod, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT window_id, start_date, end_date, COALESCE(reason, '')
		FROM blackout_periods
		WHERE window_id = ANY($1)
		ORDER BY start_date
	`, windowIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]model.BlackoutPeriod)
	for rows.Next() {
		var windowID int64
		var b model.BlackoutPeriod
		if err := rows.Scan(&windowID, &b.StartDate, &b.EndDate, &b.Reason); err != nil {
			return nil, err
		}
		out[windowID] = append(out[windowID], b)
	}
	return out, rows.Err()
}

func (r *VenueRepository) ListPriorities(ctx context.Context, venueID string, partySize int) ([]model.BookingPriority, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT venue_id::text, party_size, item_type, item_id, priority_rank
		FROM booking_priorities
		WHERE venue_id = $1 AND party_size = $2
		ORDER BY priority_rank
	`, venueID, partySize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BookingPriority
	for rows.Next() {
		var p model.BookingPriority
		var itemType string
		if err := rows.Scan(&p.VenueID, &p.PartySize, &itemType, &p.ItemID, &p.PriorityRank); err != nil {
			return nil, err
		}
		p.ItemType = model.PriorityItemType(itemType)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPolicy returns the venue's deposit policy. Venues without a policy row
// default to no deposit.
func (r *VenueRepository) GetPolicy(ctx context.Context, venueID string) (model.VenuePolicy, error) {
	var p model.VenuePolicy
	err := r.pool.QueryRow(ctx, `
		SELECT venue_id::text, deposit_required, deposit_amount_cents, currency
		FROM venue_policies
		WHERE venue_id = $1
	`, venueID).Scan(&p.VenueID, &p.DepositRequired, &p.DepositAmountCents, &p.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.VenuePolicy{VenueID: venueID}, nil
	}
	if err != nil {
		return model.VenuePolicy{}, err
	}
	return p, nil
}
