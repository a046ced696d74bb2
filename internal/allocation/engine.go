// Package allocation picks the concrete table or join group for a booking
// once availability is established, and persists the assignment.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/seatplan/seatplan/internal/availability"
	"github.com/seatplan/seatplan/internal/model"
	"github.com/seatplan/seatplan/internal/occupancy"
)

// ErrConflict is returned by Store.WriteBookingAllocation when another booking
// claimed one of the tables between the occupancy read and the write. The
// engine retries once with a fresh read before giving up.
var ErrConflict = errors.New("allocation conflict")

// Store adds the allocation write to the availability data access.
type Store interface {
	availability.Store
	WriteBookingAllocation(ctx context.Context, bookingID string, tableIDs []int64, unallocated bool) error
}

type Config struct {
	LargePartyMin       int
	DefaultDurationMins int
}

func (c Config) withDefaults() Config {
	if c.LargePartyMin <= 0 {
		c.LargePartyMin = 7
	}
	if c.DefaultDurationMins <= 0 {
		c.DefaultDurationMins = 120
	}
	return c
}

// Result reports the outcome of an allocation attempt. A nil TableIDs slice is
// a documented negative result, never an error: the reservation stands and
// waits for manual staff allocation.
type Result struct {
	TableIDs         []int64  `json:"table_ids,omitempty"`
	JoinGroup        string   `json:"join_group,omitempty"`
	Unallocated      bool     `json:"unallocated,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	AlternativeTimes []string `json:"alternative_times,omitempty"`
}

type Engine struct {
	store  Store
	avail  *availability.Engine
	logger *slog.Logger
	cfg    Config
}

func NewEngine(store Store, avail *availability.Engine, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, avail: avail, logger: logger, cfg: cfg.withDefaults()}
}

// Allocate selects table(s) for the party in strict order: exact-party-size
// priorities by ascending rank, then join groups for large parties, then the
// best-fit single table. It performs no writes.
func (e *Engine) Allocate(ctx context.Context, venueID string, date time.Time, startMinute, partySize, durationMins int) (Result, error) {
	if partySize < 1 {
		return Result{}, fmt.Errorf("%w: party size must be at least 1", availability.ErrInvalidInput)
	}
	if durationMins <= 0 {
		durationMins = e.cfg.DefaultDurationMins
	}

	tables, err := e.store.ListActiveTables(ctx, venueID)
	if err != nil {
		return Result{}, fmt.Errorf("list active tables for venue %s: %w", venueID, err)
	}
	groups, err := e.store.ListJoinGroups(ctx, venueID)
	if err != nil {
		return Result{}, fmt.Errorf("list join groups for venue %s: %w", venueID, err)
	}
	bookings, err := e.store.ListActiveBookings(ctx, venueID, date)
	if err != nil {
		return Result{}, fmt.Errorf("list active bookings for venue %s: %w", venueID, err)
	}

	occ := occupancy.OccupiedTables(bookings, startMinute, durationMins, e.cfg.DefaultDurationMins)

	byID := make(map[int64]model.Table, len(tables))
	for _, t := range tables {
		byID[t.ID] = t
	}
	groupByID := make(map[int64]model.JoinGroup, len(groups))
	for _, g := range groups {
		groupByID[g.ID] = g
	}

	// 1. Explicit staff priorities for this exact party size, ascending rank.
	priorities, err := e.store.ListPriorities(ctx, venueID, partySize)
	if err != nil {
		return Result{}, fmt.Errorf("list priorities for venue %s: %w", venueID, err)
	}
	sort.SliceStable(priorities, func(i, j int) bool {
		return priorities[i].PriorityRank < priorities[j].PriorityRank
	})
	for _, p := range priorities {
		switch p.ItemType {
		case model.PriorityTable:
			t, ok := byID[p.ItemID]
			if !ok || t.Seats < partySize {
				continue
			}
			if _, taken := occ[t.ID]; taken {
				continue
			}
			return Result{TableIDs: []int64{t.ID}}, nil
		case model.PriorityGroup:
			g, ok := groupByID[p.ItemID]
			if !ok || partySize < g.MinPartySize || partySize > g.MaxPartySize {
				continue
			}
			if !allMembersFree(g, byID, occ) {
				continue
			}
			return Result{TableIDs: append([]int64(nil), g.TableIDs...), JoinGroup: g.Name}, nil
		}
	}

	// 2. Join groups for large parties, in configured order.
	if partySize >= e.cfg.LargePartyMin {
		for _, g := range groups {
			if partySize < g.MinPartySize || partySize > g.MaxPartySize {
				continue
			}
			if !allMembersFree(g, byID, occ) {
				continue
			}
			return Result{TableIDs: append([]int64(nil), g.TableIDs...), JoinGroup: g.Name}, nil
		}
	}

	// 3. Best-fit single table: tightest seat fit first, then staff rank.
	var candidates []model.Table
	for _, t := range tables {
		if t.Seats < partySize {
			continue
		}
		if _, taken := occ[t.ID]; taken {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Seats != candidates[j].Seats {
			return candidates[i].Seats < candidates[j].Seats
		}
		if candidates[i].PriorityRank != candidates[j].PriorityRank {
			return candidates[i].PriorityRank < candidates[j].PriorityRank
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > 0 {
		return Result{TableIDs: []int64{candidates[0].ID}}, nil
	}

	// 4. Nothing fits. Reuse the decision engine's alternative-time search.
	res := Result{Unallocated: true, Reason: availability.ReasonFullyBooked}
	if e.avail != nil {
		slot, err := e.avail.CheckSlot(ctx, venueID, date, startMinute, partySize, durationMins)
		if err != nil {
			return Result{}, err
		}
		if slot.Reason != "" {
			res.Reason = slot.Reason
		}
		res.AlternativeTimes = slot.SuggestedTimes
	}
	return res, nil
}

// AllocateBooking runs Allocate and persists the outcome. A write conflict
// triggers one retry against fresh occupancy; if the conflict persists the
// booking is marked unallocated rather than failed.
func (e *Engine) AllocateBooking(ctx context.Context, bookingID, venueID string, date time.Time, startMinute, partySize, durationMins int) (Result, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := e.Allocate(ctx, venueID, date, startMinute, partySize, durationMins)
		if err != nil {
			return Result{}, err
		}
		if res.TableIDs == nil {
			if err := e.store.WriteBookingAllocation(ctx, bookingID, nil, true); err != nil {
				return Result{}, fmt.Errorf("mark booking %s unallocated: %w", bookingID, err)
			}
			return res, nil
		}

		err = e.store.WriteBookingAllocation(ctx, bookingID, res.TableIDs, false)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Result{}, fmt.Errorf("write allocation for booking %s: %w", bookingID, err)
		}
		e.logger.Warn("allocation write conflict, retrying with fresh occupancy",
			"booking_id", bookingID, "venue_id", venueID, "attempt", attempt+1)
	}

	// Conflicted twice: surface as no capacity and leave the booking unallocated.
	if err := e.store.WriteBookingAllocation(ctx, bookingID, nil, true); err != nil {
		return Result{}, fmt.Errorf("mark booking %s unallocated: %w", bookingID, err)
	}
	return Result{Unallocated: true, Reason: availability.ReasonFullyBooked}, nil
}

func allMembersFree(g model.JoinGroup, tables map[int64]model.Table, occ map[int64]struct{}) bool {
	if len(g.TableIDs) == 0 {
		return false
	}
	for _, id := range g.TableIDs {
		if _, ok := tables[id]; !ok {
			return false
		}
		if _, taken := occ[id]; taken {
			return false
		}
	}
	return true
}
