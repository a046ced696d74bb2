package allocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seatplan/seatplan/internal/availability"
	"github.com/seatplan/seatplan/internal/model"
)

type fakeStore struct {
	tables     []model.Table
	groups     []model.JoinGroup
	windows    []model.BookingWindow
	bookings   []model.Booking
	priorities []model.BookingPriority

	writes        []write
	conflictsLeft int
	// onConflict lets a test mutate state between the failed write and the retry.
	onConflict func()
}

type write struct {
	bookingID   string
	tableIDs    []int64
	unallocated bool
}

func (f *fakeStore) ListActiveTables(_ context.Context, _ string) ([]model.Table, error) {
	return f.tables, nil
}

func (f *fakeStore) ListJoinGroups(_ context.Context, _ string) ([]model.JoinGroup, error) {
	return f.groups, nil
}

func (f *fakeStore) ListBookingWindows(_ context.Context, _, _ string) ([]model.BookingWindow, error) {
	return f.windows, nil
}

func (f *fakeStore) ListActiveBookings(_ context.Context, _ string, _ time.Time) ([]model.Booking, error) {
	return f.bookings, nil
}

func (f *fakeStore) ListPriorities(_ context.Context, _ string, _ int) ([]model.BookingPriority, error) {
	return f.priorities, nil
}

func (f *fakeStore) WriteBookingAllocation(_ context.Context, bookingID string, tableIDs []int64, unallocated bool) error {
	if f.conflictsLeft > 0 && !unallocated {
		f.conflictsLeft--
		if f.onConflict != nil {
			f.onConflict()
		}
		return ErrConflict
	}
	f.writes = append(f.writes, write{bookingID: bookingID, tableIDs: tableIDs, unallocated: unallocated})
	return nil
}

var sunday = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func table(id int64, seats, rank int) model.Table {
	return model.Table{ID: id, VenueID: "v1", Seats: seats, Status: model.TableStatusActive, OnlineBookable: true, PriorityRank: rank}
}

func newEngine(store *fakeStore) *Engine {
	avail := availability.NewEngine(store, nil, nil, availability.Config{})
	return NewEngine(store, avail, nil, Config{})
}

func TestAllocate_PriorityPrecedesBestFit(t *testing.T) {
	store := &fakeStore{
		// Table 2 is the tighter fit, but staff prefer table 1 for parties of 4.
		tables: []model.Table{table(1, 8, 5), table(2, 4, 1)},
		priorities: []model.BookingPriority{
			{VenueID: "v1", PartySize: 4, ItemType: model.PriorityTable, ItemID: 1, PriorityRank: 1},
		},
	}
	eng := newEngine(store)

	res, err := eng.Allocate(context.Background(), "v1", sunday, 1140, 4, 120)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(res.TableIDs) != 1 || res.TableIDs[0] != 1 {
		t.Fatalf("priority table must win over best fit, got %+v", res)
	}
}

func TestAllocate_PriorityGroupRankOrder(t *testing.T) {
	store := &fakeStore{
		tables: []model.Table{table(1, 4, 1), table(2, 4, 2), table(3, 4, 3)},
		groups: []model.JoinGroup{
			{ID: 10, Name: "window pair", TableIDs: []int64{1, 2}, MinPartySize: 5, MaxPartySize: 8},
			{ID: 11, Name: "back pair", TableIDs: []int64{2, 3}, MinPartySize: 5, MaxPartySize: 8},
		},
		priorities: []model.BookingPriority{
			{VenueID: "v1", PartySize: 6, ItemType: model.PriorityGroup, ItemID: 11, PriorityRank: 1},
			{VenueID: "v1", PartySize: 6, ItemType: model.PriorityGroup, ItemID: 10, PriorityRank: 2},
		},
	}
	eng := newEngine(store)

	res, err := eng.Allocate(context.Background(), "v1", sunday, 1140, 6, 120)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.JoinGroup != "back pair" {
		t.Fatalf("rank 1 group must be chosen, got %+v", res)
	}
}

func TestAllocate_SkipsOccupiedPriorityTarget(t *testing.T) {
	store := &fakeStore{
		tables: []model.Table{table(1, 4, 1), table(2, 4, 2)},
		priorities: []model.BookingPriority{
			{VenueID: "v1", PartySize: 4, ItemType: model.PriorityTable, ItemID: 1, PriorityRank: 1},
		},
		bookings: []model.Booking{{
			ID: "b1", TableIDs: []int64{1}, Date: sunday,
			StartMinute: 1140, DurationMins: 120, Status: model.StatusConfirmed,
		}},
	}
	eng := newEngine(store)

	res, err := eng.Allocate(context.Background(), "v1", sunday, 1140, 4, 120)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(res.TableIDs) != 1 || res.TableIDs[0] != 2 {
		t.Fatalf("occupied priority target must fall through to best fit, got %+v", res)
	}
}

func TestAllocate_LargePartyUsesJoinGroup(t *testing.T) {
	store := &fakeStore{
		tables: []model.Table{table(1, 4, 1), table(2, 4, 2), table(3, 12, 3)},
		groups: []model.JoinGroup{
			{ID: 10, Name: "long row", TableIDs: []int64{1, 2}, MinPartySize: 7, MaxPartySize: 8},
		},
	}
	eng := newEngine(store)

	res, err := eng.Allocate(context.Background(), "v1", sunday, 1140, 8, 120)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.JoinGroup != "long row" || len(res.TableIDs) != 2 {
		t.Fatalf("large party should land on the join group, got %+v", res)
	}
}

func TestAllocate_BestFitTieBreak(t *testing.T) {
	store := &fakeStore{
		// Seats 6 beats seats 8; among the six-seaters, lower rank wins.
		tables: []model.Table{table(1, 8, 1), table(2, 6, 4), table(3, 6, 2)},
	}
	eng := newEngine(store)

	res, err := eng.Allocate(context.Background(), "v1", sunday, 1140, 5, 120)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(res.TableIDs) != 1 || res.TableIDs[0] != 3 {
		t.Fatalf("expected tightest fit with lowest rank (table 3), got %+v", res)
	}
}

func TestAllocate_NothingFitsReturnsAlternatives(t *testing.T) {
	store := &fakeStore{
		windows: []model.BookingWindow{{
			ID: 1, VenueID: "v1",
			Days: []time.Weekday{time.Sunday},
			// 17:00-22:00
			StartMinute: 1020, EndMinute: 1320,
		}},
		tables: []model.Table{table(1, 4, 1)},
		bookings: []model.Booking{{
			ID: "b1", TableIDs: []int64{1}, Date: sunday,
			StartMinute: 1140, DurationMins: 120, Status: model.StatusConfirmed,
		}},
	}
	eng := newEngine(store)

	res, err := eng.Allocate(context.Background(), "v1", sunday, 1170, 4, 120)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if res.TableIDs != nil || !res.Unallocated {
		t.Fatalf("expected negative result, got %+v", res)
	}
	if len(res.AlternativeTimes) == 0 {
		t.Fatal("expected alternative times")
	}
}

func TestAllocateBooking_PersistsAssignment(t *testing.T) {
	store := &fakeStore{tables: []model.Table{table(1, 4, 1)}}
	eng := newEngine(store)

	res, err := eng.AllocateBooking(context.Background(), "bk1", "v1", sunday, 1140, 4, 120)
	if err != nil {
		t.Fatalf("AllocateBooking: %v", err)
	}
	if len(store.writes) != 1 {
		t.Fatalf("expected one write, got %d", len(store.writes))
	}
	w := store.writes[0]
	if w.bookingID != "bk1" || w.unallocated || len(w.tableIDs) != 1 || w.tableIDs[0] != res.TableIDs[0] {
		t.Fatalf("unexpected write %+v", w)
	}
}

func TestAllocateBooking_RetriesOnceOnConflict(t *testing.T) {
	store := &fakeStore{
		tables:        []model.Table{table(1, 4, 1), table(2, 4, 2)},
		conflictsLeft: 1,
	}
	// Simulate the concurrent booking that caused the conflict.
	store.onConflict = func() {
		store.bookings = append(store.bookings, model.Booking{
			ID: "rival", TableIDs: []int64{1}, Date: sunday,
			StartMinute: 1140, DurationMins: 120, Status: model.StatusConfirmed,
		})
	}
	eng := newEngine(store)

	res, err := eng.AllocateBooking(context.Background(), "bk1", "v1", sunday, 1140, 4, 120)
	if err != nil {
		t.Fatalf("AllocateBooking: %v", err)
	}
	if len(res.TableIDs) != 1 || res.TableIDs[0] != 2 {
		t.Fatalf("retry should pick the remaining table, got %+v", res)
	}
}

func TestAllocateBooking_PersistentConflictMarksUnallocated(t *testing.T) {
	store := &fakeStore{
		tables:        []model.Table{table(1, 4, 1)},
		conflictsLeft: 2,
	}
	eng := newEngine(store)

	res, err := eng.AllocateBooking(context.Background(), "bk1", "v1", sunday, 1140, 4, 120)
	if err != nil {
		t.Fatalf("AllocateBooking: %v", err)
	}
	if !res.Unallocated || res.TableIDs != nil {
		t.Fatalf("persistent conflict must degrade to unallocated, got %+v", res)
	}
	last := store.writes[len(store.writes)-1]
	if !last.unallocated {
		t.Fatalf("expected unallocated write, got %+v", last)
	}
}

func TestAllocate_InvalidPartySize(t *testing.T) {
	eng := newEngine(&fakeStore{})
	if _, err := eng.Allocate(context.Background(), "v1", sunday, 1140, 0, 120); !errors.Is(err, availability.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
