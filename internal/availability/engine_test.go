package availability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seatplan/seatplan/internal/model"
)

type fakeStore struct {
	tables     []model.Table
	groups     []model.JoinGroup
	windows    []model.BookingWindow
	bookings   []model.Booking
	priorities []model.BookingPriority

	tableCalls int
	listErr    error
}

func (f *fakeStore) ListActiveTables(_ context.Context, _ string) ([]model.Table, error) {
	f.tableCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
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

func allWeek() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

func dinnerWindow(days ...time.Weekday) model.BookingWindow {
	if len(days) == 0 {
		days = allWeek()
	}
	// 17:00-22:00 dinner service.
	return model.BookingWindow{ID: 1, VenueID: "v1", ServiceID: "dinner", Days: days, StartMinute: 1020, EndMinute: 1320}
}

func fourTop(id int64) model.Table {
	return model.Table{ID: id, VenueID: "v1", Label: fmt.Sprintf("T%d", id), Seats: 4, Status: model.TableStatusActive, OnlineBookable: true, PriorityRank: int(id)}
}

var sunday = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) // 2025-06-01 is a Sunday

func TestCheckSlot_OpenTable(t *testing.T) {
	store := &fakeStore{
		windows: []model.BookingWindow{dinnerWindow()},
		tables:  []model.Table{fourTop(1)},
	}
	eng := NewEngine(store, nil, nil, Config{})

	res, err := eng.CheckSlot(context.Background(), "v1", sunday, 1140, 4, 120)
	if err != nil {
		t.Fatalf("CheckSlot: %v", err)
	}
	if !res.Available {
		t.Fatalf("expected available, got %+v", res)
	}
}

func TestCheckSlot_FullyBookedSuggestsAlternatives(t *testing.T) {
	store := &fakeStore{
		windows: []model.BookingWindow{dinnerWindow()},
		tables:  []model.Table{fourTop(1)},
		bookings: []model.Booking{{
			ID: "b1", VenueID: "v1", TableIDs: []int64{1}, PartySize: 4,
			Date: sunday, StartMinute: 1110, DurationMins: 120, Status: model.StatusConfirmed, // 18:30-20:30
		}},
	}
	eng := NewEngine(store, nil, nil, Config{})

	res, err := eng.CheckSlot(context.Background(), "v1", sunday, 1140, 4, 120) // 19:00
	if err != nil {
		t.Fatalf("CheckSlot: %v", err)
	}
	if res.Available {
		t.Fatal("expected unavailable")
	}
	if res.Reason != ReasonFullyBooked {
		t.Fatalf("reason = %q", res.Reason)
	}
	if len(res.SuggestedTimes) == 0 || len(res.SuggestedTimes) > 3 {
		t.Fatalf("suggested times = %v", res.SuggestedTimes)
	}
	prev := ""
	for _, s := range res.SuggestedTimes {
		if s == "19:00" {
			t.Fatal("suggestions must not include the requested time")
		}
		if prev != "" && s <= prev {
			t.Fatalf("suggestions not ascending: %v", res.SuggestedTimes)
		}
		prev = s
	}
	// Every 2h seating starting before 20:30 overlaps the 18:30-20:30 booking,
	// so the first suggestion is 20:30 itself (touching endpoints do not overlap).
	if res.SuggestedTimes[0] != "20:30" {
		t.Fatalf("expected first suggestion 20:30, got %v", res.SuggestedTimes)
	}
}

func TestCheckSlot_SuggestionsBoundedToServiceHours(t *testing.T) {
	// Service runs 17:00-20:00 and the only table is taken 18:00-20:00, so the
	// times after closing that would otherwise free up must not be suggested.
	w := dinnerWindow()
	w.EndMinute = 1200
	store := &fakeStore{
		windows: []model.BookingWindow{w},
		tables:  []model.Table{fourTop(1)},
		bookings: []model.Booking{{
			ID: "b1", VenueID: "v1", TableIDs: []int64{1}, PartySize: 4,
			Date: sunday, StartMinute: 1080, DurationMins: 120, Status: model.StatusConfirmed,
		}},
	}
	eng := NewEngine(store, nil, nil, Config{})

	res, err := eng.CheckSlot(context.Background(), "v1", sunday, 1110, 4, 60) // 18:30 for 1h
	if err != nil {
		t.Fatalf("CheckSlot: %v", err)
	}
	if res.Available || res.Reason != ReasonFullyBooked {
		t.Fatalf("got %+v", res)
	}
	for _, s := range res.SuggestedTimes {
		if s >= "20:00" {
			t.Fatalf("suggestion %s is outside service hours: %v", s, res.SuggestedTimes)
		}
	}
	// 17:00-18:00 touches the booking without overlapping and is the only open
	// in-window slot.
	if len(res.SuggestedTimes) != 1 || res.SuggestedTimes[0] != "17:00" {
		t.Fatalf("expected [17:00], got %v", res.SuggestedTimes)
	}
}

func TestCheckSlot_NoTablesForSize(t *testing.T) {
	store := &fakeStore{
		windows: []model.BookingWindow{dinnerWindow()},
		tables:  []model.Table{fourTop(1)},
	}
	eng := NewEngine(store, nil, nil, Config{})

	res, err := eng.CheckSlot(context.Background(), "v1", sunday, 1140, 6, 120)
	if err != nil {
		t.Fatalf("CheckSlot: %v", err)
	}
	if res.Available || res.Reason != ReasonNoTablesForSize {
		t.Fatalf("got %+v", res)
	}
}

func TestCheckSlot_NotOnlineBookableExcluded(t *testing.T) {
	tbl := fourTop(1)
	tbl.OnlineBookable = false
	store := &fakeStore{
		windows: []model.BookingWindow{dinnerWindow()},
		tables:  []model.Table{tbl},
	}
	eng := NewEngine(store, nil, nil, Config{})

	res, err := eng.CheckSlot(context.Background(), "v1", sunday, 1140, 4, 120)
	if err != nil {
		t.Fatalf("CheckSlot: %v", err)
	}
	if res.Available {
		t.Fatal("guest-facing check must ignore tables that are not online-bookable")
	}
}

func TestDateAvailable_WeekdayShortCircuit(t *testing.T) {
	store := &fakeStore{
		windows: []model.BookingWindow{dinnerWindow(time.Friday, time.Saturday)},
		tables:  []model.Table{fourTop(1)},
	}
	eng := NewEngine(store, nil, nil, Config{})

	tuesday := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)
	ok, err := eng.DateAvailable(context.Background(), "v1", tuesday, 4)
	if err != nil {
		t.Fatalf("DateAvailable: %v", err)
	}
	if ok {
		t.Fatal("Tuesday must not be available for a fri/sat window")
	}
	if store.tableCalls != 0 {
		t.Fatal("window filtering must short-circuit before any table query")
	}
}

func TestDateAvailable_Blackout(t *testing.T) {
	w := dinnerWindow()
	w.Blackouts = []model.BlackoutPeriod{{
		StartDate: time.Date(2025, 5, 30, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		Reason:    "private event",
	}}
	store := &fakeStore{windows: []model.BookingWindow{w}, tables: []model.Table{fourTop(1)}}
	eng := NewEngine(store, nil, nil, Config{})

	ok, err := eng.DateAvailable(context.Background(), "v1", sunday, 4)
	if err != nil {
		t.Fatalf("DateAvailable: %v", err)
	}
	if ok {
		t.Fatal("blacked-out date must not be available")
	}
}

func TestDateAvailable_ValidityRange(t *testing.T) {
	w := dinnerWindow()
	from := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	w.StartDate = &from
	store := &fakeStore{windows: []model.BookingWindow{w}, tables: []model.Table{fourTop(1)}}
	eng := NewEngine(store, nil, nil, Config{})

	ok, err := eng.DateAvailable(context.Background(), "v1", sunday, 4)
	if err != nil {
		t.Fatalf("DateAvailable: %v", err)
	}
	if ok {
		t.Fatal("date before window validity must not be available")
	}
}

func TestDateAvailable_NoWindows(t *testing.T) {
	store := &fakeStore{tables: []model.Table{fourTop(1)}}
	eng := NewEngine(store, nil, nil, Config{})

	ok, err := eng.DateAvailable(context.Background(), "v1", sunday, 4)
	if err != nil {
		t.Fatalf("DateAvailable: %v", err)
	}
	if ok {
		t.Fatal("venue with no booking windows has no availability")
	}
}

func TestDateAvailable_OpenSlotFound(t *testing.T) {
	store := &fakeStore{
		windows: []model.BookingWindow{dinnerWindow()},
		tables:  []model.Table{fourTop(1)},
		bookings: []model.Booking{{
			ID: "b1", TableIDs: []int64{1}, Date: sunday,
			StartMinute: 1020, DurationMins: 120, Status: model.StatusConfirmed, // 17:00-19:00
		}},
	}
	eng := NewEngine(store, nil, nil, Config{})

	ok, err := eng.DateAvailable(context.Background(), "v1", sunday, 4)
	if err != nil {
		t.Fatalf("DateAvailable: %v", err)
	}
	if !ok {
		t.Fatal("a partially booked day still has open slots")
	}
}

func TestWindowAvailability_JoinGroupAtomicity(t *testing.T) {
	t1 := fourTop(1)
	t2 := fourTop(2)
	store := &fakeStore{
		tables: []model.Table{t1, t2},
		groups: []model.JoinGroup{{
			ID: 1, VenueID: "v1", Name: "patio pair", TableIDs: []int64{1, 2},
			MinPartySize: 5, MaxPartySize: 8,
		}},
		bookings: []model.Booking{{
			ID: "b1", TableIDs: []int64{1}, Date: sunday,
			StartMinute: 1140, DurationMins: 120, Status: model.StatusConfirmed,
		}},
	}
	eng := NewEngine(store, nil, nil, Config{})

	res, err := eng.WindowAvailability(context.Background(), "v1", sunday, 1140, 1140, 6, 120)
	if err != nil {
		t.Fatalf("WindowAvailability: %v", err)
	}
	slot := res["19:00"]
	if slot.Available {
		t.Fatalf("group with one occupied member must be unavailable, got %+v", slot)
	}
}

func TestWindowAvailability_PrefersJoinGroup(t *testing.T) {
	big := model.Table{ID: 3, VenueID: "v1", Label: "T3", Seats: 10, Status: model.TableStatusActive, OnlineBookable: true}
	store := &fakeStore{
		tables: []model.Table{fourTop(1), fourTop(2), big},
		groups: []model.JoinGroup{{
			ID: 1, VenueID: "v1", Name: "patio pair", TableIDs: []int64{1, 2},
			MinPartySize: 5, MaxPartySize: 8,
		}},
	}
	eng := NewEngine(store, nil, nil, Config{})

	res, err := eng.WindowAvailability(context.Background(), "v1", sunday, 1140, 1140, 6, 120)
	if err != nil {
		t.Fatalf("WindowAvailability: %v", err)
	}
	slot := res["19:00"]
	if !slot.Available || slot.JoinGroup != "patio pair" {
		t.Fatalf("expected join group preferred, got %+v", slot)
	}
}

func TestWindowAvailability_FallsBackToTable(t *testing.T) {
	store := &fakeStore{tables: []model.Table{fourTop(1)}}
	eng := NewEngine(store, nil, nil, Config{})

	res, err := eng.WindowAvailability(context.Background(), "v1", sunday, 1140, 1170, 2, 120)
	if err != nil {
		t.Fatalf("WindowAvailability: %v", err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 slots (inclusive bounds), got %d", len(res))
	}
	slot := res["19:00"]
	if !slot.Available || len(slot.Tables) != 1 {
		t.Fatalf("expected table fallback, got %+v", slot)
	}
}

func TestInvalidInput(t *testing.T) {
	eng := NewEngine(&fakeStore{}, nil, nil, Config{})

	if _, err := eng.DateAvailable(context.Background(), "v1", sunday, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := eng.CheckSlot(context.Background(), "v1", sunday, -15, 2, 120); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := eng.WindowAvailability(context.Background(), "v1", sunday, 1200, 1100, 2, 120); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	boom := errors.New("connection refused")
	store := &fakeStore{
		windows: []model.BookingWindow{dinnerWindow()},
		listErr: boom,
	}
	eng := NewEngine(store, nil, nil, Config{})

	_, err := eng.CheckSlot(context.Background(), "v1", sunday, 1140, 4, 120)
	if !errors.Is(err, boom) {
		t.Fatalf("store failure must propagate, got %v", err)
	}
}
