package occupancy

import (
	"testing"

	"github.com/seatplan/seatplan/internal/model"
)

func booking(tableIDs []int64, startMinute, durationMins int, status model.BookingStatus) model.Booking {
	return model.Booking{
		ID:           "b1",
		TableIDs:     tableIDs,
		PartySize:    2,
		StartMinute:  startMinute,
		DurationMins: durationMins,
		Status:       status,
	}
}

func TestOccupiedTables_Overlap(t *testing.T) {
	// Booking 18:30-20:30 on table 1.
	bookings := []model.Booking{booking([]int64{1}, 1110, 120, model.StatusConfirmed)}

	// Candidate 19:00-21:00 overlaps.
	occ := OccupiedTables(bookings, 1140, 120, 120)
	if _, ok := occ[1]; !ok {
		t.Fatal("table 1 should be occupied at 19:00")
	}

	// Candidate 20:30-22:30 touches the booking end; half-open intervals do not overlap.
	occ = OccupiedTables(bookings, 1230, 120, 120)
	if _, ok := occ[1]; ok {
		t.Fatal("table 1 should be free at 20:30")
	}

	// Candidate 16:30-18:30 touches the booking start.
	occ = OccupiedTables(bookings, 990, 120, 120)
	if _, ok := occ[1]; ok {
		t.Fatal("table 1 should be free at 16:30")
	}
}

func TestOccupiedTables_ExcludesCancelledAndFinished(t *testing.T) {
	bookings := []model.Booking{
		booking([]int64{1}, 1140, 120, model.StatusCancelled),
		booking([]int64{2}, 1140, 120, model.StatusFinished),
		booking([]int64{3}, 1140, 120, model.StatusSeated),
		booking([]int64{4}, 1140, 120, model.StatusPendingPayment),
	}
	occ := OccupiedTables(bookings, 1140, 120, 120)
	if _, ok := occ[1]; ok {
		t.Fatal("cancelled booking must not occupy")
	}
	if _, ok := occ[2]; ok {
		t.Fatal("finished booking must not occupy")
	}
	if _, ok := occ[3]; !ok {
		t.Fatal("seated booking must occupy")
	}
	if _, ok := occ[4]; !ok {
		t.Fatal("pending_payment booking must occupy")
	}
}

func TestOccupiedTables_DefaultDuration(t *testing.T) {
	// Booking at 18:00 with no duration recorded defaults to 120 minutes.
	bookings := []model.Booking{booking([]int64{1}, 1080, 0, model.StatusConfirmed)}

	occ := OccupiedTables(bookings, 1170, 30, 120)
	if _, ok := occ[1]; !ok {
		t.Fatal("19:30 should conflict with a default-length booking at 18:00")
	}
	occ = OccupiedTables(bookings, 1200, 30, 120)
	if _, ok := occ[1]; ok {
		t.Fatal("20:00 should not conflict with a default-length booking at 18:00")
	}
}

func TestOccupiedTables_UnallocatedBookingsIgnored(t *testing.T) {
	bookings := []model.Booking{booking(nil, 1140, 120, model.StatusConfirmed)}
	occ := OccupiedTables(bookings, 1140, 120, 120)
	if len(occ) != 0 {
		t.Fatalf("booking with no table should not occupy, got %v", occ)
	}
}

func TestOccupiedTables_JoinedTables(t *testing.T) {
	bookings := []model.Booking{booking([]int64{1, 2}, 1140, 120, model.StatusConfirmed)}
	occ := OccupiedTables(bookings, 1150, 60, 120)
	if !(!AllFree(occ, []int64{1}) && !AllFree(occ, []int64{2})) {
		t.Fatal("both joined tables should be occupied")
	}
	if !AllFree(occ, []int64{3}) {
		t.Fatal("table 3 should be free")
	}
}
