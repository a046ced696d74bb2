// Package occupancy computes which tables are taken for a candidate interval.
// It is the only overlap logic in the codebase; every availability and
// allocation decision goes through OccupiedTables.
package occupancy

import (
	"github.com/seatplan/seatplan/internal/model"
	"github.com/seatplan/seatplan/internal/timeslot"
)

// OccupiedTables returns the set of table ids held by bookings whose interval
// overlaps the half-open candidate interval [startMinute, startMinute+durationMinutes).
// Cancelled and finished bookings never occupy, nor do bookings without an
// assigned table. Bookings with no recorded duration fall back to defaultDurationMins.
func OccupiedTables(bookings []model.Booking, startMinute, durationMinutes, defaultDurationMins int) map[int64]struct{} {
	occupied := make(map[int64]struct{})
	candEnd := startMinute + durationMinutes

	for _, b := range bookings {
		if len(b.TableIDs) == 0 || !b.Status.Occupies() {
			continue
		}
		dur := b.DurationMins
		if dur <= 0 {
			dur = defaultDurationMins
		}
		if timeslot.Overlaps(startMinute, candEnd, b.StartMinute, b.StartMinute+dur) {
			for _, id := range b.TableIDs {
				occupied[id] = struct{}{}
			}
		}
	}
	return occupied
}

// AllFree reports whether none of the given table ids are in the occupied set.
func AllFree(occupied map[int64]struct{}, tableIDs []int64) bool {
	for _, id := range tableIDs {
		if _, taken := occupied[id]; taken {
			return false
		}
	}
	return true
}
