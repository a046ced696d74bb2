package storage

// Store combines the venue configuration reads and the booking reads/writes
// into the single data-access surface the decision engines consume.
type Store struct {
	*VenueRepository
	*BookingRepository
}

func NewStore(venues *VenueRepository, bookings *BookingRepository) *Store {
	return &Store{VenueRepository: venues, BookingRepository: bookings}
}
