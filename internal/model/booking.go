package model

import "time"

// Table is a physical seating unit configured by venue staff. The booking flow
// never creates or destroys tables; it only reads them.
type Table struct {
	ID             int64
	VenueID        string
	Label          string
	Seats          int
	Status         string
	OnlineBookable bool
	PriorityRank   int
}

const (
	TableStatusActive   = "active"
	TableStatusInactive = "inactive"
)

// JoinGroup is a named combination of tables seated together as one unit.
// A group is usable only when every member table is simultaneously free.
type JoinGroup struct {
	ID           int64
	VenueID      string
	Name         string
	TableIDs     []int64
	MinPartySize int
	MaxPartySize int
}

type BlackoutPeriod struct {
	StartDate time.Time
	EndDate   time.Time
	Reason    string
}

// BookingWindow is a recurring service schedule: weekdays, a same-day time
// range in minutes from midnight, an optional validity date range, and
// optional blackout periods.
type BookingWindow struct {
	ID          int64
	VenueID     string
	ServiceID   string
	Days        []time.Weekday
	StartMinute int
	EndMinute   int
	StartDate   *time.Time
	EndDate     *time.Time
	Blackouts   []BlackoutPeriod
}

type BookingStatus string

const (
	StatusConfirmed      BookingStatus = "confirmed"
	StatusSeated         BookingStatus = "seated"
	StatusFinished       BookingStatus = "finished"
	StatusCancelled      BookingStatus = "cancelled"
	StatusNoShow         BookingStatus = "no_show"
	StatusPendingPayment BookingStatus = "pending_payment"
	StatusPaymentFailed  BookingStatus = "payment_failed"
	StatusExpired        BookingStatus = "expired"
	StatusLate           BookingStatus = "late"
)

// Occupies reports whether a booking in this status holds its tables.
// Only cancelled and finished bookings release their interval.
func (s BookingStatus) Occupies() bool {
	return s != StatusCancelled && s != StatusFinished
}

// Booking occupies its assigned tables for the half-open interval
// [StartMinute, StartMinute+DurationMins) on Date. TableIDs is empty and
// Unallocated is true while the booking awaits a table assignment.
type Booking struct {
	ID           string
	VenueID      string
	TableIDs     []int64
	Unallocated  bool
	GuestName    string
	GuestEmail   string
	GuestPhone   string
	PartySize    int
	Date         time.Time
	StartMinute  int
	DurationMins int
	Status       BookingStatus
	CreatedAt    time.Time
}

type PriorityItemType string

const (
	PriorityTable PriorityItemType = "table"
	PriorityGroup PriorityItemType = "group"
)

// BookingPriority is an explicit staff preference for an exact party size,
// evaluated in ascending rank before any generic best-fit logic.
type BookingPriority struct {
	VenueID      string
	PartySize    int
	ItemType     PriorityItemType
	ItemID       int64
	PriorityRank int
}

// VenuePolicy carries the external payment fact consumed by the booking flow:
// whether a deposit is required and how much. Payment processing itself
// happens elsewhere.
type VenuePolicy struct {
	VenueID            string
	DepositRequired    bool
	DepositAmountCents int64
	Currency           string
}
