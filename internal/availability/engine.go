// Package availability decides whether a party can be seated at a venue on a
// given date and time. All three operations share the occupancy primitive in
// internal/occupancy; none carries its own overlap logic.
package availability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seatplan/seatplan/internal/cache"
	"github.com/seatplan/seatplan/internal/model"
	"github.com/seatplan/seatplan/internal/occupancy"
	"github.com/seatplan/seatplan/internal/timeslot"
)

// Store is the data access the engine needs. Implementations must exclude
// cancelled and finished bookings from ListActiveBookings and inactive tables
// from ListActiveTables.
type Store interface {
	ListActiveTables(ctx context.Context, venueID string) ([]model.Table, error)
	ListJoinGroups(ctx context.Context, venueID string) ([]model.JoinGroup, error)
	ListBookingWindows(ctx context.Context, venueID, serviceID string) ([]model.BookingWindow, error)
	ListActiveBookings(ctx context.Context, venueID string, date time.Time) ([]model.Booking, error)
	ListPriorities(ctx context.Context, venueID string, partySize int) ([]model.BookingPriority, error)
}

// ErrInvalidInput marks requests rejected before any data access.
var ErrInvalidInput = errors.New("invalid input")

// Negative-result reasons. These are normal control flow consumed by the UI,
// never errors: a venue with no configuration is "not available", while a
// failing store is a loud error the caller must distinguish.
const (
	ReasonNoWindows       = "venue has no booking windows"
	ReasonClosed          = "venue is not open on this date"
	ReasonNoTablesForSize = "no tables for this party size"
	ReasonFullyBooked     = "fully booked"
)

type Config struct {
	SlotStepMins         int
	DefaultDurationMins  int
	SuggestionRadiusMins int
	MaxSuggestions       int
	DateTTL              time.Duration
	SlotTTL              time.Duration
}

func (c Config) withDefaults() Config {
	if c.SlotStepMins <= 0 {
		c.SlotStepMins = 15
	}
	if c.DefaultDurationMins <= 0 {
		c.DefaultDurationMins = 120
	}
	if c.SuggestionRadiusMins <= 0 {
		c.SuggestionRadiusMins = 120
	}
	if c.MaxSuggestions <= 0 {
		c.MaxSuggestions = 3
	}
	if c.DateTTL <= 0 {
		c.DateTTL = 10 * time.Minute
	}
	if c.SlotTTL <= 0 {
		c.SlotTTL = 2 * time.Minute
	}
	return c
}

// SlotResult is the availability verdict for one time slot.
type SlotResult struct {
	Available      bool     `json:"available"`
	Reason         string   `json:"reason,omitempty"`
	SuggestedTimes []string `json:"suggested_times,omitempty"`
	Tables         []string `json:"tables,omitempty"`
	JoinGroup      string   `json:"join_group,omitempty"`
}

type Engine struct {
	store  Store
	memo   *cache.Cache
	logger *slog.Logger
	cfg    Config
}

// NewEngine builds a decision engine. memo may be nil to disable memoization.
func NewEngine(store Store, memo *cache.Cache, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, memo: memo, logger: logger, cfg: cfg.withDefaults()}
}

// Config exposes the resolved engine configuration so collaborators (the
// allocation engine, handlers) share the same duration default and slot step.
func (e *Engine) Config() Config {
	return e.cfg
}

// DateAvailable reports whether any slot on the date can seat the party at an
// online-bookable table. It short-circuits on window filtering before touching
// tables or bookings.
func (e *Engine) DateAvailable(ctx context.Context, venueID string, date time.Time, partySize int) (bool, error) {
	if err := validateParty(partySize); err != nil {
		return false, err
	}
	if venueID == "" {
		return false, fmt.Errorf("%w: venue id is required", ErrInvalidInput)
	}

	key := cache.DateKey(venueID, date, partySize)
	if v, ok := e.memo.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}

	windows, err := e.applicableWindows(ctx, venueID, date)
	if err != nil {
		return false, err
	}
	if len(windows) == 0 {
		e.memo.Set(key, false, e.cfg.DateTTL)
		return false, nil
	}

	tables, err := e.qualifyingTables(ctx, venueID, partySize, true)
	if err != nil {
		return false, err
	}
	if len(tables) == 0 {
		e.memo.Set(key, false, e.cfg.DateTTL)
		return false, nil
	}

	bookings, err := e.store.ListActiveBookings(ctx, venueID, date)
	if err != nil {
		return false, e.storeErr(err, "list active bookings", venueID, date)
	}

	for _, w := range windows {
		for _, m := range timeslot.Range(w.StartMinute, w.EndMinute, e.cfg.SlotStepMins) {
			occ := occupancy.OccupiedTables(bookings, m, e.cfg.DefaultDurationMins, e.cfg.DefaultDurationMins)
			if anyTableFree(tables, occ) {
				e.memo.Set(key, true, e.cfg.DateTTL)
				return true, nil
			}
		}
	}
	e.memo.Set(key, false, e.cfg.DateTTL)
	return false, nil
}

// CheckSlot is the guest-facing single-slot check. On a full house it suggests
// up to MaxSuggestions alternative times within the configured radius, bounded
// to the venue's applicable windows, never including the requested time.
func (e *Engine) CheckSlot(ctx context.Context, venueID string, date time.Time, startMinute, partySize, durationMins int) (SlotResult, error) {
	if err := validateParty(partySize); err != nil {
		return SlotResult{}, err
	}
	if err := validateMinute(startMinute); err != nil {
		return SlotResult{}, err
	}
	if durationMins <= 0 {
		durationMins = e.cfg.DefaultDurationMins
	}

	key := cache.SlotKey(venueID, date, startMinute, partySize, durationMins)
	if v, ok := e.memo.Get(key); ok {
		if res, ok := v.(SlotResult); ok {
			return res, nil
		}
	}

	res, err := e.checkSlot(ctx, venueID, date, startMinute, partySize, durationMins)
	if err != nil {
		return SlotResult{}, err
	}
	e.memo.Set(key, res, e.cfg.SlotTTL)
	return res, nil
}

func (e *Engine) checkSlot(ctx context.Context, venueID string, date time.Time, startMinute, partySize, durationMins int) (SlotResult, error) {
	windows, err := e.applicableWindows(ctx, venueID, date)
	if err != nil {
		return SlotResult{}, err
	}
	if len(windows) == 0 {
		return SlotResult{Available: false, Reason: ReasonClosed}, nil
	}

	tables, err := e.qualifyingTables(ctx, venueID, partySize, true)
	if err != nil {
		return SlotResult{}, err
	}
	if len(tables) == 0 {
		return SlotResult{Available: false, Reason: ReasonNoTablesForSize}, nil
	}

	bookings, err := e.store.ListActiveBookings(ctx, venueID, date)
	if err != nil {
		return SlotResult{}, e.storeErr(err, "list active bookings", venueID, date)
	}

	occ := occupancy.OccupiedTables(bookings, startMinute, durationMins, e.cfg.DefaultDurationMins)
	if anyTableFree(tables, occ) {
		return SlotResult{Available: true}, nil
	}

	suggested := e.suggestTimes(windows, tables, bookings, startMinute, durationMins)
	return SlotResult{Available: false, Reason: ReasonFullyBooked, SuggestedTimes: suggested}, nil
}

func (e *Engine) suggestTimes(windows []model.BookingWindow, tables []model.Table, bookings []model.Booking, requested, durationMins int) []string {
	lo := requested - e.cfg.SuggestionRadiusMins
	if lo < 0 {
		lo = 0
	}
	hi := requested + e.cfg.SuggestionRadiusMins
	if hi > timeslot.MinutesPerDay-1 {
		hi = timeslot.MinutesPerDay - 1
	}

	var out []string
	for m := lo; m <= hi && len(out) < e.cfg.MaxSuggestions; m += e.cfg.SlotStepMins {
		if m == requested || !withinAnyWindow(windows, m) {
			continue
		}
		occ := occupancy.OccupiedTables(bookings, m, durationMins, e.cfg.DefaultDurationMins)
		if anyTableFree(tables, occ) {
			out = append(out, timeslot.FormatClock(m))
		}
	}
	return out
}

// WindowAvailability is the staff-facing scan: for every slot between
// startMinute and endMinute (inclusive) it reports whether the party fits,
// preferring a join group over a single table when both would work.
func (e *Engine) WindowAvailability(ctx context.Context, venueID string, date time.Time, startMinute, endMinute, partySize, durationMins int) (map[string]SlotResult, error) {
	if err := validateParty(partySize); err != nil {
		return nil, err
	}
	if err := validateMinute(startMinute); err != nil {
		return nil, err
	}
	if err := validateMinute(endMinute); err != nil {
		return nil, err
	}
	if endMinute < startMinute {
		return nil, fmt.Errorf("%w: end time before start time", ErrInvalidInput)
	}
	if durationMins <= 0 {
		durationMins = e.cfg.DefaultDurationMins
	}

	key := cache.WindowKey(venueID, date, startMinute, endMinute, partySize, durationMins)
	if v, ok := e.memo.Get(key); ok {
		if res, ok := v.(map[string]SlotResult); ok {
			return res, nil
		}
	}

	tables, err := e.store.ListActiveTables(ctx, venueID)
	if err != nil {
		return nil, e.storeErr(err, "list active tables", venueID, date)
	}
	groups, err := e.store.ListJoinGroups(ctx, venueID)
	if err != nil {
		return nil, e.storeErr(err, "list join groups", venueID, date)
	}
	bookings, err := e.store.ListActiveBookings(ctx, venueID, date)
	if err != nil {
		return nil, e.storeErr(err, "list active bookings", venueID, date)
	}

	active := make(map[int64]model.Table, len(tables))
	for _, t := range tables {
		active[t.ID] = t
	}

	out := make(map[string]SlotResult)
	for m := startMinute; m <= endMinute; m += e.cfg.SlotStepMins {
		occ := occupancy.OccupiedTables(bookings, m, durationMins, e.cfg.DefaultDurationMins)
		out[timeslot.FormatClock(m)] = e.slotVerdict(tables, groups, active, occ, partySize)
	}
	e.memo.Set(key, out, e.cfg.SlotTTL)
	return out, nil
}

// slotVerdict checks join groups first so that large parties land on a
// combination even when a single oversized table would also fit.
func (e *Engine) slotVerdict(tables []model.Table, groups []model.JoinGroup, active map[int64]model.Table, occ map[int64]struct{}, partySize int) SlotResult {
	for _, g := range groups {
		if partySize < g.MinPartySize || partySize > g.MaxPartySize {
			continue
		}
		if !groupUsable(g, active, occ) {
			continue
		}
		return SlotResult{Available: true, JoinGroup: g.Name}
	}

	var free []string
	for _, t := range tables {
		if t.Seats < partySize {
			continue
		}
		if _, taken := occ[t.ID]; taken {
			continue
		}
		free = append(free, t.Label)
	}
	if len(free) > 0 {
		return SlotResult{Available: true, Tables: free}
	}
	return SlotResult{Available: false, Reason: ReasonFullyBooked}
}

// groupUsable reports whether every member table of the group exists, is
// active, and is unoccupied. Partial availability never qualifies.
func groupUsable(g model.JoinGroup, active map[int64]model.Table, occ map[int64]struct{}) bool {
	if len(g.TableIDs) == 0 {
		return false
	}
	for _, id := range g.TableIDs {
		if _, ok := active[id]; !ok {
			return false
		}
		if _, taken := occ[id]; taken {
			return false
		}
	}
	return true
}

// applicableWindows loads the venue's booking windows and keeps those whose
// weekday set contains the date, whose validity range covers it, and which are
// not blacked out. An empty result is a negative verdict, not an error.
func (e *Engine) applicableWindows(ctx context.Context, venueID string, date time.Time) ([]model.BookingWindow, error) {
	windows, err := e.store.ListBookingWindows(ctx, venueID, "")
	if err != nil {
		return nil, e.storeErr(err, "list booking windows", venueID, date)
	}
	var out []model.BookingWindow
	for _, w := range windows {
		if windowApplies(w, date) {
			out = append(out, w)
		}
	}
	return out, nil
}

func windowApplies(w model.BookingWindow, date time.Time) bool {
	wd := date.Weekday()
	found := false
	for _, d := range w.Days {
		if d == wd {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if !timeslot.WithinRange(date, w.StartDate, w.EndDate) {
		return false
	}
	for _, b := range w.Blackouts {
		if timeslot.WithinRange(date, &b.StartDate, &b.EndDate) {
			return false
		}
	}
	return true
}

// withinAnyWindow reports whether a slot starting at minute m falls inside any
// of the windows' service hours. The end bound is exclusive: a seating cannot
// start at closing time.
func withinAnyWindow(windows []model.BookingWindow, m int) bool {
	for _, w := range windows {
		if m >= w.StartMinute && m < w.EndMinute {
			return true
		}
	}
	return false
}

func (e *Engine) qualifyingTables(ctx context.Context, venueID string, partySize int, onlineOnly bool) ([]model.Table, error) {
	tables, err := e.store.ListActiveTables(ctx, venueID)
	if err != nil {
		return nil, e.storeErr(err, "list active tables", venueID, time.Time{})
	}
	var out []model.Table
	for _, t := range tables {
		if t.Seats < partySize {
			continue
		}
		if onlineOnly && !t.OnlineBookable {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func anyTableFree(tables []model.Table, occ map[int64]struct{}) bool {
	for _, t := range tables {
		if _, taken := occ[t.ID]; !taken {
			return true
		}
	}
	return false
}

func (e *Engine) storeErr(err error, op, venueID string, date time.Time) error {
	attrs := []any{"op", op, "venue_id", venueID, "err", err}
	if !date.IsZero() {
		attrs = append(attrs, "date", timeslot.FormatDate(date))
	}
	e.logger.Error("availability store failure", attrs...)
	return fmt.Errorf("%s for venue %s: %w", op, venueID, err)
}

func validateParty(partySize int) error {
	if partySize < 1 {
		return fmt.Errorf("%w: party size must be at least 1", ErrInvalidInput)
	}
	return nil
}

func validateMinute(m int) error {
	if m < 0 || m >= timeslot.MinutesPerDay {
		return fmt.Errorf("%w: time of day out of range", ErrInvalidInput)
	}
	return nil
}
