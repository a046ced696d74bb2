package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/seatplan/seatplan/libs/db"

	"github.com/seatplan/seatplan/internal/allocation"
	"github.com/seatplan/seatplan/internal/availability"
	"github.com/seatplan/seatplan/internal/cache"
	"github.com/seatplan/seatplan/internal/holds"
	"github.com/seatplan/seatplan/internal/model"
	"github.com/seatplan/seatplan/internal/outbox"
	"github.com/seatplan/seatplan/internal/storage"
	"github.com/seatplan/seatplan/internal/timeslot"
)

// BookingHandler drives the reservation lifecycle: create (with idempotency
// and optional slot hold), cancel, staff re-allocation, and listing.
type BookingHandler struct {
	pool   *db.Pool
	repo   *storage.BookingRepository
	venues *storage.VenueRepository
	alloc  *allocation.Engine
	avail  *availability.Engine
	holds  *holds.Manager
	memo   *cache.Cache
	outbox *outbox.Repository
	logger *slog.Logger
}

func NewBookingHandler(
	pool *db.Pool,
	repo *storage.BookingRepository,
	venues *storage.VenueRepository,
	alloc *allocation.Engine,
	avail *availability.Engine,
	holdMgr *holds.Manager,
	memo *cache.Cache,
	outboxRepo *outbox.Repository,
	logger *slog.Logger,
) *BookingHandler {
	return &BookingHandler{
		pool:   pool,
		repo:   repo,
		venues: venues,
		alloc:  alloc,
		avail:  avail,
		holds:  holdMgr,
		memo:   memo,
		outbox: outboxRepo,
		logger: logger,
	}
}

type createBookingRequest struct {
	VenueID         string `json:"venue_id"`
	GuestName       string `json:"guest_name"`
	GuestEmail      string `json:"guest_email"`
	GuestPhone      string `json:"guest_phone"`
	PartySize       int    `json:"party_size"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes int    `json:"duration_minutes"`
	HoldToken       string `json:"hold_token"`
}

type createBookingResponse struct {
	BookingID          string   `json:"booking_id"`
	Status             string   `json:"status"`
	TableIDs           []int64  `json:"table_ids,omitempty"`
	JoinGroup          string   `json:"join_group,omitempty"`
	Unallocated        bool     `json:"unallocated"`
	Reason             string   `json:"reason,omitempty"`
	AlternativeTimes   []string `json:"alternative_times,omitempty"`
	DepositRequired    bool     `json:"deposit_required"`
	DepositAmountCents int64    `json:"deposit_amount_cents,omitempty"`
}

// Create handles POST /api/v1/public/book.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.VenueID = strings.TrimSpace(req.VenueID)
	req.GuestName = strings.TrimSpace(req.GuestName)
	if req.VenueID == "" || req.GuestName == "" {
		http.Error(w, "venue_id and guest_name are required", http.StatusBadRequest)
		return
	}
	if req.PartySize < 1 {
		http.Error(w, "party_size must be at least 1", http.StatusBadRequest)
		return
	}
	date, err := timeslot.ParseDate(req.Date)
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	startMinute, err := timeslot.ParseClock(req.Time)
	if err != nil {
		http.Error(w, "invalid time", http.StatusBadRequest)
		return
	}
	if req.DurationMinutes < 0 {
		http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Reject bookings outside any window or for party sizes no table can ever
	// seat. A fully booked slot still creates a reservation; it stays
	// unallocated for staff to resolve.
	slot, err := h.avail.CheckSlot(ctx, req.VenueID, date, startMinute, req.PartySize, req.DurationMinutes)
	if err != nil {
		if errors.Is(err, availability.ErrInvalidInput) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("slot check failed", "venue_id", req.VenueID, "err", err)
		http.Error(w, "availability check failed", http.StatusInternalServerError)
		return
	}
	if !slot.Available && slot.Reason != availability.ReasonFullyBooked {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":           slot.Reason,
			"suggested_times": slot.SuggestedTimes,
		})
		return
	}

	if req.HoldToken != "" && h.holds != nil {
		err := h.holds.Validate(ctx, req.VenueID, date, startMinute, req.HoldToken)
		if errors.Is(err, holds.ErrNotHolder) {
			http.Error(w, "hold token expired or not held", http.StatusConflict)
			return
		}
		if err != nil {
			h.logger.Error("hold validation failed", "venue_id", req.VenueID, "err", err)
			http.Error(w, "hold validation failed", http.StatusInternalServerError)
			return
		}
	}

	policy, err := h.venues.GetPolicy(ctx, req.VenueID)
	if err != nil {
		h.logger.Error("load venue policy failed", "venue_id", req.VenueID, "err", err)
		http.Error(w, "could not load venue policy", http.StatusInternalServerError)
		return
	}
	status := model.StatusConfirmed
	if policy.DepositRequired {
		status = model.StatusPendingPayment
	}

	booking := model.Booking{
		ID:           uuid.NewString(),
		VenueID:      req.VenueID,
		Unallocated:  true,
		GuestName:    req.GuestName,
		GuestEmail:   strings.TrimSpace(req.GuestEmail),
		GuestPhone:   strings.TrimSpace(req.GuestPhone),
		PartySize:    req.PartySize,
		Date:         date,
		StartMinute:  startMinute,
		DurationMins: req.DurationMinutes,
		Status:       status,
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if done := h.createWithIdempotency(ctx, w, &booking, idemKey); done {
		return
	}

	res, err := h.alloc.AllocateBooking(ctx, booking.ID, booking.VenueID, booking.Date, booking.StartMinute, booking.PartySize, booking.DurationMins)
	if err != nil {
		// The reservation exists; allocation can be retried by staff.
		h.logger.Error("allocation failed, booking left unallocated",
			"booking_id", booking.ID, "venue_id", booking.VenueID, "err", err)
		res = allocation.Result{Unallocated: true}
	}
	if res.Unallocated {
		h.recordUnallocated(ctx, booking)
	}

	if req.HoldToken != "" && h.holds != nil {
		if err := h.holds.Release(ctx, req.VenueID, date, startMinute, req.HoldToken); err != nil {
			h.logger.Warn("hold release failed", "venue_id", req.VenueID, "err", err)
		}
	}
	h.memo.InvalidateVenueDate(booking.VenueID, booking.Date)

	writeJSON(w, http.StatusCreated, createBookingResponse{
		BookingID:          booking.ID,
		Status:             string(booking.Status),
		TableIDs:           res.TableIDs,
		JoinGroup:          res.JoinGroup,
		Unallocated:        res.Unallocated,
		Reason:             res.Reason,
		AlternativeTimes:   res.AlternativeTimes,
		DepositRequired:    policy.DepositRequired,
		DepositAmountCents: policy.DepositAmountCents,
	})
}

// createWithIdempotency inserts the booking and its outbox event in one
// transaction, claiming the Idempotency-Key when one is supplied. It returns
// true when it already wrote the HTTP response (replay, in-flight duplicate,
// or error); false means the booking was committed and the caller finishes
// the flow.
func (h *BookingHandler) createWithIdempotency(ctx context.Context, w http.ResponseWriter, booking *model.Booking, idemKey string) (done bool) {
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		h.logger.Error("begin tx failed", "err", err)
		http.Error(w, "could not create booking", http.StatusInternalServerError)
		return true
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if idemKey != "" {
		rec, existed, err := h.repo.LockIdempotencyKey(ctx, tx, booking.VenueID, idemKey)
		if err != nil {
			h.logger.Error("idempotency claim failed", "venue_id", booking.VenueID, "err", err)
			http.Error(w, "could not create booking", http.StatusInternalServerError)
			return true
		}
		if existed {
			if rec.StatusCode == 0 {
				http.Error(w, "request with this Idempotency-Key is in progress", http.StatusConflict)
				return true
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotency-Replay", "true")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.ResponsePayload)
			return true
		}
	}

	if err := h.repo.Create(ctx, tx, booking); err != nil {
		h.logger.Error("insert booking failed", "venue_id", booking.VenueID, "err", err)
		http.Error(w, "could not create booking", http.StatusInternalServerError)
		return true
	}

	payload, err := json.Marshal(map[string]any{
		"booking_id":   booking.ID,
		"venue_id":     booking.VenueID,
		"status":       string(booking.Status),
		"party_size":   booking.PartySize,
		"booking_date": timeslot.FormatDate(booking.Date),
		"time":         timeslot.FormatClock(booking.StartMinute),
	})
	if err != nil {
		http.Error(w, "could not create booking", http.StatusInternalServerError)
		return true
	}
	if err := h.outbox.Insert(ctx, tx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   booking.ID,
		EventType:     outbox.EventBooked,
		Payload:       payload,
	}); err != nil {
		h.logger.Error("outbox insert failed", "booking_id", booking.ID, "err", err)
		http.Error(w, "could not create booking", http.StatusInternalServerError)
		return true
	}

	if idemKey != "" {
		stored, _ := json.Marshal(createBookingResponse{
			BookingID: booking.ID,
			Status:    string(booking.Status),
		})
		if err := h.repo.FinalizeIdempotency(ctx, tx, booking.VenueID, idemKey, booking.ID, http.StatusCreated, stored); err != nil {
			h.logger.Error("idempotency finalize failed", "booking_id", booking.ID, "err", err)
			http.Error(w, "could not create booking", http.StatusInternalServerError)
			return true
		}
	}

	if err := tx.Commit(ctx); err != nil {
		h.logger.Error("commit failed", "booking_id", booking.ID, "err", err)
		http.Error(w, "could not create booking", http.StatusInternalServerError)
		return true
	}
	return false
}

func (h *BookingHandler) recordUnallocated(ctx context.Context, booking model.Booking) {
	payload, err := json.Marshal(map[string]any{
		"booking_id":   booking.ID,
		"venue_id":     booking.VenueID,
		"party_size":   booking.PartySize,
		"booking_date": timeslot.FormatDate(booking.Date),
		"time":         timeslot.FormatClock(booking.StartMinute),
	})
	if err != nil {
		return
	}
	err = h.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return h.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "booking",
			AggregateID:   booking.ID,
			EventType:     outbox.EventUnallocated,
			Payload:       payload,
		})
	})
	if err != nil {
		h.logger.Error("record unallocated event failed", "booking_id", booking.ID, "err", err)
	}
}

type cancelBookingRequest struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

// Cancel handles POST /api/v1/bookings/cancel. The status change, the
// occupancy release, and the outbox event commit in one transaction.
func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		http.Error(w, "missing booking_id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var venueID string
	var date time.Time
	err := h.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		venueID, date, err = h.repo.UpdateStatusTx(ctx, tx, req.BookingID, model.StatusCancelled)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(map[string]any{
			"booking_id":   req.BookingID,
			"venue_id":     venueID,
			"booking_date": timeslot.FormatDate(date),
			"reason":       strings.TrimSpace(req.Reason),
		})
		if err != nil {
			return err
		}
		return h.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "booking",
			AggregateID:   req.BookingID,
			EventType:     outbox.EventCancelled,
			Payload:       payload,
		})
	})
	if storage.IsNotFound(err) {
		http.Error(w, "booking not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("cancel failed", "booking_id", req.BookingID, "err", err)
		http.Error(w, "could not cancel booking", http.StatusInternalServerError)
		return
	}

	h.memo.InvalidateVenueDate(venueID, date)
	writeJSON(w, http.StatusOK, map[string]any{
		"booking_id": req.BookingID,
		"status":     string(model.StatusCancelled),
	})
}

type allocateBookingRequest struct {
	BookingID string `json:"booking_id"`
}

// Allocate handles POST /api/v1/bookings/allocate: staff re-run allocation for
// a booking that is unallocated or needs reseating.
func (h *BookingHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req allocateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		http.Error(w, "missing booking_id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	booking, err := h.repo.Get(ctx, req.BookingID)
	if storage.IsNotFound(err) {
		http.Error(w, "booking not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load booking failed", "booking_id", req.BookingID, "err", err)
		http.Error(w, "could not load booking", http.StatusInternalServerError)
		return
	}
	if !booking.Status.Occupies() || booking.Status == model.StatusExpired {
		http.Error(w, "booking is not active", http.StatusConflict)
		return
	}

	res, err := h.alloc.AllocateBooking(ctx, booking.ID, booking.VenueID, booking.Date, booking.StartMinute, booking.PartySize, booking.DurationMins)
	if err != nil {
		h.logger.Error("allocation failed", "booking_id", booking.ID, "err", err)
		http.Error(w, "allocation failed", http.StatusInternalServerError)
		return
	}

	h.memo.InvalidateVenueDate(booking.VenueID, booking.Date)
	writeJSON(w, http.StatusOK, map[string]any{
		"booking_id": booking.ID,
		"allocation": res,
	})
}

type bookingItem struct {
	BookingID    string  `json:"booking_id"`
	GuestName    string  `json:"guest_name"`
	PartySize    int     `json:"party_size"`
	Date         string  `json:"date"`
	Time         string  `json:"time"`
	DurationMins int     `json:"duration_minutes"`
	Status       string  `json:"status"`
	TableIDs     []int64 `json:"table_ids,omitempty"`
	Unallocated  bool    `json:"unallocated"`
}

// List handles GET /api/v1/bookings?venue_id&date for the staff day view.
func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	venueID := strings.TrimSpace(q.Get("venue_id"))
	if venueID == "" {
		http.Error(w, "missing venue_id", http.StatusBadRequest)
		return
	}
	date, err := timeslot.ParseDate(q.Get("date"))
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	bookings, err := h.repo.ListByVenueDate(r.Context(), venueID, date, limit)
	if err != nil {
		h.logger.Error("list bookings failed", "venue_id", venueID, "err", err)
		http.Error(w, "could not list bookings", http.StatusInternalServerError)
		return
	}

	items := make([]bookingItem, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, bookingItem{
			BookingID:    b.ID,
			GuestName:    b.GuestName,
			PartySize:    b.PartySize,
			Date:         timeslot.FormatDate(b.Date),
			Time:         timeslot.FormatClock(b.StartMinute),
			DurationMins: b.DurationMins,
			Status:       string(b.Status),
			TableIDs:     b.TableIDs,
			Unallocated:  b.Unallocated,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"venue_id": venueID,
		"date":     timeslot.FormatDate(date),
		"bookings": items,
	})
}
