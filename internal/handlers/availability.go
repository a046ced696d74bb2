package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/seatplan/seatplan/internal/availability"
	"github.com/seatplan/seatplan/internal/timeslot"
)

type AvailabilityHandler struct {
	engine    *availability.Engine
	logger    *slog.Logger
	maxDays   int
	batchSize int
}

// NewAvailabilityHandler serves the guest date picker, the guest time picker,
// and the staff window scan. batchSize bounds how many per-date checks run
// against the store at once during a date-range fan-out.
func NewAvailabilityHandler(engine *availability.Engine, logger *slog.Logger, maxDays, batchSize int) *AvailabilityHandler {
	if maxDays <= 0 {
		maxDays = 90
	}
	if batchSize <= 0 {
		batchSize = 14
	}
	return &AvailabilityHandler{engine: engine, logger: logger, maxDays: maxDays, batchSize: batchSize}
}

type dateItem struct {
	Date      string `json:"date"`
	Available bool   `json:"available"`
}

// Dates handles GET /api/v1/public/availability/dates.
func (h *AvailabilityHandler) Dates(w http.ResponseWriter, r *http.Request) {
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
	partySize, err := strconv.Atoi(q.Get("party_size"))
	if err != nil || partySize < 1 {
		http.Error(w, "invalid party_size", http.StatusBadRequest)
		return
	}
	startDate, err := timeslot.ParseDate(q.Get("start_date"))
	if err != nil {
		http.Error(w, "invalid start_date", http.StatusBadRequest)
		return
	}
	days := h.maxDays
	if raw := q.Get("days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days < 1 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}
		if days > h.maxDays {
			days = h.maxDays
		}
	}

	// Fan out the per-date checks; the semaphore bounds outstanding store
	// queries, it is not needed for correctness.
	items := make([]dateItem, days)
	sem := make(chan struct{}, h.batchSize)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < days; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			date := startDate.AddDate(0, 0, i)
			ok, err := h.engine.DateAvailable(r.Context(), venueID, date, partySize)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && firstErr == nil {
				firstErr = err
				return
			}
			items[i] = dateItem{Date: timeslot.FormatDate(date), Available: ok}
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		h.fail(w, firstErr, venueID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"venue_id":   venueID,
		"party_size": partySize,
		"dates":      items,
	})
}

// Slots handles GET /api/v1/public/availability/slots.
func (h *AvailabilityHandler) Slots(w http.ResponseWriter, r *http.Request) {
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
	startMinute, err := timeslot.ParseClock(q.Get("time"))
	if err != nil {
		http.Error(w, "invalid time", http.StatusBadRequest)
		return
	}
	partySize, err := strconv.Atoi(q.Get("party_size"))
	if err != nil || partySize < 1 {
		http.Error(w, "invalid party_size", http.StatusBadRequest)
		return
	}
	durationMins := 0
	if raw := q.Get("duration_minutes"); raw != "" {
		durationMins, err = strconv.Atoi(raw)
		if err != nil || durationMins < 1 {
			http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
			return
		}
	}

	res, err := h.engine.CheckSlot(r.Context(), venueID, date, startMinute, partySize, durationMins)
	if err != nil {
		h.fail(w, err, venueID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Window handles GET /api/v1/availability/window (staff, join-group aware).
func (h *AvailabilityHandler) Window(w http.ResponseWriter, r *http.Request) {
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
	startMinute, err := timeslot.ParseClock(q.Get("start"))
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	endMinute, err := timeslot.ParseClock(q.Get("end"))
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}
	partySize, err := strconv.Atoi(q.Get("party_size"))
	if err != nil || partySize < 1 {
		http.Error(w, "invalid party_size", http.StatusBadRequest)
		return
	}
	durationMins := 0
	if raw := q.Get("duration_minutes"); raw != "" {
		durationMins, err = strconv.Atoi(raw)
		if err != nil || durationMins < 1 {
			http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
			return
		}
	}

	slots, err := h.engine.WindowAvailability(r.Context(), venueID, date, startMinute, endMinute, partySize, durationMins)
	if err != nil {
		h.fail(w, err, venueID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"venue_id": venueID,
		"date":     timeslot.FormatDate(date),
		"slots":    slots,
	})
}

// fail maps engine errors: bad input is the caller's fault, anything else is
// a data-layer failure that must not masquerade as "no availability".
func (h *AvailabilityHandler) fail(w http.ResponseWriter, err error, venueID string) {
	if errors.Is(err, availability.ErrInvalidInput) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Error("availability check failed", "venue_id", venueID, "err", err)
	http.Error(w, "availability check failed", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
