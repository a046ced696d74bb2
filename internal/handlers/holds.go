package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/seatplan/seatplan/internal/holds"
	"github.com/seatplan/seatplan/internal/timeslot"
)

// HoldHandler hands out advisory slot holds for the guest booking flow.
type HoldHandler struct {
	holds  *holds.Manager
	logger *slog.Logger
}

func NewHoldHandler(mgr *holds.Manager, logger *slog.Logger) *HoldHandler {
	return &HoldHandler{holds: mgr, logger: logger}
}

type acquireHoldRequest struct {
	VenueID string `json:"venue_id"`
	Date    string `json:"date"`
	Time    string `json:"time"`
}

// Acquire handles POST /api/v1/public/holds.
func (h *HoldHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.holds == nil {
		http.Error(w, "slot holds are not enabled", http.StatusServiceUnavailable)
		return
	}

	var req acquireHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.VenueID = strings.TrimSpace(req.VenueID)
	if req.VenueID == "" {
		http.Error(w, "missing venue_id", http.StatusBadRequest)
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

	token, err := h.holds.Acquire(r.Context(), req.VenueID, date, startMinute)
	if errors.Is(err, holds.ErrSlotHeld) {
		http.Error(w, "slot is currently held by another guest", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("hold acquire failed", "venue_id", req.VenueID, "err", err)
		http.Error(w, "could not acquire hold", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"hold_token":         token,
		"expires_in_seconds": int(h.holds.TTL().Seconds()),
	})
}
