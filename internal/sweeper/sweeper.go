// Package sweeper releases pending-payment bookings whose deposit deadline
// passed: the reservation flips to expired, its tables free up, and downstream
// services hear about it through the outbox.
package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"

	"github.com/seatplan/seatplan/libs/db"

	"github.com/seatplan/seatplan/internal/cache"
	"github.com/seatplan/seatplan/internal/outbox"
	"github.com/seatplan/seatplan/internal/storage"
	"github.com/seatplan/seatplan/internal/timeslot"
)

type Sweeper struct {
	pool     *db.Pool
	repo     *storage.BookingRepository
	outbox   *outbox.Repository
	memo     *cache.Cache
	logger   *slog.Logger
	deadline time.Duration
}

type Config struct {
	// Deadline is how long a pending_payment booking may wait for its deposit.
	Deadline time.Duration
	// Schedule is a cron expression; defaults to every minute.
	Schedule string
}

func New(pool *db.Pool, repo *storage.BookingRepository, outboxRepo *outbox.Repository, memo *cache.Cache, logger *slog.Logger, cfg Config) (*Sweeper, string) {
	if cfg.Deadline <= 0 {
		cfg.Deadline = 15 * time.Minute
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Sweeper{
		pool:     pool,
		repo:     repo,
		outbox:   outboxRepo,
		memo:     memo,
		logger:   logger,
		deadline: cfg.Deadline,
	}, schedule
}

// Start registers the sweep on a cron scheduler and returns it running.
func (s *Sweeper) Start(ctx context.Context, schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.Sweep(sweepCtx); err != nil {
			s.logger.Error("payment expiry sweep failed", "err", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// Sweep expires overdue pending-payment bookings in one transaction and
// invalidates the affected availability cache entries.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.deadline)

	var expired []storage.ExpiredBooking
	err := s.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		expired, err = s.repo.ExpirePendingPayments(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		for _, e := range expired {
			payload, err := json.Marshal(map[string]any{
				"booking_id":   e.ID,
				"venue_id":     e.VenueID,
				"booking_date": timeslot.FormatDate(e.Date),
			})
			if err != nil {
				return err
			}
			if err := s.outbox.Insert(ctx, tx, outbox.Event{
				AggregateType: "booking",
				AggregateID:   e.ID,
				EventType:     outbox.EventExpired,
				Payload:       payload,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range expired {
		s.memo.InvalidateVenueDate(e.VenueID, e.Date)
	}
	if len(expired) > 0 {
		s.logger.Info("expired unpaid bookings", "count", len(expired))
	}
	return nil
}
