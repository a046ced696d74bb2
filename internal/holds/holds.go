// Package holds implements the advisory slot lock a guest acquires before
// submitting their details. It reduces contention in the UI flow; the real
// double-booking guarantee lives in the allocation write's conflict check.
package holds

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seatplan/seatplan/internal/timeslot"
)

// ErrSlotHeld means another guest currently holds the slot.
var ErrSlotHeld = errors.New("slot is held by another guest")

// ErrNotHolder means the presented token does not own the hold (or it expired).
var ErrNotHolder = errors.New("hold token does not match")

type Manager struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// Release only if the caller still owns the hold.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewManager(rdb *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Manager{rdb: rdb, ttl: ttl, prefix: "hold"}
}

func (m *Manager) key(venueID string, date time.Time, startMinute int) string {
	return m.prefix + ":" + venueID + ":" + timeslot.FormatDate(date) + ":" + strconv.Itoa(startMinute)
}

// Acquire takes a time-boxed hold on the slot and returns an opaque token.
// The hold expires on its own; guests who abandon the flow release the slot
// without any cleanup job.
func (m *Manager) Acquire(ctx context.Context, venueID string, date time.Time, startMinute int) (string, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, m.key(venueID, date, startMinute), token, m.ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrSlotHeld
	}
	return token, nil
}

// Validate checks that token still owns the hold.
func (m *Manager) Validate(ctx context.Context, venueID string, date time.Time, startMinute int, token string) error {
	v, err := m.rdb.Get(ctx, m.key(venueID, date, startMinute)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotHolder
	}
	if err != nil {
		return err
	}
	if v != token {
		return ErrNotHolder
	}
	return nil
}

// Release drops the hold if token owns it. Releasing an expired or foreign
// hold is not an error.
func (m *Manager) Release(ctx context.Context, venueID string, date time.Time, startMinute int, token string) error {
	_, err := releaseScript.Run(ctx, m.rdb, []string{m.key(venueID, date, startMinute)}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}
