// Package cache is a short-TTL memoizer for availability results. It is an
// explicit dependency handed to the engines, never a package-level singleton,
// and is invalidated per (venue, date) whenever a booking mutates.
package cache

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seatplan/seatplan/internal/timeslot"
)

type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	capacity int
	now      func() time.Time
}

type entry struct {
	value    any
	storedAt time.Time
	expires  time.Time
}

type Options struct {
	Capacity int
	Now      func() time.Time
}

func New(opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = 2048
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:  make(map[string]entry),
		capacity: opts.Capacity,
		now:      opts.Now,
	}
}

// DateKey keys a date-level availability verdict.
func DateKey(venueID string, date time.Time, partySize int) string {
	return venueID + "|" + timeslot.FormatDate(date) + "|date|" + strconv.Itoa(partySize)
}

// SlotKey keys a single-slot availability result.
func SlotKey(venueID string, date time.Time, startMinute, partySize, durationMins int) string {
	return venueID + "|" + timeslot.FormatDate(date) + "|slot|" + strconv.Itoa(partySize) + "|" + strconv.Itoa(startMinute) + "|" + strconv.Itoa(durationMins)
}

// WindowKey keys a join-group-aware window scan.
func WindowKey(venueID string, date time.Time, startMinute, endMinute, partySize, durationMins int) string {
	return venueID + "|" + timeslot.FormatDate(date) + "|window|" + strconv.Itoa(partySize) + "|" + strconv.Itoa(startMinute) + "|" + strconv.Itoa(endMinute) + "|" + strconv.Itoa(durationMins)
}

func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if c == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = entry{value: value, storedAt: now, expires: now.Add(ttl)}
	if len(c.entries) > c.capacity {
		c.evictOldestLocked()
	}
}

// InvalidateVenueDate drops every cached result for the venue and date,
// regardless of party size or slot.
func (c *Cache) InvalidateVenueDate(venueID string, date time.Time) {
	if c == nil {
		return
	}
	prefix := venueID + "|" + timeslot.FormatDate(date) + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes roughly the oldest tenth of entries so a burst of
// distinct queries cannot grow the map without bound.
func (c *Cache) evictOldestLocked() {
	drop := len(c.entries) / 10
	if drop < 1 {
		drop = 1
	}
	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, storedAt: e.storedAt})
	}
	for i := 0; i < drop; i++ {
		oldest := i
		for j := i + 1; j < len(all); j++ {
			if all[j].storedAt.Before(all[oldest].storedAt) {
				oldest = j
			}
		}
		all[i], all[oldest] = all[oldest], all[i]
		delete(c.entries, all[i].key)
	}
}
