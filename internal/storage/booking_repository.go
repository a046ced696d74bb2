package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/seatplan/seatplan/libs/db"

	"github.com/seatplan/seatplan/internal/allocation"
	"github.com/seatplan/seatplan/internal/model"
)

// BookingRepository owns the bookings table and the per-table occupancy rows
// in booking_tables. The exclusion constraint on booking_tables (table_id,
// during) is the write-time double-booking guard; conflicts surface as
// allocation.ErrConflict.
type BookingRepository struct {
	pool                *db.Pool
	defaultDurationMins int
}

func NewBookingRepository(pool *db.Pool, defaultDurationMins int) *BookingRepository {
	if defaultDurationMins <= 0 {
		defaultDurationMins = 120
	}
	return &BookingRepository{pool: pool, defaultDurationMins: defaultDurationMins}
}

func (r *BookingRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const bookingColumns = `id::text, venue_id::text, table_ids, is_unallocated,
	guest_name, COALESCE(guest_email, ''), COALESCE(guest_phone, ''),
	party_size, booking_date, start_minute, duration_minutes, status, created_at`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	var status string
	if err := row.Scan(
		&b.ID,
		&b.VenueID,
		&b.TableIDs,
		&b.Unallocated,
		&b.GuestName,
		&b.GuestEmail,
		&b.GuestPhone,
		&b.PartySize,
		&b.Date,
		&b.StartMinute,
		&b.DurationMins,
		&status,
		&b.CreatedAt,
	); err != nil {
		return model.Booking{}, err
	}
	b.Status = model.BookingStatus(status)
	return b, nil
}

// ListActiveBookings returns the date's bookings excluding cancelled and
// finished ones, which never occupy a table.
func (r *BookingRepository) ListActiveBookings(ctx context.Context, venueID string, date time.Time) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE venue_id = $1
			AND booking_date = $2
			AND status NOT IN ('cancelled', 'finished')
		ORDER BY start_minute
	`, venueID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BookingRepository) Get(ctx context.Context, bookingID string) (model.Booking, error) {
	return scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
	`, bookingID))
}

func (r *BookingRepository) ListByVenueDate(ctx context.Context, venueID string, date time.Time, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE venue_id = $1 AND booking_date = $2
		ORDER BY start_minute, created_at
		LIMIT $3
	`, venueID, date, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BookingRepository) Create(ctx context.Context, tx pgx.Tx, b *model.Booking) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO bookings
			(id, venue_id, table_ids, is_unallocated, guest_name, guest_email, guest_phone,
			party_size, booking_date, start_minute, duration_minutes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, b.ID, b.VenueID, b.TableIDs, b.Unallocated, b.GuestName, b.GuestEmail, b.GuestPhone,
		b.PartySize, b.Date, b.StartMinute, b.DurationMins, string(b.Status))
	return err
}

// WriteBookingAllocation stores the assigned table set and rewrites the
// booking's occupancy rows. The GiST exclusion constraint rejects any row
// whose (table_id, interval) overlaps another active booking; that rejection
// comes back as allocation.ErrConflict.
func (r *BookingRepository) WriteBookingAllocation(ctx context.Context, bookingID string, tableIDs []int64, unallocated bool) error {
	if tableIDs == nil {
		tableIDs = []int64{}
	}
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var venueID string
		var date time.Time
		var startMinute, durationMins int
		err := tx.QueryRow(ctx, `
			UPDATE bookings
			SET table_ids = $2, is_unallocated = $3
			WHERE id = $1
			RETURNING venue_id::text, booking_date, start_minute, duration_minutes
		`, bookingID, tableIDs, unallocated).Scan(&venueID, &date, &startMinute, &durationMins)
		if err != nil {
			return err
		}
		if durationMins <= 0 {
			durationMins = r.defaultDurationMins
		}

		if _, err := tx.Exec(ctx, `DELETE FROM booking_tables WHERE booking_id = $1`, bookingID); err != nil {
			return err
		}

		start := date.UTC().Add(time.Duration(startMinute) * time.Minute)
		end := start.Add(time.Duration(durationMins) * time.Minute)
		for _, tableID := range tableIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO booking_tables (booking_id, table_id, during)
				VALUES ($1, $2, tstzrange($3, $4, '[)'))
			`, bookingID, tableID, start, end); err != nil {
				return err
			}
		}
		return nil
	})
	if IsConflict(err) {
		return fmt.Errorf("table already claimed for booking %s: %w", bookingID, allocation.ErrConflict)
	}
	return err
}

// UpdateStatus transitions a booking and, when the new status no longer
// occupies, releases its occupancy rows so the exclusion constraint frees the
// tables. Returns the venue and date for cache invalidation.
func (r *BookingRepository) UpdateStatus(ctx context.Context, bookingID string, status model.BookingStatus) (string, time.Time, error) {
	var venueID string
	var date time.Time
	err := r.pool.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		venueID, date, err = r.UpdateStatusTx(ctx, tx, bookingID, status)
		return err
	})
	return venueID, date, err
}

// UpdateStatusTx is UpdateStatus composed into a caller-owned transaction, so
// the status change and its outbox event commit together.
func (r *BookingRepository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, bookingID string, status model.BookingStatus) (string, time.Time, error) {
	var venueID string
	var date time.Time
	if err := tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = $2
		WHERE id = $1
		RETURNING venue_id::text, booking_date
	`, bookingID, string(status)).Scan(&venueID, &date); err != nil {
		return "", time.Time{}, err
	}
	if !status.Occupies() {
		if _, err := tx.Exec(ctx, `DELETE FROM booking_tables WHERE booking_id = $1`, bookingID); err != nil {
			return "", time.Time{}, err
		}
	}
	return venueID, date, nil
}

// ExpiredBooking identifies a pending-payment booking the sweep released.
type ExpiredBooking struct {
	ID      string
	VenueID string
	Date    time.Time
}

// ExpirePendingPayments marks pending_payment bookings created before cutoff
// as expired, clears their table assignment, and frees their occupancy rows.
func (r *BookingRepository) ExpirePendingPayments(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]ExpiredBooking, error) {
	rows, err := tx.Query(ctx, `
		UPDATE bookings
		SET status = 'expired', is_unallocated = true, table_ids = '{}'
		WHERE status = 'pending_payment' AND created_at < $1
		RETURNING id::text, venue_id::text, booking_date
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []ExpiredBooking
	for rows.Next() {
		var e ExpiredBooking
		if err := rows.Scan(&e.ID, &e.VenueID, &e.Date); err != nil {
			return nil, err
		}
		expired = append(expired, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, len(expired))
	for i, e := range expired {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx, `DELETE FROM booking_tables WHERE booking_id = ANY($1)`, ids); err != nil {
		return nil, err
	}
	return expired, nil
}

type IdempotencyRecord struct {
	VenueID         string
	IdempotencyKey  string
	BookingID       string
	StatusCode      int
	ResponsePayload []byte
}

// LockIdempotencyKey claims the (venue, key) pair inside tx, returning the
// stored record and whether it already existed.
func (r *BookingRepository) LockIdempotencyKey(ctx context.Context, tx pgx.Tx, venueID, key string) (IdempotencyRecord, bool, error) {
	rec, err := r.selectIdempotencyForUpdate(ctx, tx, venueID, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (venue_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (venue_id, idempotency_key) DO NOTHING
	`, venueID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}

	rec, err = r.selectIdempotencyForUpdate(ctx, tx, venueID, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, false, nil
}

func (r *BookingRepository) FinalizeIdempotency(ctx context.Context, tx pgx.Tx, venueID, key, bookingID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET booking_id = $3,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE venue_id = $1 AND idempotency_key = $2
	`, venueID, key, bookingID, statusCode, response)
	return err
}

func (r *BookingRepository) selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, venueID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT venue_id::text,
			idempotency_key,
			COALESCE(booking_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE venue_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, venueID, key).Scan(
		&rec.VenueID,
		&rec.IdempotencyKey,
		&rec.BookingID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}

// IsConflict matches exclusion-constraint (23P01) and unique (23505)
// violations from Postgres.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23P01" || pgErr.Code == "23505")
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
