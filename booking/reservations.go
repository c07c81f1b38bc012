package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
)

// DateLayout is the format of reservation dates.
const DateLayout = "2006-01-02"

type Reservation struct {
	ID         int64  `json:"reservation_id"`
	CustomerID string `json:"customer_id"`
	HotelID    string `json:"hotel_id"`
	RoomType   string `json:"room_type"`
	CheckIn    string `json:"check_in_date"`
	CheckOut   string `json:"check_out_date"`
	Status     string `json:"status"`
}

// ReservationChange describes a confirmed change to a booked reservation.
type ReservationChange struct {
	CurrentID   int64
	NewRoomType string
	NewCheckIn  string
	NewCheckOut string
}

func (c ReservationChange) validate() error {
	if c.NewRoomType == "" {
		return errors.New("new room type is required")
	}
	in, err := time.Parse(DateLayout, c.NewCheckIn)
	if err != nil {
		return fmt.Errorf("parsing check-in date: %w", err)
	}
	out, err := time.Parse(DateLayout, c.NewCheckOut)
	if err != nil {
		return fmt.Errorf("parsing check-out date: %w", err)
	}
	if !out.After(in) {
		return errors.New("check-out must be after check-in")
	}
	return nil
}

const reservationColumns = `id, customer_id, hotel_id, room_type, check_in_date, check_out_date, status`

func scanReservation(row interface{ Scan(...any) error }) (*Reservation, error) {
	r := new(Reservation)
	if err := row.Scan(&r.ID, &r.CustomerID, &r.HotelID, &r.RoomType, &r.CheckIn, &r.CheckOut, &r.Status); err != nil {
		return nil, err
	}
	return r, nil
}

// ReservationByID returns the booked reservation with the given id.
func (s *Store) ReservationByID(ctx context.Context, id int64) (*Reservation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ? AND status = ?`,
		id, StatusBooked)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying reservation %d: %w", id, err)
	}
	return r, nil
}

// ReservationsByCustomer returns the customer's booked reservations.
func (s *Store) ReservationsByCustomer(ctx context.Context, customerID string) ([]Reservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE customer_id = ? AND status = ? ORDER BY check_in_date, id`,
		customerID, StatusBooked)
	if err != nil {
		return nil, fmt.Errorf("querying reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning reservation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ChangeReservation cancels the booked reservation change.CurrentID and
// creates its replacement in one transaction. If the reservation was
// cancelled by a concurrent change, the call fails with
// shared.ErrStorageConflict and nothing is written.
func (s *Store) ChangeReservation(ctx context.Context, change ReservationChange) (*Reservation, error) {
	if err := change.validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyWriteError(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	old, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, change.CurrentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyWriteError(fmt.Errorf("loading reservation: %w", err))
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = ? WHERE id = ? AND status = ?`,
		StatusCancelled, change.CurrentID, StatusBooked)
	if err != nil {
		return nil, classifyWriteError(fmt.Errorf("cancelling reservation: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, classifyWriteError(err)
	} else if n == 0 {
		if old.Status == StatusCancelled {
			return nil, fmt.Errorf("%w: reservation %d is already cancelled", shared.ErrStorageConflict, change.CurrentID)
		}
		return nil, ErrNotFound
	}

	next := &Reservation{
		ID:         s.newReservationID(),
		CustomerID: old.CustomerID,
		HotelID:    old.HotelID,
		RoomType:   change.NewRoomType,
		CheckIn:    change.NewCheckIn,
		CheckOut:   change.NewCheckOut,
		Status:     StatusBooked,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.CustomerID, next.HotelID, next.RoomType, next.CheckIn, next.CheckOut, next.Status,
	); err != nil {
		return nil, classifyWriteError(fmt.Errorf("creating reservation: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyWriteError(fmt.Errorf("committing reservation change: %w", err))
	}
	return next, nil
}
