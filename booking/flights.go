package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bt-bridge/realtime-relay/shared"
)

// TimeLayout is the format flight departure and arrival times are stored in.
const TimeLayout = "2006-01-02 15:04"

// timeLayouts are accepted on input, most specific first.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	TimeLayout,
}

// ParseFlightTime reads a departure or arrival time in any accepted layout.
func ParseFlightTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

type Flight struct {
	CustomerID       string `json:"customer_id"`
	TicketNum        string `json:"ticket_num"`
	FlightNum        string `json:"flight_num"`
	Airline          string `json:"airline"`
	SeatNum          string `json:"seat_num"`
	DepartureAirport string `json:"departure_airport"`
	ArrivalAirport   string `json:"arrival_airport"`
	DepartureTime    string `json:"departure_time"`
	ArrivalTime      string `json:"arrival_time"`
	TicketClass      string `json:"ticket_class"`
	Gate             string `json:"gate"`
	Status           string `json:"status"`
}

// FlightChange describes a confirmed move of an open ticket to another flight.
type FlightChange struct {
	CurrentTicket    string
	NewFlightNum     string
	NewDepartureTime string
	NewArrivalTime   string
}

// normalize validates c and rewrites its times in TimeLayout.
func (c FlightChange) normalize() (FlightChange, error) {
	if c.NewFlightNum == "" {
		return c, errors.New("new flight number is required")
	}
	dep, err := ParseFlightTime(c.NewDepartureTime)
	if err != nil {
		return c, fmt.Errorf("parsing departure time: %w", err)
	}
	arr, err := ParseFlightTime(c.NewArrivalTime)
	if err != nil {
		return c, fmt.Errorf("parsing arrival time: %w", err)
	}
	if !arr.After(dep) {
		return c, errors.New("arrival must be after departure")
	}
	c.NewDepartureTime = dep.Format(TimeLayout)
	c.NewArrivalTime = arr.Format(TimeLayout)
	return c, nil
}

const flightColumns = `customer_id, ticket_num, flight_num, airline, seat_num, departure_airport, arrival_airport, departure_time, arrival_time, ticket_class, gate, status`

func scanFlight(row interface{ Scan(...any) error }) (*Flight, error) {
	f := new(Flight)
	err := row.Scan(&f.CustomerID, &f.TicketNum, &f.FlightNum, &f.Airline, &f.SeatNum,
		&f.DepartureAirport, &f.ArrivalAirport, &f.DepartureTime, &f.ArrivalTime,
		&f.TicketClass, &f.Gate, &f.Status)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func insertFlight(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, f *Flight) error {
	_, err := exec.ExecContext(ctx,
		`INSERT INTO flights (`+flightColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.CustomerID, f.TicketNum, f.FlightNum, f.Airline, f.SeatNum,
		f.DepartureAirport, f.ArrivalAirport, f.DepartureTime, f.ArrivalTime,
		f.TicketClass, f.Gate, f.Status)
	return err
}

// FlightStatus returns the first open ticket on flightNum departing from.
func (s *Store) FlightStatus(ctx context.Context, flightNum, from string) (*Flight, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+flightColumns+` FROM flights
		 WHERE flight_num = ? AND departure_airport = ? AND status = ?
		 ORDER BY id LIMIT 1`,
		flightNum, from, StatusOpen)
	f, err := scanFlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying flight %s: %w", flightNum, err)
	}
	return f, nil
}

// FlightsByCustomer returns the customer's open tickets.
func (s *Store) FlightsByCustomer(ctx context.Context, customerID string) ([]Flight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+flightColumns+` FROM flights WHERE customer_id = ? AND status = ? ORDER BY departure_time, id`,
		customerID, StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("querying flights: %w", err)
	}
	defer rows.Close()

	var out []Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flight: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// ChangeFlight cancels the open ticket change.CurrentTicket and issues a new
// ticket on the requested flight in one transaction. Seat, class, gate and
// route carry over from the old ticket.
func (s *Store) ChangeFlight(ctx context.Context, change FlightChange) (*Flight, error) {
	change, err := change.normalize()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyWriteError(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback() //nolint:errcheck

	old, err := scanFlight(tx.QueryRowContext(ctx,
		`SELECT `+flightColumns+` FROM flights WHERE ticket_num = ?`, change.CurrentTicket))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyWriteError(fmt.Errorf("loading ticket: %w", err))
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE flights SET status = ? WHERE ticket_num = ? AND status = ?`,
		StatusCancelled, change.CurrentTicket, StatusOpen)
	if err != nil {
		return nil, classifyWriteError(fmt.Errorf("cancelling ticket: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, classifyWriteError(err)
	} else if n == 0 {
		if old.Status == StatusCancelled {
			return nil, fmt.Errorf("%w: ticket %s is already cancelled", shared.ErrStorageConflict, change.CurrentTicket)
		}
		return nil, ErrNotFound
	}

	next := *old
	next.TicketNum = s.newTicketNumber()
	next.FlightNum = change.NewFlightNum
	next.DepartureTime = change.NewDepartureTime
	next.ArrivalTime = change.NewArrivalTime
	next.Status = StatusOpen
	if err := insertFlight(ctx, tx, &next); err != nil {
		return nil, classifyWriteError(fmt.Errorf("issuing ticket: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyWriteError(fmt.Errorf("committing ticket change: %w", err))
	}
	return &next, nil
}
