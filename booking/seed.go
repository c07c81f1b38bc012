package booking

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-yaml"
)

type Customer struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// SeedData is the document accepted by Seed.
type SeedData struct {
	Customers    []Customer    `yaml:"customers"`
	Reservations []Reservation `yaml:"reservations"`
	Flights      []Flight      `yaml:"flights"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(r io.Reader) (*SeedData, error) {
	var data SeedData
	if err := yaml.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding seed: %w", err)
	}
	return &data, nil
}

// Seed inserts the seed records in one transaction. Existing customers are
// kept; reservations and tickets must not collide with stored ones.
func (s *Store) Seed(ctx context.Context, data *SeedData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range data.Customers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO customers (id, name) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
			c.ID, c.Name); err != nil {
			return fmt.Errorf("seeding customer %s: %w", c.ID, err)
		}
	}
	for _, r := range data.Reservations {
		if r.Status == "" {
			r.Status = StatusBooked
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.CustomerID, r.HotelID, r.RoomType, r.CheckIn, r.CheckOut, r.Status); err != nil {
			return classifyWriteError(fmt.Errorf("seeding reservation %d: %w", r.ID, err))
		}
	}
	for _, f := range data.Flights {
		if f.Status == "" {
			f.Status = StatusOpen
		}
		if err := insertFlight(ctx, tx, &f); err != nil {
			return classifyWriteError(fmt.Errorf("seeding ticket %s: %w", f.TicketNum, err))
		}
	}
	return tx.Commit()
}
