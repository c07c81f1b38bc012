package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bt-bridge/realtime-relay/booking"
	"github.com/bt-bridge/realtime-relay/similarity"
	"github.com/bytedance/sonic"
)

const flightChangeCharge = 80

const offerLayout = "2006-01-02T15:04:05"

// Alternatives offered by query_flights, relative to the requested departure.
var flightOffers = []struct {
	number string
	shift  time.Duration
}{
	{"AA479", -1 * time.Hour},
	{"AA490", -2 * time.Hour},
	{"AA423", -3 * time.Hour},
}

const flightDuration = 2 * time.Hour

// FlightStore is the part of the booking store the airline tools use.
type FlightStore interface {
	FlightStatus(ctx context.Context, flightNum, from string) (*booking.Flight, error)
	FlightsByCustomer(ctx context.Context, customerID string) ([]booking.Flight, error)
	ChangeFlight(ctx context.Context, change booking.FlightChange) (*booking.Flight, error)
}

// FlightCatalog returns the airline desk tools.
func FlightCatalog(store FlightStore, kb similarity.Searcher) Catalog {
	return Catalog{
		"search_airline_knowledgebase": {Handler: searchKnowledge(kb)},
		"query_flights":                {Handler: queryFlights},
		"check_flight_status":          {Handler: checkFlightStatus(store)},
		"confirm_flight_change":        {Handler: confirmFlightChange(store)},
		"check_change_booking":         {Handler: quoteFlightChange},
		"load_user_flight_info":        {Handler: loadUserFlights(store)},
		"transfer_conversation":        {Handler: transferConversation},
	}
}

func queryFlights(_ context.Context, args Args) (string, error) {
	dep, err := booking.ParseFlightTime(args.String("departure_time"))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, offer := range flightOffers {
		d := dep.Add(offer.shift)
		fmt.Fprintf(&b, "flight number %s, from: %s, to: %s, departure_time: %s, arrival_time: %s, flight_status: on time\n",
			offer.number, args.String("from_"), args.String("to"),
			d.Format(offerLayout), d.Add(flightDuration).Format(offerLayout))
	}
	return b.String(), nil
}

type flightStatus struct {
	FlightNum        string `json:"flight_num"`
	DepartureAirport string `json:"departure_airport"`
	ArrivalAirport   string `json:"arrival_airport"`
	DepartureTime    string `json:"departure_time"`
	ArrivalTime      string `json:"arrival_time"`
	Status           string `json:"status"`
}

func checkFlightStatus(store FlightStore) HandlerFunc {
	return func(ctx context.Context, args Args) (string, error) {
		num, from := args.String("flight_num"), args.String("from_")
		f, err := store.FlightStatus(ctx, num, from)
		if errors.Is(err, booking.ErrNotFound) {
			return fmt.Sprintf("Cannot find status for the flight %s from %s", num, from), nil
		}
		if err != nil {
			return "", err
		}
		return sonic.MarshalString(flightStatus{
			FlightNum:        f.FlightNum,
			DepartureAirport: f.DepartureAirport,
			ArrivalAirport:   f.ArrivalAirport,
			DepartureTime:    f.DepartureTime,
			ArrivalTime:      f.ArrivalTime,
			Status:           f.Status,
		})
	}
}

func confirmFlightChange(store FlightStore) HandlerFunc {
	return func(ctx context.Context, args Args) (string, error) {
		f, err := store.ChangeFlight(ctx, booking.FlightChange{
			CurrentTicket:    args.String("current_ticket_number"),
			NewFlightNum:     args.String("new_flight_number"),
			NewDepartureTime: args.String("new_departure_time"),
			NewArrivalTime:   args.String("new_arrival_time"),
		})
		if errors.Is(err, booking.ErrNotFound) {
			return "Could not find the current ticket to change.", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Your new flight now is %s departing from %s to %s. Your new departure time is %s and arrival time is %s. "+
			"Your new ticket number is %s. Your credit card has been charged with an amount of $%d dollars for fare difference.",
			f.FlightNum, f.DepartureAirport, f.ArrivalAirport, f.DepartureTime, f.ArrivalTime, f.TicketNum, flightChangeCharge), nil
	}
}

func quoteFlightChange(_ context.Context, args Args) (string, error) {
	return fmt.Sprintf("Changing your ticket from %s to new flight %s departing from %s would cost %d dollars.",
		args.String("current_flight_number"), args.String("new_flight_number"), args.String("from_"), flightChangeCharge), nil
}

func loadUserFlights(store FlightStore) HandlerFunc {
	return func(ctx context.Context, args Args) (string, error) {
		list, err := store.FlightsByCustomer(ctx, args.String("user_id"))
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "Sorry, we cannot find any flight information for you.", nil
		}
		return sonic.MarshalString(list)
	}
}
