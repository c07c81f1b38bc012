package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bt-bridge/realtime-relay/booking"
	"github.com/bt-bridge/realtime-relay/similarity"
	"github.com/bytedance/sonic"
)

const (
	hotelChangeCharge = 50
	knowledgeTopK     = 3
)

// RoomTypes are offered by every hotel.
var RoomTypes = []string{"Standard", "Deluxe", "Suite"}

// HotelStore is the part of the booking store the hotel tools use.
type HotelStore interface {
	ReservationByID(ctx context.Context, id int64) (*booking.Reservation, error)
	ReservationsByCustomer(ctx context.Context, customerID string) ([]booking.Reservation, error)
	ChangeReservation(ctx context.Context, change booking.ReservationChange) (*booking.Reservation, error)
}

// HotelCatalog returns the hotel desk tools.
func HotelCatalog(store HotelStore, kb similarity.Searcher) Catalog {
	return Catalog{
		"search_hotel_knowledgebase": {Handler: searchKnowledge(kb)},
		"query_rooms":                {Handler: queryRooms},
		"check_reservation_status":   {Handler: checkReservationStatus(store)},
		"confirm_reservation_change": {Handler: confirmReservationChange(store)},
		"check_change_reservation":   {Handler: quoteReservationChange},
		"load_user_reservation_info": {Handler: loadUserReservations(store)},
		"transfer_conversation":      {Handler: transferConversation},
	}
}

func searchKnowledge(kb similarity.Searcher) HandlerFunc {
	return func(ctx context.Context, args Args) (string, error) {
		hits, err := kb.Query(ctx, args.String("search_query"), knowledgeTopK)
		if err != nil {
			return "", err
		}
		return similarity.Format(hits), nil
	}
}

func queryRooms(_ context.Context, args Args) (string, error) {
	var b strings.Builder
	for _, room := range RoomTypes {
		fmt.Fprintf(&b, "Room type: %s, Hotel ID: %s, Check-in: %s, Check-out: %s, Status: Available\n",
			room, args.String("hotel_id"), args.String("check_in"), args.String("check_out"))
	}
	return b.String(), nil
}

func checkReservationStatus(store HotelStore) HandlerFunc {
	return func(ctx context.Context, args Args) (string, error) {
		id := args.Int("reservation_id")
		r, err := store.ReservationByID(ctx, id)
		if errors.Is(err, booking.ErrNotFound) {
			return fmt.Sprintf("Cannot find status for the reservation with ID %d", id), nil
		}
		if err != nil {
			return "", err
		}
		return sonic.MarshalString(r)
	}
}

func confirmReservationChange(store HotelStore) HandlerFunc {
	return func(ctx context.Context, args Args) (string, error) {
		r, err := store.ChangeReservation(ctx, booking.ReservationChange{
			CurrentID:   args.Int("current_reservation_id"),
			NewRoomType: args.String("new_room_type"),
			NewCheckIn:  args.String("new_check_in_date"),
			NewCheckOut: args.String("new_check_out_date"),
		})
		if errors.Is(err, booking.ErrNotFound) {
			return "Could not find the current reservation to change.", nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Your new reservation for a %s room is confirmed. Check-in date is %s and check-out date is %s. "+
			"Your new reservation ID is %d. A charge of $%d has been applied for the change.",
			r.RoomType, r.CheckIn, r.CheckOut, r.ID, hotelChangeCharge), nil
	}
}

func quoteReservationChange(context.Context, Args) (string, error) {
	return fmt.Sprintf("Changing your reservation will cost an additional $%d.", hotelChangeCharge), nil
}

func loadUserReservations(store HotelStore) HandlerFunc {
	return func(ctx context.Context, args Args) (string, error) {
		list, err := store.ReservationsByCustomer(ctx, args.String("user_id"))
		if err != nil {
			return "", err
		}
		if len(list) == 0 {
			return "Sorry, we cannot find any reservation information for you.", nil
		}
		return sonic.MarshalString(list)
	}
}

func transferConversation(_ context.Context, args Args) (string, error) {
	return args.String("user_request"), nil
}
