package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventBidAccepted  EventType = "bid_accepted"
	EventAuctionEnded EventType = "auction_ended"
	EventRoomJoined   EventType = "room_joined"
	EventBidRejected  EventType = "bid_rejected"
)

// Event is a broadcast message about one lot. The set of implementations is
// closed: BidAccepted, AuctionEnded, RoomJoined and BidRejected.
type Event interface {
	Type() EventType
	Room() string
	isEvent()
}

type BidAccepted struct {
	LotID            string          `json:"lot_id"`
	BidID            string          `json:"bid_id"`
	BidderID         string          `json:"bidder_id"`
	BidderName       string          `json:"bidder_name"`
	PreviousPrice    decimal.Decimal `json:"previous_price"`
	NewPrice         decimal.Decimal `json:"new_price"`
	Currency         string          `json:"currency"`
	Message          string          `json:"message,omitempty"`
	BidsCount        int             `json:"bids_count"`
	TimeRemainingSec int64           `json:"time_remaining_sec"`
	EndDate          time.Time       `json:"end_date"`
	AutoRebid        bool            `json:"auto_rebid,omitempty"`
	AcceptedAt       time.Time       `json:"accepted_at"`
}

type AuctionEnded struct {
	LotID        string          `json:"lot_id"`
	Status       LotStatus       `json:"status"`
	WinnerID     string          `json:"winner_id,omitempty"`
	WinnerName   string          `json:"winner_name,omitempty"`
	WinningBidID string          `json:"winning_bid_id,omitempty"`
	FinalPrice   decimal.Decimal `json:"final_price"`
	Currency     string          `json:"currency"`
	EndedAt      time.Time       `json:"ended_at"`
}

type RoomJoined struct {
	LotID        string `json:"lot_id"`
	ConnectionID string `json:"connection_id"`
	Members      int    `json:"members"`
}

type BidRejected struct {
	LotID  string          `json:"lot_id"`
	Amount decimal.Decimal `json:"amount"`
	Code   string          `json:"code"`
	Reason string          `json:"reason"`
}

func (BidAccepted) Type() EventType  { return EventBidAccepted }
func (AuctionEnded) Type() EventType { return EventAuctionEnded }
func (RoomJoined) Type() EventType   { return EventRoomJoined }
func (BidRejected) Type() EventType  { return EventBidRejected }

func (e BidAccepted) Room() string  { return e.LotID }
func (e AuctionEnded) Room() string { return e.LotID }
func (e RoomJoined) Room() string   { return e.LotID }
func (e BidRejected) Room() string  { return e.LotID }

func (BidAccepted) isEvent()  {}
func (AuctionEnded) isEvent() {}
func (RoomJoined) isEvent()   {}
func (BidRejected) isEvent()  {}

// Envelope is the wire form of an Event.
type Envelope struct {
	Type  EventType       `json:"type"`
	LotID string          `json:"lot_id"`
	Data  json.RawMessage `json:"data"`
}

func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Type(), err)
	}
	return json.Marshal(Envelope{Type: ev.Type(), LotID: ev.Room(), Data: data})
}

func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	return env.Decode()
}

func (env Envelope) Decode() (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventBidAccepted:
		var e BidAccepted
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventAuctionEnded:
		var e AuctionEnded
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventRoomJoined:
		var e RoomJoined
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventBidRejected:
		var e BidRejected
		err = json.Unmarshal(env.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Type, err)
	}
	return ev, nil
}
