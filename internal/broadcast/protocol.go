package broadcast

import (
	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
	ActionBid   Action = "bid"
)

// Command is a client to server message on a duplex transport.
type Command struct {
	Action  Action          `json:"action"`
	LotID   string          `json:"lot_id"`
	Amount  decimal.Decimal `json:"amount,omitempty"`
	Message string          `json:"message,omitempty"`
}
