package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type LotStatus string

const (
	LotStatusDraft     LotStatus = "draft"
	LotStatusActive    LotStatus = "active"
	LotStatusSold      LotStatus = "sold"
	LotStatusExpired   LotStatus = "expired"
	LotStatusCancelled LotStatus = "cancelled"
)

type AuctionMode string

const (
	AuctionModeFixed          AuctionMode = "fixed"
	AuctionModeAuction        AuctionMode = "auction"
	AuctionModeReverseAuction AuctionMode = "reverse_auction"
)

// MoneyScale is the number of decimal places stored for prices and bid amounts.
const MoneyScale = 4

// FitsMoneyScale reports whether d is stored without rounding.
func FitsMoneyScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

type Lot struct {
	bun.BaseModel `bun:"table:lots,alias:l"`

	ID            string          `bun:"id,pk" json:"id"`
	ProducerID    string          `bun:"producer_id,notnull" json:"producer_id"`
	ProductID     string          `bun:"product_id,notnull" json:"product_id"`
	Title         string          `bun:"title" json:"title"`
	StartingPrice decimal.Decimal `bun:"starting_price,type:numeric,notnull" json:"starting_price"`
	CurrentPrice  decimal.Decimal `bun:"current_price,type:numeric,notnull" json:"current_price"`
	Currency      string          `bun:"currency,notnull" json:"currency"`
	AuctionMode   AuctionMode     `bun:"auction_mode,notnull" json:"auction_mode"`
	Status        LotStatus       `bun:"status,notnull" json:"status"`
	StartDate     time.Time       `bun:"start_date,notnull" json:"start_date"`
	EndDate       time.Time       `bun:"end_date,notnull" json:"end_date"`
	BidsCount     int             `bun:"bids_count,notnull,default:0" json:"bids_count"`
	ViewCount     int             `bun:"view_count,notnull,default:0" json:"view_count"`
	WinnerID      string          `bun:"winner_id,nullzero" json:"winner_id,omitempty"`
	WinningBidID  string          `bun:"winning_bid_id,nullzero" json:"winning_bid_id,omitempty"`
	CreatedAt     time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time       `bun:"updated_at,notnull" json:"updated_at"`
}

// IsTerminal reports whether the lot reached sold, expired or cancelled.
func (l *Lot) IsTerminal() bool {
	switch l.Status {
	case LotStatusSold, LotStatusExpired, LotStatusCancelled:
		return true
	}
	return false
}

// WindowOpenAt reports whether t falls inside [StartDate, EndDate).
func (l *Lot) WindowOpenAt(t time.Time) bool {
	if !l.StartDate.IsZero() && t.Before(l.StartDate) {
		return false
	}
	return t.Before(l.EndDate)
}

// AcceptsBidsAt combines the status field with the auction window. The window
// check holds even when the closing sweep has not yet flipped the status.
func (l *Lot) AcceptsBidsAt(t time.Time) bool {
	return l.Status == LotStatusActive && l.WindowOpenAt(t)
}

func (l *Lot) TimeRemaining(t time.Time) time.Duration {
	if !t.Before(l.EndDate) {
		return 0
	}
	return l.EndDate.Sub(t)
}

type CreateLotRequest struct {
	ProductID     string          `json:"product_id"`
	Title         string          `json:"title"`
	StartingPrice decimal.Decimal `json:"starting_price"`
	Currency      string          `json:"currency"`
	AuctionMode   AuctionMode     `json:"auction_mode"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
}
