package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type BidStatus string

const (
	BidStatusActive  BidStatus = "active"
	BidStatusOutbid  BidStatus = "outbid"
	BidStatusWinning BidStatus = "winning"
	BidStatusWon     BidStatus = "won"
	BidStatusLost    BidStatus = "lost"
)

type Bid struct {
	bun.BaseModel `bun:"table:bids,alias:b"`

	ID                 string              `bun:"id,pk" json:"id"`
	LotID              string              `bun:"lot_id,notnull" json:"lot_id"`
	BidderID           string              `bun:"bidder_id,notnull" json:"bidder_id"`
	BidderName         string              `bun:"bidder_name" json:"bidder_name"`
	Amount             decimal.Decimal     `bun:"amount,type:numeric,notnull" json:"amount"`
	Currency           string              `bun:"currency,notnull" json:"currency"`
	Message            string              `bun:"message" json:"message,omitempty"`
	Status             BidStatus           `bun:"status,notnull" json:"status"`
	IsWinning          bool                `bun:"is_winning,notnull" json:"is_winning"`
	AutoRebidMax       decimal.NullDecimal `bun:"auto_rebid_max,type:numeric" json:"auto_rebid_max,omitempty"`
	AutoRebidIncrement decimal.NullDecimal `bun:"auto_rebid_increment,type:numeric" json:"auto_rebid_increment,omitempty"`
	CreatedAt          time.Time           `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt          time.Time           `bun:"updated_at,notnull" json:"updated_at"`
}

// HasAutoRebid reports whether the bidder asked the ledger to counter-bid on their behalf.
func (b *Bid) HasAutoRebid() bool {
	return b.AutoRebidMax.Valid && b.AutoRebidIncrement.Valid && b.AutoRebidIncrement.Decimal.IsPositive()
}

// BidView is a bid enriched with the lot references shown next to it.
type BidView struct {
	Bid
	LotTitle   string `json:"lot_title"`
	ProducerID string `json:"producer_id"`
	ProductID  string `json:"product_id"`
}

func NewBidView(bid Bid, lot *Lot) BidView {
	view := BidView{Bid: bid}
	if lot != nil {
		view.LotTitle = lot.Title
		view.ProducerID = lot.ProducerID
		view.ProductID = lot.ProductID
	}
	return view
}

type AutoRebid struct {
	MaxAmount decimal.Decimal `json:"max_amount"`
	Increment decimal.Decimal `json:"increment"`
}

type BidRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Message   string          `json:"message,omitempty"`
	AutoRebid *AutoRebid      `json:"auto_rebid,omitempty"`
}

type BidSort string

const (
	BidSortNewest     BidSort = "newest"
	BidSortOldest     BidSort = "oldest"
	BidSortAmountDesc BidSort = "amount_desc"
	BidSortAmountAsc  BidSort = "amount_asc"
)

// BidFilter narrows a bidder's own bid listing.
type BidFilter struct {
	Status   BidStatus
	LotID    string
	Sort     BidSort
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize clamps paging values and fills the default sort.
func (f BidFilter) Normalize() BidFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	switch f.Sort {
	case BidSortNewest, BidSortOldest, BidSortAmountDesc, BidSortAmountAsc:
	default:
		f.Sort = BidSortNewest
	}
	return f
}

func (f BidFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

type BidPage struct {
	Bids     []BidView `json:"bids"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}
