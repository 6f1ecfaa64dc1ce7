package client

import (
	"sync"
	"time"

	"ms-auction/internal/models"

	"github.com/shopspring/decimal"
)

// LotState is what a watcher currently believes about a lot.
type LotState struct {
	LotID      string
	Price      decimal.Decimal
	Currency   string
	LeaderID   string
	LeaderName string
	BidsCount  int
	EndDate    time.Time
	Status     models.LotStatus
	Ended      bool
	UpdatedAt  time.Time
}

// TimeRemaining is zero once the lot ended or the end date passed.
func (s LotState) TimeRemaining(now time.Time) time.Duration {
	if s.Ended || s.EndDate.IsZero() || !now.Before(s.EndDate) {
		return 0
	}
	return s.EndDate.Sub(now)
}

// LotView merges push events with pull snapshots. Snapshots always win; pushes may
// only move the price up, so a late or duplicated push cannot roll the view back.
type LotView struct {
	mu    sync.RWMutex
	state LotState
	Now   func() time.Time
}

func NewLotView(lotID string) *LotView {
	return &LotView{
		state: LotState{LotID: lotID, Status: models.LotStatusActive},
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (v *LotView) State() LotState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// ApplyEvent folds one pushed event in and reports whether the view changed.
func (v *LotView) ApplyEvent(ev models.Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if ev.Room() != v.state.LotID {
		return false
	}

	switch e := ev.(type) {
	case models.BidAccepted:
		if v.state.Ended || !e.NewPrice.GreaterThan(v.state.Price) {
			return false
		}
		v.state.Price = e.NewPrice
		v.state.Currency = e.Currency
		v.state.LeaderID = e.BidderID
		v.state.LeaderName = e.BidderName
		if e.BidsCount > v.state.BidsCount {
			v.state.BidsCount = e.BidsCount
		}
		if !e.EndDate.IsZero() {
			v.state.EndDate = e.EndDate
		}
		v.state.UpdatedAt = v.Now()
		return true

	case models.AuctionEnded:
		if v.state.Ended {
			return false
		}
		v.state.Ended = true
		v.state.Status = e.Status
		if e.WinnerID != "" {
			v.state.Price = e.FinalPrice
			v.state.LeaderID = e.WinnerID
			v.state.LeaderName = e.WinnerName
		}
		if e.Currency != "" {
			v.state.Currency = e.Currency
		}
		v.state.UpdatedAt = v.Now()
		return true
	}
	return false
}

// ApplySnapshot replaces price and leader with the server's bid list. A list with no
// bids leaves the price alone since it carries no price information.
func (v *LotView) ApplySnapshot(snap Snapshot) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if snap.LotID != v.state.LotID || len(snap.Bids) == 0 {
		return false
	}

	top := snap.Bids[0]
	for _, b := range snap.Bids[1:] {
		if b.Amount.GreaterThan(top.Amount) {
			top = b
		}
	}

	before := v.state
	v.state.Price = top.Amount
	v.state.Currency = top.Currency
	v.state.LeaderID = top.BidderID
	v.state.LeaderName = top.BidderName
	if len(snap.Bids) > v.state.BidsCount {
		v.state.BidsCount = len(snap.Bids)
	}
	switch top.Status {
	case models.BidStatusWon:
		v.state.Ended = true
		v.state.Status = models.LotStatusSold
	case models.BidStatusLost:
		v.state.Ended = true
	}

	changed := !before.Price.Equal(v.state.Price) || before.LeaderID != v.state.LeaderID ||
		before.Ended != v.state.Ended || before.BidsCount != v.state.BidsCount
	if changed {
		v.state.UpdatedAt = v.Now()
	}
	return changed
}
