package bidding

import (
	"context"
	"time"

	"ms-auction/internal/models"

	"github.com/shopspring/decimal"
)

// Store is the persistence contract of the ledger. Missing rows are reported as
// apperr.NotFound and round-trip failures as apperr.Transient.
type Store interface {
	FindLotByID(ctx context.Context, lotID string) (*models.Lot, error)
	FindLotsByIDs(ctx context.Context, lotIDs []string) (map[string]*models.Lot, error)
	CreateLot(ctx context.Context, lot *models.Lot) error
	IncrementViewCount(ctx context.Context, lotID string) error

	// ConditionalUpdateLotPrice moves current_price from expected to next only while the
	// lot is active and its end date is after now. It reports whether a row changed.
	ConditionalUpdateLotPrice(ctx context.Context, lotID string, expected, next decimal.Decimal, now time.Time) (bool, error)
	UpdateLotBidsCount(ctx context.Context, lotID string, count int, now time.Time) error
	// UpdateLotStatus applies change only if the lot is currently in one of from.
	UpdateLotStatus(ctx context.Context, lotID string, from []models.LotStatus, change LotStatusChange) (bool, error)
	ListExpiredActiveLots(ctx context.Context, now time.Time, limit int) ([]models.Lot, error)

	InsertBid(ctx context.Context, bid *models.Bid) error
	FindWinningBid(ctx context.Context, lotID string) (*models.Bid, error)
	CountBidsForLot(ctx context.Context, lotID string) (int, error)
	DemoteOtherActiveBids(ctx context.Context, lotID, exceptBidID string, now time.Time) error
	// FinalizeBids marks winningBidID as won and every other bid on the lot as lost.
	FinalizeBids(ctx context.Context, lotID, winningBidID string, now time.Time) error
	ListBidsForLot(ctx context.Context, lotID string, limit int) ([]models.Bid, error)
	ListBidsByBidder(ctx context.Context, bidderID string, filter models.BidFilter) ([]models.Bid, int, error)

	// RunInTx runs fn against a transactional view of the store. Stores without
	// multi-document transactions call fn with themselves and report Transactional false.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Transactional() bool
}

type LotStatusChange struct {
	Status       models.LotStatus
	WinnerID     string
	WinningBidID string
	At           time.Time
}
