package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/bidding"
	"ms-auction/internal/models"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// DB is the relational Store. Bun is either the pool or an open transaction.
type DB struct {
	Bun  bun.IDB
	inTx bool
}

func New(bunDB *bun.DB) *DB {
	return &DB{Bun: bunDB}
}

var _ bidding.Store = (*DB)(nil)

// CreateSchema creates the lots and bids tables from the bun models. Used by tests and
// local sqlite runs; production schemas come from the SQL migrations.
func CreateSchema(ctx context.Context, bunDB *bun.DB) error {
	for _, model := range []interface{}{(*models.Lot)(nil), (*models.Bid)(nil)} {
		if _, err := bunDB.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table failed: %w", err)
		}
	}
	_, err := bunDB.NewCreateIndex().
		Model((*models.Bid)(nil)).
		Index("bids_lot_amount_idx").
		IfNotExists().
		Column("lot_id", "amount").
		Exec(ctx)
	return err
}

func (d *DB) Transactional() bool { return true }

func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bidding.Store) error) error {
	if d.inTx {
		return fn(ctx, d)
	}
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return fn(ctx, &DB{Bun: tx, inTx: true})
	})
}

// ---------------- LOTS ----------------

// FindLotByID → fetch one lot by its ID
func (d *DB) FindLotByID(ctx context.Context, lotID string) (*models.Lot, error) {
	var lot models.Lot
	err := d.Bun.NewSelect().
		Model(&lot).
		Where("id = ?", lotID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(fmt.Sprintf("lot %s not found", lotID))
	}
	if err != nil {
		return nil, apperr.Transient("find lot", err)
	}
	return &lot, nil
}

func (d *DB) FindLotsByIDs(ctx context.Context, lotIDs []string) (map[string]*models.Lot, error) {
	var lots []models.Lot
	err := d.Bun.NewSelect().
		Model(&lots).
		Where("id IN (?)", bun.In(lotIDs)).
		Scan(ctx)
	if err != nil {
		return nil, apperr.Transient("find lots", err)
	}

	out := make(map[string]*models.Lot, len(lots))
	for i := range lots {
		out[lots[i].ID] = &lots[i]
	}
	return out, nil
}

func (d *DB) CreateLot(ctx context.Context, lot *models.Lot) error {
	if _, err := d.Bun.NewInsert().Model(lot).Exec(ctx); err != nil {
		return apperr.Transient("create lot", err)
	}
	return nil
}

func (d *DB) IncrementViewCount(ctx context.Context, lotID string) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Lot)(nil)).
		Set("view_count = view_count + 1").
		Where("id = ?", lotID).
		Exec(ctx)
	if err != nil {
		return apperr.Transient("increment view count", err)
	}
	return nil
}

// ConditionalUpdateLotPrice → compare-and-swap on current_price, guarded by status and window
func (d *DB) ConditionalUpdateLotPrice(ctx context.Context, lotID string, expected, next decimal.Decimal, now time.Time) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Lot)(nil)).
		Set("current_price = ?", next).
		Set("updated_at = ?", now).
		Where("id = ?", lotID).
		Where("current_price = ?", expected).
		Where("status = ?", models.LotStatusActive).
		Where("end_date > ?", now).
		Exec(ctx)
	if err != nil {
		return false, apperr.Transient("update lot price", err)
	}
	return affected(res)
}

func (d *DB) UpdateLotBidsCount(ctx context.Context, lotID string, count int, now time.Time) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Lot)(nil)).
		Set("bids_count = ?", count).
		Set("updated_at = ?", now).
		Where("id = ?", lotID).
		Exec(ctx)
	if err != nil {
		return apperr.Transient("update bids count", err)
	}
	return nil
}

func (d *DB) UpdateLotStatus(ctx context.Context, lotID string, from []models.LotStatus, change bidding.LotStatusChange) (bool, error) {
	q := d.Bun.NewUpdate().
		Model((*models.Lot)(nil)).
		Set("status = ?", change.Status).
		Set("updated_at = ?", change.At).
		Where("id = ?", lotID).
		Where("status IN (?)", bun.In(from))
	if change.WinnerID != "" {
		q = q.Set("winner_id = ?", change.WinnerID).
			Set("winning_bid_id = ?", change.WinningBidID)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return false, apperr.Transient("update lot status", err)
	}
	return affected(res)
}

func (d *DB) ListExpiredActiveLots(ctx context.Context, now time.Time, limit int) ([]models.Lot, error) {
	var lots []models.Lot
	err := d.Bun.NewSelect().
		Model(&lots).
		Where("status = ?", models.LotStatusActive).
		Where("end_date <= ?", now).
		Order("end_date ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, apperr.Transient("list expired lots", err)
	}
	return lots, nil
}

// ---------------- BIDS ----------------

func (d *DB) InsertBid(ctx context.Context, bid *models.Bid) error {
	if _, err := d.Bun.NewInsert().Model(bid).Exec(ctx); err != nil {
		return apperr.Transient("insert bid", err)
	}
	return nil
}

// FindWinningBid → the bid currently flagged as winning, nil when the lot has none
func (d *DB) FindWinningBid(ctx context.Context, lotID string) (*models.Bid, error) {
	var bid models.Bid
	err := d.Bun.NewSelect().
		Model(&bid).
		Where("lot_id = ?", lotID).
		Where("is_winning = ?", true).
		Order("created_at DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("find winning bid", err)
	}
	return &bid, nil
}

func (d *DB) CountBidsForLot(ctx context.Context, lotID string) (int, error) {
	count, err := d.Bun.NewSelect().
		Model((*models.Bid)(nil)).
		Where("lot_id = ?", lotID).
		Count(ctx)
	if err != nil {
		return 0, apperr.Transient("count bids", err)
	}
	return count, nil
}

// DemoteOtherActiveBids → every other live bid on the lot becomes outbid
func (d *DB) DemoteOtherActiveBids(ctx context.Context, lotID, exceptBidID string, now time.Time) error {
	_, err := d.Bun.NewUpdate().
		Model((*models.Bid)(nil)).
		Set("is_winning = ?", false).
		Set("status = ?", models.BidStatusOutbid).
		Set("updated_at = ?", now).
		Where("lot_id = ?", lotID).
		Where("id != ?", exceptBidID).
		Where("status IN (?)", bun.In([]models.BidStatus{models.BidStatusActive, models.BidStatusWinning})).
		Exec(ctx)
	if err != nil {
		return apperr.Transient("demote bids", err)
	}
	return nil
}

func (d *DB) FinalizeBids(ctx context.Context, lotID, winningBidID string, now time.Time) error {
	if winningBidID != "" {
		_, err := d.Bun.NewUpdate().
			Model((*models.Bid)(nil)).
			Set("status = ?", models.BidStatusWon).
			Set("is_winning = ?", true).
			Set("updated_at = ?", now).
			Where("id = ?", winningBidID).
			Exec(ctx)
		if err != nil {
			return apperr.Transient("mark winning bid", err)
		}
	}

	_, err := d.Bun.NewUpdate().
		Model((*models.Bid)(nil)).
		Set("status = ?", models.BidStatusLost).
		Set("is_winning = ?", false).
		Set("updated_at = ?", now).
		Where("lot_id = ?", lotID).
		Where("id != ?", winningBidID).
		Exec(ctx)
	if err != nil {
		return apperr.Transient("mark losing bids", err)
	}
	return nil
}

// ListBidsForLot → highest amount first, newest first among equal amounts
func (d *DB) ListBidsForLot(ctx context.Context, lotID string, limit int) ([]models.Bid, error) {
	var bids []models.Bid
	err := d.Bun.NewSelect().
		Model(&bids).
		Where("lot_id = ?", lotID).
		Order("amount DESC", "created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, apperr.Transient("list lot bids", err)
	}
	return bids, nil
}

func (d *DB) ListBidsByBidder(ctx context.Context, bidderID string, filter models.BidFilter) ([]models.Bid, int, error) {
	var bids []models.Bid
	q := d.Bun.NewSelect().
		Model(&bids).
		Where("bidder_id = ?", bidderID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.LotID != "" {
		q = q.Where("lot_id = ?", filter.LotID)
	}

	switch filter.Sort {
	case models.BidSortOldest:
		q = q.Order("created_at ASC")
	case models.BidSortAmountDesc:
		q = q.Order("amount DESC", "created_at DESC")
	case models.BidSortAmountAsc:
		q = q.Order("amount ASC", "created_at DESC")
	default:
		q = q.Order("created_at DESC")
	}

	total, err := q.Limit(filter.PageSize).Offset(filter.Offset()).ScanAndCount(ctx)
	if err != nil {
		return nil, 0, apperr.Transient("list bidder bids", err)
	}
	return bids, total, nil
}

func affected(res sql.Result) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Transient("read affected rows", err)
	}
	return rows > 0, nil
}
