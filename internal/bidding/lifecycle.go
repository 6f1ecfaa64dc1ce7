package bidding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/models"
	"ms-auction/internal/utils"
)

// CreateLot stores a draft lot owned by the calling producer. Its price starts at the
// starting price.
func (l *Ledger) CreateLot(ctx context.Context, producer models.Principal, req models.CreateLotRequest) (*models.Lot, error) {
	if producer.Role != models.RoleProducer {
		return nil, apperr.Forbidden("only producers can create lots")
	}

	now := l.now()
	if err := validateCreateLot(req, now); err != nil {
		return nil, err
	}

	mode := req.AuctionMode
	if mode == "" {
		mode = models.AuctionModeAuction
	}
	start := req.StartDate.UTC()
	if start.IsZero() {
		start = now
	}

	lot := &models.Lot{
		ID:            utils.NewLotID(),
		ProducerID:    producer.ID,
		ProductID:     req.ProductID,
		Title:         req.Title,
		StartingPrice: req.StartingPrice,
		CurrentPrice:  req.StartingPrice,
		Currency:      strings.ToUpper(req.Currency),
		AuctionMode:   mode,
		Status:        models.LotStatusDraft,
		StartDate:     start,
		EndDate:       req.EndDate.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := l.Store.CreateLot(ctx, lot); err != nil {
		return nil, err
	}

	l.Logger.LogBid("LOT_CREATED", lot.ID, fmt.Sprintf("producer=%s starting=%s %s ends=%s", lot.ProducerID, lot.StartingPrice, lot.Currency, lot.EndDate.Format(time.RFC3339)))
	return lot, nil
}

func validateCreateLot(req models.CreateLotRequest, now time.Time) error {
	switch {
	case req.ProductID == "":
		return apperr.InvalidInput("product id is required")
	case !req.StartingPrice.IsPositive():
		return apperr.InvalidInput("starting price must be positive")
	case !models.FitsMoneyScale(req.StartingPrice):
		return apperr.InvalidInput(ReasonTooPrecise)
	case len(req.Currency) != 3:
		return apperr.InvalidInput("currency must be a three letter code")
	case req.EndDate.IsZero() || !req.EndDate.After(now):
		return apperr.InvalidInput("end date must be in the future")
	case !req.StartDate.IsZero() && !req.StartDate.Before(req.EndDate):
		return apperr.InvalidInput("start date must be before end date")
	}

	switch req.AuctionMode {
	case "", models.AuctionModeAuction, models.AuctionModeFixed, models.AuctionModeReverseAuction:
	default:
		return apperr.InvalidInput(fmt.Sprintf("unknown auction mode %q", req.AuctionMode))
	}
	return nil
}

// GetLot returns the lot and records one view.
func (l *Ledger) GetLot(ctx context.Context, lotID string) (*models.Lot, error) {
	lot, err := l.Store.FindLotByID(ctx, lotID)
	if err != nil {
		return nil, err
	}

	if err := l.Store.IncrementViewCount(ctx, lotID); err != nil {
		l.Logger.Warn("DATABASE", fmt.Sprintf("Failed to count view of lot %s: %v", lotID, err))
	} else {
		lot.ViewCount++
	}
	return lot, nil
}

// ActivateLot opens a draft lot for bidding.
func (l *Ledger) ActivateLot(ctx context.Context, actor models.Principal, lotID string) (*models.Lot, error) {
	unlock, err := l.Locker.Lock(ctx, lotID)
	if err != nil {
		return nil, apperr.Transient("acquire lot lock", err)
	}
	defer unlock()

	lot, err := l.Store.FindLotByID(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, lot) {
		return nil, apperr.Forbidden("only the lot producer can activate it")
	}
	if lot.Status != models.LotStatusDraft {
		return nil, apperr.InvalidState(fmt.Sprintf("lot is %s, not draft", lot.Status))
	}

	now := l.now()
	if !now.Before(lot.EndDate) {
		return nil, apperr.InvalidState("auction window already ended")
	}

	ok, err := l.Store.UpdateLotStatus(ctx, lotID, []models.LotStatus{models.LotStatusDraft}, LotStatusChange{
		Status: models.LotStatusActive,
		At:     now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.InvalidState("lot status changed concurrently")
	}

	lot.Status = models.LotStatusActive
	lot.UpdatedAt = now
	l.Logger.LogBid("LOT_ACTIVATED", lot.ID, fmt.Sprintf("by=%s", actor.ID))
	return lot, nil
}

// CancelLot withdraws a draft or active lot. Every bid on it is lost.
func (l *Ledger) CancelLot(ctx context.Context, actor models.Principal, lotID string) (*models.Lot, error) {
	unlock, err := l.Locker.Lock(ctx, lotID)
	if err != nil {
		return nil, apperr.Transient("acquire lot lock", err)
	}
	defer unlock()

	lot, err := l.Store.FindLotByID(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, lot) && !actor.IsAdmin() {
		return nil, apperr.Forbidden("only the lot producer or an administrator can cancel it")
	}
	if lot.Status != models.LotStatusDraft && lot.Status != models.LotStatusActive {
		return nil, apperr.InvalidState(fmt.Sprintf("lot is already %s", lot.Status))
	}

	now := l.now()
	err = l.Store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		ok, err := tx.UpdateLotStatus(ctx, lotID, []models.LotStatus{models.LotStatusDraft, models.LotStatusActive}, LotStatusChange{
			Status: models.LotStatusCancelled,
			At:     now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidState("lot status changed concurrently")
		}
		return tx.FinalizeBids(ctx, lotID, "", now)
	})
	if err != nil {
		return nil, err
	}

	lot.Status = models.LotStatusCancelled
	lot.UpdatedAt = now

	l.announceEnd(ctx, models.AuctionEnded{
		LotID:      lot.ID,
		Status:     models.LotStatusCancelled,
		FinalPrice: lot.CurrentPrice,
		Currency:   lot.Currency,
		EndedAt:    now,
	})
	l.Logger.LogBid("LOT_CANCELLED", lot.ID, fmt.Sprintf("by=%s", actor.ID))
	return lot, nil
}

// CloseAuction settles an active lot whose window has ended: sold to the winning bidder,
// or expired when nobody bid.
func (l *Ledger) CloseAuction(ctx context.Context, lotID string) (*models.AuctionEnded, error) {
	unlock, err := l.Locker.Lock(ctx, lotID)
	if err != nil {
		return nil, apperr.Transient("acquire lot lock", err)
	}
	defer unlock()

	lot, err := l.Store.FindLotByID(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if lot.Status != models.LotStatusActive {
		return nil, apperr.InvalidState(ReasonLotNotActive)
	}

	now := l.now()
	if now.Before(lot.EndDate) {
		return nil, apperr.InvalidState("auction still running")
	}

	winner, err := l.Store.FindWinningBid(ctx, lotID)
	if err != nil {
		return nil, err
	}

	ev := models.AuctionEnded{
		LotID:      lot.ID,
		Status:     models.LotStatusExpired,
		FinalPrice: lot.CurrentPrice,
		Currency:   lot.Currency,
		EndedAt:    now,
	}
	change := LotStatusChange{Status: models.LotStatusExpired, At: now}
	if winner != nil {
		ev.Status = models.LotStatusSold
		ev.WinnerID = winner.BidderID
		ev.WinnerName = winner.BidderName
		ev.WinningBidID = winner.ID
		change = LotStatusChange{
			Status:       models.LotStatusSold,
			WinnerID:     winner.BidderID,
			WinningBidID: winner.ID,
			At:           now,
		}
	}

	err = l.Store.RunInTx(ctx, func(ctx context.Context, tx Store) error {
		ok, err := tx.UpdateLotStatus(ctx, lotID, []models.LotStatus{models.LotStatusActive}, change)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidState(ReasonLotNotActive)
		}
		return tx.FinalizeBids(ctx, lotID, ev.WinningBidID, now)
	})
	if err != nil {
		return nil, err
	}

	l.announceEnd(ctx, ev)
	l.Logger.LogBid("AUCTION_CLOSED", lot.ID, fmt.Sprintf("status=%s winner=%s price=%s", ev.Status, ev.WinnerID, ev.FinalPrice))
	return &ev, nil
}

func (l *Ledger) announceEnd(ctx context.Context, ev models.AuctionEnded) {
	l.Notifier.NotifyAuctionEnd(ctx, ev)
	if err := l.Publisher.PublishAuctionEnded(ctx, ev); err != nil {
		l.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish end of lot %s: %v", ev.LotID, err))
	}
}

func canManage(actor models.Principal, lot *models.Lot) bool {
	return actor.ID == lot.ProducerID
}
