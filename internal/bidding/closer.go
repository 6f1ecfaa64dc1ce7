package bidding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-auction/internal/apperr"
	"ms-auction/internal/logger"
)

const closeBatchSize = 100

// Closer periodically settles active lots whose auction window has ended. Bids are already
// refused by the ledger once the end date passes, the sweep only flips status and notifies.
type Closer struct {
	ledger   *Ledger
	interval time.Duration
	logger   *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCloser(ledger *Ledger, interval time.Duration, log *logger.Logger) *Closer {
	if log == nil {
		log = ledger.Logger
	}
	return &Closer{ledger: ledger, interval: interval, logger: log}
}

// Start launches the sweep loop. Calling Start on a running Closer is a no-op.
func (c *Closer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.logger.LogProcess("CLOSER", fmt.Sprintf("Auction close sweep every %s", c.interval))
		for {
			select {
			case <-ticker.C:
				if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
					c.logger.Error("CLOSER", fmt.Sprintf("Sweep failed: %v", err))
				}
			case <-ctx.Done():
				return
			}
		}
	}(c.done)
}

// Stop cancels the loop and waits for an in-flight sweep to finish.
func (c *Closer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.LogProcess("CLOSER", "Auction close sweep stopped")
}

// Sweep closes every expired active lot once and returns how many it settled. Lots
// settled concurrently by another node are skipped.
func (c *Closer) Sweep(ctx context.Context) (int, error) {
	lots, err := c.ledger.Store.ListExpiredActiveLots(ctx, c.ledger.now(), closeBatchSize)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, lot := range lots {
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}
		if _, err := c.ledger.CloseAuction(ctx, lot.ID); err != nil {
			if errors.Is(err, apperr.ErrInvalidState) {
				continue
			}
			c.logger.Error("CLOSER", fmt.Sprintf("Failed to close lot %s: %v", lot.ID, err))
			continue
		}
		closed++
	}
	return closed, nil
}
