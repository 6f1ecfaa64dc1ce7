package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"ms-auction/internal/models"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollLimit    = 20
)

var ErrPollerRunning = errors.New("poller already running")

// Snapshot is one authoritative pull of a lot's bids, highest first.
type Snapshot struct {
	LotID     string
	Bids      []models.Bid
	FetchedAt time.Time
}

// Poller re-pulls the bid list of one lot on a fixed interval until stopped.
type Poller struct {
	API      *API
	LotID    string
	Interval time.Duration
	Limit    int

	OnSnapshot func(Snapshot)
	OnError    func(error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(api *API, lotID string, onSnapshot func(Snapshot)) *Poller {
	return &Poller{
		API:        api,
		LotID:      lotID,
		Interval:   DefaultPollInterval,
		Limit:      DefaultPollLimit,
		OnSnapshot: onSnapshot,
	}
}

// Fetch performs one pull.
func (p *Poller) Fetch(ctx context.Context) (Snapshot, error) {
	bids, err := p.API.ListBids(ctx, p.LotID, p.Limit)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{LotID: p.LotID, Bids: bids, FetchedAt: time.Now().UTC()}, nil
}

// Start pulls once immediately and then every Interval. It returns at once; Stop or
// cancelling ctx ends the task.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrPollerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	go p.loop(ctx, interval, p.done)
	return nil
}

func (p *Poller) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	snap, err := p.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil && p.OnError != nil {
			p.OnError(err)
		}
		return
	}
	if p.OnSnapshot != nil {
		p.OnSnapshot(snap)
	}
}

// Stop cancels the task and waits for an in-flight pull to finish. Safe to call when
// not running.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
