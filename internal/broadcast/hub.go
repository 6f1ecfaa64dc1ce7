package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ms-auction/internal/apperr"
	"ms-auction/internal/auth"
	"ms-auction/internal/bidding"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"
	"ms-auction/internal/utils"
)

const DefaultBufferSize = 64

// ErrHubClosed is returned by Connect and Admit after Close.
var ErrHubClosed = errors.New("broadcast hub closed")

// Backplane relays encoded events between hub instances of different processes.
// Subscribe blocks until ctx is done and must not hand back messages this process published.
type Backplane interface {
	Publish(ctx context.Context, lotID string, payload []byte) error
	Subscribe(ctx context.Context, deliver func(lotID string, payload []byte)) error
}

type room struct {
	// emitMu keeps events of one lot in issue order across concurrent emitters.
	emitMu  sync.Mutex
	members map[*Conn]struct{}
}

// Hub owns lot rooms and live connections.
type Hub struct {
	verifier   auth.Verifier
	backplane  Backplane
	logger     *logger.Logger
	bufferSize int

	mu     sync.RWMutex
	rooms  map[string]*room
	conns  map[string]*Conn
	closed bool
}

var _ bidding.Notifier = (*Hub)(nil)

type Option func(*Hub)

func WithBackplane(b Backplane) Option {
	return func(h *Hub) { h.backplane = b }
}

func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

func NewHub(verifier auth.Verifier, log *logger.Logger, opts ...Option) *Hub {
	if log == nil {
		log = logger.NewConsoleLogger(nil)
	}
	h := &Hub{
		verifier:   verifier,
		logger:     log,
		bufferSize: DefaultBufferSize,
		rooms:      make(map[string]*room),
		conns:      make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect verifies the credential and admits the resulting principal. A failed
// verification never creates a Conn.
func (h *Hub) Connect(ctx context.Context, token string) (*Conn, error) {
	if h.verifier == nil {
		return nil, apperr.AuthFailure("no credential verifier configured", nil)
	}
	principal, err := h.verifier.Verify(ctx, token)
	if err != nil {
		h.logger.LogSecurity("WS_AUTH_FAILED", err.Error())
		if apperr.KindOf(err) == apperr.KindAuthFailure {
			return nil, err
		}
		return nil, apperr.AuthFailure("credential verification failed", err)
	}
	return h.Admit(principal)
}

// Admit registers a conn for a principal that was already verified upstream.
func (h *Hub) Admit(principal models.Principal) (*Conn, error) {
	conn := newConn(utils.NewConnectionID(), principal, h.bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.conns[conn.ID] = conn

	h.logger.LogBroadcast("CONNECTED", "-", fmt.Sprintf("conn=%s principal=%s", conn.ID, principal.ID))
	return conn, nil
}

// Join adds conn to the lot room and acknowledges to conn alone. Joining twice keeps a
// single membership.
func (h *Hub) Join(conn *Conn, lotID string) error {
	if lotID == "" {
		return apperr.InvalidInput("lot id is required")
	}

	h.mu.Lock()
	added, err := conn.addRoom(lotID)
	if err != nil {
		h.mu.Unlock()
		return apperr.InvalidState(err.Error())
	}
	r, ok := h.rooms[lotID]
	if !ok {
		r = &room{members: make(map[*Conn]struct{})}
		h.rooms[lotID] = r
	}
	r.members[conn] = struct{}{}
	members := len(r.members)
	h.mu.Unlock()

	if added {
		h.logger.LogBroadcast("JOINED", lotID, fmt.Sprintf("conn=%s members=%d", conn.ID, members))
	}
	return conn.SendEvent(models.RoomJoined{LotID: lotID, ConnectionID: conn.ID, Members: members})
}

// Leave removes conn from one room. Leaving a room the conn is not in is a no-op.
func (h *Hub) Leave(conn *Conn, lotID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn.removeRoom(lotID) {
		h.removeMemberLocked(conn, lotID)
		h.logger.LogBroadcast("LEFT", lotID, fmt.Sprintf("conn=%s", conn.ID))
	}
}

// Disconnect terminates conn and drops it from every room.
func (h *Hub) Disconnect(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms, ok := conn.terminate()
	if !ok {
		return
	}
	for _, lotID := range rooms {
		h.removeMemberLocked(conn, lotID)
	}
	delete(h.conns, conn.ID)
	h.logger.LogBroadcast("DISCONNECTED", "-", fmt.Sprintf("conn=%s rooms=%d dropped=%d", conn.ID, len(rooms), conn.Dropped()))
}

func (h *Hub) removeMemberLocked(conn *Conn, lotID string) {
	r, ok := h.rooms[lotID]
	if !ok {
		return
	}
	delete(r.members, conn)
	if len(r.members) == 0 {
		delete(h.rooms, lotID)
	}
}

// NotifyBid fans an accepted bid out to the lot room, then to sibling processes.
func (h *Hub) NotifyBid(ctx context.Context, ev models.BidAccepted) {
	h.notify(ctx, ev)
}

// NotifyAuctionEnd fans the final outcome of a lot out the same way as bids.
func (h *Hub) NotifyAuctionEnd(ctx context.Context, ev models.AuctionEnded) {
	h.notify(ctx, ev)
}

func (h *Hub) notify(ctx context.Context, ev models.Event) {
	payload, err := models.EncodeEvent(ev)
	if err != nil {
		h.logger.Error("BROADCAST", fmt.Sprintf("Failed to encode %s for lot %s: %v", ev.Type(), ev.Room(), err))
		return
	}

	h.emit(ev.Room(), payload)

	if h.backplane != nil {
		if err := h.backplane.Publish(ctx, ev.Room(), payload); err != nil {
			h.logger.Warn("BROADCAST", fmt.Sprintf("Backplane publish for lot %s failed: %v", ev.Room(), err))
		}
	}
}

// emit delivers payload to the local members of the lot room and returns how many took it.
func (h *Hub) emit(lotID string, payload []byte) int {
	r, members := h.lockRoom(lotID)
	if r == nil {
		return 0
	}
	defer r.emitMu.Unlock()

	delivered := 0
	for _, c := range members {
		if c.deliver(payload) {
			delivered++
		} else {
			h.logger.LogBroadcast("DROPPED", lotID, fmt.Sprintf("conn=%s", c.ID))
		}
	}
	return delivered
}

// lockRoom takes the emit mutex of the live room for lotID and snapshots its members.
// A room emptied and recreated while waiting is looked up again.
func (h *Hub) lockRoom(lotID string) (*room, []*Conn) {
	for {
		h.mu.RLock()
		r, ok := h.rooms[lotID]
		h.mu.RUnlock()
		if !ok {
			return nil, nil
		}

		r.emitMu.Lock()
		h.mu.RLock()
		if h.rooms[lotID] != r {
			h.mu.RUnlock()
			r.emitMu.Unlock()
			continue
		}
		members := make([]*Conn, 0, len(r.members))
		for c := range r.members {
			members = append(members, c)
		}
		h.mu.RUnlock()
		return r, members
	}
}

// Run relays backplane traffic into local rooms until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.backplane == nil {
		<-ctx.Done()
		return nil
	}

	h.logger.LogProcess("BROADCAST", "Backplane relay started")
	err := h.backplane.Subscribe(ctx, func(lotID string, payload []byte) {
		h.emit(lotID, payload)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("backplane subscription ended: %w", err)
	}
	return nil
}

// Close terminates every conn and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.Disconnect(c)
	}
	h.logger.LogProcess("BROADCAST", fmt.Sprintf("Hub closed, %d connections terminated", len(conns)))
}

// RoomSize reports how many local conns are in the lot room.
func (h *Hub) RoomSize(lotID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[lotID]; ok {
		return len(r.members)
	}
	return 0
}

type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Rooms: len(h.rooms), Connections: len(h.conns)}
}
