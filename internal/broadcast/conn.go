package broadcast

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"ms-auction/internal/models"
)

type ConnState int

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateTerminated
)

func (s ConnState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Conn is one live member of the hub. Room membership is tracked per lot, so an
// authenticated conn may be in any number of rooms at once.
type Conn struct {
	ID        string
	Principal models.Principal

	send    chan []byte
	done    chan struct{}
	dropped atomic.Int64

	mu    sync.Mutex
	state ConnState
	rooms map[string]struct{}
}

func newConn(id string, principal models.Principal, buffer int) *Conn {
	return &Conn{
		ID:        id,
		Principal: principal,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		state:     StateAuthenticated,
		rooms:     make(map[string]struct{}),
	}
}

// Send yields encoded event envelopes in delivery order. It is never closed; watch Done.
func (c *Conn) Send() <-chan []byte { return c.send }

// Done is closed once the conn is terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) InRoom(lotID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[lotID]
	return ok
}

// Rooms lists joined lots in sorted order.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dropped counts events discarded because the outbound buffer was full.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// SendEvent emits ev to this conn only.
func (c *Conn) SendEvent(ev models.Event) error {
	payload, err := models.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if !c.deliver(payload) {
		return fmt.Errorf("conn %s did not accept %s", c.ID, ev.Type())
	}
	return nil
}

// deliver never blocks. A full buffer or a terminated conn loses the message.
func (c *Conn) deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func (c *Conn) addRoom(lotID string) (added bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return false, fmt.Errorf("conn %s is %s", c.ID, c.state)
	}
	if _, ok := c.rooms[lotID]; ok {
		return false, nil
	}
	c.rooms[lotID] = struct{}{}
	return true, nil
}

func (c *Conn) removeRoom(lotID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[lotID]; !ok {
		return false
	}
	delete(c.rooms, lotID)
	return true
}

// terminate flips the conn to Terminated and returns the rooms it was in. Only the
// first call reports true.
func (c *Conn) terminate() ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateTerminated {
		return nil, false
	}
	c.state = StateTerminated
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.rooms = map[string]struct{}{}
	close(c.done)
	return rooms, true
}
