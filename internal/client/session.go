package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"ms-auction/internal/broadcast"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	DefaultMaxRetries = 10
	defaultPongWait   = 75 * time.Second
	defaultWriteWait  = 10 * time.Second
)

var (
	ErrNotConnected  = errors.New("session is not connected")
	ErrSessionClosed = errors.New("session closed")
)

// Session keeps one websocket to the auction channel alive and re-joins the watched
// lots after every reconnect.
type Session struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
	Logger *logger.Logger

	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	PongWait        time.Duration

	OnEvent       func(models.Event)
	OnStateChange func(from, to State)

	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	lots    map[string]struct{}
	socket  *websocket.Conn
	closed  bool
}

func NewSession(url, token string, log *logger.Logger) *Session {
	if log == nil {
		log = logger.NewConsoleLogger(nil)
	}
	return &Session{
		URL:             url,
		Token:           token,
		Dialer:          websocket.DefaultDialer,
		Logger:          log,
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		PongWait:        defaultPongWait,
		lots:            make(map[string]struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.Logger.Debug("CLIENT", fmt.Sprintf("Session %s -> %s", from, to))
	if s.OnStateChange != nil {
		s.OnStateChange(from, to)
	}
}

// Watched lists the lots that are re-joined on every connect.
func (s *Session) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.lots))
	for id := range s.lots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Watch remembers lotID and joins its room now if connected.
func (s *Session) Watch(lotID string) error {
	s.mu.Lock()
	s.lots[lotID] = struct{}{}
	s.mu.Unlock()

	err := s.send(broadcast.Command{Action: broadcast.ActionJoin, LotID: lotID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (s *Session) Unwatch(lotID string) error {
	s.mu.Lock()
	delete(s.lots, lotID)
	s.mu.Unlock()

	err := s.send(broadcast.Command{Action: broadcast.ActionLeave, LotID: lotID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Bid sends a bid over the channel. A refusal comes back as a BidRejected event.
func (s *Session) Bid(lotID string, amount decimal.Decimal, message string) error {
	return s.send(broadcast.Command{Action: broadcast.ActionBid, LotID: lotID, Amount: amount, Message: message})
}

func (s *Session) send(cmd broadcast.Command) error {
	s.mu.Lock()
	socket := s.socket
	s.mu.Unlock()
	if socket == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	socket.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err := socket.WriteJSON(cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd.Action, err)
	}
	return nil
}

func (s *Session) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.InitialInterval
	exp.MaxInterval = s.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, s.MaxRetries), ctx)
}

// Run connects and serves the channel until ctx is cancelled, Close is called, or a
// reconnect exhausts MaxRetries. The session ends Closed in every case.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateClosed)

	policy := s.newBackOff(ctx)
	reconnecting := false
	for {
		if reconnecting {
			s.setState(StateReconnecting)
		}

		socket, err := s.dialWithRetry(ctx, policy)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("giving up on %s: %w", s.URL, err)
		}

		if !s.attach(socket) {
			socket.Close()
			return nil
		}
		s.setState(StateConnected)
		s.rejoin()

		err = s.readLoop(ctx, socket)
		s.detach(socket)

		if ctx.Err() != nil || s.isClosed() {
			return nil
		}
		s.Logger.Warn("CLIENT", fmt.Sprintf("Channel dropped: %v", err))
		s.setState(StateDisconnected)
		reconnecting = true
	}
}

func (s *Session) dialWithRetry(ctx context.Context, policy backoff.BackOff) (*websocket.Conn, error) {
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}

	var socket *websocket.Conn
	op := func() error {
		if s.isClosed() {
			return backoff.Permanent(ErrSessionClosed)
		}
		conn, resp, err := s.Dialer.DialContext(ctx, s.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return backoff.Permanent(fmt.Errorf("channel refused credential: %s", resp.Status))
			}
			return err
		}
		socket = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.Logger.Debug("CLIENT", fmt.Sprintf("Dial failed (%v), retrying in %s", err, wait))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return socket, nil
}

func (s *Session) attach(socket *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.socket = socket
	return true
}

func (s *Session) detach(socket *websocket.Conn) {
	s.mu.Lock()
	if s.socket == socket {
		s.socket = nil
	}
	s.mu.Unlock()
	socket.Close()
}

func (s *Session) rejoin() {
	for _, lotID := range s.Watched() {
		if err := s.send(broadcast.Command{Action: broadcast.ActionJoin, LotID: lotID}); err != nil {
			s.Logger.Warn("CLIENT", fmt.Sprintf("Re-join %s failed: %v", lotID, err))
		}
	}
}

func (s *Session) readLoop(ctx context.Context, socket *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			socket.Close()
		case <-stop:
		}
	}()

	socket.SetReadDeadline(time.Now().Add(s.PongWait))
	socket.SetPingHandler(func(data string) error {
		socket.SetReadDeadline(time.Now().Add(s.PongWait))
		return socket.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(defaultWriteWait))
	})

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			return err
		}
		socket.SetReadDeadline(time.Now().Add(s.PongWait))

		ev, err := models.DecodeEvent(raw)
		if err != nil {
			s.Logger.Debug("CLIENT", fmt.Sprintf("Skipping undecodable message: %v", err))
			continue
		}
		if s.OnEvent != nil {
			s.OnEvent(ev)
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close ends the session; Run returns shortly after.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	socket := s.socket
	s.mu.Unlock()

	if socket != nil {
		s.writeMu.Lock()
		socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		socket.Close()
	}
	s.setState(StateClosed)
}
