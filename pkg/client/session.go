package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pixperk/pdmlock/pkg/types"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var errHeartbeatTimeout = errors.New("no message from server within heartbeat timeout")

// Session keeps an event stream open and a local view of the lock table and
// the connected peers. It reconnects with backoff until closed and resyncs
// the view on every open.
type Session struct {
	client  *Client
	id      string
	logger  *zap.Logger
	onState func(State)

	mu       sync.RWMutex
	state    State
	locks    types.LockTable
	peers    []string
	revision string

	events chan types.Event
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewSession creates a session, onState (optional) is called on every
// state change from the session goroutine.
func (c *Client) NewSession(onState func(State)) *Session {
	id := uuid.NewString()
	return &Session{
		client:  c,
		id:      id,
		logger:  c.logger.With(zap.String("session", id)),
		onState: onState,
		state:   StateConnecting,
		locks:   types.NewLockTable(),
		events:  make(chan types.Event, c.cfg.EventBuffer),
		done:    make(chan struct{}),
	}
}

// Start runs the session until ctx is done or Close is called.
func (s *Session) Start(ctx context.Context) {
	s.once.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx)
	})
}

// Close ends the session and waits for it to stop.
func (s *Session) Close() {
	s.once.Do(func() {
		//never started
		close(s.events)
		close(s.done)
		s.setState(StateClosed)
	})
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Locks returns a copy of the local view of the lock table.
func (s *Session) Locks() types.LockTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locks.Clone()
}

// Peers returns the connected identities, sorted.
func (s *Session) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.peers...)
}

// Revision is the ledger revision the local view was last resynced to or
// updated from.
func (s *Session) Revision() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Events delivers every server event except heartbeats. Closed when the
// session ends. Events are dropped while the channel is full.
func (s *Session) Events() <-chan types.Event {
	return s.events
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()

	s.logger.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", st))
	if s.onState != nil {
		s.onState(st)
	}
}

func (s *Session) newBackOff() *backoff.ExponentialBackOff {
	cfg := s.client.cfg.Backoff
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Initial
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.Max
	bo.RandomizationFactor = cfg.Randomization
	bo.MaxElapsedTime = 0 //never give up
	bo.Reset()
	return bo
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.setState(StateClosed)

	bo := s.newBackOff()
	for {
		err := s.stream(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		s.setState(StateReconnecting)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = bo.MaxInterval
		}
		s.logger.Warn("event stream lost, reconnecting", zap.Error(err), zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// one connection, returns when the stream ends
func (s *Session) stream(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	sctx, cancel := context.WithCancel(s.client.outgoing(ctx))
	defer cancel()

	stream, err := s.client.rpc.Subscribe(sctx)
	if err != nil {
		return err
	}
	if err := s.send(stream.Send, types.ControlHello); err != nil {
		return err
	}
	if err := s.send(stream.Send, types.ControlResync); err != nil {
		return err
	}

	type recv struct {
		ev  types.Event
		err error
	}
	inbox := make(chan recv, 16)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				select {
				case inbox <- recv{err: err}:
				case <-sctx.Done():
				}
				return
			}
			ev, err := types.EventFromProto(msg)
			if err != nil {
				s.logger.Debug("ignoring malformed event", zap.Error(err))
				continue
			}
			select {
			case inbox <- recv{ev: ev}:
			case <-sctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.client.cfg.HeartbeatInterval)
	defer ticker.Stop()
	//rearmed by every message, fires on a stream that went silent
	liveness := time.NewTimer(s.client.cfg.HeartbeatTimeout)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r := <-inbox:
			if r.err != nil {
				return r.err
			}
			liveness.Reset(s.client.cfg.HeartbeatTimeout)
			if s.apply(r.ev) {
				//resync reply, the view is current again
				s.setState(StateOpen)
				bo.Reset()
			}

		case <-liveness.C:
			return errHeartbeatTimeout

		case <-ticker.C:
			if err := s.send(stream.Send, types.EventPing); err != nil {
				return err
			}
		}
	}
}

func (s *Session) send(send func(*structpb.Struct) error, typ types.EventType) error {
	msg, err := types.Event{Type: typ, Timestamp: time.Now().UTC()}.ToProto()
	if err != nil {
		return err
	}
	return send(msg)
}

// folds ev into the local view and forwards it, reports whether ev was a
// resync reply
func (s *Session) apply(ev types.Event) bool {
	resynced := false

	s.mu.Lock()
	switch ev.Type {
	case types.EventResourceLocked:
		s.locks[ev.ResourceID] = types.LockEntry{Holder: ev.Holder, AcquiredAt: ev.Timestamp, Reason: ev.Reason}
		s.revision = ev.Revision
	case types.EventResourceUnlocked:
		delete(s.locks, ev.ResourceID)
		s.revision = ev.Revision
	case types.EventPeerConnected:
		s.peers = addPeer(s.peers, ev.Identity)
	case types.EventPeerDisconnected:
		s.peers = removePeer(s.peers, ev.Identity)
	case types.EventPresenceSnapshot:
		s.peers = append([]string(nil), ev.Peers...)
		if ev.Locks != nil {
			s.locks = ev.Locks.Clone()
			s.revision = ev.Revision
			resynced = true
		}
	}
	s.mu.Unlock()

	if ev.Type == types.EventPing || ev.Type == types.EventPong {
		return resynced
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Debug("event buffer full, dropping event", zap.String("type", string(ev.Type)))
	}
	return resynced
}

func addPeer(peers []string, identity string) []string {
	i := sort.SearchStrings(peers, identity)
	if i < len(peers) && peers[i] == identity {
		return peers
	}
	peers = append(peers, "")
	copy(peers[i+1:], peers[i:])
	peers[i] = identity
	return peers
}

func removePeer(peers []string, identity string) []string {
	i := sort.SearchStrings(peers, identity)
	if i < len(peers) && peers[i] == identity {
		return append(peers[:i], peers[i+1:]...)
	}
	return peers
}
