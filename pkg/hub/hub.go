// Package hub fans events out to the connected subscribers and drops the
// ones that stop answering. One connection is kept per identity, a newer
// connection replaces the older one.
package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pixperk/pdmlock/pkg/metrics"
	ptime "github.com/pixperk/pdmlock/pkg/time"
	"github.com/pixperk/pdmlock/pkg/types"
)

// Subscriber is one live event stream.
type Subscriber interface {
	ID() string       //connection id, unique per stream
	Identity() string //who is on the other end
	Deliver(ctx context.Context, ev types.Event) error
	Close()
}

type Config struct {
	DeliveryTimeout  time.Duration //per subscriber, per event
	HeartbeatTimeout time.Duration //silence after which a subscriber is dropped
	SweepInterval    time.Duration
	MaxConcurrency   int //deliveries in flight per broadcast
}

func DefaultConfig() Config {
	return Config{
		DeliveryTimeout:  5 * time.Second,
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
		MaxConcurrency:   32,
	}
}

type connection struct {
	sub           Subscriber
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// Hub owns the subscriber registry, nothing outside mutates it.
type Hub struct {
	cfg    Config
	clock  ptime.Clock
	logger *zap.Logger

	mu         sync.Mutex
	conns      map[string]*connection //connection id -> connection
	byIdentity map[string]string      //identity -> connection id
}

func New(cfg Config, clock ptime.Clock, logger *zap.Logger) *Hub {
	d := DefaultConfig()
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = d.DeliveryTimeout
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = d.MaxConcurrency
	}
	if clock == nil {
		clock = ptime.NewClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		conns:      make(map[string]*connection),
		byIdentity: make(map[string]string),
	}
}

// Register adds sub, closing any older connection of the same identity, and
// tells everyone who is connected now.
func (h *Hub) Register(ctx context.Context, sub Subscriber) {
	id, identity := sub.ID(), sub.Identity()
	now := h.clock.Now()

	h.mu.Lock()
	if cur, ok := h.conns[id]; ok && cur.sub == sub {
		//already registered, nothing to announce
		h.mu.Unlock()
		return
	}
	var replaced Subscriber
	if oldID, ok := h.byIdentity[identity]; ok {
		replaced = h.conns[oldID].sub
		delete(h.conns, oldID)
	}
	h.conns[id] = &connection{sub: sub, connectedAt: now, lastHeartbeat: now}
	h.byIdentity[identity] = id
	peers := h.identitiesLocked()
	metrics.SubscribersActive.Set(float64(len(h.conns)))
	h.mu.Unlock()

	log := h.logger.With(zap.String("conn", id), zap.String("identity", identity))
	if replaced != nil {
		log.Info("replacing previous connection", zap.String("previous", replaced.ID()))
		replaced.Close()
	}
	log.Info("subscriber registered", zap.Int("subscribers", len(peers)))

	h.Broadcast(ctx, types.PresenceSnapshotEvent(peers, nil, types.Revision{}, now))
	h.Broadcast(ctx, types.PeerConnectedEvent(identity, now), identity)
}

// Unregister removes the connection. Unknown or replaced ids are ignored.
func (h *Hub) Unregister(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	delete(h.conns, connID)
	if h.byIdentity[c.sub.Identity()] == connID {
		delete(h.byIdentity, c.sub.Identity())
	}
	metrics.SubscribersActive.Set(float64(len(h.conns)))
	return true
}

// Disconnect unregisters and closes the connection and tells the others.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if !h.Unregister(connID) {
		return
	}
	c.sub.Close()

	identity := c.sub.Identity()
	h.logger.Info("subscriber disconnected", zap.String("conn", connID), zap.String("identity", identity))
	h.Broadcast(ctx, types.PeerDisconnectedEvent(identity, h.clock.Now()), identity)
}

// Broadcast delivers ev to every subscriber whose identity is not excluded.
// Deliveries run concurrently, a subscriber that fails or times out is
// dropped without affecting the others.
func (h *Hub) Broadcast(ctx context.Context, ev types.Event, exclude ...string) {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	h.mu.Lock()
	targets := make([]Subscriber, 0, len(h.conns))
	for _, c := range h.conns {
		if _, ok := skip[c.sub.Identity()]; ok {
			continue
		}
		targets = append(targets, c.sub)
	}
	h.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	var (
		g       errgroup.Group
		deadMu  sync.Mutex
		dropped []string
	)
	g.SetLimit(h.cfg.MaxConcurrency)
	for _, sub := range targets {
		g.Go(func() error {
			if err := h.deliver(ctx, sub, ev); err != nil {
				metrics.DeliveryFailuresTotal.Inc()
				h.logger.Warn("delivery failed, dropping subscriber",
					zap.String("conn", sub.ID()),
					zap.String("identity", sub.Identity()),
					zap.String("event", string(ev.Type)),
					zap.Error(err),
				)
				if h.Unregister(sub.ID()) {
					sub.Close()
					deadMu.Lock()
					dropped = append(dropped, sub.Identity())
					deadMu.Unlock()
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	now := h.clock.Now()
	for _, identity := range dropped {
		h.Broadcast(ctx, types.PeerDisconnectedEvent(identity, now), identity)
	}
}

// one delivery, bounded by the delivery timeout, a panicking subscriber
// counts as a failed one
func (h *Hub) deliver(ctx context.Context, sub Subscriber, ev types.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panicked: %v", r)
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, h.cfg.DeliveryTimeout)
	defer cancel()
	return sub.Deliver(dctx, ev)
}

// Touch records a heartbeat from the connection.
func (h *Hub) Touch(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	c.lastHeartbeat = h.clock.Now()
	metrics.HeartbeatTotal.WithLabelValues("success").Inc()
	return true
}

// Sweep drops every connection silent for longer than the heartbeat timeout
// and returns their ids.
func (h *Hub) Sweep(ctx context.Context, now time.Time) []string {
	h.mu.Lock()
	var stale []string
	for id, c := range h.conns {
		if now.Sub(c.lastHeartbeat) > h.cfg.HeartbeatTimeout {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	sort.Strings(stale)
	for _, id := range stale {
		metrics.HeartbeatTotal.WithLabelValues("timeout").Inc()
		h.logger.Info("heartbeat timeout", zap.String("conn", id))
		h.Disconnect(ctx, id)
	}
	return stale
}

// Run sweeps on a ticker until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(ctx, h.clock.Now())
		}
	}
}

// Snapshot returns the connected identities, sorted.
func (h *Hub) Snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.identitiesLocked()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll closes and forgets every subscriber, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.conns))
	for _, c := range h.conns {
		subs = append(subs, c.sub)
	}
	h.conns = make(map[string]*connection)
	h.byIdentity = make(map[string]string)
	metrics.SubscribersActive.Set(0)
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (h *Hub) identitiesLocked() []string {
	out := make([]string, 0, len(h.byIdentity))
	for identity := range h.byIdentity {
		out = append(out, identity)
	}
	sort.Strings(out)
	return out
}
