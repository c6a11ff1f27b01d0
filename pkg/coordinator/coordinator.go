// Package coordinator enforces the lock rules on top of the ledger. Every
// mutation is a typed command applied by a single worker goroutine, so the
// blocking part of a request (the file lock and the network round trips to
// the remote) never runs on a connection handler.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pixperk/pdmlock/pkg/filestore"
	"github.com/pixperk/pdmlock/pkg/fsm"
	"github.com/pixperk/pdmlock/pkg/ledger"
	"github.com/pixperk/pdmlock/pkg/metrics"
	ptime "github.com/pixperk/pdmlock/pkg/time"
	"github.com/pixperk/pdmlock/pkg/types"
)

var (
	ErrStopped    = errors.New("coordinator stopped")
	ErrNotStarted = errors.New("coordinator not started")
)

// Ledger is the part of *ledger.Ledger the coordinator needs.
type Ledger interface {
	Apply(ctx context.Context, message string, author types.Identity, mutate ledger.MutateFunc) (types.Revision, error)
	Snapshot(ctx context.Context) (types.LockTable, types.Revision, error)
}

// Publisher receives lock events once the mutation has landed on the remote.
// exclude lists identities that must not get the event.
type Publisher interface {
	Broadcast(ctx context.Context, event types.Event, exclude ...string)
}

type Config struct {
	QueueSize int //pending mutations before Submit blocks

	// do not echo an event back to the identity that caused it
	ExcludeOriginator bool

	// bound on one ledger transaction including its retries, 0 means none.
	// A transaction that started is not cut short by its caller going away.
	MutationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:       64,
		MutationTimeout: 2 * time.Minute,
	}
}

type Coordinator struct {
	ledger Ledger
	pub    Publisher
	view   *fsm.View
	clock  ptime.Clock
	logger *zap.Logger
	cfg    Config

	queue chan *request

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Coordinator)

func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

func WithClock(clock ptime.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(l Ledger, cfg Config, opts ...Option) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	c := &Coordinator{
		ledger: l,
		view:   fsm.NewView(),
		clock:  ptime.NewClock(),
		logger: zap.NewNop(),
		cfg:    cfg,
		queue:  make(chan *request, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// work waiting for the worker, resp is buffered so the worker never
// blocks on a caller that gave up
type request struct {
	ctx    context.Context
	cmd    types.Command
	author types.Identity
	read   func(types.LockTable, types.Revision, error) //set for an ordered read
	resp   chan result
}

type result struct {
	value any
	rev   types.Revision
	err   error
}

// Start launches the worker. It exits when ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	go c.run(ctx)
}

// Stop ends the worker and waits for the mutation in flight to finish.
// Queued mutations that did not start fail with ErrStopped.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running {
		<-c.done
	}
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	defer c.drain()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case req := <-c.queue:
			//stop wins over work that raced it into the queue
			select {
			case <-c.stop:
				req.resp <- result{err: ErrStopped}
				return
			default:
			}
			req.resp <- c.execute(req)
		}
	}
}

func (c *Coordinator) drain() {
	for {
		select {
		case req := <-c.queue:
			req.resp <- result{err: ErrStopped}
		default:
			return
		}
	}
}

// Submit queues cmd for the worker and waits for its outcome. A caller that
// stops waiting does not stop a transaction the worker already started, its
// event is still published once it lands.
func (c *Coordinator) Submit(ctx context.Context, cmd types.Command, author types.Identity) (any, types.Revision, error) {
	res := c.do(ctx, &request{ctx: ctx, cmd: cmd, author: author})
	return res.value, res.rev, res.err
}

// Resync syncs with the remote on the worker and hands the table to fn
// there. fn runs between two published events and never overlaps one, so
// anything it delivers is ordered with the event stream. fn is not called
// when the coordinator is not running or ctx ends before the worker gets to it.
func (c *Coordinator) Resync(ctx context.Context, fn func(types.LockTable, types.Revision, error)) error {
	if fn == nil {
		return fmt.Errorf("%w: nil resync callback", types.ErrInvalidArgument)
	}
	return c.do(ctx, &request{ctx: ctx, read: fn}).err
}

func (c *Coordinator) do(ctx context.Context, req *request) result {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if !running {
		return result{err: ErrNotStarted}
	}

	req.resp = make(chan result, 1)
	select {
	case c.queue <- req:
	case <-c.stop:
		return result{err: ErrStopped}
	case <-c.done:
		return result{err: ErrStopped}
	case <-ctx.Done():
		return result{err: waitErr(ctx)}
	}

	select {
	case res := <-req.resp:
		return res
	case <-c.done:
		//the worker may have answered right before exiting
		select {
		case res := <-req.resp:
			return res
		default:
			return result{err: ErrStopped}
		}
	case <-ctx.Done():
		return result{err: waitErr(ctx)}
	}
}

// execute runs one request on the worker. For a command the fsm transition
// is the mutation, so every retry re-derives it from the freshly synced table.
func (c *Coordinator) execute(req *request) result {
	if req.ctx.Err() != nil {
		return result{err: waitErr(req.ctx)}
	}
	if req.read != nil {
		table, rev, err := c.Locks(req.ctx)
		req.read(table, rev, err)
		return result{rev: rev}
	}

	ctx := context.WithoutCancel(req.ctx)
	if c.cfg.MutationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.MutationTimeout)
		defer cancel()
	}

	var (
		value any
		after types.LockTable
	)
	rev, err := c.ledger.Apply(ctx, req.cmd.Message(), req.author, func(tx *filestore.Tx[types.LockTable]) error {
		table, err := tx.Read()
		if err != nil {
			return err
		}
		v, next, err := fsm.Apply(table, req.cmd)
		if err != nil {
			return err
		}
		value, after = v, next
		return tx.Write(next)
	})
	if err != nil {
		return result{err: err}
	}

	c.view.Restore(after, rev)
	metrics.LocksActive.Set(float64(len(after)))
	c.announce(req, value, rev)
	return result{value: value, rev: rev}
}

// announce logs a landed mutation and publishes its event
func (c *Coordinator) announce(req *request, value any, rev types.Revision) {
	switch resp := value.(type) {
	case fsm.AcquireLockResponse:
		c.logger.Info("lock acquired",
			zap.String("resource", resp.Lock.ResourceID),
			zap.String("holder", resp.Lock.Holder),
			zap.String("revision", rev.Short()),
		)
		c.publish(req.ctx, types.ResourceLockedEvent(resp.Lock, rev), resp.Lock.Holder)

	case fsm.ReleaseLockResponse:
		cmd, _ := req.cmd.(types.ReleaseLockCommand)
		metrics.LockReleaseTotal.WithLabelValues(strconv.FormatBool(resp.Forced)).Inc()

		log := c.logger.With(
			zap.String("resource", resp.Released.ResourceID),
			zap.String("holder", resp.Released.Holder),
			zap.String("revision", rev.Short()),
		)
		if resp.Forced {
			log.Warn("lock force-released", zap.String("actor", cmd.Requester))
		} else {
			log.Info("lock released")
		}
		c.publish(req.ctx, types.ResourceUnlockedEvent(resp.Released, cmd.Requester, resp.Forced, rev, c.clock.Now()), cmd.Requester)
	}
}

// Acquire takes the lock on resourceID for holder.
func (c *Coordinator) Acquire(ctx context.Context, resourceID, holder, reason string) (types.Lock, error) {
	start := time.Now()
	cmd := types.AcquireLockCommand{
		ResourceID: resourceID,
		Holder:     holder,
		Reason:     reason,
		At:         c.clock.Now(),
	}

	v, _, err := c.Submit(ctx, cmd, identityOf(holder))
	status := acquireStatus(err)
	metrics.LockAcquireDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	metrics.LockAcquireTotal.WithLabelValues(status).Inc()
	if err != nil {
		c.logFailure("acquire", resourceID, holder, err)
		return types.Lock{}, err
	}

	resp, ok := v.(fsm.AcquireLockResponse)
	if !ok {
		return types.Lock{}, fmt.Errorf("unexpected acquire result %T", v)
	}
	return resp.Lock, nil
}

// Release drops the lock on resourceID. force lets a privileged principal
// release a lock held by someone else.
func (c *Coordinator) Release(ctx context.Context, resourceID string, p types.Principal, force bool) error {
	cmd := types.ReleaseLockCommand{
		ResourceID: resourceID,
		Requester:  p.Identity,
		Force:      force,
		Privileged: p.Privileged,
	}

	v, _, err := c.Submit(ctx, cmd, identityOf(p.Identity))
	if err != nil {
		c.logFailure("release", resourceID, p.Identity, err)
		return err
	}
	if _, ok := v.(fsm.ReleaseLockResponse); !ok {
		return fmt.Errorf("unexpected release result %T", v)
	}
	return nil
}

// Locks syncs with the remote and returns the table at the new tip.
func (c *Coordinator) Locks(ctx context.Context) (types.LockTable, types.Revision, error) {
	table, rev, err := c.ledger.Snapshot(ctx)
	if err != nil {
		c.logFailure("snapshot", "", "", err)
		return nil, types.Revision{}, err
	}
	c.view.Restore(table, rev)
	metrics.LocksActive.Set(float64(len(table)))
	return table, rev, nil
}

// Lock returns the current lock on resourceID, if any.
func (c *Coordinator) Lock(ctx context.Context, resourceID string) (types.Lock, bool, error) {
	table, _, err := c.Locks(ctx)
	if err != nil {
		return types.Lock{}, false, err
	}
	l, ok := table.Get(resourceID)
	return l, ok, nil
}

// Cached returns the table as of the last mutation or sync this process
// made, without touching the ledger.
func (c *Coordinator) Cached() (types.LockTable, types.Revision) {
	return c.view.Table()
}

// CachedLock looks resourceID up in the cached table.
func (c *Coordinator) CachedLock(resourceID string) (types.Lock, bool) {
	return c.view.GetLock(resourceID)
}

func (c *Coordinator) Stats() fsm.Stats {
	return c.view.Stats()
}

func (c *Coordinator) publish(ctx context.Context, ev types.Event, originator string) {
	if c.pub == nil {
		return
	}
	var exclude []string
	if c.cfg.ExcludeOriginator {
		exclude = append(exclude, originator)
	}
	//delivery outlives a caller that already went away
	c.pub.Broadcast(context.WithoutCancel(ctx), ev, exclude...)
}

// business outcomes are expected, exhausted retries and corruption need an operator
func (c *Coordinator) logFailure(op, resourceID, actor string, err error) {
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("resource", resourceID),
		zap.String("holder", actor),
		zap.Error(err),
	}
	switch {
	case types.IsBusinessOutcome(err), errors.Is(err, types.ErrInvalidArgument):
		c.logger.Debug("lock request refused", fields...)
	case errors.Is(err, types.ErrCorruptState), errors.Is(err, types.ErrPushRejected), errors.Is(err, types.ErrConflict):
		c.logger.Error("lock request failed", fields...)
	default:
		c.logger.Warn("lock request failed", fields...)
	}
}

// a caller whose deadline ran out waiting was failed by a slow remote,
// cancellation is the caller's own doing
func waitErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.SyncError{Op: "transaction", Err: err}
	}
	return err
}

func acquireStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, types.ErrAlreadyLocked):
		return "already_locked"
	default:
		return "error"
	}
}

// commit author for a mutation made on behalf of name
func identityOf(name string) types.Identity {
	return types.Identity{Name: name}
}
