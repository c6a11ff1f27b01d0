package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/pixperk/pdmlock/api/v1"
	"github.com/pixperk/pdmlock/pkg/fsm"
	"github.com/pixperk/pdmlock/pkg/hub"
	"github.com/pixperk/pdmlock/pkg/server"
	"github.com/pixperk/pdmlock/pkg/types"
)

// lock table in memory, publishing through the hub like the real coordinator
type memCoordinator struct {
	mu    sync.Mutex
	table types.LockTable
	rev   int
	hub   *hub.Hub

	//mutate-then-publish and read-then-deliver take turns, like the worker
	order sync.Mutex
}

func (m *memCoordinator) apply(cmd types.Command) (any, types.Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, next, err := fsm.Apply(m.table, cmd)
	if err != nil {
		return nil, types.Revision{}, err
	}
	m.table = next
	m.rev++
	return res, types.Revision{ID: fmt.Sprintf("rev-%d", m.rev)}, nil
}

func (m *memCoordinator) Acquire(ctx context.Context, resourceID, holder, reason string) (types.Lock, error) {
	m.order.Lock()
	defer m.order.Unlock()
	v, rev, err := m.apply(types.AcquireLockCommand{ResourceID: resourceID, Holder: holder, Reason: reason, At: time.Now()})
	if err != nil {
		return types.Lock{}, err
	}
	lock := v.(fsm.AcquireLockResponse).Lock
	m.hub.Broadcast(ctx, types.ResourceLockedEvent(lock, rev))
	return lock, nil
}

func (m *memCoordinator) Release(ctx context.Context, resourceID string, p types.Principal, force bool) error {
	m.order.Lock()
	defer m.order.Unlock()
	v, rev, err := m.apply(types.ReleaseLockCommand{ResourceID: resourceID, Requester: p.Identity, Force: force, Privileged: p.Privileged})
	if err != nil {
		return err
	}
	resp := v.(fsm.ReleaseLockResponse)
	m.hub.Broadcast(ctx, types.ResourceUnlockedEvent(resp.Released, p.Identity, resp.Forced, rev, time.Now()))
	return nil
}

func (m *memCoordinator) Locks(context.Context) (types.LockTable, types.Revision, error) {
	t, rev := m.Cached()
	return t, rev, nil
}

func (m *memCoordinator) Resync(ctx context.Context, fn func(types.LockTable, types.Revision, error)) error {
	m.order.Lock()
	defer m.order.Unlock()
	table, rev, err := m.Locks(ctx)
	fn(table, rev, err)
	return nil
}

func (m *memCoordinator) Cached() (types.LockTable, types.Revision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Clone(), types.Revision{ID: fmt.Sprintf("rev-%d", m.rev)}
}

type fixture struct {
	hub  *hub.Hub
	lis  *bufconn.Listener
	stop func()
}

func startServer(tb testing.TB) *fixture {
	tb.Helper()
	logger := zaptest.NewLogger(tb)

	h := hub.New(hub.DefaultConfig(), nil, logger)
	coord := &memCoordinator{table: types.NewLockTable(), hub: h}
	srv := server.NewServer(coord, h, server.DefaultConfig(),
		server.WithLogger(logger),
		server.WithIdentityProvider(server.NewMetadataIdentityProvider([]string{"admin"})),
	)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	srv.Register(gs)
	go func() { _ = gs.Serve(lis) }()
	stop := func() {
		h.CloseAll()
		gs.Stop()
	}
	tb.Cleanup(stop)
	return &fixture{hub: h, lis: lis, stop: stop}
}

func (f *fixture) dial(tb testing.TB, identity string, tweak ...func(*Config)) *Client {
	tb.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "passthrough:///bufnet"
	cfg.Identity = identity
	for _, fn := range tweak {
		fn(&cfg)
	}
	c, err := NewClient(cfg, zaptest.NewLogger(tb),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return f.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(tb, err)
	tb.Cleanup(func() { c.Close() })
	return c
}

func fastReconnect(cfg *Config) {
	cfg.Backoff.Initial = 20 * time.Millisecond
	cfg.Backoff.Max = 100 * time.Millisecond
}

func TestNewClientRequiresIdentity(t *testing.T) {
	_, err := NewClient(Config{Addr: "localhost:9000"}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestAcquireReleaseTypedErrors(t *testing.T) {
	ctx := context.Background()
	f := startServer(t)
	alice, bob := f.dial(t, "alice"), f.dial(t, "bob")

	lock, err := alice.Acquire(ctx, "part-7", "rev B")
	require.NoError(t, err)
	assert.Equal(t, "alice", lock.Holder)
	assert.Equal(t, "rev B", lock.Reason)

	_, err = bob.Acquire(ctx, "part-7", "")
	var already *types.AlreadyLockedError
	require.ErrorAs(t, err, &already)
	assert.Equal(t, "alice", already.CurrentHolder)
	assert.Equal(t, "part-7", already.ResourceID)
	assert.Equal(t, "already locked by alice", types.UserMessage(err))

	err = bob.Release(ctx, "part-7", false)
	var owner *types.OwnershipError
	require.ErrorAs(t, err, &owner)
	assert.Equal(t, "alice", owner.Holder)
	assert.Equal(t, "bob", owner.Requester)

	require.NoError(t, lock.Release(ctx))
	assert.ErrorIs(t, lock.Release(ctx), types.ErrNotLocked)

	_, err = alice.Acquire(ctx, "", "")
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestListLocks(t *testing.T) {
	ctx := context.Background()
	f := startServer(t)
	alice := f.dial(t, "alice")

	_, err := alice.Acquire(ctx, "part-1", "")
	require.NoError(t, err)
	_, err = alice.Acquire(ctx, "part-2", "")
	require.NoError(t, err)

	table, rev, err := alice.ListLocks(ctx)
	require.NoError(t, err)
	assert.Len(t, table, 2)
	assert.Equal(t, "rev-2", rev)
}

func TestFromStatus(t *testing.T) {
	plain := errors.New("boom")
	assert.Same(t, plain, fromStatus(plain, "p", "me"))

	err := fromStatus(status.Error(codes.Unavailable, "lock service unavailable, try again"), "p", "me")
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, "lock service unavailable, try again", types.UserMessage(err))

	err = fromStatus(status.Error(codes.DeadlineExceeded, "context deadline exceeded"), "p", "me")
	assert.Equal(t, "lock service unavailable, try again", types.UserMessage(err))

	err = fromStatus(status.Error(codes.DataLoss, "corrupt"), "p", "me")
	assert.ErrorIs(t, err, types.ErrCorruptState)

	err = fromStatus(status.Error(codes.NotFound, "file is not locked"), "p", "me")
	assert.ErrorIs(t, err, types.ErrNotLocked)

	//unrecognised precondition text stays a status error
	err = fromStatus(status.Error(codes.FailedPrecondition, "something else"), "p", "me")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) saw(s State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

func TestSessionTracksEvents(t *testing.T) {
	ctx := context.Background()
	f := startServer(t)
	alice := f.dial(t, "alice")
	s := f.dial(t, "viewer").NewSession(nil)
	s.Start(ctx)
	defer s.Close()

	require.Eventually(t, func() bool { return s.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"viewer"}, s.Peers())

	_, err := alice.Acquire(ctx, "part-7", "rev B")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, ok := s.Locks()["part-7"]
		return ok && e.Holder == "alice"
	}, 5*time.Second, 10*time.Millisecond)

	watcher := f.dial(t, "bob").NewSession(nil)
	watcher.Start(ctx)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"bob", "viewer"}, s.Peers())
	}, 5*time.Second, 10*time.Millisecond)
	watcher.Close()
	assert.Equal(t, StateClosed, watcher.State())
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"viewer"}, s.Peers())
	}, 5*time.Second, 10*time.Millisecond)

	var seen []types.EventType
	for len(s.Events()) > 0 {
		seen = append(seen, (<-s.Events()).Type)
	}
	assert.Contains(t, seen, types.EventResourceLocked)
	assert.NotContains(t, seen, types.EventPong)
}

// TestSessionConvergesAfterReconnect tests that a session which missed
// events while disconnected ends up with the server's lock table
func TestSessionConvergesAfterReconnect(t *testing.T) {
	ctx := context.Background()
	f := startServer(t)
	alice, bob := f.dial(t, "alice"), f.dial(t, "bob")

	var log stateLog
	s := f.dial(t, "viewer", fastReconnect).NewSession(log.record)
	s.Start(ctx)
	defer s.Close()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)

	lock, err := alice.Acquire(ctx, "part-1", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := s.Locks()["part-1"]; return ok }, 5*time.Second, 10*time.Millisecond)

	//drop the stream server side and change the table while it is away
	f.hub.CloseAll()
	_, err = bob.Acquire(ctx, "part-2", "")
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))

	require.Eventually(t, func() bool {
		locks := s.Locks()
		_, stale := locks["part-1"]
		e, ok := locks["part-2"]
		return s.State() == StateOpen && !stale && ok && e.Holder == "bob"
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, log.saw(StateReconnecting))
	assert.Equal(t, "rev-3", s.Revision())
}

func TestSessionReconnectsAfterServerRestart(t *testing.T) {
	ctx := context.Background()
	f := startServer(t)

	var log stateLog
	s := f.dial(t, "viewer", fastReconnect).NewSession(log.record)
	s.Start(ctx)
	defer s.Close()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)

	f.stop()
	require.Eventually(t, func() bool { return s.State() == StateReconnecting }, 5*time.Second, 10*time.Millisecond)

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	for range s.Events() {
	}
}

// TestSessionHeartbeat tests that pongs keep a session open past the
// heartbeat timeout
func TestSessionHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := startServer(t)

	var log stateLog
	s := f.dial(t, "viewer", func(cfg *Config) {
		cfg.HeartbeatInterval = 20 * time.Millisecond
		cfg.HeartbeatTimeout = 100 * time.Millisecond
	}).NewSession(log.record)
	s.Start(ctx)
	defer s.Close()
	require.Eventually(t, func() bool { return s.State() == StateOpen }, 5*time.Second, 10*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateOpen, s.State())
	assert.False(t, log.saw(StateReconnecting))
}

// accepts the event stream and never writes to it, a server behind a
// half-open connection looks the same to the client
type silentService struct {
	pb.UnimplementedLockServiceServer
}

func (silentService) Subscribe(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	for {
		if _, err := stream.Recv(); err != nil {
			return nil
		}
	}
}

// TestSessionSilentServerReconnects tests that a stream with no traffic from
// the server is given up after the heartbeat timeout, independent of how
// rarely pings go out
func TestSessionSilentServerReconnects(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	pb.RegisterLockServiceServer(gs, silentService{})
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)
	f := &fixture{lis: lis}

	var log stateLog
	s := f.dial(t, "viewer", fastReconnect, func(cfg *Config) {
		cfg.HeartbeatInterval = time.Minute
		cfg.HeartbeatTimeout = 100 * time.Millisecond
	}).NewSession(log.record)
	s.Start(context.Background())
	defer s.Close()

	require.Eventually(t, func() bool { return log.saw(StateReconnecting) }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, log.saw(StateOpen), "no resync reply ever arrived")
}

func TestCloseWithoutStart(t *testing.T) {
	f := startServer(t)
	s := f.dial(t, "viewer").NewSession(nil)
	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())
	_, open := <-s.Events()
	assert.False(t, open)
}

func TestPeerListHelpers(t *testing.T) {
	var peers []string
	peers = addPeer(peers, "carol")
	peers = addPeer(peers, "alice")
	peers = addPeer(peers, "bob")
	peers = addPeer(peers, "alice")
	assert.Equal(t, []string{"alice", "bob", "carol"}, peers)

	peers = removePeer(peers, "bob")
	peers = removePeer(peers, "nobody")
	assert.Equal(t, []string{"alice", "carol"}, peers)
}
