package server

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/pixperk/pdmlock/api/v1"
	"github.com/pixperk/pdmlock/pkg/hub"
	"github.com/pixperk/pdmlock/pkg/metrics"
	ptime "github.com/pixperk/pdmlock/pkg/time"
	"github.com/pixperk/pdmlock/pkg/types"
)

// Coordinator is the lock authority behind the service.
type Coordinator interface {
	Acquire(ctx context.Context, resourceID, holder, reason string) (types.Lock, error)
	Release(ctx context.Context, resourceID string, p types.Principal, force bool) error
	Locks(ctx context.Context) (types.LockTable, types.Revision, error)
	Cached() (types.LockTable, types.Revision)

	// Resync reads the table and calls fn in the same order the coordinator
	// publishes lock events, so nothing fn delivers can overtake one.
	Resync(ctx context.Context, fn func(types.LockTable, types.Revision, error)) error
}

type Config struct {
	OutboxSize     int           //events buffered per subscriber
	HelloTimeout   time.Duration //how long a new stream may stay silent
	WriterShutdown time.Duration //wait for a subscriber's writer on stream end
	ResyncDelivery time.Duration //bound on queueing a resync reply for a slow subscriber
}

func DefaultConfig() Config {
	return Config{
		OutboxSize:     64,
		HelloTimeout:   10 * time.Second,
		WriterShutdown: 2 * time.Second,
		ResyncDelivery: 5 * time.Second,
	}
}

type Server struct {
	pb.UnimplementedLockServiceServer

	cfg      Config
	coord    Coordinator
	hub      *hub.Hub
	identity IdentityProvider
	limiter  RateLimiter
	clock    ptime.Clock
	logger   *zap.Logger
}

type Option func(*Server)

func WithIdentityProvider(p IdentityProvider) Option {
	return func(s *Server) { s.identity = p }
}

func WithRateLimiter(l RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithClock(c ptime.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// wraps the coordinator and hub into a gRPC server
func NewServer(coord Coordinator, h *hub.Hub, cfg Config, opts ...Option) *Server {
	d := DefaultConfig()
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = d.OutboxSize
	}
	if cfg.HelloTimeout <= 0 {
		cfg.HelloTimeout = d.HelloTimeout
	}
	if cfg.WriterShutdown <= 0 {
		cfg.WriterShutdown = d.WriterShutdown
	}
	if cfg.ResyncDelivery <= 0 {
		cfg.ResyncDelivery = d.ResyncDelivery
	}
	s := &Server{cfg: cfg, coord: coord, hub: h}
	for _, opt := range opts {
		opt(s)
	}
	if s.identity == nil {
		s.identity = NewMetadataIdentityProvider(nil)
	}
	if s.clock == nil {
		s.clock = ptime.NewClock()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("server")
	return s
}

// Register adds the service to a grpc server.
func (s *Server) Register(gs *grpc.Server) {
	pb.RegisterLockServiceServer(gs, s)
}

func (s *Server) Acquire(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}

	in := pb.AcquireRequestFromProto(req)
	if in.ResourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "resource_id required")
	}

	lock, err := s.coord.Acquire(ctx, in.ResourceID, p.Identity, in.Reason)
	if err != nil {
		return nil, toGRPCError(err)
	}

	out, err := pb.LockToProto(lock)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) Release(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}

	in := pb.ReleaseRequestFromProto(req)
	if in.ResourceID == "" {
		return nil, status.Error(codes.InvalidArgument, "resource_id required")
	}

	if err := s.coord.Release(ctx, in.ResourceID, p, in.Force); err != nil {
		return nil, toGRPCError(err)
	}
	return pb.ReleasedProto(), nil
}

func (s *Server) Locks(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.identity.Identify(ctx); err != nil {
		return nil, err
	}

	table, rev, err := s.coord.Locks(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}

	out, err := pb.LocksResponse{Locks: table, Revision: rev.ID}.ToProto()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Subscribe turns the stream into a hub subscriber. The client opens with
// hello, then sends ping and resync for as long as it stays connected.
func (s *Server) Subscribe(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	ctx := stream.Context()
	p, err := s.identity.Identify(ctx)
	if err != nil {
		return err
	}

	if err := s.awaitHello(stream); err != nil {
		return err
	}

	sub := newStreamSubscriber(p.Identity, stream, s.cfg.OutboxSize, s.logger)
	go sub.writeLoop()
	defer func() {
		sub.Close()
		//a writer stuck in Send is released once the stream context ends
		select {
		case <-sub.stopped:
		case <-time.After(s.cfg.WriterShutdown):
		}
	}()

	s.hub.Register(ctx, sub)
	defer s.hub.Disconnect(context.WithoutCancel(ctx), sub.ID())

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			s.handleControl(ctx, sub, msg)
		}
	}()

	select {
	case err := <-recvErr:
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			sub.logger.Debug("subscriber closed stream")
			return nil
		}
		sub.logger.Debug("subscriber stream failed", zap.Error(err))
		return err
	case <-sub.Done():
		//replaced by a newer connection, dropped by the hub or the writer failed
		return status.Error(codes.Aborted, "subscription closed by server")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) awaitHello(stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	type recv struct {
		msg *structpb.Struct
		err error
	}
	ch := make(chan recv, 1)
	go func() {
		msg, err := stream.Recv()
		ch <- recv{msg, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		ev, err := types.EventFromProto(r.msg)
		if err != nil || ev.Type != types.ControlHello {
			return status.Error(codes.InvalidArgument, "first message must be hello")
		}
		return nil
	case <-time.After(s.cfg.HelloTimeout):
		return status.Error(codes.DeadlineExceeded, "no hello received")
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
}

func (s *Server) handleControl(ctx context.Context, sub *streamSubscriber, msg *structpb.Struct) {
	s.hub.Touch(sub.ID())

	ev, err := types.EventFromProto(msg)
	if err != nil {
		sub.logger.Debug("ignoring malformed control message", zap.Error(err))
		return
	}

	switch ev.Type {
	case types.EventPing:
		if err := sub.Deliver(ctx, types.NewPong(s.clock.Now())); err != nil {
			sub.logger.Debug("pong not delivered", zap.Error(err))
		}

	case types.ControlResync:
		err := s.coord.Resync(ctx, func(table types.LockTable, rev types.Revision, err error) {
			s.deliverSnapshot(ctx, sub, table, rev, err)
		})
		if err != nil {
			//coordinator not running, nothing is being published either
			s.deliverSnapshot(ctx, sub, nil, types.Revision{}, err)
		}

	case types.EventPong, types.ControlHello:
		//liveness only

	default:
		sub.logger.Debug("ignoring unexpected message", zap.String("type", string(ev.Type)))
	}
}

// deliverSnapshot queues the resync reply, falling back to the last known
// table when the remote could not be read
func (s *Server) deliverSnapshot(ctx context.Context, sub *streamSubscriber, table types.LockTable, rev types.Revision, err error) {
	if err != nil {
		sub.logger.Warn("resync served from cache", zap.Error(err))
		table, rev = s.coord.Cached()
	}
	if table == nil {
		table = types.NewLockTable()
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ResyncDelivery)
	defer cancel()
	snap := types.PresenceSnapshotEvent(s.hub.Snapshot(), table, rev, s.clock.Now())
	if err := sub.Deliver(dctx, snap); err != nil {
		sub.logger.Debug("resync snapshot not delivered", zap.Error(err))
	}
}

// resolves the caller and charges one mutation against their rate limit
func (s *Server) authorize(ctx context.Context) (types.Principal, error) {
	p, err := s.identity.Identify(ctx)
	if err != nil {
		return types.Principal{}, err
	}
	if s.limiter != nil && !s.limiter.Allow(p.Identity) {
		metrics.RateLimitedTotal.Inc()
		return types.Principal{}, status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", p.Identity)
	}
	return p, nil
}
