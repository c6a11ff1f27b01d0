package server

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pixperk/pdmlock/pkg/types"
)

var errSubscriberClosed = errors.New("subscriber closed")

// one Subscribe stream as seen by the hub
// every Send goes through the writer goroutine, grpc streams are not safe
// for concurrent senders
type streamSubscriber struct {
	id       string
	identity string
	stream   grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]
	logger   *zap.Logger

	outbox  chan types.Event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newStreamSubscriber(identity string, stream grpc.BidiStreamingServer[structpb.Struct, structpb.Struct], outbox int, logger *zap.Logger) *streamSubscriber {
	if outbox <= 0 {
		outbox = 64
	}
	id := uuid.NewString()
	return &streamSubscriber{
		id:       id,
		identity: identity,
		stream:   stream,
		logger:   logger.With(zap.String("conn", id), zap.String("identity", identity)),
		outbox:   make(chan types.Event, outbox),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (s *streamSubscriber) ID() string       { return s.id }
func (s *streamSubscriber) Identity() string { return s.identity }

// Deliver queues ev for the writer. It blocks while the outbox is full, so
// the hub's delivery timeout decides when a slow reader is dead.
func (s *streamSubscriber) Deliver(ctx context.Context, ev types.Event) error {
	select {
	case <-s.done:
		return errSubscriberClosed
	default:
	}

	select {
	case s.outbox <- ev:
		return nil
	case <-s.done:
		return errSubscriberClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *streamSubscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *streamSubscriber) Done() <-chan struct{} {
	return s.done
}

func (s *streamSubscriber) writeLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.outbox:
			msg, err := ev.ToProto()
			if err != nil {
				s.logger.Error("dropping unencodable event", zap.String("type", string(ev.Type)), zap.Error(err))
				continue
			}
			if err := s.stream.Send(msg); err != nil {
				s.logger.Debug("stream send failed", zap.Error(err))
				s.Close()
				return
			}
		}
	}
}
