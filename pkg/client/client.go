package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/pixperk/pdmlock/api/v1"
	"github.com/pixperk/pdmlock/pkg/types"
)

type Config struct {
	Addr              string        `mapstructure:"addr"`
	Identity          string        `mapstructure:"identity"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	Backoff           BackoffConfig `mapstructure:"backoff"`
	EventBuffer       int           `mapstructure:"event_buffer"`
}

// reconnect backoff, see cenkalti/backoff ExponentialBackOff
type BackoffConfig struct {
	Initial       time.Duration `mapstructure:"initial"`
	Multiplier    float64       `mapstructure:"multiplier"`
	Max           time.Duration `mapstructure:"max"`
	Randomization float64       `mapstructure:"randomization"`
}

func DefaultConfig() Config {
	return Config{
		Addr:              "localhost:9000",
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
		Backoff: BackoffConfig{
			Initial:       500 * time.Millisecond,
			Multiplier:    2,
			Max:           30 * time.Second,
			Randomization: 0.5,
		},
		EventBuffer: 256,
	}
}

type Client struct {
	cfg    Config
	conn   *grpc.ClientConn
	rpc    pb.LockServiceClient
	logger *zap.Logger
}

// NewClient dials addr lazily, the first call or session opens the connection.
func NewClient(cfg Config, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if strings.TrimSpace(cfg.Identity) == "" {
		return nil, fmt.Errorf("%w: client identity required", types.ErrInvalidArgument)
	}
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = d.Backoff.Initial
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = d.Backoff.Max
	}
	if cfg.Backoff.Randomization < 0 || cfg.Backoff.Randomization > 1 {
		cfg.Backoff.Randomization = d.Backoff.Randomization
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = d.EventBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Client{
		cfg:    cfg,
		conn:   conn,
		rpc:    pb.NewLockServiceClient(conn),
		logger: logger.With(zap.String("identity", cfg.Identity)),
	}, nil
}

func (c *Client) Identity() string {
	return c.cfg.Identity
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return pb.WithIdentity(ctx, c.cfg.Identity)
}

func (c *Client) Acquire(ctx context.Context, resourceID, reason string) (*Lock, error) {
	req, err := pb.AcquireRequest{ResourceID: resourceID, Reason: reason}.ToProto()
	if err != nil {
		return nil, err
	}

	out, err := c.rpc.Acquire(c.outgoing(ctx), req)
	if err != nil {
		return nil, fromStatus(err, resourceID, c.cfg.Identity)
	}

	lock, err := pb.LockFromProto(out)
	if err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	return &Lock{client: c, Lock: lock}, nil
}

// Release drops a lock. force releases someone else's lock and needs a
// privileged identity on the server.
func (c *Client) Release(ctx context.Context, resourceID string, force bool) error {
	req, err := pb.ReleaseRequest{ResourceID: resourceID, Force: force}.ToProto()
	if err != nil {
		return err
	}

	if _, err := c.rpc.Release(c.outgoing(ctx), req); err != nil {
		return fromStatus(err, resourceID, c.cfg.Identity)
	}
	return nil
}

// ListLocks returns the lock table at the server's latest ledger revision.
func (c *Client) ListLocks(ctx context.Context) (types.LockTable, string, error) {
	out, err := c.rpc.Locks(c.outgoing(ctx), &structpb.Struct{})
	if err != nil {
		return nil, "", fromStatus(err, "", c.cfg.Identity)
	}

	resp, err := pb.LocksResponseFromProto(out)
	if err != nil {
		return nil, "", fmt.Errorf("decode locks: %w", err)
	}
	return resp.Locks, resp.Revision, nil
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// turns a gRPC status back into the typed domain error the server mapped it from
func fromStatus(err error, resourceID, identity string) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()

	switch st.Code() {
	case codes.FailedPrecondition:
		if holder, ok := strings.CutPrefix(msg, "already locked by "); ok {
			return &types.AlreadyLockedError{ResourceID: resourceID, CurrentHolder: holder}
		}
	case codes.NotFound:
		return &types.NotLockedError{ResourceID: resourceID}
	case codes.PermissionDenied:
		oe := &types.OwnershipError{ResourceID: resourceID, Requester: identity}
		//"<id> is locked by <holder>, not <requester>"
		if _, rest, ok := strings.Cut(msg, " is locked by "); ok {
			if i := strings.LastIndex(rest, ", not "); i >= 0 {
				oe.Holder = rest[:i]
			}
		}
		return oe
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", types.ErrInvalidArgument, msg)
	case codes.Unavailable, codes.DeadlineExceeded:
		return &types.SyncError{Op: "rpc", Err: err}
	case codes.DataLoss:
		return &types.CorruptStateError{Err: err}
	}
	return err
}
