package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pixperk/pdmlock/pkg/coordinator"
	"github.com/pixperk/pdmlock/pkg/types"
)

// converts domain errors to gRPC status errors
// the message is what the user sees, contention and unavailability are
// never reported the same way
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	msg := types.UserMessage(err)
	switch {
	case errors.Is(err, types.ErrAlreadyLocked):
		return status.Error(codes.FailedPrecondition, msg)

	case errors.Is(err, types.ErrNotLocked):
		return status.Error(codes.NotFound, msg)

	case errors.Is(err, types.ErrNotLockOwner):
		return status.Error(codes.PermissionDenied, msg)

	case errors.Is(err, types.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, msg)

	case errors.Is(err, types.ErrSync), errors.Is(err, types.ErrPushRejected),
		errors.Is(err, coordinator.ErrStopped), errors.Is(err, coordinator.ErrNotStarted):
		return status.Error(codes.Unavailable, "lock service unavailable, try again")

	case errors.Is(err, types.ErrCorruptState):
		return status.Error(codes.DataLoss, msg)

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	default:
		return status.Error(codes.Internal, msg)
	}
}
