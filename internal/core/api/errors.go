package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fkirchmann/ProductionPilot/internal/types"
)

// toStatus maps errors to gRPC status codes.
// Unknown parameters map to NOT_FOUND, malformed references to
// INVALID_ARGUMENT, context errors to CANCELED or DEADLINE_EXCEEDED, and
// everything else to INTERNAL.
func toStatus(err error) error {
	switch {
	case errors.Is(err, types.ErrParameterNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrInvalidParameterID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
