package rpc

import (
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MEKXH/tollgate/internal/approval"
)

// toStatus maps engine errors onto gRPC status codes, mirroring the HTTP
// gateway's mapping.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var (
		validation   *approval.ValidationError
		stale        *approval.StaleStateError
		notEligible  *approval.NotEligibleError
		unassignable *approval.UnassignableCaseError
	)
	switch {
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &notEligible):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, approval.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &stale):
		return status.Error(codes.Aborted, err.Error())
	case errors.As(err, &unassignable):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		slog.Error("rpc request failed", "error", err)
		return status.Error(codes.Internal, "internal error")
	}
}
