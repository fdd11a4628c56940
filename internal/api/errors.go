package api

import (
	"context"
	"errors"

	"github.com/matheus3301/multichat/internal/errs"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var kindCodes = map[errs.Kind]codes.Code{
	errs.Validation: codes.InvalidArgument,
	errs.Auth:       codes.Unauthenticated,
	errs.Conflict:   codes.FailedPrecondition,
	errs.Network:    codes.Unavailable,
	errs.NotFound:   codes.NotFound,
	errs.Unknown:    codes.Internal,
}

// toStatus converts an engine error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	return grpcstatus.Error(kindCodes[errs.KindOf(err)], err.Error())
}

// FromStatus converts a gRPC error back into an engine error so callers
// can branch on errs.Kind.
func FromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := grpcstatus.FromError(err)
	if !ok {
		return errs.NetworkError(op, err)
	}
	for kind, code := range kindCodes {
		if code == st.Code() {
			return errs.E(kind, op, "%s", st.Message())
		}
	}
	return errs.NetworkError(op, err)
}
