package grpcutil

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode extracts a gRPC error code from an error. If the error is not a
// gRPC error, it returns codes.Unknown.
func ErrorCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	return codes.Unknown
}

// IsUnavailable reports whether the remote side could not be reached.
func IsUnavailable(err error) bool {
	return ErrorCode(err) == codes.Unavailable
}

// StatusError converts a sentinel error into a gRPC status error with the
// given code, keeping the message of the original error.
func StatusError(code codes.Code, err error) error {
	var se interface{ GRPCStatus() *status.Status }
	if errors.As(err, &se) {
		return err
	}

	return status.Error(code, err.Error())
}
