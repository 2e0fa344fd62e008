package transport

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"golang.org/x/net/context"
)

var (
	// ErrConnectionCreationFailed indicates that the Factory failed to create
	// a new WorkerConnection. The associated acquire is aborted and nothing
	// is added to the pool.
	ErrConnectionCreationFailed = errors.New("failed to create a new connection to an inference worker")

	// ErrTransportFailure tags an operation error as a transport-level
	// failure. Operations wrap errors with MarkTransportError when the
	// worker channel itself is broken, as opposed to the operation merely
	// failing at the business level.
	ErrTransportFailure = errors.New("the underlying worker transport failed")
)

// Factory creates and tears down WorkerConnections. The pool treats the
// factory as a pluggable dependency; the default implementation is
// GrpcWorkerFactory.
type Factory interface {
	// CreateConnection establishes a new channel to an inference worker and
	// returns a WorkerConnection wrapping it. The context carries the
	// caller's deadline/cancellation.
	CreateConnection(ctx context.Context) (*WorkerConnection, error)

	// CloseConnection tears down the given connection's channel. Teardown is
	// best-effort; errors are logged by the caller, never propagated to the
	// operation that triggered the disposal.
	CloseConnection(conn *WorkerConnection) error
}

// MarkTransportError wraps err so that IsTransportError reports true for it.
func MarkTransportError(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrTransportFailure, err)
}

// IsTransportError reports whether err indicates a transport-level problem,
// i.e. one that should cost the connection its health. Business-level
// operation errors do not affect connection health.
//
// An error counts as transport-level if it was tagged via MarkTransportError
// or if it carries a gRPC status code that implies a broken channel.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransportFailure) {
		return true
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.Aborted, codes.Internal:
			return true
		}
	}

	return false
}
