package transport

import (
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"golang.org/x/net/context"
)

// DefaultDialTimeout is used when a GrpcWorkerFactory is created without an
// explicit dial timeout.
const DefaultDialTimeout = time.Second * 5

// grpcChannel adapts a *grpc.ClientConn to the Channel interface.
type grpcChannel struct {
	conn *grpc.ClientConn
}

func (ch *grpcChannel) Close() error {
	return ch.conn.Close()
}

// ClientConn returns the underlying *grpc.ClientConn so that operations can
// construct service clients against it.
func (ch *grpcChannel) ClientConn() *grpc.ClientConn {
	return ch.conn
}

// GrpcClientConn extracts the *grpc.ClientConn carried by a WorkerConnection
// that was created by a GrpcWorkerFactory. The second return value is false
// if the connection's channel is not gRPC-backed.
func GrpcClientConn(conn *WorkerConnection) (*grpc.ClientConn, bool) {
	ch, ok := conn.Channel().(*grpcChannel)
	if !ok {
		return nil, false
	}

	return ch.ClientConn(), true
}

// GrpcWorkerFactory is the default Factory implementation. It dials a single
// worker endpoint over gRPC; the worker side is expected to be a long-lived
// process serving the inference-worker RPC surface.
type GrpcWorkerFactory struct {
	// WorkerAddress is the host:port of the worker endpoint to dial.
	WorkerAddress string

	// DialTimeout bounds how long a single CreateConnection call may spend
	// establishing the channel. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// DialOptions are appended to the default dial options, primarily so
	// that tests and TLS-enabled deployments can override credentials.
	DialOptions []grpc.DialOption

	log logger.Logger
}

// NewGrpcWorkerFactory creates a GrpcWorkerFactory that dials the given
// worker address.
func NewGrpcWorkerFactory(workerAddress string, dialOptions ...grpc.DialOption) *GrpcWorkerFactory {
	factory := &GrpcWorkerFactory{
		WorkerAddress: workerAddress,
		DialTimeout:   DefaultDialTimeout,
		DialOptions:   dialOptions,
	}

	config.InitLogger(&factory.log, factory)

	return factory
}

// CreateConnection dials the worker endpoint and returns a WorkerConnection
// wrapping the resulting client channel. The dial blocks until the channel is
// ready, so a successful create means the worker was actually reachable; a
// worker that cannot be reached within the dial timeout fails the create.
func (f *GrpcWorkerFactory) CreateConnection(ctx context.Context) (*WorkerConnection, error) {
	if f.WorkerAddress == "" {
		return nil, status.Error(codes.InvalidArgument, "no worker address configured")
	}

	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, f.DialOptions...)

	gConn, err := grpc.DialContext(dialCtx, f.WorkerAddress, opts...)
	if err != nil {
		f.log.Error("Failed to dial worker at \"%s\": %v", f.WorkerAddress, err)
		return nil, status.Errorf(codes.Unavailable, "could not dial worker at \"%s\": %v", f.WorkerAddress, err)
	}

	conn := NewWorkerConnection(&grpcChannel{conn: gConn})

	f.log.Debug("Established new worker connection %s to \"%s\".", conn.ID(), f.WorkerAddress)

	return conn, nil
}

// CloseConnection tears down the connection's gRPC channel. If the channel is
// already shut down, CloseConnection is a no-op.
func (f *GrpcWorkerFactory) CloseConnection(conn *WorkerConnection) error {
	ch, ok := conn.Channel().(*grpcChannel)
	if !ok {
		return conn.Channel().Close()
	}

	if ch.conn.GetState() == connectivity.Shutdown {
		return nil
	}

	f.log.Debug("Closing worker connection %s.", conn.ID())

	return ch.conn.Close()
}
