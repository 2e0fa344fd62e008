package transport_test

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/scusemua/inference-pool/test_utils"
	"github.com/scusemua/inference-pool/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"golang.org/x/net/context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Transport Error Classification Tests", func() {
	It("Will not classify nil", func() {
		Expect(transport.MarkTransportError(nil)).To(BeNil())
		Expect(transport.IsTransportError(nil)).To(BeFalse())
	})

	It("Will not classify plain business errors", func() {
		Expect(transport.IsTransportError(errors.New("bad prompt"))).To(BeFalse())
		Expect(transport.IsTransportError(context.Canceled)).To(BeFalse())
	})

	It("Will classify explicitly tagged errors", func() {
		cause := errors.New("broken pipe")
		tagged := transport.MarkTransportError(cause)

		Expect(transport.IsTransportError(tagged)).To(BeTrue())
		Expect(errors.Is(tagged, transport.ErrTransportFailure)).To(BeTrue())
		Expect(errors.Is(tagged, cause)).To(BeTrue())

		// Tagging survives further wrapping.
		wrapped := fmt.Errorf("operation failed: %w", tagged)
		Expect(transport.IsTransportError(wrapped)).To(BeTrue())
	})

	It("Will classify gRPC status codes that imply a broken channel", func() {
		Expect(transport.IsTransportError(status.Error(codes.Unavailable, "worker down"))).To(BeTrue())
		Expect(transport.IsTransportError(status.Error(codes.Aborted, "stream torn down"))).To(BeTrue())
		Expect(transport.IsTransportError(status.Error(codes.Internal, "worker crashed"))).To(BeTrue())

		Expect(transport.IsTransportError(status.Error(codes.InvalidArgument, "bad request"))).To(BeFalse())
		Expect(transport.IsTransportError(status.Error(codes.NotFound, "no such model"))).To(BeFalse())
	})
})

var _ = Describe("gRPC Worker Factory Tests", func() {
	It("Will refuse to dial without a worker address", func() {
		factory := transport.NewGrpcWorkerFactory("")

		_, err := factory.CreateConnection(context.Background())
		Expect(err).ToNot(BeNil())

		st, ok := status.FromError(err)
		Expect(ok).To(BeTrue())
		Expect(st.Code()).To(Equal(codes.InvalidArgument))
	})

	It("Will create gRPC-backed connections that expose their client channel", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(BeNil())

		server := grpc.NewServer()
		defer server.Stop()

		go func() {
			defer GinkgoRecover()
			_ = server.Serve(listener)
		}()

		factory := transport.NewGrpcWorkerFactory(listener.Addr().String())

		conn, err := factory.CreateConnection(context.Background())
		Expect(err).To(BeNil())
		Expect(conn).ToNot(BeNil())
		Expect(conn.IsHealthy()).To(BeTrue())

		clientConn, ok := transport.GrpcClientConn(conn)
		Expect(ok).To(BeTrue())
		Expect(clientConn).ToNot(BeNil())

		Expect(factory.CloseConnection(conn)).To(BeNil())

		// Closing an already-shut-down channel is a no-op.
		Expect(factory.CloseConnection(conn)).To(BeNil())
	})

	It("Will fail the create when the worker is unreachable within the dial timeout", func() {
		// Nothing listens on port 1.
		factory := transport.NewGrpcWorkerFactory("127.0.0.1:1")
		factory.DialTimeout = time.Millisecond * 250

		start := time.Now()

		_, err := factory.CreateConnection(context.Background())
		Expect(err).ToNot(BeNil())
		Expect(time.Since(start)).To(BeNumerically("<", time.Second*5))

		st, ok := status.FromError(err)
		Expect(ok).To(BeTrue())
		Expect(st.Code()).To(Equal(codes.Unavailable))
		Expect(transport.IsTransportError(err)).To(BeTrue())
	})

	It("Will not extract a client channel from a non-gRPC connection", func() {
		conn := transport.NewWorkerConnection(&test_utils.SpoofedChannel{})

		_, ok := transport.GrpcClientConn(conn)
		Expect(ok).To(BeFalse())
	})
})
