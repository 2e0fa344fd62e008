package execution_test

import (
	"errors"
	"sync"
	"time"

	"github.com/scusemua/inference-pool/execution"
	"github.com/scusemua/inference-pool/metrics"
	"github.com/scusemua/inference-pool/pool"
	"github.com/scusemua/inference-pool/test_utils"
	"github.com/scusemua/inference-pool/transport"

	"golang.org/x/net/context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testConfig returns a pool configuration suitable for fast unit tests.
func testConfig(minSize, maxSize int) *pool.Config {
	return &pool.Config{
		MinSize:                    minSize,
		MaxSize:                    maxSize,
		IdleTimeoutSeconds:         300,
		MaxLifetimeSeconds:         3600,
		HealthCheckIntervalSeconds: 30,
	}
}

var _ = Describe("Execution Engine Tests", func() {
	var (
		factory  *test_utils.SpoofedFactory
		manager  *pool.Manager
		registry *metrics.Registry
		engine   *execution.Engine
	)

	BeforeEach(func() {
		factory = &test_utils.SpoofedFactory{}
		registry = metrics.NewRegistry()
	})

	AfterEach(func() {
		if manager != nil {
			manager.Close()
			manager = nil
		}
	})

	createEngine := func(minSize, maxSize int) {
		var err error
		manager, err = pool.NewManager(testConfig(minSize, maxSize), factory, nil)
		Expect(err).To(BeNil())

		engine = execution.NewEngine(manager, registry, nil)
	}

	Context("Pooled execution", func() {
		It("Will run an operation on a pooled connection and return its result", func() {
			createEngine(0, 2)

			result, err := engine.ExecuteWithPooling(context.Background(),
				func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
					Expect(conn).ToNot(BeNil())
					return "inference-output", nil
				})

			Expect(err).To(BeNil())
			Expect(result).To(Equal("inference-output"))

			stats := manager.Stats()
			Expect(stats.IdleConnections).To(Equal(1))
			Expect(stats.InUseConnections).To(Equal(0))
		})

		It("Will record per-connection metrics around the operation", func() {
			createEngine(0, 2)

			_, err := engine.ExecuteWithPooling(context.Background(),
				func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
					time.Sleep(time.Millisecond * 20)
					return nil, nil
				})
			Expect(err).To(BeNil())

			connectionId := factory.CreatedConnections()[0].ID()

			snapshot, ok := registry.Snapshot(connectionId)
			Expect(ok).To(BeTrue())
			Expect(snapshot.TotalOperations).To(Equal(int64(1)))
			Expect(snapshot.TotalExecutionTime).To(BeNumerically(">=", time.Millisecond*20))
			Expect(snapshot.LastOperationStart).To(BeNil())
		})

		It("Will propagate an operation's error without poisoning the connection", func() {
			createEngine(0, 2)

			opErr := errors.New("model produced garbage")

			_, err := engine.ExecuteWithPooling(context.Background(),
				func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
					return nil, opErr
				})

			Expect(errors.Is(err, opErr)).To(BeTrue())

			// A business-level failure is the caller's problem, not the
			// connection's. The connection goes back to the idle set.
			stats := manager.Stats()
			Expect(stats.IdleConnections).To(Equal(1))
			Expect(factory.NumClosed()).To(Equal(0))
		})

		It("Will dispose of the connection when an operation fails with a transport-level error", func() {
			createEngine(0, 2)

			_, err := engine.ExecuteWithPooling(context.Background(),
				func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
					return nil, transport.MarkTransportError(errors.New("connection reset by worker"))
				})

			Expect(err).ToNot(BeNil())

			stats := manager.Stats()
			Expect(stats.IdleConnections).To(Equal(0))
			Expect(factory.NumClosed()).To(Equal(1))
		})

		It("Will honor a custom health policy", func() {
			createEngine(0, 2)

			engine.SetHealthPolicy(func(err error) bool {
				return true
			})

			_, err := engine.ExecuteWithPooling(context.Background(),
				func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
					return nil, errors.New("any error at all")
				})

			Expect(err).ToNot(BeNil())
			Expect(manager.Stats().IdleConnections).To(Equal(0))
			Expect(factory.NumClosed()).To(Equal(1))
		})

		It("Will release the connection even when the operation panics", func() {
			createEngine(0, 1)

			Expect(func() {
				_, _ = engine.ExecuteWithPooling(context.Background(),
					func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
						panic("worker exploded")
					})
			}).To(PanicWith("worker exploded"))

			// The connection made it back to the pool and its permit was
			// released: the next execution succeeds immediately on a pool
			// with MaxSize of 1.
			Expect(manager.Stats().IdleConnections).To(Equal(1))

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			result, err := engine.ExecuteWithPooling(ctx,
				func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
					return "recovered", nil
				})

			Expect(err).To(BeNil())
			Expect(result).To(Equal("recovered"))
		})

		It("Will make the third concurrent operation wait for one of the first two", func() {
			createEngine(0, 2)

			holdFor := time.Millisecond * 100
			start := time.Now()

			var wg sync.WaitGroup
			for i := 0; i < 3; i++ {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					_, err := engine.ExecuteWithPooling(context.Background(),
						func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
							time.Sleep(holdFor)
							return nil, nil
						})
					Expect(err).To(BeNil())
				}()
			}

			wg.Wait()

			Expect(time.Since(start)).To(BeNumerically(">=", time.Millisecond*150))
			Expect(manager.Stats().PoolMisses).To(Equal(int64(2)))
		})
	})

	Context("Performance metrics", func() {
		It("Will report the hit rate over all acquires", func() {
			createEngine(0, 2)

			noop := func(ctx context.Context, conn *transport.WorkerConnection) (interface{}, error) {
				return nil, nil
			}

			// First execution misses; the second reuses the idle connection.
			_, err := engine.ExecuteWithPooling(context.Background(), noop)
			Expect(err).To(BeNil())

			_, err = engine.ExecuteWithPooling(context.Background(), noop)
			Expect(err).To(BeNil())

			perf := engine.PerformanceMetrics()
			Expect(perf.TotalOperations).To(Equal(int64(2)))
			Expect(perf.PoolHits).To(Equal(int64(1)))
			Expect(perf.PoolMisses).To(Equal(int64(1)))
			Expect(perf.HitRate).To(BeNumerically("~", 0.5, 0.001))
			Expect(perf.TotalConnections).To(Equal(1))
			Expect(perf.Connections).To(HaveLen(1))
		})

		It("Will report a zero hit rate before any acquires", func() {
			createEngine(0, 2)

			perf := engine.PerformanceMetrics()
			Expect(perf.HitRate).To(BeNumerically("==", 0))
			Expect(perf.TotalOperations).To(Equal(int64(0)))
		})
	})
})
